package diag

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestLog_DrainWritesInAppendOrder(t *testing.T) {
	l := New(0)
	for _, m := range []string{"T1 c:1 p:3\n", "T2 c:3 p:5\n"} {
		if err := l.Append(m); err != nil {
			t.Fatalf("Append(%q): %v", m, err)
		}
	}
	l.Seal()

	var out bytes.Buffer
	won, err := l.DrainOnce(&out, 21)
	if err != nil || !won {
		t.Fatalf("DrainOnce = %v, %v; want true, nil", won, err)
	}
	if got, want := out.String(), "T1 c:1 p:3\nT2 c:3 p:5\n"; got != want {
		t.Fatalf("drained %q, want %q", got, want)
	}
	if ok, at := l.Drained(); !ok || at != 21 {
		t.Fatalf("Drained() = %v, %d; want true, 21", ok, at)
	}

	out.Reset()
	won, err = l.DrainOnce(&out, 22)
	if err != nil || won {
		t.Fatalf("second DrainOnce = %v, %v; want false, nil", won, err)
	}
	if out.Len() != 0 {
		t.Fatalf("second drain wrote %q", out.String())
	}
	if l.Contended() != 1 {
		t.Fatalf("contended = %d, want 1", l.Contended())
	}
}

func TestLog_CapacityIsEnforced(t *testing.T) {
	l := New(2)
	if err := l.Append("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Appendf("%s", "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Append("c"); !errors.Is(err, ErrLogFull) {
		t.Fatalf("third append: got %v want %v", err, ErrLogFull)
	}
	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2", l.Len())
	}
}

func TestLog_RejectsOversizedMessage(t *testing.T) {
	l := New(1)
	if err := l.Append(strings.Repeat("x", MaxMessageLen+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("got %v want %v", err, ErrMessageTooLong)
	}
	if err := l.Append(strings.Repeat("x", MaxMessageLen)); err != nil {
		t.Fatalf("message at the limit rejected: %v", err)
	}
}

func TestLog_SealStopsAppends(t *testing.T) {
	l := New(4)
	l.Seal()
	if err := l.Append("late"); !errors.Is(err, ErrSealed) {
		t.Fatalf("got %v want %v", err, ErrSealed)
	}
}

func TestLog_ConcurrentDrainHasOneWinner(t *testing.T) {
	l := New(0)
	for i := 0; i < 10; i++ {
		if err := l.Appendf("msg %d\n", i); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	l.Seal()

	const drainers = 16
	outs := make([]bytes.Buffer, drainers)
	wins := make([]bool, drainers)
	var wg sync.WaitGroup
	for i := 0; i < drainers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := l.DrainOnce(&outs[i], int64(21+i))
			if err != nil {
				t.Errorf("drainer %d: %v", i, err)
			}
			wins[i] = won
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, won := range wins {
		if won {
			winners++
			if !strings.HasPrefix(outs[i].String(), "msg 0\n") || strings.Count(outs[i].String(), "\n") != 10 {
				t.Fatalf("winner wrote %q", outs[i].String())
			}
		} else if outs[i].Len() != 0 {
			t.Fatalf("loser %d wrote %q", i, outs[i].String())
		}
	}
	if winners != 1 {
		t.Fatalf("%d winners, want 1", winners)
	}
	if l.Contended() != drainers-1 {
		t.Fatalf("contended = %d, want %d", l.Contended(), drainers-1)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("console gone") }

func TestLog_DrainReportsWriteError(t *testing.T) {
	l := New(1)
	if err := l.Append("x\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	won, err := l.DrainOnce(failingWriter{}, 30)
	if !won || err == nil {
		t.Fatalf("DrainOnce = %v, %v; want true and an error", won, err)
	}
	if won, _ := l.DrainOnce(&bytes.Buffer{}, 31); won {
		t.Fatal("a failed drain must still count as the one drain")
	}
}
