package lab

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"
	"github.com/willibrandon/mtlog/sinks"

	"periodrt/internal/config"
	"periodrt/internal/periodic"
	"periodrt/internal/sched"
)

func TestSystem_DefaultLabDrainsOnceAndHalts(t *testing.T) {
	cfg := config.Default()
	sink := sinks.NewMemorySink()
	log := mtlog.New(mtlog.WithSink(sink), mtlog.WithMinimumLevel(core.InformationLevel))

	var works []periodic.Event
	record := func(ev periodic.Event) {
		if ev.Kind == periodic.EventWork {
			works = append(works, ev)
		}
	}

	var console bytes.Buffer
	sys, err := Build(cfg, log, &console, periodic.WithObserver(record))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if sys.Log.Len() != 2 {
		t.Fatalf("diagnostic log holds %d messages, want 2", sys.Log.Len())
	}
	if err := sys.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got, want := console.String(), "T1 c:1 p:3\nT2 c:3 p:5\n"; got != want {
		t.Fatalf("console got %q want %q", got, want)
	}

	var first sched.Tick = -1
	for _, ev := range works {
		if ev.Tick > cfg.GraceTicks {
			first = ev.Tick
			break
		}
	}
	ok, at := sys.Log.Drained()
	if !ok || sched.Tick(at) != first {
		t.Fatalf("drained = %v at %d, want true at %d", ok, at, first)
	}
	if sys.Log.Contended() != 1 {
		t.Fatalf("contended = %d, want 1", sys.Log.Contended())
	}

	// every completed period ran one work action, and each task ran one
	// more that halted it
	var periods int64
	for _, r := range sys.Report() {
		periods += r.Stats.Periods
		if r.Stats.State != periodic.StateHalted || r.Kernel != sched.TaskExited {
			t.Fatalf("%s: state %v kernel %v", r.Name, r.Stats.State, r.Kernel)
		}
		if r.Stats.Periods == 0 || r.RanTicks == 0 {
			t.Fatalf("%s never ran: %+v", r.Name, r)
		}
	}
	if got, want := sys.Works.Load(), periods+int64(len(sys.Tasks)); got != want {
		t.Fatalf("works = %d, want %d", got, want)
	}
	if got := int64(len(works)); got != sys.Works.Load() {
		t.Fatalf("%d work events for %d work actions", got, sys.Works.Load())
	}
	if !sink.HasEvent(func(e *core.LogEvent) bool {
		return e.MessageTemplate == "Diagnostic log drained at tick {Tick}, {Contended} later drain attempts skipped"
	}) {
		t.Fatal("drain summary was not logged")
	}
}

func TestBuild_RejectsTooSmallLog(t *testing.T) {
	cfg := config.Default()
	cfg.LogCapacity = 1
	if _, err := Build(cfg, nil, &bytes.Buffer{}); err == nil {
		t.Fatal("two tasks must not fit a one slot log")
	}

	cfg = config.Default()
	cfg.Tasks[1].ComputationTime = 9
	if _, err := Build(cfg, nil, &bytes.Buffer{}); !errors.Is(err, periodic.ErrInvalidConfig) {
		t.Fatalf("got %v want %v", err, periodic.ErrInvalidConfig)
	}
}
