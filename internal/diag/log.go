// Package diag holds the one-shot diagnostic message buffer. Messages are
// appended while the system is being set up and printed exactly once, by
// the first periodic task that asks for them.
package diag

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/lists/arraylist"
)

const (
	// DefaultCapacity is the number of message slots.
	DefaultCapacity = 100
	// MaxMessageLen is the longest message a slot can hold, in bytes.
	MaxMessageLen = 19
)

var (
	ErrLogFull        = errors.New("diag: log capacity exceeded")
	ErrMessageTooLong = errors.New("diag: message exceeds slot size")
	ErrSealed         = errors.New("diag: log sealed")
)

// Log is a bounded, append-only message buffer.
type Log struct {
	mu       sync.Mutex
	capacity int
	msgs     *arraylist.List
	sealed   bool

	drained   atomic.Bool // exchange-once guard
	done      bool        // under mu, set by the winner
	drainedAt int64       // under mu
	contended atomic.Int64
}

// New creates a log with the given number of slots. A non-positive capacity
// selects DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		msgs:     arraylist.New(),
	}
}

// Append stores msg in the next free slot.
func (l *Log) Append(msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return ErrSealed
	}
	if len(msg) > MaxMessageLen {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLong, len(msg), MaxMessageLen)
	}
	if l.msgs.Size() >= l.capacity {
		return fmt.Errorf("%w: %d slots", ErrLogFull, l.capacity)
	}
	l.msgs.Add(msg)
	return nil
}

// Appendf renders and appends a message.
func (l *Log) Appendf(format string, args ...any) error {
	return l.Append(fmt.Sprintf(format, args...))
}

// Seal ends the setup phase; later appends fail with ErrSealed.
func (l *Log) Seal() {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
}

// Len returns the number of buffered messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.msgs.Size()
}

// DrainOnce writes every buffered message to w, in append order, the first
// time it is called. Every later call writes nothing and returns false. at
// is recorded as the drain tick.
func (l *Log) DrainOnce(w io.Writer, at int64) (bool, error) {
	if !l.drained.CompareAndSwap(false, true) {
		l.contended.Add(1)
		return false, nil
	}
	l.mu.Lock()
	l.sealed = true
	l.done = true
	l.drainedAt = at
	msgs := l.msgs.Values()
	l.mu.Unlock()

	for _, m := range msgs {
		if _, err := io.WriteString(w, m.(string)); err != nil {
			return true, fmt.Errorf("diag: drain: %w", err)
		}
	}
	return true, nil
}

// Drained reports whether the log has been drained and at which tick.
func (l *Log) Drained() (bool, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done, l.drainedAt
}

// Contended returns how many DrainOnce calls lost to an earlier drain.
func (l *Log) Contended() int64 { return l.contended.Load() }
