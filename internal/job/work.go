package job

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"periodrt/internal/diag"
	"periodrt/internal/sched"
)

// ErrHalt tells the periodic loop to stop the task for good.
var ErrHalt = errors.New("job: halt")

// Work is the useful action a periodic task performs once per period, after
// its budget is spent. now is the tick at which the action starts.
type Work func(ctx context.Context, now sched.Tick) error

// DrainAfter returns a work action that, once now is past grace, prints the
// diagnostic log to w and halts the calling task. Only the first task to get
// there prints; every task that crosses the threshold halts.
func DrainAfter(log *diag.Log, grace sched.Tick, w io.Writer) Work {
	return func(ctx context.Context, now sched.Tick) error {
		if now <= grace {
			return nil
		}
		if _, err := log.DrainOnce(w, int64(now)); err != nil {
			return errors.Join(ErrHalt, err)
		}
		return ErrHalt
	}
}

// Chain runs each action in order and stops at the first error.
func Chain(works ...Work) Work {
	return func(ctx context.Context, now sched.Tick) error {
		for _, w := range works {
			if w == nil {
				continue
			}
			if err := w(ctx, now); err != nil {
				return err
			}
		}
		return nil
	}
}

// Count returns a work action that increments n every period.
func Count(n *atomic.Int64) Work {
	return func(context.Context, sched.Tick) error {
		n.Add(1)
		return nil
	}
}
