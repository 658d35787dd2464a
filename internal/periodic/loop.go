// Package periodic runs fixed-period, fixed-budget tasks on top of a
// preemptive priority kernel.
//
// Each task loops forever: it spins until the tick hook has drained its
// computation budget, runs its work action, computes how long to sleep
// from the schedule (not from when it woke, so jitter never accumulates),
// commits its next deadline and budget in one step and sleeps.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"periodrt/internal/job"
	"periodrt/internal/sched"
)

// Kernel is what a periodic task needs from the scheduler.
type Kernel interface {
	Owner
	Now() sched.Tick
	Spin(ctx context.Context) error
	Delay(ctx context.Context, ticks sched.Tick) error
}

// Spawner creates kernel tasks.
type Spawner interface {
	CreateTask(entry sched.Entry, name string, stackSize int, arg any, priority int) (*sched.Task, error)
}

// Option configures a Task.
type Option func(*Task)

// WithWork sets the action run once per period after the budget is spent.
func WithWork(w job.Work) Option {
	return func(t *Task) { t.work = w }
}

// WithObserver receives every event the task emits, synchronously, from
// the task's own context.
func WithObserver(fn func(Event)) Option {
	return func(t *Task) { t.observe = fn }
}

// WithMissHandler overrides the default MissContinue policy.
func WithMissHandler(h MissHandler) Option {
	return func(t *Task) { t.onMiss = h }
}

func WithLogger(log core.Logger) Option {
	return func(t *Task) { t.log = log }
}

// Task is one periodic task.
type Task struct {
	cfg     Config
	k       Kernel
	store   *Store
	work    job.Work
	observe func(Event)
	onMiss  MissHandler
	log     core.Logger

	mu    sync.Mutex
	stats Stats
	id    sched.TaskID
}

// New validates cfg and builds a task. It does not create the kernel task;
// see Spawn.
func New(cfg Config, k Kernel, store *Store, opts ...Option) (*Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Task{
		cfg:    cfg,
		k:      k,
		store:  store,
		onMiss: func(Miss) MissAction { return MissContinue },
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = mtlog.New()
	}
	t.log = t.log.ForContext("Task", cfg.Name)
	return t, nil
}

// Spawn creates the kernel task running t and registers its attribute slot.
func (t *Task) Spawn(sp Spawner, priority, stackSize int) (sched.TaskID, error) {
	h, err := sp.CreateTask(entry, t.cfg.Name, stackSize, t, priority)
	if err != nil {
		return sched.NoTask, fmt.Errorf("periodic: create %s: %w", t.cfg.Name, err)
	}
	if err := t.store.Register(h.ID, t.cfg); err != nil {
		return sched.NoTask, err
	}
	t.mu.Lock()
	t.id = h.ID
	t.mu.Unlock()
	return h.ID, nil
}

func entry(ctx context.Context, arg any) error {
	return arg.(*Task).Run(ctx)
}

// Config returns the task's timing contract.
func (t *Task) Config() Config { return t.cfg }

// ID returns the kernel task ID, or NoTask before Spawn.
func (t *Task) ID() sched.TaskID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Stats returns a copy of the task's counters.
func (t *Task) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Run is the task body. It must run as the kernel task registered for t.
// It returns nil once the work action halts the task, or the kernel's
// error when the kernel stops.
func (t *Task) Run(ctx context.Context) error {
	period, compute := t.cfg.Period, t.cfg.ComputationTime
	t.store.SetDeadline(period)
	t.store.SetBudget(compute)

	// every task measures its periods from the global epoch, not from
	// when it first ran
	var start sched.Tick
	for {
		t.setState(StateSpinning)
		t.emit(Event{Kind: EventRelease, Start: start})
		for t.store.Budget() > 0 {
			if err := t.k.Spin(ctx); err != nil {
				return err
			}
		}

		t.setState(StateWorking)
		t.emit(Event{Kind: EventWork, Start: start})
		if t.work != nil {
			if err := t.work(ctx, t.k.Now()); err != nil {
				if errors.Is(err, job.ErrHalt) {
					t.halt(err)
					return nil
				}
				t.log.Warning("Work action failed at tick {Tick}: {Error}", t.k.Now(), err)
			}
		}

		end := t.k.Now()
		todelay := period - (end - start)
		start += period

		t.setState(StateRearming)
		t.rearm(todelay)
		t.mu.Lock()
		t.stats.Periods++
		t.stats.Start = start
		t.mu.Unlock()
		t.emit(Event{Kind: EventRearm, Start: start, ToDelay: todelay})

		if todelay < 0 {
			var skipped int64
			start, todelay, skipped = t.missed(start, todelay)
			if skipped > 0 {
				t.rearm(todelay)
				t.emit(Event{Kind: EventResync, Start: start, ToDelay: todelay, Skipped: skipped})
			}
		}
		if err := t.settle(ctx, start, todelay); err != nil {
			return err
		}
	}
}

// rearm commits the next period's triple.
func (t *Task) rearm(todelay sched.Tick) {
	t.store.Commit(Attributes{
		Deadline: t.k.Now() + todelay,
		Budget:   t.cfg.ComputationTime,
		Rearm:    true,
	})
}

// settle sleeps out the rest of the period. A zero delay means the next
// period starts right now; the rearm flag is cleared instead of sleeping.
// A negative delay (an overrun the miss handler chose to live with) starts
// the next period immediately with the flag left set.
func (t *Task) settle(ctx context.Context, start, todelay sched.Tick) error {
	switch {
	case todelay > 0:
		t.setState(StateSleeping)
		t.emit(Event{Kind: EventSleep, Start: start, ToDelay: todelay})
		return t.k.Delay(ctx, todelay)
	case todelay == 0:
		if t.store.Rearm() {
			t.store.SetRearm(false)
		}
		t.mu.Lock()
		t.stats.ZeroDelays++
		t.mu.Unlock()
		t.emit(Event{Kind: EventZeroDelay, Start: start})
	}
	return nil
}

// missed records an overrun and applies the miss handler. It returns the
// possibly moved reference point and delay, and how many releases were
// dropped.
func (t *Task) missed(start, todelay sched.Tick) (sched.Tick, sched.Tick, int64) {
	overrun := -todelay
	now := t.k.Now()

	t.mu.Lock()
	t.stats.Misses++
	if overrun > t.stats.MaxOverrun {
		t.stats.MaxOverrun = overrun
	}
	t.mu.Unlock()
	t.emit(Event{Kind: EventDeadlineMiss, Start: start, ToDelay: todelay, Overrun: overrun})
	t.log.Warning("Deadline missed by {Overrun} ticks at tick {Tick}", overrun, now)

	if t.onMiss(Miss{Task: t.cfg.Name, Tick: now, Start: start, Overrun: overrun}) != MissResync {
		return start, todelay, 0
	}

	period := t.cfg.Period
	skipped := int64((overrun + period - 1) / period)
	start += sched.Tick(skipped) * period
	todelay += sched.Tick(skipped) * period

	t.mu.Lock()
	t.stats.Skipped += skipped
	t.stats.Start = start
	t.mu.Unlock()
	return start, todelay, skipped
}

func (t *Task) halt(err error) {
	t.setState(StateHalted)
	ev := Event{Kind: EventHalt}
	// anything beyond the bare sentinel carries a cause
	if err != job.ErrHalt {
		ev.Err = err
	}
	t.emit(ev)
	t.log.Information("Halted at tick {Tick}", t.k.Now())
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.stats.State = s
	t.mu.Unlock()
}

// emit fills in the common fields and hands the event to the observer.
func (t *Task) emit(ev Event) {
	if t.observe == nil {
		return
	}
	ev.Tick = t.k.Now()
	ev.Task = t.cfg.Name
	if a, ok := t.store.Snapshot(t.ID()); ok {
		ev.Deadline = a.Deadline
		ev.Budget = a.Budget
		ev.Rearm = a.Rearm
	}
	t.mu.Lock()
	ev.Period = t.stats.Periods
	t.mu.Unlock()
	t.observe(ev)
}
