package periodic

import (
	"fmt"
	"sync"

	"periodrt/internal/sched"
)

// Attributes is the per-task scheduling triple. It is only ever replaced as
// a whole by Commit or field by field by its owning task.
//
// Only Budget is consumed on the tick path (Account). Deadline and Rearm
// are published for an external accounting hook: the loop commits Rearm
// set at every period boundary and clears it only when a period ends with
// zero slack, so after a sleep it stays set for the whole next period.
type Attributes struct {
	Deadline sched.Tick
	Budget   sched.Tick
	Rearm    bool
}

// Owner is the part of the kernel the store needs: who is running, and a
// way to keep the tick path out while a triple is rewritten.
type Owner interface {
	Current() sched.TaskID
	DisablePreemption() sched.PreemptState
	RestorePreemption(sched.PreemptState)
}

type slot struct {
	attrs   Attributes
	compute sched.Tick
}

// Store keeps the attributes of every periodic task. Accessors without an
// ID act on the calling task.
type Store struct {
	mu    sync.RWMutex
	owner Owner
	slots map[sched.TaskID]*slot
}

// NewStore creates an empty store bound to a kernel.
func NewStore(owner Owner) *Store {
	return &Store{
		owner: owner,
		slots: make(map[sched.TaskID]*slot),
	}
}

// Register allocates the slot for a task. The initial triple assumes the
// first period starts at tick 0.
func (s *Store) Register(id sched.TaskID, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.slots[id]; dup {
		return fmt.Errorf("periodic: task %d already registered", id)
	}
	s.slots[id] = &slot{
		attrs:   Attributes{Deadline: cfg.Period, Budget: cfg.ComputationTime},
		compute: cfg.ComputationTime,
	}
	return nil
}

// self returns the calling task's slot. A running task without a slot is a
// wiring bug, not a runtime condition.
func (s *Store) self() *slot {
	id := s.owner.Current()
	sl, ok := s.slots[id]
	if !ok {
		panic(fmt.Sprintf("periodic: task %d has no attribute slot", id))
	}
	return sl
}

func (s *Store) Deadline() sched.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self().attrs.Deadline
}

func (s *Store) SetDeadline(d sched.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self().attrs.Deadline = d
}

func (s *Store) Budget() sched.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self().attrs.Budget
}

// SetBudget clamps b into [0, computation time].
func (s *Store) SetBudget(b sched.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.self()
	sl.attrs.Budget = clamp(b, sl.compute)
}

func (s *Store) Rearm() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self().attrs.Rearm
}

func (s *Store) SetRearm(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self().attrs.Rearm = v
}

// Commit replaces the calling task's triple in one step, with preemption
// disabled so the tick path sees either the old triple or the new one.
func (s *Store) Commit(a Attributes) {
	state := s.owner.DisablePreemption()
	defer s.owner.RestorePreemption(state)

	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.self()
	a.Budget = clamp(a.Budget, sl.compute)
	sl.attrs = a
}

// Snapshot returns a consistent copy of any task's triple.
func (s *Store) Snapshot(id sched.TaskID) (Attributes, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok {
		return Attributes{}, false
	}
	return sl.attrs, true
}

// Account is the budget accounting tick hook: the task that held the
// processor for the tick loses one tick of budget.
func (s *Store) Account(running sched.TaskID, _ sched.Tick) {
	if running == sched.NoTask {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[running]; ok && sl.attrs.Budget > 0 {
		sl.attrs.Budget--
	}
}

func clamp(b, limit sched.Tick) sched.Tick {
	switch {
	case b < 0:
		return 0
	case b > limit:
		return limit
	}
	return b
}
