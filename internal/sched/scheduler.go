// internal/sched/scheduler.go

package sched

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"
)

var (
	ErrRunning            = errors.New("sched: scheduler already started")
	ErrStopped            = errors.New("sched: scheduler stopped")
	ErrPreemptionDisabled = errors.New("sched: blocking call with preemption disabled")
)

// PreemptState is the nesting level returned by DisablePreemption; hand it
// back to RestorePreemption.
type PreemptState int

// TickHook runs on every tick in interrupt context, i.e. on the kernel
// goroutine while the running task is parked.
type TickHook func(running TaskID, now Tick)

type reqKind int

const (
	reqSpin reqKind = iota
	reqDelay
	reqExit
)

// request is what a task hands back to the kernel when it gives up the
// processor.
type request struct {
	task  *Task
	kind  reqKind
	ticks Tick
	err   error
}

// Scheduler is a single-processor, preemptive, fixed-priority kernel that
// runs on virtual ticks. Every task is a goroutine, but only the one the
// kernel has resumed executes; the rest are parked on their resume channel.
type Scheduler struct {
	// Scheduler-related
	mu        sync.Mutex   // protects the task table and both queues
	cfg       Config       // kernel knobs
	log       core.Logger  // status trace
	now       atomic.Int64 // current tick
	current   atomic.Pointer[Task]
	nextID    TaskID             // last assigned task ID
	seq       uint64             // monotonically increasing queue sequence
	tasks     map[TaskID]*Task   // map of all tasks by ID
	order     []*Task            // tasks in creation order
	live      int                // tasks that have not exited
	ready     *redblacktree.Tree // ready tasks ordered by priority desc, then seq
	sleeping  *redblacktree.Tree // blocked tasks ordered by wake tick, then seq
	hooks     []TickHook
	observers []func(StatusEvent)

	// Only touched by whoever holds the processor, so the hand-off orders it.
	preemptDepth int
	pendingTicks int

	started  atomic.Bool
	clock    *TickClock
	yieldCh  chan request
	done     chan struct{}
	wg       sync.WaitGroup
	statusCh chan StatusEvent

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// New creates a new Scheduler instance with the given configuration. A nil
// logger discards the status trace.
func New(cfg Config, log core.Logger) *Scheduler {
	cfg.Sanitize()
	if log == nil {
		log = mtlog.New()
	}
	return &Scheduler{
		cfg:      cfg,
		log:      log.ForContext("SourceContext", "sched"),
		tasks:    make(map[TaskID]*Task),
		ready:    redblacktree.NewWith(readyCmp),
		sleeping: redblacktree.NewWith(timerCmp),
		yieldCh:  make(chan request),
		done:     make(chan struct{}),
		statusCh: make(chan StatusEvent, 256), // buffered channel for status events
	}
}

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before Run().
func (s *Scheduler) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sched: open csv trace: %w", err)
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"timestamp", "tick", "event", "task_id", "task", "ran_ticks", "wake_at"}); err != nil {
		f.Close()
		return fmt.Errorf("sched: write csv header: %w", err)
	}
	w.Flush()
	s.csvFile = f
	s.csvWriter = w
	return nil
}

// OnTick registers a hook that runs on every tick. Must be called before Run().
func (s *Scheduler) OnTick(h TickHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// CreateTask adds a ready task. Tasks can only be created before Run().
func (s *Scheduler) CreateTask(entry Entry, name string, stackSize int, arg any, priority int) (*Task, error) {
	if entry == nil {
		return nil, fmt.Errorf("sched: task %q has no entry", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return nil, ErrRunning
	}

	s.nextID++
	t := newTask(entry, name, stackSize, arg, priority)
	t.ID = s.nextID
	s.tasks[t.ID] = t
	s.order = append(s.order, t)
	s.live++
	s.enqueue(t, true)
	return t, nil
}

// Now returns the current tick.
func (s *Scheduler) Now() Tick { return Tick(s.now.Load()) }

// Current returns the task holding the processor, or NoTask.
func (s *Scheduler) Current() TaskID {
	if t := s.current.Load(); t != nil {
		return t.ID
	}
	return NoTask
}

// DisablePreemption masks tick hooks and task switches for the caller. It
// nests; pass the returned state to RestorePreemption.
func (s *Scheduler) DisablePreemption() PreemptState {
	st := PreemptState(s.preemptDepth)
	s.preemptDepth++
	return st
}

// RestorePreemption undoes the matching DisablePreemption. When the
// outermost section ends, ticks that elapsed inside it are delivered to the
// hooks.
func (s *Scheduler) RestorePreemption(st PreemptState) {
	s.preemptDepth = int(st)
	if s.preemptDepth > 0 || s.pendingTicks == 0 {
		return
	}
	n := s.pendingTicks
	s.pendingTicks = 0
	id, now := s.Current(), s.Now()
	for i := 0; i < n; i++ {
		s.runHooks(id, now)
	}
}

// Spin burns one tick of processor time for the calling task.
func (s *Scheduler) Spin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.yield(request{kind: reqSpin})
}

// Delay blocks the calling task for the given number of ticks. It wakes on
// exactly Now()+ticks. A non-positive count only yields.
func (s *Scheduler) Delay(ctx context.Context, ticks Tick) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.preemptDepth > 0 {
		return ErrPreemptionDisabled
	}
	return s.yield(request{kind: reqDelay, ticks: ticks})
}

func (s *Scheduler) yield(req request) error {
	t := s.current.Load()
	if t == nil {
		return fmt.Errorf("sched: yield outside task context")
	}
	req.task = t
	select {
	case s.yieldCh <- req:
	case <-s.done:
		return ErrStopped
	}
	select {
	case <-t.resume:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// Observe registers a consumer for the status stream. Observers run on the
// goroutine that called Run, in event order. Must be called before Run().
func (s *Scheduler) Observe(fn func(StatusEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return
	}
	s.observers = append(s.observers, fn)
}

// Run starts the scheduler and blocks until ctx is cancelled, the
// configured tick horizon is reached or every task has exited.
func (s *Scheduler) Run(ctx context.Context) error {
	// the task table is frozen in the same critical section that marks the
	// kernel started, so CreateTask either lands in it or fails
	s.mu.Lock()
	if !s.started.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return ErrRunning
	}
	tasks := append([]*Task(nil), s.order...)
	s.mu.Unlock()

	if s.cfg.TickMS > 0 {
		s.clock = NewTickClock(1)
		s.clock.Start(time.Duration(s.cfg.TickMS) * time.Millisecond)
	}
	for _, t := range tasks {
		s.spawn(ctx, t)
	}

	// start loop
	go s.loop(ctx)

	// consume events
	for ev := range s.statusCh {
		s.handleEvent(ev)
	}

	if s.csvFile != nil {
		s.csvWriter.Flush()
		s.csvFile.Close()
	}

	return ctx.Err()
}

func (s *Scheduler) spawn(ctx context.Context, t *Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-t.resume:
		case <-s.done:
			return
		}
		err := t.entry(ctx, t.Arg)
		select {
		case s.yieldCh <- request{task: t, kind: reqExit, err: err}:
		case <-s.done:
		}
	}()
}

// loop runs the main dispatch loop, which is responsible for selecting the next task
func (s *Scheduler) loop(ctx context.Context) {
	defer func() {
		// stop the underlying clock to release its goroutine
		if s.clock != nil {
			s.clock.Stop()
		}
		s.current.Store(nil)
		// unpark every task goroutine and wait for them to unwind
		close(s.done)
		s.wg.Wait()
		close(s.statusCh)
	}()

	var prev *Task
	idle := false
	for {
		// 1) check shutdown
		if ctx.Err() != nil {
			return
		}
		if s.cfg.RunTicks > 0 && s.Now() >= s.cfg.RunTicks {
			return
		}

		s.mu.Lock()
		if s.live == 0 {
			s.mu.Unlock()
			return
		}
		woken := s.wakeSleepers()
		t := s.pickNext(prev)
		if t != nil {
			s.ready.Remove(t.queued)
			t.state = TaskRunning
		}
		s.mu.Unlock()

		// never emit under s.mu: a full status channel parks the kernel
		// until observers catch up, and observers may read the task table
		for _, ev := range woken {
			s.emit(ev)
		}

		// 2) idle case: nothing ready, still drive one tick
		if t == nil {
			if !idle {
				s.emit(StatusEvent{Kind: StatusIdle})
				idle = true
			}
			s.current.Store(nil)
			prev = nil
			s.advance(ctx, nil)
			continue
		}
		idle = false

		// 3) dispatch next task
		if t != prev {
			if prev != nil && prev.state == TaskReady {
				s.emit(StatusEvent{Kind: StatusPreempt, TaskID: prev.ID, Name: prev.Name, RanTicks: prev.ran})
			}
			s.emit(StatusEvent{Kind: StatusDispatch, TaskID: t.ID, Name: t.Name, RanTicks: t.ran})
		}
		s.current.Store(t)
		t.resume <- struct{}{}

		// 4) the task runs until it spins, sleeps or returns
		req := <-s.yieldCh
		prev = req.task
		s.handle(ctx, req)
	}
}

// handle applies what the task asked for when it yielded.
func (s *Scheduler) handle(ctx context.Context, req request) {
	t := req.task
	switch req.kind {
	case reqSpin:
		s.mu.Lock()
		t.ran++
		s.enqueue(t, s.cfg.TimeSlicing)
		s.mu.Unlock()
		s.advance(ctx, t)

	case reqDelay:
		s.mu.Lock()
		if req.ticks <= 0 {
			s.enqueue(t, true)
			s.mu.Unlock()
			return
		}
		t.state = TaskBlocked
		t.wakeAt = s.Now() + req.ticks
		s.seq++
		s.sleeping.Put(timerKey{wakeAt: t.wakeAt, seq: s.seq}, t)
		s.mu.Unlock()
		s.emit(StatusEvent{Kind: StatusBlock, TaskID: t.ID, Name: t.Name, RanTicks: t.ran, WakeAt: t.wakeAt})

	case reqExit:
		s.mu.Lock()
		t.state = TaskExited
		t.err = req.err
		s.live--
		s.mu.Unlock()
		s.emit(StatusEvent{Kind: StatusExit, TaskID: t.ID, Name: t.Name, RanTicks: t.ran})
		if req.err != nil && !errors.Is(req.err, ErrStopped) {
			s.log.Warning("Task {TaskName} exited with {Error}", t.Name, req.err)
		}
	}
}

// advance moves virtual time forward by one tick and runs the tick hooks,
// unless the running task has preemption disabled.
func (s *Scheduler) advance(ctx context.Context, running *Task) {
	if s.clock != nil {
		select {
		case <-s.clock.Ch:
		case <-ctx.Done():
			return
		}
	}
	id := NoTask
	if running != nil {
		id = running.ID
	}
	now := Tick(s.now.Add(1))
	if s.preemptDepth > 0 {
		s.pendingTicks++
	} else {
		s.runHooks(id, now)
	}
	s.emit(StatusEvent{Kind: StatusTick, TaskID: id})
}

func (s *Scheduler) runHooks(id TaskID, now Tick) {
	s.mu.Lock()
	hooks := s.hooks
	s.mu.Unlock()
	for _, h := range hooks {
		h(id, now)
	}
}

// pickNext returns the next task to run. A task that yielded with
// preemption disabled keeps the processor. Caller holds s.mu.
func (s *Scheduler) pickNext(prev *Task) *Task {
	if prev != nil && prev.state == TaskReady && s.preemptDepth > 0 {
		return prev
	}
	node := s.ready.Left()
	if node == nil {
		return nil
	}
	return node.Value.(*Task)
}

// wakeSleepers moves every task whose wake tick has arrived back to the
// ready queue and returns their Wake events for the caller to emit once it
// has released s.mu. Caller holds s.mu.
func (s *Scheduler) wakeSleepers() []StatusEvent {
	var woken []StatusEvent
	now := s.Now()
	for {
		node := s.sleeping.Left()
		if node == nil {
			return woken
		}
		key := node.Key.(timerKey)
		if key.wakeAt > now {
			return woken
		}
		s.sleeping.Remove(key)
		t := node.Value.(*Task)
		s.enqueue(t, true)
		woken = append(woken, StatusEvent{Kind: StatusWake, TaskID: t.ID, Name: t.Name, RanTicks: t.ran})
	}
}

// enqueue marks t ready. rotate puts it behind every ready task of the same
// priority. Caller holds s.mu.
func (s *Scheduler) enqueue(t *Task, rotate bool) {
	if rotate || t.seq == 0 {
		s.seq++
		t.seq = s.seq
	}
	t.state = TaskReady
	t.queued = readyKey{priority: t.Priority, seq: t.seq}
	s.ready.Put(t.queued, t)
}

func (s *Scheduler) emit(ev StatusEvent) {
	ev.Time = time.Now()
	ev.Tick = s.Now()
	s.statusCh <- ev
}

// TaskInfo is a point-in-time copy of a task's kernel state.
type TaskInfo struct {
	ID       TaskID
	Name     string
	Priority int
	State    TaskState
	RanTicks int64
	Err      error
}

// Tasks reports every task in creation order.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.order))
	for _, t := range s.order {
		out = append(out, TaskInfo{
			ID:       t.ID,
			Name:     t.Name,
			Priority: t.Priority,
			State:    t.state,
			RanTicks: t.ran,
			Err:      t.err,
		})
	}
	return out
}

func (s *Scheduler) handleEvent(ev StatusEvent) {
	// observers are frozen once Run starts
	for _, fn := range s.observers {
		fn(ev)
	}

	// if we received a tick event which periodically occurs,
	// we can just return early and not log it for the brevity of output.
	if ev.Kind == StatusTick {
		return
	}

	s.log.Debug("Tick {Tick} [{Event}] => Task {TaskID} {TaskName}, total ran {RanTicks} ticks",
		ev.Tick, ev.Kind.String(), ev.TaskID, ev.Name, ev.RanTicks)

	// CSV output
	if s.csvWriter != nil {
		rec := []string{
			ev.Time.Format(time.RFC3339Nano),
			strconv.FormatInt(int64(ev.Tick), 10),
			ev.Kind.String(),
			strconv.FormatUint(uint64(ev.TaskID), 10),
			ev.Name,
			strconv.FormatInt(ev.RanTicks, 10),
			strconv.FormatInt(int64(ev.WakeAt), 10),
		}
		if err := s.csvWriter.Write(rec); err != nil {
			s.log.Warning("CSV trace write failed: {Error}", err)
		}
		s.csvWriter.Flush()
	}
}

// readyKey is used as a key in the ready tree.
type readyKey struct {
	priority int
	seq      uint64
}

// readyCmp orders higher priorities first, then FIFO within a priority.
func readyCmp(a, b any) int {
	ka, kb := a.(readyKey), b.(readyKey)
	switch {
	case ka.priority > kb.priority:
		return -1
	case ka.priority < kb.priority:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// timerKey is used as a key in the sleeping tree.
type timerKey struct {
	wakeAt Tick
	seq    uint64
}

func timerCmp(a, b any) int {
	ka, kb := a.(timerKey), b.(timerKey)
	switch {
	case ka.wakeAt < kb.wakeAt:
		return -1
	case ka.wakeAt > kb.wakeAt:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
