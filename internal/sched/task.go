package sched

import "context"

// Tick is an absolute tick count or a duration measured in ticks.
type Tick int64

// TaskID uniquely identifies a task in the scheduler.
type TaskID uint64

// NoTask is reported to tick hooks when the processor is idle.
const NoTask TaskID = 0

const (
	MinPriority = 0
	MaxPriority = 31
)

// Entry is a task body. It runs on its own goroutine but only while the
// scheduler has handed it the processor.
type Entry func(ctx context.Context, arg any) error

// TaskState is the kernel-side lifecycle of a task.
type TaskState int

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskBlocked
	TaskExited
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "Ready"
	case TaskRunning:
		return "Running"
	case TaskBlocked:
		return "Blocked"
	case TaskExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Task represents one schedulable task unit.
type Task struct {
	ID        TaskID
	Name      string
	Priority  int // 0 - 31, where 31 is the highest priority
	StackSize int // informational only, goroutine stacks grow on demand
	Arg       any

	entry  Entry
	state  TaskState
	seq    uint64   // position among tasks of equal priority
	queued readyKey // key under which the task sits in the ready tree
	wakeAt Tick
	ran    int64 // cumulative ticks spent spinning
	err    error // what the entry returned

	resume chan struct{}
}

// newTask creates a task with a clamped priority. The scheduler assigns ID
// and seq when the task is added.
func newTask(entry Entry, name string, stackSize int, arg any, priority int) *Task {
	// clamp priority within the legal region.
	if priority < MinPriority {
		priority = MinPriority
	} else if priority > MaxPriority {
		priority = MaxPriority
	}

	return &Task{
		Name:      name,
		Priority:  priority,
		StackSize: stackSize,
		Arg:       arg,
		entry:     entry,
		state:     TaskReady,
		resume:    make(chan struct{}),
	}
}
