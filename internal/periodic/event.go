package periodic

import "periodrt/internal/sched"

// State is where a task is in its period.
type State int

const (
	StateIdle State = iota
	StateSpinning
	StateWorking
	StateRearming
	StateSleeping
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSpinning:
		return "Spinning"
	case StateWorking:
		return "Working"
	case StateRearming:
		return "Rearming"
	case StateSleeping:
		return "Sleeping"
	case StateHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// EventKind represents the type of periodic task event.
type EventKind int

const (
	EventRelease EventKind = iota // entered SPINNING for a new period
	EventWork
	EventRearm
	EventSleep
	EventZeroDelay
	EventDeadlineMiss
	EventResync
	EventHalt
)

func (k EventKind) String() string {
	switch k {
	case EventRelease:
		return "Release"
	case EventWork:
		return "Work"
	case EventRearm:
		return "Rearm"
	case EventSleep:
		return "Sleep"
	case EventZeroDelay:
		return "ZeroDelay"
	case EventDeadlineMiss:
		return "DeadlineMiss"
	case EventResync:
		return "Resync"
	case EventHalt:
		return "Halt"
	default:
		return "Unknown"
	}
}

// Event is emitted by a periodic task at each step of its loop.
type Event struct {
	Tick     sched.Tick
	Kind     EventKind
	Task     string
	Period   int64      // periods completed when the event fired
	Start    sched.Tick // reference point of the upcoming period
	ToDelay  sched.Tick
	Deadline sched.Tick
	Budget   sched.Tick
	Rearm    bool
	Overrun  sched.Tick // DeadlineMiss only
	Skipped  int64      // Resync only
	Err      error      // Halt only, when the work action failed
}

// Miss describes a period that finished after its deadline.
type Miss struct {
	Task    string
	Tick    sched.Tick // when the overrun was detected
	Start   sched.Tick // the already advanced reference point
	Overrun sched.Tick // how late, in ticks
}

// MissAction is what a task does after a deadline miss.
type MissAction int

const (
	// MissContinue starts the next period immediately without sleeping and
	// leaves the rearm flag set.
	MissContinue MissAction = iota
	// MissResync drops the releases already lost and sleeps until the next
	// one still in the future.
	MissResync
)

// MissHandler decides how a task recovers from a deadline miss.
type MissHandler func(Miss) MissAction

// Stats are a task's counters.
type Stats struct {
	Periods    int64
	Start      sched.Tick
	Misses     int64
	MaxOverrun sched.Tick
	Skipped    int64
	ZeroDelays int64
	State      State
}
