// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusDispatch
	StatusPreempt
	StatusBlock
	StatusWake
	StatusExit
	StatusTick
)

// StatusEvent is emitted every tick or on key actions
type StatusEvent struct {
	Time     time.Time
	Tick     Tick
	Kind     StatusKind
	TaskID   TaskID
	Name     string
	RanTicks int64
	WakeAt   Tick // only for StatusBlock
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusDispatch:
		return "Dispatch"
	case StatusPreempt:
		return "Preempt"
	case StatusBlock:
		return "Block"
	case StatusWake:
		return "Wake"
	case StatusExit:
		return "Exit"
	case StatusTick:
		return "Tick"
	default:
		return "Unknown"
	}
}
