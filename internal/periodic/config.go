package periodic

import (
	"errors"
	"fmt"

	"periodrt/internal/sched"
)

var ErrInvalidConfig = errors.New("periodic: invalid task config")

// Config is the immutable timing contract of one periodic task.
type Config struct {
	Name            string
	Period          sched.Tick
	ComputationTime sched.Tick
}

// Validate reports whether the task can ever meet its contract on an
// otherwise idle processor.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	case c.Period <= 0:
		return fmt.Errorf("%w: %s: period %d must be positive", ErrInvalidConfig, c.Name, c.Period)
	case c.ComputationTime <= 0:
		return fmt.Errorf("%w: %s: computation time %d must be positive", ErrInvalidConfig, c.Name, c.ComputationTime)
	case c.ComputationTime > c.Period:
		return fmt.Errorf("%w: %s: computation time %d exceeds period %d", ErrInvalidConfig, c.Name, c.ComputationTime, c.Period)
	}
	return nil
}

// Utilization is the share of the processor the task claims.
func (c Config) Utilization() float64 {
	return float64(c.ComputationTime) / float64(c.Period)
}
