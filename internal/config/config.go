package config

import (
	"errors"
	"fmt"
	"os"

	yaml "github.com/goccy/go-yaml"

	"periodrt/internal/diag"
	"periodrt/internal/periodic"
	"periodrt/internal/sched"
)

// DefaultGraceTicks is how long the system runs before the diagnostic log
// is dumped.
const DefaultGraceTicks sched.Tick = 20

var ErrNoTasks = errors.New("config: no tasks configured")

// TaskSpec mirrors one entry of the tasks list.
type TaskSpec struct {
	Name            string     `yaml:"name"`
	ComputationTime sched.Tick `yaml:"computation_time"`
	Period          sched.Tick `yaml:"period"`
	Priority        int        `yaml:"priority"`
	StackSize       int        `yaml:"stack_size"`
}

// Periodic returns the timing contract of the task.
func (t TaskSpec) Periodic() periodic.Config {
	return periodic.Config{
		Name:            t.Name,
		Period:          t.Period,
		ComputationTime: t.ComputationTime,
	}
}

// Config mirrors config.yml
type Config struct {
	sched.Config `yaml:",inline"`

	GraceTicks  sched.Tick `yaml:"grace_ticks"`  // 20 (by default)
	LogCapacity int        `yaml:"log_capacity"` // 100 (by default)
	LogLevel    string     `yaml:"log_level"`    // information (by default)
	Tasks       []TaskSpec `yaml:"tasks"`
}

// Default reproduces the two-task lab setup.
func Default() Config {
	return Config{
		Config:      sched.DefaultConfig(),
		GraceTicks:  DefaultGraceTicks,
		LogCapacity: diag.DefaultCapacity,
		LogLevel:    "information",
		Tasks: []TaskSpec{
			{Name: "T1", ComputationTime: 1, Period: 3, Priority: 2, StackSize: 128},
			{Name: "T2", ComputationTime: 3, Period: 5, Priority: 2, StackSize: 128},
		},
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only.
// A tasks list in the file replaces the default tasks entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.Tasks = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Tasks == nil {
		cfg.Tasks = Default().Tasks
	}

	// sanity clamps
	cfg.Config.Sanitize()
	if cfg.GraceTicks < 0 {
		cfg.GraceTicks = DefaultGraceTicks
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = diag.DefaultCapacity
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "information"
	}

	return cfg, cfg.Validate()
}

// Validate checks the task list. Unlike the kernel knobs, a bad task is
// never silently fixed up.
func (c Config) Validate() error {
	if len(c.Tasks) == 0 {
		return ErrNoTasks
	}
	if len(c.Tasks) > c.LogCapacity {
		return fmt.Errorf("config: %d tasks do not fit a %d slot diagnostic log", len(c.Tasks), c.LogCapacity)
	}
	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if err := t.Periodic().Validate(); err != nil {
			return fmt.Errorf("config: tasks[%d]: %w", i, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("config: tasks[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Utilization sums the processor share claimed by every task.
func (c Config) Utilization() float64 {
	var u float64
	for _, t := range c.Tasks {
		u += t.Periodic().Utilization()
	}
	return u
}
