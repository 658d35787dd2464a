package sched

// Config holds the kernel knobs. It is embedded inline in the application
// config file.
type Config struct {
	TickMS      int    `yaml:"tick_ms"`      // 0 = run virtual ticks as fast as possible
	TimeSlicing bool   `yaml:"time_slicing"` // round-robin equal priorities every tick
	RunTicks    Tick   `yaml:"run_ticks"`    // 0 = no horizon
	CSVPath     string `yaml:"csv_path"`     // empty = no CSV trace
}

// DefaultConfig returns the kernel defaults.
func DefaultConfig() Config {
	return Config{
		TickMS:      0,
		TimeSlicing: true,
		RunTicks:    0,
	}
}

// Sanitize clamps values that make no sense back to their defaults.
func (c *Config) Sanitize() {
	if c.TickMS < 0 {
		c.TickMS = 0
	}
	if c.RunTicks < 0 {
		c.RunTicks = 0
	}
}
