package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"periodrt/internal/periodic"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathGivesLabDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("got %+v want %+v", cfg, Default())
	}
	want := []TaskSpec{
		{Name: "T1", ComputationTime: 1, Period: 3, Priority: 2, StackSize: 128},
		{Name: "T2", ComputationTime: 3, Period: 5, Priority: 2, StackSize: 128},
	}
	if !reflect.DeepEqual(cfg.Tasks, want) {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if cfg.GraceTicks != 20 || !cfg.TimeSlicing {
		t.Fatalf("grace %d slicing %v", cfg.GraceTicks, cfg.TimeSlicing)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
tick_ms: 5
time_slicing: false
run_ticks: 100
grace_ticks: 30
log_level: debug
tasks:
  - name: fast
    computation_time: 1
    period: 2
    priority: 4
  - name: slow
    computation_time: 2
    period: 10
    priority: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TickMS != 5 || cfg.TimeSlicing || cfg.RunTicks != 100 || cfg.GraceTicks != 30 || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.LogCapacity != 100 {
		t.Fatalf("log capacity = %d, want the default", cfg.LogCapacity)
	}
	if len(cfg.Tasks) != 2 || cfg.Tasks[0].Periodic() != (periodic.Config{Name: "fast", Period: 2, ComputationTime: 1}) {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if u := cfg.Utilization(); u < 0.69 || u > 0.71 {
		t.Fatalf("utilization = %f, want 0.7", u)
	}
}

func TestLoad_KeepsDefaultTasksWhenOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tick_ms: -4\nlog_capacity: 0\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg.Tasks, Default().Tasks) {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if cfg.TickMS != 0 || cfg.LogCapacity != 100 {
		t.Fatalf("sanity clamps not applied: %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: got %v", err)
	}

	bad := writeConfig(t, `
tasks:
  - name: T1
    computation_time: 4
    period: 3
`)
	if _, err := Load(bad); !errors.Is(err, periodic.ErrInvalidConfig) {
		t.Fatalf("budget over period: got %v want %v", err, periodic.ErrInvalidConfig)
	}

	dup := writeConfig(t, `
tasks:
  - {name: T1, computation_time: 1, period: 3}
  - {name: T1, computation_time: 1, period: 4}
`)
	if _, err := Load(dup); err == nil {
		t.Fatal("duplicate names must be rejected")
	}

	noTasks := Default()
	noTasks.Tasks = nil
	if err := noTasks.Validate(); !errors.Is(err, ErrNoTasks) {
		t.Fatalf("empty task list: got %v want %v", err, ErrNoTasks)
	}

	if _, err := Load(writeConfig(t, "tasks: [oops\n")); err == nil {
		t.Fatal("malformed YAML must be rejected")
	}
}
