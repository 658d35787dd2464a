// Package lab wires the periodic task demo: a set of periodic tasks on the
// virtual-tick kernel, with the diagnostic log dumped once the system has
// been running for the grace period.
package lab

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"periodrt/internal/config"
	"periodrt/internal/diag"
	"periodrt/internal/job"
	"periodrt/internal/periodic"
	"periodrt/internal/sched"
)

// System is a fully wired, not yet started demo.
type System struct {
	Kernel *sched.Scheduler
	Store  *periodic.Store
	Log    *diag.Log
	Tasks  []*periodic.Task

	// Works counts work actions started by all tasks, the halting one
	// included.
	Works atomic.Int64

	cfg config.Config
	log core.Logger
}

// Build creates every task, fills and seals the diagnostic log. Drained
// messages are written to console. Extra options apply to every task.
func Build(cfg config.Config, log core.Logger, console io.Writer, opts ...periodic.Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = mtlog.New()
	}

	k := sched.New(cfg.Config, log)
	store := periodic.NewStore(k)
	k.OnTick(store.Account)

	dlog := diag.New(cfg.LogCapacity)
	sys := &System{Kernel: k, Store: store, Log: dlog, cfg: cfg, log: log}
	work := job.Chain(job.Count(&sys.Works), job.DrainAfter(dlog, cfg.GraceTicks, console))

	for _, spec := range cfg.Tasks {
		taskOpts := append([]periodic.Option{periodic.WithWork(work), periodic.WithLogger(log)}, opts...)
		t, err := periodic.New(spec.Periodic(), k, store, taskOpts...)
		if err != nil {
			return nil, err
		}
		if _, err := t.Spawn(k, spec.Priority, spec.StackSize); err != nil {
			return nil, err
		}
		sys.Tasks = append(sys.Tasks, t)
	}

	for _, spec := range cfg.Tasks {
		if err := dlog.Appendf("%s c:%d p:%d\n", spec.Name, spec.ComputationTime, spec.Period); err != nil {
			return nil, fmt.Errorf("lab: diagnostic log for %s: %w", spec.Name, err)
		}
	}
	dlog.Seal()

	if cfg.CSVPath != "" {
		if err := k.EnableCSVLogging(cfg.CSVPath); err != nil {
			return nil, err
		}
	}
	return sys, nil
}

// Run starts the kernel and blocks until it stops.
func (s *System) Run(ctx context.Context) error {
	s.log.Information("Starting {TaskCount} periodic tasks, utilization {Utilization}",
		len(s.Tasks), fmt.Sprintf("%.2f", s.cfg.Utilization()))
	err := s.Kernel.Run(ctx)
	for _, r := range s.Report() {
		s.log.Information("Task {Task}: {Periods} periods, {Misses} misses (max overrun {MaxOverrun}), state {State}, ran {RanTicks} ticks",
			r.Name, r.Stats.Periods, r.Stats.Misses, r.Stats.MaxOverrun, r.Stats.State, r.RanTicks)
	}
	s.log.Information("{Works} work actions ran", s.Works.Load())
	if ok, at := s.Log.Drained(); ok {
		s.log.Information("Diagnostic log drained at tick {Tick}, {Contended} later drain attempts skipped", at, s.Log.Contended())
	}
	return err
}

// TaskReport combines a task's periodic counters with its kernel state.
type TaskReport struct {
	Name     string
	Stats    periodic.Stats
	RanTicks int64
	Kernel   sched.TaskState
}

// Report describes every task, in configuration order.
func (s *System) Report() []TaskReport {
	info := make(map[sched.TaskID]sched.TaskInfo)
	for _, ti := range s.Kernel.Tasks() {
		info[ti.ID] = ti
	}
	out := make([]TaskReport, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		ti := info[t.ID()]
		out = append(out, TaskReport{
			Name:     t.Config().Name,
			Stats:    t.Stats(),
			RanTicks: ti.RanTicks,
			Kernel:   ti.State,
		})
	}
	return out
}
