package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"periodrt/internal/config"
	"periodrt/internal/lab"
	"periodrt/internal/sched"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to the built-in two-task lab)")
	csvPath := flag.String("csv", "", "write the scheduler trace as CSV to this file")
	runTicks := flag.Int64("run-ticks", -1, "stop after this many ticks (0 = run until interrupted)")
	flag.Parse()

	// Read the configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log := mtlog.New(mtlog.WithConsole())
		log.Fatal("Invalid configuration: {Error}", err)
		os.Exit(1)
	}
	if *csvPath != "" {
		cfg.CSVPath = *csvPath
	}
	if *runTicks >= 0 {
		cfg.RunTicks = sched.Tick(*runTicks)
	}

	log := mtlog.New(mtlog.WithConsole(), mtlog.WithMinimumLevel(parseLevel(cfg.LogLevel)))

	sys, err := lab.Build(cfg, log, os.Stdout)
	if err != nil {
		log.Fatal("Setup failed: {Error}", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := sys.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Scheduler stopped: {Error}", err)
		os.Exit(1)
	}
}

func parseLevel(s string) core.LogEventLevel {
	switch strings.ToLower(s) {
	case "verbose":
		return core.VerboseLevel
	case "debug":
		return core.DebugLevel
	case "warning", "warn":
		return core.WarningLevel
	case "error":
		return core.ErrorLevel
	default:
		return core.InformationLevel
	}
}
