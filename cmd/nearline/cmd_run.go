// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianNearline/pkg/logging"
	"github.com/AleutianAI/AleutianNearline/pkg/ux"
	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	"github.com/AleutianAI/AleutianNearline/services/nearline/midas"
	"github.com/AleutianAI/AleutianNearline/services/nearline/monitor"
	"github.com/AleutianAI/AleutianNearline/services/nearline/output"
	"github.com/AleutianAI/AleutianNearline/services/nearline/pipeline"
	"github.com/AleutianAI/AleutianNearline/services/nearline/report"
	"github.com/AleutianAI/AleutianNearline/services/nearline/telemetry"
)

// publisher ships a finished run's summary somewhere durable.
type publisher interface {
	Publish(ctx context.Context, summary *pipeline.Summary, at time.Time) error
}

// runEnv carries the collaborators shared by every file a command processes.
// monitor and reporter may be nil.
type runEnv struct {
	logger   *slog.Logger
	printer  *ux.Printer
	monitor  *monitor.Server
	reporter publisher
}

// recentLogCapacity bounds the warnings and errors kept for /v1/logs.
const recentLogCapacity = 200

// newLogger builds the process logger and the buffer of its recent warnings
// and errors. An explicit --log-level wins over the Unpacker verbosity.
func newLogger(verbosity int) (*logging.Logger, *logging.RecentExporter, error) {
	level := logging.LevelFromVerbosity(verbosity)
	if logLevel != "" {
		parsed, err := logging.ParseLevel(logLevel)
		if err != nil {
			return nil, nil, err
		}
		level = parsed
	}
	recent := logging.NewRecentExporter(recentLogCapacity, logging.LevelWarn)
	return logging.New(logging.Config{
		Level:    level,
		LogDir:   logDir,
		Service:  "nearline",
		JSON:     logJSON,
		Exporter: recent,
	}), recent, nil
}

// setupEnv starts telemetry and builds the shared collaborators. cleanup
// must be called once the command is done. recent is served by the monitor.
func setupEnv(ctx context.Context, logger *slog.Logger, recent monitor.RecentLogs, printer *ux.Printer) (runEnv, func(), error) {
	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return runEnv{}, nil, fmt.Errorf("init telemetry: %w", err)
	}
	env := runEnv{
		logger:  logger,
		printer: printer,
	}
	if monitorAddr != "" {
		env.monitor = monitor.New(logger.With("component", "monitor"), telemetry.MetricsHandler())
		if recent != nil {
			env.monitor.ServeLogs(recent)
		}
	}
	var influx *report.InfluxReporter
	if reportRuns && !noReport {
		influx = report.NewInfluxReporter(report.ConfigFromEnv())
		env.reporter = influx
	}
	cleanup := func() {
		if influx != nil {
			influx.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}
	return env, cleanup, nil
}

func printerMode(w io.Writer) ux.Mode {
	if f, ok := w.(*os.File); ok {
		return ux.ModeFor(f)
	}
	return ux.ModePlain
}

func cmdPrinter(cmd *cobra.Command) *ux.Printer {
	w := cmd.OutOrStdout()
	return ux.NewPrinter(w, printerMode(w))
}

// serveWhile runs work and, when a monitor is configured, serves it until
// work returns.
func serveWhile(ctx context.Context, env runEnv, work func(context.Context) error) error {
	if env.monitor == nil {
		return work(ctx)
	}
	g, gctx := errgroup.WithContext(ctx)
	workCtx, cancel := context.WithCancel(gctx)
	g.Go(func() error {
		defer cancel()
		return work(workCtx)
	})
	g.Go(func() error {
		return env.monitor.Serve(workCtx, monitorAddr)
	})
	return g.Wait()
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfgPath, err := resolveConfigPath(args[0])
	if err != nil {
		return err
	}
	input := args[1]
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("input file: %w", err)
	}
	outPath := defaultOutput(".", input)
	if len(args) == 3 {
		outPath = args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	unpackerOpts, err := cfg.Unpacker()
	if err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}

	log, recent, err := newLogger(unpackerOpts.Verbosity)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, cleanup, err := setupEnv(ctx, log.Slog(), recent, cmdPrinter(cmd))
	if err != nil {
		return err
	}
	defer cleanup()

	return serveWhile(ctx, env, func(ctx context.Context) error {
		_, err := processFile(ctx, env, cfg, input, outPath)
		return err
	})
}

// processFile runs the pipeline over one input file.
//
// Description:
//
//	Injects run and subrun from the file name, builds the pipeline, runs it
//	and prints the summary. A summary is printed for failed runs too. A
//	failing reporter is logged and does not fail the run.
//
// Inputs:
//
//	cfg - Freshly loaded configuration. Run and subrun must not be set yet.
//	input - MIDAS run file.
//	outPath - Output database directory.
//
// Outputs:
//
//	*pipeline.Summary - nil when the pipeline could not be built.
//	error - Build or run failure.
func processFile(ctx context.Context, env runEnv, cfg *config.Tree, input, outPath string) (*pipeline.Summary, error) {
	logger := env.logger.With("input", input)
	run, subrun, ok := parseRunSubrun(input)
	if !ok {
		logger.Warn("cannot parse run and subrun from file name, using 0/0")
	}
	if err := cfg.SetRunSubrun(run, subrun); err != nil {
		return nil, err
	}

	src, err := midas.Open(input)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer src.Close()

	sink := output.NewBadgerSinkAt(outPath, logger)
	p, err := pipeline.Build(cfg, src, sink, logger)
	if err != nil {
		return nil, err
	}
	if env.monitor != nil {
		env.monitor.Track(p)
	}

	summary, runErr := p.Run(ctx)
	if env.monitor != nil {
		env.monitor.Finished(summary)
	}
	if env.reporter != nil {
		if err := env.reporter.Publish(ctx, summary, time.Now()); err != nil {
			logger.Warn("run summary not published", "error", err)
		}
	}
	printSummary(env.printer, input, outPath, summary, runErr)
	return summary, runErr
}

// printSummary writes the end-of-run table, then the outcome line.
func printSummary(p *ux.Printer, input, outPath string, s *pipeline.Summary, runErr error) {
	rows := []ux.Row{
		{Key: "input", Value: input},
		{Key: "output", Value: outPath},
		{Key: "session", Value: s.SessionID},
		{Key: "stop reason", Value: s.StopReason},
		{Key: "records read", Value: fmt.Sprint(s.RecordsRead)},
		{Key: "metadata records", Value: fmt.Sprint(s.MetadataRecords)},
		{Key: "ignored records", Value: fmt.Sprint(s.IgnoredRecords)},
		{Key: "data records", Value: fmt.Sprint(s.DataRecords)},
		{Key: "events", Value: fmt.Sprint(s.Events)},
		{Key: "unpack errors", Value: fmt.Sprint(s.UnpackErrors)},
		{Key: "discarded events", Value: fmt.Sprint(s.DiscardedEvents)},
		{Key: "unpack s/event", Value: fmt.Sprintf("%.6f", s.PerEvent(s.UnpackTime))},
		{Key: "reco s/event", Value: fmt.Sprintf("%.6f", s.PerEvent(s.RecoTime))},
		{Key: "write s/event", Value: fmt.Sprintf("%.6f", s.PerEvent(s.WriteTime))},
		{Key: "elapsed", Value: s.Elapsed.Round(time.Millisecond).String()},
	}
	for _, svc := range s.Services {
		rows = append(rows, ux.Row{Key: "service " + svc.Name, Value: svc.Text})
	}
	p.Table(fmt.Sprintf("Run %d subrun %d", s.Run, s.Subrun), rows)

	switch {
	case runErr != nil:
		p.ErrorBox("run failed", runErr.Error())
	case s.UnpackErrors > 0:
		p.Warning(fmt.Sprintf("%d data records had unpack errors", s.UnpackErrors))
	default:
		p.Success(fmt.Sprintf("%d events written", s.Events))
	}
}
