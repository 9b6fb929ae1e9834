// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reco runs the reconstruction chain over one decoded event.
//
// The chain is declared in the Reco section:
//
//	Reco:
//	  stages:
//	    - name: baseline
//	      type: WaveformBaseline
//	      samples: 16
//	    - name: pulses
//	      type: PulseIntegral
//	      baseline: baseline
//	      calibration: calibration
//	      histograms: histograms
//
// Stages run in list order. The first failing stage stops the chain and its
// error is returned wrapped in a *StageError; the driver neither retries nor
// classifies it.
package reco

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	"github.com/AleutianAI/AleutianNearline/services/nearline/service"
)

// SectionReco declares the stage chain.
const SectionReco = "Reco"

var (
	tracer = otel.Tracer("nearline.reco")
	meter  = otel.Meter("nearline.reco")
)

type recoSection struct {
	Stages []StageSpec `yaml:"stages" validate:"dive"`
}

// Driver runs the configured stages in order.
//
// Thread Safety:
//
//	Driver is NOT safe for concurrent use. The pipeline calls it from one
//	goroutine, one event at a time.
type Driver struct {
	logger    *slog.Logger
	factories Factories
	stages    []Stage
	names     map[string]struct{}
	ready     bool

	metricsOnce   sync.Once
	stageLatency  metric.Float64Histogram
	stageFailures metric.Int64Counter
	eventLatency  metric.Float64Histogram
}

// NewDriver creates a Driver using the built-in stage factories.
//
// Inputs:
//
//	logger - Logger for stage logs. If nil, output is discarded.
func NewDriver(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		logger:    logger,
		factories: DefaultFactories(),
		names:     make(map[string]struct{}),
	}
}

// RegisterFactory adds or replaces the factory for a stage type.
func (d *Driver) RegisterFactory(stageType string, f Factory) {
	d.factories[stageType] = f
}

// Add appends an already-built stage to the chain. Configure will
// configure it together with the stages from the Reco section.
func (d *Driver) Add(stage Stage) error {
	name := stage.Name()
	if _, dup := d.names[name]; dup || name == "" {
		return fmt.Errorf("%w: %q", ErrDuplicateStage, name)
	}
	d.names[name] = struct{}{}
	d.stages = append(d.stages, stage)
	return nil
}

// Stages returns the stage names in execution order.
func (d *Driver) Stages() []string {
	out := make([]string, len(d.stages))
	for i, s := range d.stages {
		out[i] = s.Name()
	}
	return out
}

// Configure builds the stages of the Reco section and configures every
// stage in order.
//
// Description:
//
//	A missing Reco section yields an empty chain. Stage names double as
//	producer identities, so they must be unique and must not be "unpacker".
//
// Outputs:
//
//	error - Decode, factory or stage Configure failure.
func (d *Driver) Configure(cfg *config.Tree, services *service.Registry, store *eventstore.Store) error {
	d.initMetrics()

	if cfg.Has(SectionReco) {
		var section recoSection
		if err := cfg.Decode(SectionReco, &section); err != nil {
			return err
		}
		for _, spec := range section.Stages {
			if spec.Name == eventstore.ProducerUnpacker {
				return fmt.Errorf("%w: %q is reserved", ErrDuplicateStage, spec.Name)
			}
			factory, ok := d.factories[spec.Type]
			if !ok {
				return fmt.Errorf("%w: %q for stage %q", ErrUnknownStageType, spec.Type, spec.Name)
			}
			stage, err := factory(spec, d.logger.With("stage", spec.Name))
			if err != nil {
				return fmt.Errorf("build stage %q: %w", spec.Name, err)
			}
			if err := d.Add(stage); err != nil {
				return err
			}
		}
	}

	for _, stage := range d.stages {
		if err := stage.Configure(cfg, services, store); err != nil {
			return NewStageError(stage.Name(), err)
		}
	}
	d.ready = true
	d.logger.Info("reconstruction configured", "stages", d.Stages())
	return nil
}

// Run executes every stage against the current event.
//
// Outputs:
//
//	error - nil, ErrNotConfigured, or a *StageError for the first failing
//	stage. Later stages are not run.
func (d *Driver) Run(ctx context.Context, store *eventstore.Store, services *service.Registry) error {
	if !d.ready {
		return ErrNotConfigured
	}
	info := store.EventInfo()
	ctx, span := tracer.Start(ctx, "reco.Event",
		trace.WithAttributes(
			attribute.Int64("reco.sequence", int64(info.Sequence)),
			attribute.Int64("reco.midas_serial", int64(info.MidasSerial)),
			attribute.Int("reco.stages", len(d.stages)),
		),
	)
	defer span.End()

	start := time.Now()
	for _, stage := range d.stages {
		if err := d.runStage(ctx, stage, store, services); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	if d.eventLatency != nil {
		d.eventLatency.Record(ctx, time.Since(start).Seconds())
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (d *Driver) runStage(ctx context.Context, stage Stage, store *eventstore.Store, services *service.Registry) error {
	name := stage.Name()
	ctx, span := tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("reco.stage", name)),
	)
	defer span.End()

	start := time.Now()
	err := stage.Run(ctx, store, services)
	duration := time.Since(start)

	if d.stageLatency != nil {
		d.stageLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("stage", name)),
		)
	}
	if err != nil {
		if d.stageFailures != nil {
			d.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", name)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("stage failed",
			slog.String("stage", name),
			slog.Uint64("sequence", store.EventInfo().Sequence),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return NewStageError(name, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// initMetrics lazily creates the instruments. Failures degrade observability
// but never stop a run.
func (d *Driver) initMetrics() {
	d.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		d.stageLatency, err = meter.Float64Histogram("reco_stage_duration_seconds",
			metric.WithDescription("Time spent in each reconstruction stage"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_latency: "+err.Error())
		}

		d.stageFailures, err = meter.Int64Counter("reco_stage_failure_total",
			metric.WithDescription("Number of failed stage executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_failures: "+err.Error())
		}

		d.eventLatency, err = meter.Float64Histogram("reco_event_duration_seconds",
			metric.WithDescription("Time spent reconstructing one event"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "event_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			d.logger.Error("failed to initialize some reco metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}
