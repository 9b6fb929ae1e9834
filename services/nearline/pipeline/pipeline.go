// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline drives one run file through unpacking, reconstruction
// and output.
//
// # Control Flow
//
// Records are read one at a time and classified. A BOR record replaces
// the run's ODB singleton and is appended to the sink straight away. A data
// record is handed to the unpacker, which yields zero or more logical
// events; each one clears the event store, receives the decoded
// collections, is reconstructed and is appended. Every other record is
// skipped.
//
// # Failure Policy
//
//   - Unpack error: the record is abandoned, the run continues.
//   - Reconstruction error: fatal, ErrReconstruction.
//   - Sink error: fatal, ErrOutput.
//   - Truncated last event (midas.ErrTruncated): ends the input, the run
//     is finalized normally with StopTruncated.
//   - Any other source error: fatal, ErrSource.
//
// After a fatal error aggregates are not written, the service reports are
// not collected, and the sink is closed.
//
// # Partial Records
//
// An unpack error can follow events already decoded from the same record.
// With the keep policy those events were appended as they were produced and
// stay in the output. With the discard policy the events of a record are
// held until the unpacker reports the record done, and an error drops them
// all.
//
// # Thread Safety
//
// Run executes on the caller's goroutine and is not reentrant. Progress is
// safe to read from other goroutines while Run is active.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	"github.com/AleutianAI/AleutianNearline/services/nearline/midas"
	"github.com/AleutianAI/AleutianNearline/services/nearline/output"
	"github.com/AleutianAI/AleutianNearline/services/nearline/service"
	"github.com/AleutianAI/AleutianNearline/services/nearline/telemetry"
	"github.com/AleutianAI/AleutianNearline/services/nearline/wfd5"
)

var tracer = otel.Tracer("nearline.pipeline")

// Sentinel errors for the pipeline package.
var (
	// ErrReconstruction wraps a reconstruction failure. Fatal.
	ErrReconstruction = errors.New("reconstruction failed")

	// ErrOutput wraps a sink failure. Fatal.
	ErrOutput = errors.New("output failed")

	// ErrSource wraps a record source failure. Fatal.
	ErrSource = errors.New("record source failed")

	// ErrCancelled is returned when the context ends the run early.
	ErrCancelled = errors.New("run cancelled")

	// ErrMissingDependency is returned by New for a nil dependency.
	ErrMissingDependency = errors.New("missing pipeline dependency")

	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("pipeline already run")
)

// Stop reasons reported in Summary.StopReason.
const (
	StopEndOfInput = "end of input"
	StopMaxRecords = "max_midas_events reached"
	StopTruncated  = "truncated input"
	StopError      = "error"
)

// Source yields raw records in file order and io.EOF at the end.
type Source interface {
	Next() (*midas.Record, error)
}

// Unpacker turns one data record into logical events.
type Unpacker interface {
	UnpackNext(rec *midas.Record) (wfd5.Status, error)
	Decoded() wfd5.Decoded
}

// Reconstructor runs the stage chain over the current event.
type Reconstructor interface {
	Run(ctx context.Context, store *eventstore.Store, services *service.Registry) error
}

// Deps are the configured collaborators of a Pipeline.
type Deps struct {
	Source   Source
	Unpacker Unpacker
	Store    *eventstore.Store
	Services *service.Registry
	Reco     Reconstructor
	Sink     output.Sink
	Logger   *slog.Logger
}

// Options control the record loop.
type Options struct {
	// MaxMidasEvents bounds the number of data records; -1 is unbounded.
	MaxMidasEvents int

	// PhysicsEventID is the event id of data records.
	PhysicsEventID uint16

	// PartialRecordPolicy is config.PolicyKeep or config.PolicyDiscard.
	PartialRecordPolicy string

	// ProgressInterval logs progress on serial numbers divisible by it.
	// 0 disables progress logs.
	ProgressInterval uint32
}

// DefaultOptions mirrors config.DefaultUnpackerOptions.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultUnpackerOptions())
}

// OptionsFromConfig converts the Unpacker section.
func OptionsFromConfig(u config.UnpackerOptions) Options {
	return Options{
		MaxMidasEvents:      u.MaxMidasEvents,
		PhysicsEventID:      u.PhysicsEventID,
		PartialRecordPolicy: u.PartialRecordPolicy,
		ProgressInterval:    100,
	}
}

// Pipeline is the run orchestrator.
type Pipeline struct {
	deps       Deps
	opts       Options
	classifier Classifier
	logger     *slog.Logger
	sessionID  string
	progress   Progress
	ran        atomic.Bool

	unpackTime time.Duration
	recoTime   time.Duration
	writeTime  time.Duration
	stopReason string
	reports    []service.Report

	errLimiter *rate.Limiter
	suppressed int
}

// New creates a Pipeline over already-configured collaborators.
//
// Inputs:
//
//	deps - Every field but Logger is required.
//	opts - Loop options. An empty PartialRecordPolicy means keep.
//
// Outputs:
//
//	*Pipeline - Ready to Run.
//	error - ErrMissingDependency or config.ErrInvalidPolicy.
func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("%w: source", ErrMissingDependency)
	case deps.Unpacker == nil:
		return nil, fmt.Errorf("%w: unpacker", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: event store", ErrMissingDependency)
	case deps.Services == nil:
		return nil, fmt.Errorf("%w: service registry", ErrMissingDependency)
	case deps.Reco == nil:
		return nil, fmt.Errorf("%w: reconstruction", ErrMissingDependency)
	case deps.Sink == nil:
		return nil, fmt.Errorf("%w: sink", ErrMissingDependency)
	}
	if opts.PartialRecordPolicy == "" {
		opts.PartialRecordPolicy = config.PolicyKeep
	}
	if opts.PartialRecordPolicy != config.PolicyKeep && opts.PartialRecordPolicy != config.PolicyDiscard {
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidPolicy, opts.PartialRecordPolicy)
	}
	if opts.MaxMidasEvents < 0 {
		opts.MaxMidasEvents = -1
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sessionID := uuid.New().String()[:8]
	return &Pipeline{
		deps:       deps,
		opts:       opts,
		classifier: NewClassifier(opts.PhysicsEventID),
		logger:     logger.With("session", sessionID),
		sessionID:  sessionID,
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// SessionID returns the short id tagging this run's logs and spans.
func (p *Pipeline) SessionID() string { return p.sessionID }

// Progress returns the live counters.
func (p *Pipeline) Progress() *Progress { return &p.progress }

// Run processes the whole source.
//
// Description:
//
//	Reads until io.EOF, a truncated last event, or until MaxMidasEvents
//	data records were taken, then writes aggregates and collects the
//	service reports. The sink is closed on every path.
//
// Outputs:
//
//	*Summary - Always non-nil, also on error.
//	error - nil, or wraps ErrReconstruction, ErrOutput, ErrSource or
//	ErrCancelled.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if p.ran.Swap(true) {
		return &Summary{SessionID: p.sessionID, StopReason: StopError}, ErrAlreadyRun
	}
	store := p.deps.Store
	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("nearline.session", p.sessionID),
			attribute.Int("nearline.run", store.Run()),
			attribute.Int("nearline.subrun", store.Subrun()),
			attribute.Int("nearline.max_midas_events", p.opts.MaxMidasEvents),
		),
	)
	defer span.End()

	p.logger.Info("run started",
		"run", store.Run(),
		"subrun", store.Subrun(),
		"max_midas_events", p.opts.MaxMidasEvents,
		"partial_record_policy", p.opts.PartialRecordPolicy,
	)
	start := time.Now()
	p.progress.running.Store(true)
	defer p.progress.running.Store(false)

	err := p.loop(ctx)
	if err == nil {
		err = p.finalize(ctx)
	} else {
		p.stopReason = StopError
	}
	if closeErr := p.deps.Sink.Close(); closeErr != nil {
		closeErr = fmt.Errorf("%w: close: %w", ErrOutput, closeErr)
		if err == nil {
			err = closeErr
		} else {
			p.logger.Error("closing output after failure", "error", closeErr)
		}
	}

	summary := p.summary(time.Since(start))
	span.SetAttributes(
		attribute.Int64("nearline.data_records", summary.DataRecords),
		attribute.Int64("nearline.events", summary.Events),
	)
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.LoggerWithTrace(ctx, p.logger).Error("run failed", "error", err, "data_records", summary.DataRecords, "events", summary.Events)
		return summary, err
	}
	span.SetStatus(codes.Ok, "")
	p.logger.Info("run complete",
		"stop_reason", summary.StopReason,
		"data_records", summary.DataRecords,
		"events", summary.Events,
		"unpack_errors", summary.UnpackErrors,
		"elapsed", summary.Elapsed,
	)
	return summary, nil
}

func (p *Pipeline) limitReached() bool {
	return p.opts.MaxMidasEvents >= 0 && p.progress.dataRecords.Load() >= int64(p.opts.MaxMidasEvents)
}

func (p *Pipeline) loop(ctx context.Context) error {
	for {
		if p.limitReached() {
			p.stopReason = StopMaxRecords
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		rec, err := p.deps.Source.Next()
		if errors.Is(err, io.EOF) {
			p.stopReason = StopEndOfInput
			return nil
		}
		if errors.Is(err, midas.ErrTruncated) {
			// A partly written last event ends the file; the records before it
			// are still finalized.
			p.logger.Warn("input ends inside an event, treating as end of input",
				"error", err,
				"records_read", p.progress.records.Load(),
			)
			p.stopReason = StopTruncated
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSource, err)
		}
		p.progress.records.Add(1)
		p.progress.lastSerial.Store(rec.SerialNumber)
		if p.opts.ProgressInterval > 0 && rec.SerialNumber%p.opts.ProgressInterval == 0 {
			p.logger.Info("progress",
				"event_id", rec.EventID,
				"serial", rec.SerialNumber,
				"data_records", p.progress.dataRecords.Load(),
				"events", p.progress.events.Load(),
			)
		}

		class := p.classifier.Classify(rec)
		recordsTotal.WithLabelValues(class.String()).Inc()
		switch class {
		case ClassMetadata:
			if err := p.handleMetadata(ctx, rec); err != nil {
				return err
			}
		case ClassData:
			p.progress.dataRecords.Add(1)
			if err := p.unpackRecord(ctx, rec); err != nil {
				return err
			}
		default:
			p.progress.ignored.Add(1)
		}
	}
}

func (p *Pipeline) handleMetadata(ctx context.Context, rec *midas.Record) error {
	odb := dp.WFD5ODB{JSON: TruncateODB(rec.Payload)}
	if p.deps.Store.PutSingleton(eventstore.SlotODB, odb) {
		p.logger.Warn("ODB replaced by a later BOR record", "serial", rec.SerialNumber)
	}
	p.progress.metadata.Add(1)

	start := time.Now()
	err := p.deps.Sink.AppendMetadata(ctx, p.deps.Store)
	p.writeTime += time.Since(start)
	if err != nil {
		return fmt.Errorf("%w: metadata (serial %d): %w", ErrOutput, rec.SerialNumber, err)
	}
	p.logger.Debug("ODB stored", "serial", rec.SerialNumber, "bytes", len(odb.JSON))
	return nil
}

// unpackRecord drives the unpacker over one data record until Done or
// Error. A returned error is fatal and marks the record's span failed.
func (p *Pipeline) unpackRecord(ctx context.Context, rec *midas.Record) (retErr error) {
	ctx, span := tracer.Start(ctx, "pipeline.Record",
		trace.WithAttributes(attribute.Int64("midas.serial", int64(rec.SerialNumber))),
	)
	defer func() {
		telemetry.RecordError(span, retErr)
		span.End()
	}()

	discard := p.opts.PartialRecordPolicy == config.PolicyDiscard
	var pending []*eventstore.Snapshot

	for sub := 0; ; sub++ {
		start := time.Now()
		status, err := p.deps.Unpacker.UnpackNext(rec)
		elapsed := time.Since(start)
		p.unpackTime += elapsed
		phaseDuration.WithLabelValues("unpack").Observe(elapsed.Seconds())

		switch status {
		case wfd5.StatusSuccessMore:
		case wfd5.StatusDone:
			for _, snap := range pending {
				if err := p.emit(ctx, snap); err != nil {
					return err
				}
			}
			span.SetAttributes(attribute.Int("nearline.events", sub))
			return nil
		default:
			if err == nil {
				err = fmt.Errorf("unexpected unpack status %v", status)
			}
			p.unpackFailed(rec, sub, len(pending), err)
			span.RecordError(err)
			return nil
		}

		seq := uint64(p.progress.events.Load()) + uint64(len(pending))
		if err := p.loadEvent(rec, sub, seq); err != nil {
			return err
		}

		start = time.Now()
		err = p.deps.Reco.Run(ctx, p.deps.Store, p.deps.Services)
		elapsed = time.Since(start)
		p.recoTime += elapsed
		phaseDuration.WithLabelValues("reco").Observe(elapsed.Seconds())
		if err != nil {
			return fmt.Errorf("%w: event %d (serial %d): %w", ErrReconstruction, seq, rec.SerialNumber, err)
		}

		if discard {
			pending = append(pending, p.deps.Store.Snapshot())
			continue
		}
		if err := p.emit(ctx, p.deps.Store); err != nil {
			return err
		}
	}
}

// loadEvent resets the store and fills it with the unpacker's collections.
func (p *Pipeline) loadEvent(rec *midas.Record, sub int, seq uint64) error {
	store := p.deps.Store
	store.Clear()
	store.SetEventInfo(eventstore.EventInfo{Sequence: seq, MidasSerial: rec.SerialNumber, SubIndex: sub})

	d := p.deps.Unpacker.Decoded()
	puts := []struct {
		label string
		c     eventstore.Collection
	}{
		{wfd5.LabelHeaders, eventstore.NewCollection(d.Headers)},
		{wfd5.LabelChannelHeaders, eventstore.NewCollection(d.ChannelHeaders)},
		{wfd5.LabelWaveformHeaders, eventstore.NewCollection(d.WaveformHeaders)},
		{wfd5.LabelWaveforms, eventstore.NewCollection(d.Waveforms)},
	}
	for _, put := range puts {
		if err := store.Put(eventstore.ProducerUnpacker, put.label, put.c); err != nil {
			return fmt.Errorf("load event %d: %w", seq, err)
		}
	}
	return nil
}

func (p *Pipeline) emit(ctx context.Context, r eventstore.Reader) error {
	start := time.Now()
	err := p.deps.Sink.AppendEvent(ctx, r)
	elapsed := time.Since(start)
	p.writeTime += elapsed
	phaseDuration.WithLabelValues("write").Observe(elapsed.Seconds())
	if err != nil {
		info := r.EventInfo()
		return fmt.Errorf("%w: event %d (serial %d): %w", ErrOutput, info.Sequence, info.MidasSerial, err)
	}
	p.progress.events.Add(1)
	eventsTotal.Inc()
	return nil
}

func (p *Pipeline) unpackFailed(rec *midas.Record, sub, dropped int, err error) {
	p.progress.unpackErrors.Add(1)
	unpackErrorsTotal.Inc()
	if dropped > 0 {
		p.progress.discarded.Add(int64(dropped))
		discardedEventsTotal.Add(float64(dropped))
	}
	if !p.errLimiter.Allow() {
		p.suppressed++
		return
	}
	p.logger.Warn("unpack error, record skipped",
		"serial", rec.SerialNumber,
		"events_before_error", sub,
		"discarded", dropped,
		"suppressed_since_last", p.suppressed,
		"error", err,
	)
	p.suppressed = 0
}

func (p *Pipeline) finalize(ctx context.Context) error {
	start := time.Now()
	err := p.deps.Sink.WriteAggregates(ctx, p.deps.Store)
	p.writeTime += time.Since(start)
	if err != nil {
		return fmt.Errorf("%w: aggregates: %w", ErrOutput, err)
	}
	p.reports = p.deps.Services.EndOfRun(p.logger)
	return nil
}

func (p *Pipeline) summary(elapsed time.Duration) *Summary {
	return &Summary{
		SessionID:  p.sessionID,
		Run:        p.deps.Store.Run(),
		Subrun:     p.deps.Store.Subrun(),
		Counts:     p.progress.Snapshot(),
		StopReason: p.stopReason,
		UnpackTime: p.unpackTime,
		RecoTime:   p.recoTime,
		WriteTime:  p.writeTime,
		Elapsed:    elapsed,
		Services:   p.reports,
	}
}
