// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Nearline Pipeline
// =============================================================================

var (
	// recordsTotal counts raw records read.
	// Labels: class (metadata, data, ignored)
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearline",
		Subsystem: "pipeline",
		Name:      "records_total",
		Help:      "Raw records read, by class",
	}, []string{"class"})

	// eventsTotal counts logical events appended to the output.
	eventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nearline",
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Logical events decoded and appended",
	})

	// unpackErrorsTotal counts data records abandoned by the unpacker.
	unpackErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nearline",
		Subsystem: "pipeline",
		Name:      "unpack_errors_total",
		Help:      "Data records abandoned after an unpack error",
	})

	// discardedEventsTotal counts events dropped by the discard policy.
	discardedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nearline",
		Subsystem: "pipeline",
		Name:      "discarded_events_total",
		Help:      "Decoded events dropped because their record failed later",
	})

	// phaseDuration measures per-event time in each phase.
	// Labels: phase (unpack, reco, write)
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nearline",
		Subsystem: "pipeline",
		Name:      "phase_duration_seconds",
		Help:      "Per-event time spent in each phase",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"phase"})
)
