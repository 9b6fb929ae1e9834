// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report publishes end-of-run summaries to InfluxDB so run quality
// can be trended across a data-taking period.
package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianNearline/services/nearline/pipeline"
)

// Measurement names.
const (
	MeasurementRun     = "nearline_run"
	MeasurementService = "nearline_service"
)

// ErrNilSummary is returned by Publish for a nil summary.
var ErrNilSummary = errors.New("report: nil summary")

// Config locates the InfluxDB bucket.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// ConfigFromEnv reads INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG and
// INFLUXDB_BUCKET, with local development defaults.
func ConfigFromEnv() Config {
	return Config{
		URL:    getEnvOr("INFLUXDB_URL", "http://localhost:8086"),
		Token:  os.Getenv("INFLUXDB_TOKEN"),
		Org:    getEnvOr("INFLUXDB_ORG", "aleutian-nearline"),
		Bucket: getEnvOr("INFLUXDB_BUCKET", "nearline"),
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// InfluxReporter writes one run point and one point per service report.
type InfluxReporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxReporter connects lazily; the first Publish does the network I/O.
func NewInfluxReporter(cfg Config) *InfluxReporter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxReporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// newWithWriter is used by tests to substitute the write API.
func newWithWriter(w api.WriteAPIBlocking) *InfluxReporter {
	return &InfluxReporter{writeAPI: w}
}

// Publish writes the points for summary, timestamped at.
func (r *InfluxReporter) Publish(ctx context.Context, summary *pipeline.Summary, at time.Time) error {
	if summary == nil {
		return ErrNilSummary
	}
	if err := r.writeAPI.WritePoint(ctx, Points(summary, at)...); err != nil {
		return fmt.Errorf("write run %d/%d summary: %w", summary.Run, summary.Subrun, err)
	}
	return nil
}

// Close releases the client.
func (r *InfluxReporter) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

// Points converts summary into InfluxDB points. Durations are written in
// seconds.
func Points(summary *pipeline.Summary, at time.Time) []*write.Point {
	run := strconv.Itoa(summary.Run)
	subrun := strconv.Itoa(summary.Subrun)

	points := make([]*write.Point, 0, 1+len(summary.Services))
	points = append(points, influxdb2.NewPointWithMeasurement(MeasurementRun).
		AddTag("run", run).
		AddTag("subrun", subrun).
		AddTag("session", summary.SessionID).
		AddTag("stop_reason", summary.StopReason).
		AddField("records_read", summary.RecordsRead).
		AddField("data_records", summary.DataRecords).
		AddField("events", summary.Events).
		AddField("unpack_errors", summary.UnpackErrors).
		AddField("discarded_events", summary.DiscardedEvents).
		AddField("ignored_records", summary.IgnoredRecords).
		AddField("unpack_seconds", summary.UnpackTime.Seconds()).
		AddField("reco_seconds", summary.RecoTime.Seconds()).
		AddField("write_seconds", summary.WriteTime.Seconds()).
		AddField("elapsed_seconds", summary.Elapsed.Seconds()).
		AddField("reco_seconds_per_event", summary.PerEvent(summary.RecoTime)).
		SetTime(at))

	for _, svc := range summary.Services {
		points = append(points, influxdb2.NewPointWithMeasurement(MeasurementService).
			AddTag("run", run).
			AddTag("subrun", subrun).
			AddTag("service", svc.Name).
			AddField("report", svc.Text).
			SetTime(at))
	}
	return points
}
