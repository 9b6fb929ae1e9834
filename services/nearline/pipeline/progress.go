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
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianNearline/services/nearline/service"
)

// Progress holds the live counters of a run. Only the pipeline writes them;
// any goroutine may read them.
type Progress struct {
	records      atomic.Int64
	metadata     atomic.Int64
	ignored      atomic.Int64
	dataRecords  atomic.Int64
	events       atomic.Int64
	unpackErrors atomic.Int64
	discarded    atomic.Int64
	lastSerial   atomic.Uint32
	running      atomic.Bool
}

// Counts is a point-in-time copy of Progress.
type Counts struct {
	RecordsRead     int64  `json:"records_read"`
	MetadataRecords int64  `json:"metadata_records"`
	IgnoredRecords  int64  `json:"ignored_records"`
	DataRecords     int64  `json:"data_records"`
	Events          int64  `json:"events"`
	UnpackErrors    int64  `json:"unpack_errors"`
	DiscardedEvents int64  `json:"discarded_events"`
	LastSerial      uint32 `json:"last_serial"`
	Running         bool   `json:"running"`
}

// Snapshot copies the counters. Fields are loaded one by one, so a copy
// taken during a run may mix adjacent updates.
func (p *Progress) Snapshot() Counts {
	return Counts{
		RecordsRead:     p.records.Load(),
		MetadataRecords: p.metadata.Load(),
		IgnoredRecords:  p.ignored.Load(),
		DataRecords:     p.dataRecords.Load(),
		Events:          p.events.Load(),
		UnpackErrors:    p.unpackErrors.Load(),
		DiscardedEvents: p.discarded.Load(),
		LastSerial:      p.lastSerial.Load(),
		Running:         p.running.Load(),
	}
}

// Summary is the end-of-run report.
type Summary struct {
	Counts

	SessionID  string `json:"session_id"`
	Run        int    `json:"run"`
	Subrun     int    `json:"subrun"`
	StopReason string `json:"stop_reason"`

	UnpackTime time.Duration `json:"unpack_time_ns"`
	RecoTime   time.Duration `json:"reco_time_ns"`
	WriteTime  time.Duration `json:"write_time_ns"`
	Elapsed    time.Duration `json:"elapsed_ns"`

	// Services is empty when the run failed before finalizing.
	Services []service.Report `json:"services,omitempty"`
}

// PerEvent returns d averaged over the decoded events, in seconds. It is 0
// when no event was decoded.
func (s *Summary) PerEvent(d time.Duration) float64 {
	if s.Events == 0 {
		return 0
	}
	return d.Seconds() / float64(s.Events)
}
