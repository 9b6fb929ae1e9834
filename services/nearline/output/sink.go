// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package output persists run metadata, reconstructed events and run
// aggregates.
//
// The pipeline talks to a Sink. BadgerSink is the shipped implementation;
// its key layout is:
//
//	run/<run>/<subrun>/odb                 ODB JSON from the BOR record
//	run/<run>/<subrun>/event/<sequence>    one event record per logical event
//	run/<run>/<subrun>/agg/<name>          one record per aggregate
//
// Run and subrun are zero-padded to 6 digits and the sequence to 12, so a
// prefix scan returns events in append order. The layout is not a stable
// interchange format; read it back with Reader.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
)

// SectionOutput configures the sink.
const SectionOutput = "Output"

// Sentinel errors for the output package.
var (
	// ErrClosed is returned by appends after Close.
	ErrClosed = errors.New("output sink closed")

	// ErrNotConfigured is returned by appends before Configure.
	ErrNotConfigured = errors.New("output sink not configured")

	// ErrNotFound is returned by Reader for absent records.
	ErrNotFound = errors.New("output record not found")

	// ErrNoODB is returned by AppendMetadata when the store holds no ODB.
	ErrNoODB = errors.New("no ODB in event store")
)

// Sink receives the pipeline's output.
//
// Description:
//
//	Configure is called once before the first record. AppendMetadata is
//	called for every BOR record, after the ODB singleton was replaced.
//	AppendEvent is called once per logical event, after reconstruction.
//	WriteAggregates and Close are called once at the end of a successful
//	run; after a fatal error only Close is called. A failed append is
//	fatal to the run, so implementations must never drop an event and
//	report success.
type Sink interface {
	Configure(cfg *config.Tree) error
	AppendMetadata(ctx context.Context, r eventstore.Reader) error
	AppendEvent(ctx context.Context, r eventstore.Reader) error
	WriteAggregates(ctx context.Context, r eventstore.Reader) error
	Close() error
}

// Options is the Output section.
type Options struct {
	// Compress snappy-compresses event records.
	Compress bool `yaml:"compress"`

	// SyncWrites fsyncs every append.
	SyncWrites bool `yaml:"sync_writes"`

	// Keep lists "producer/label" keys to persist. Empty keeps everything.
	Keep []string `yaml:"keep" validate:"dive,required,contains=/"`

	// Retries is how many times a conflicting commit is retried.
	Retries int `yaml:"retries" validate:"gte=0"`
}

// DefaultOptions returns the options used when the Output section is absent.
func DefaultOptions() Options {
	return Options{Compress: true, SyncWrites: true, Retries: 3}
}

// LoadOptions decodes the Output section over DefaultOptions.
func LoadOptions(cfg *config.Tree) (Options, error) {
	opts := DefaultOptions()
	if !cfg.Has(SectionOutput) {
		return opts, nil
	}
	if err := cfg.Decode(SectionOutput, &opts); err != nil {
		return Options{}, fmt.Errorf("output options: %w", err)
	}
	return opts, nil
}

// ProductRecord is one persisted collection.
type ProductRecord struct {
	Producer string          `json:"producer"`
	Label    string          `json:"label"`
	Kind     string          `json:"kind"`
	Count    int             `json:"count"`
	Items    json.RawMessage `json:"items"`
}

// EventRecord is one persisted logical event.
type EventRecord struct {
	Run         int             `json:"run"`
	Subrun      int             `json:"subrun"`
	Sequence    uint64          `json:"sequence"`
	MidasSerial uint32          `json:"midas_serial"`
	SubIndex    int             `json:"sub_index"`
	Products    []ProductRecord `json:"products"`
}

// Product returns the record for producer/label.
func (e EventRecord) Product(producer, label string) (ProductRecord, bool) {
	for _, p := range e.Products {
		if p.Producer == producer && p.Label == label {
			return p, true
		}
	}
	return ProductRecord{}, false
}

// AggregateRecord is one persisted aggregate.
type AggregateRecord struct {
	Name string          `json:"name"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

const keyRoot = "run/"

func runPrefix(run, subrun int) string {
	return fmt.Sprintf("%s%06d/%06d/", keyRoot, run, subrun)
}

func odbKey(run, subrun int) []byte {
	return []byte(runPrefix(run, subrun) + "odb")
}

func eventKey(run, subrun int, seq uint64) []byte {
	return fmt.Appendf(nil, "%sevent/%012d", runPrefix(run, subrun), seq)
}

func aggKey(run, subrun int, name string) []byte {
	return []byte(runPrefix(run, subrun) + "agg/" + name)
}

// parseKey splits a key into run, subrun and the remainder.
func parseKey(key string) (run, subrun int, rest string, ok bool) {
	tail, found := strings.CutPrefix(key, keyRoot)
	if !found {
		return 0, 0, "", false
	}
	parts := strings.SplitN(tail, "/", 3)
	if len(parts) != 3 {
		return 0, 0, "", false
	}
	run, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, "", false
	}
	subrun, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", false
	}
	return run, subrun, parts[2], true
}

// cutKey splits "producer/label".
func cutKey(s string) (producer, label string, ok bool) {
	return strings.Cut(s, "/")
}
