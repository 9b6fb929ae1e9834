// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"

	store "github.com/AleutianAI/AleutianNearline/services/nearline/storage/badger"
)

// Reader reads back what BadgerSink wrote.
type Reader struct {
	db    *store.DB
	owned bool
}

// RunSummary describes one run/subrun in an output directory.
type RunSummary struct {
	Run        int
	Subrun     int
	HasODB     bool
	Events     int
	Aggregates []string
}

// OpenReader opens an output directory read-only.
func OpenReader(path string) (*Reader, error) {
	cfg := store.DefaultConfig(path)
	cfg.ReadOnly = true
	cfg.SyncWrites = false
	cfg.GCInterval = 0
	db, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Reader{db: db, owned: true}, nil
}

// Close closes the database if the Reader opened it.
func (r *Reader) Close() error {
	if !r.owned {
		return nil
	}
	return r.db.Close()
}

// Runs lists every run/subrun present, in key order.
func (r *Reader) Runs(ctx context.Context) ([]RunSummary, error) {
	var out []RunSummary
	index := make(map[[2]int]int)
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyRoot)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			run, subrun, rest, ok := parseKey(string(it.Item().Key()))
			if !ok {
				continue
			}
			id := [2]int{run, subrun}
			i, seen := index[id]
			if !seen {
				i = len(out)
				index[id] = i
				out = append(out, RunSummary{Run: run, Subrun: subrun})
			}
			switch {
			case rest == "odb":
				out[i].HasODB = true
			case strings.HasPrefix(rest, "event/"):
				out[i].Events++
			case strings.HasPrefix(rest, "agg/"):
				out[i].Aggregates = append(out[i].Aggregates, strings.TrimPrefix(rest, "agg/"))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		sort.Strings(out[i].Aggregates)
	}
	return out, nil
}

// ODB returns the ODB JSON of run/subrun.
func (r *Reader) ODB(ctx context.Context, run, subrun int) (string, error) {
	val, _, err := r.get(ctx, odbKey(run, subrun))
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// Event returns one event record.
func (r *Reader) Event(ctx context.Context, run, subrun int, seq uint64) (EventRecord, error) {
	val, meta, err := r.get(ctx, eventKey(run, subrun, seq))
	if err != nil {
		return EventRecord{}, err
	}
	return decodeEvent(val, meta)
}

// Events calls fn for every event of run/subrun in sequence order. A
// non-nil error from fn stops the scan and is returned.
func (r *Reader) Events(ctx context.Context, run, subrun int, fn func(EventRecord) error) error {
	prefix := []byte(runPrefix(run, subrun) + "event/")
	return r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeEvent(val, item.UserMeta())
			if err != nil {
				return fmt.Errorf("event %s: %w", item.Key(), err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Aggregate returns one aggregate record.
func (r *Reader) Aggregate(ctx context.Context, run, subrun int, name string) (AggregateRecord, error) {
	val, _, err := r.get(ctx, aggKey(run, subrun, name))
	if err != nil {
		return AggregateRecord{}, err
	}
	var rec AggregateRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return AggregateRecord{}, fmt.Errorf("aggregate %q: %w", name, err)
	}
	return rec, nil
}

func (r *Reader) get(ctx context.Context, key []byte) ([]byte, byte, error) {
	var (
		val  []byte
		meta byte
	)
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		meta = item.UserMeta()
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, meta, err
}

func decodeEvent(val []byte, meta byte) (EventRecord, error) {
	if meta&metaSnappy != 0 {
		decoded, err := snappy.Decode(nil, val)
		if err != nil {
			return EventRecord{}, fmt.Errorf("snappy: %w", err)
		}
		val = decoded
	}
	var rec EventRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return EventRecord{}, err
	}
	return rec, nil
}
