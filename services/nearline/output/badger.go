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
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	store "github.com/AleutianAI/AleutianNearline/services/nearline/storage/badger"
)

// User metadata bits on event entries.
const metaSnappy byte = 1 << 0

// BadgerSink writes output into a BadgerDB directory.
//
// Description:
//
//	The database is opened by Configure, after the Output section has been
//	read, so sync_writes and retries apply. Every append is its own
//	transaction; a commit error is returned to the pipeline and nothing is
//	buffered.
//
// Thread Safety:
//
//	Appends must come from one goroutine. Close may be called from any
//	goroutine and is idempotent.
type BadgerSink struct {
	dbConfig store.Config
	logger   *slog.Logger
	opts     Options
	keep     map[eventstore.Key]struct{}

	db        *store.DB
	mu        sync.Mutex
	closed    bool
	events    int
	metadata  int
	written   int64
	compacted int64
}

// NewBadgerSink creates a sink that will open dbConfig on Configure.
// SyncWrites and ConflictRetries in dbConfig are overridden by the Output
// section.
func NewBadgerSink(dbConfig store.Config, logger *slog.Logger) *BadgerSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BadgerSink{dbConfig: dbConfig, logger: logger}
}

// NewBadgerSinkAt creates a sink writing to the directory path.
func NewBadgerSinkAt(path string, logger *slog.Logger) *BadgerSink {
	return NewBadgerSink(store.DefaultConfig(path), logger)
}

// Configure reads the Output section and opens the database. Output
// already stored for the configured run and subrun is removed.
func (s *BadgerSink) Configure(cfg *config.Tree) error {
	opts, err := LoadOptions(cfg)
	if err != nil {
		return err
	}
	s.opts = opts
	if len(opts.Keep) > 0 {
		s.keep = make(map[eventstore.Key]struct{}, len(opts.Keep))
		for _, k := range opts.Keep {
			producer, label, _ := cutKey(k)
			s.keep[eventstore.Key{Producer: producer, Label: label}] = struct{}{}
		}
	}

	dbConfig := s.dbConfig
	dbConfig.SyncWrites = opts.SyncWrites
	dbConfig.ConflictRetries = opts.Retries
	if dbConfig.Logger == nil {
		dbConfig.Logger = s.logger.With("component", "badger")
	}
	db, err := store.Open(dbConfig)
	if err != nil {
		return err
	}
	// A rerun replaces the run's previous output instead of overlaying it.
	if err := db.DropPrefix([]byte(runPrefix(cfg.Run(), cfg.Subrun()))); err != nil {
		return errors.Join(fmt.Errorf("clear previous output of run %d/%d: %w", cfg.Run(), cfg.Subrun(), err), db.Close())
	}
	s.db = db
	s.logger.Info("output opened",
		"path", dbConfig.Path,
		"compress", opts.Compress,
		"sync_writes", opts.SyncWrites,
		"keep", opts.Keep,
	)
	return nil
}

func (s *BadgerSink) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.db == nil:
		return ErrNotConfigured
	}
	return nil
}

// AppendMetadata writes the current ODB singleton for the run.
func (s *BadgerSink) AppendMetadata(ctx context.Context, r eventstore.Reader) error {
	if err := s.ready(); err != nil {
		return err
	}
	odb, err := eventstore.SingletonAs[dp.WFD5ODB](r, eventstore.SlotODB)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoODB, err)
	}
	key := odbKey(r.Run(), r.Subrun())
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, []byte(odb.JSON))
	})
	if err != nil {
		return fmt.Errorf("append metadata: %w", err)
	}
	s.metadata++
	return nil
}

// AppendEvent writes every kept collection of the current event.
func (s *BadgerSink) AppendEvent(ctx context.Context, r eventstore.Reader) error {
	if err := s.ready(); err != nil {
		return err
	}
	info := r.EventInfo()
	rec := EventRecord{
		Run:         r.Run(),
		Subrun:      r.Subrun(),
		Sequence:    info.Sequence,
		MidasSerial: info.MidasSerial,
		SubIndex:    info.SubIndex,
	}
	for _, key := range r.Keys() {
		if s.keep != nil {
			if _, ok := s.keep[key]; !ok {
				continue
			}
		}
		c, err := r.Get(key.Producer, key.Label)
		if err != nil {
			return fmt.Errorf("append event %d: %w", info.Sequence, err)
		}
		items, err := json.Marshal(c.Any())
		if err != nil {
			return fmt.Errorf("append event %d: encode %s: %w", info.Sequence, key, err)
		}
		rec.Products = append(rec.Products, ProductRecord{
			Producer: key.Producer,
			Label:    key.Label,
			Kind:     c.Kind().String(),
			Count:    c.Len(),
			Items:    items,
		})
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("append event %d: %w", info.Sequence, err)
	}
	var meta byte
	raw := len(value)
	if s.opts.Compress {
		value = snappy.Encode(nil, value)
		meta |= metaSnappy
	}

	key := eventKey(rec.Run, rec.Subrun, rec.Sequence)
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, value).WithMeta(meta))
	})
	if err != nil {
		return fmt.Errorf("append event %d: %w", info.Sequence, err)
	}
	s.events++
	s.written += int64(raw)
	s.compacted += int64(len(value))
	return nil
}

// WriteAggregates writes every run aggregate.
func (s *BadgerSink) WriteAggregates(ctx context.Context, r eventstore.Reader) error {
	if err := s.ready(); err != nil {
		return err
	}
	aggs := r.Aggregates()
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, agg := range aggs {
			data, err := json.Marshal(agg.Aggregate)
			if err != nil {
				return fmt.Errorf("encode aggregate %q: %w", agg.Name, err)
			}
			value, err := json.Marshal(AggregateRecord{
				Name: agg.Name,
				Kind: agg.Aggregate.AggregateKind(),
				Data: data,
			})
			if err != nil {
				return err
			}
			if err := txn.Set(aggKey(r.Run(), r.Subrun(), agg.Name), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write aggregates: %w", err)
	}
	s.logger.Info("aggregates written", "count", len(aggs))
	return nil
}

// Close flushes and closes the database.
func (s *BadgerSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	db := s.db
	s.mu.Unlock()

	if db == nil {
		return nil
	}
	s.logger.Info("output closed",
		"events", s.events,
		"metadata_records", s.metadata,
		"bytes_raw", s.written,
		"bytes_stored", s.compacted,
	)
	return db.Close()
}

// Reader returns a Reader over the open database. It is valid until Close.
func (s *BadgerSink) Reader() (*Reader, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return &Reader{db: s.db}, nil
}

var _ Sink = (*BadgerSink)(nil)
