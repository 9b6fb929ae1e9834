// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventstore provides the per-event typed data store.
//
// The store maps (producer, label) keys to immutable product collections for
// the event currently being processed, and additionally keeps run-scoped
// singletons (the begin-of-run ODB dump) and aggregates (histograms,
// calibration curves) that survive Clear.
//
// # Invariants
//
//   - A key is written at most once between two calls to Clear.
//   - Clear removes every per-event key and never touches singletons or
//     aggregates.
//   - Reading a key that was not written in the current event fails with
//     ErrNotFound.
//
// # Thread Safety
//
// Store is NOT safe for concurrent use. The pipeline owns it and drives it
// from a single goroutine.
package eventstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
)

// Sentinel errors for the eventstore package.
var (
	// ErrNotFound is returned when a key or slot has not been written.
	ErrNotFound = errors.New("product not found")

	// ErrDuplicateKey is returned when a key is written twice in one event.
	ErrDuplicateKey = errors.New("product key already written in this event")

	// ErrKindMismatch is returned when typed access does not match the stored kind.
	ErrKindMismatch = errors.New("product kind mismatch")

	// ErrEmptyKey is returned when producer or label is empty.
	ErrEmptyKey = errors.New("producer and label must not be empty")

	// ErrNilAggregate is returned when a nil aggregate is registered.
	ErrNilAggregate = errors.New("aggregate must not be nil")
)

const (
	// SlotODB is the singleton slot holding the begin-of-run ODB dump.
	SlotODB = "odb"

	// ProducerUnpacker is the producer identity of decoded raw data.
	ProducerUnpacker = "unpacker"
)

// Key identifies one collection within an event.
type Key struct {
	Producer string
	Label    string
}

// String returns "producer/label".
func (k Key) String() string {
	return k.Producer + "/" + k.Label
}

// EventInfo identifies the decoded event currently held by the store.
type EventInfo struct {
	// Sequence is the 0-based index of the appended event within the run.
	Sequence uint64

	// MidasSerial is the serial number of the raw record it came from.
	MidasSerial uint32

	// SubIndex is the 0-based position of the event within that record.
	SubIndex int
}

// NamedAggregate pairs an aggregate with its registration name.
type NamedAggregate struct {
	Name      string
	Aggregate dataproducts.Aggregate
}

// Reader is the read-only view consumed by the output sink.
type Reader interface {
	Run() int
	Subrun() int
	EventInfo() EventInfo
	Keys() []Key
	Get(producer, label string) (Collection, error)
	Singleton(slot string) (any, error)
	Aggregates() []NamedAggregate
}

// Store is the per-event typed data store.
type Store struct {
	run    int
	subrun int

	info       EventInfo
	event      map[Key]Collection
	singletons map[string]any
	aggregates map[string]dataproducts.Aggregate
}

// New creates an empty store.
func New() *Store {
	return &Store{
		event:      make(map[Key]Collection),
		singletons: make(map[string]any),
		aggregates: make(map[string]dataproducts.Aggregate),
	}
}

// SetRunSubrun records the run identifiers of the file being processed.
func (s *Store) SetRunSubrun(run, subrun int) {
	s.run = run
	s.subrun = subrun
}

// Run returns the run number.
func (s *Store) Run() int { return s.run }

// Subrun returns the subrun number.
func (s *Store) Subrun() int { return s.subrun }

// SetEventInfo records the identity of the event being populated.
func (s *Store) SetEventInfo(info EventInfo) { s.info = info }

// EventInfo returns the identity of the current event.
func (s *Store) EventInfo() EventInfo { return s.info }

// Put stores a collection under (producer, label).
//
// Outputs:
//
//	error - ErrEmptyKey for an empty producer or label, ErrDuplicateKey if the
//	key was already written since the last Clear.
func (s *Store) Put(producer, label string, c Collection) error {
	if producer == "" || label == "" {
		return ErrEmptyKey
	}
	key := Key{Producer: producer, Label: label}
	if _, exists := s.event[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	s.event[key] = c
	return nil
}

// Get returns the collection stored under (producer, label).
func (s *Store) Get(producer, label string) (Collection, error) {
	c, ok := s.event[Key{Producer: producer, Label: label}]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %s/%s", ErrNotFound, producer, label)
	}
	return c, nil
}

// Has reports whether (producer, label) was written in the current event.
func (s *Store) Has(producer, label string) bool {
	_, ok := s.event[Key{Producer: producer, Label: label}]
	return ok
}

// Keys returns the per-event keys sorted by producer then label.
func (s *Store) Keys() []Key {
	return sortedKeys(s.event)
}

// Len returns the number of per-event collections.
func (s *Store) Len() int { return len(s.event) }

// Clear removes all per-event collections and the event identity.
// Singletons and aggregates are kept. Safe to call repeatedly.
func (s *Store) Clear() {
	clear(s.event)
	s.info = EventInfo{}
}

// PutSingleton stores a run-scoped value. A previous value in the same slot
// is replaced and reported through replaced.
func (s *Store) PutSingleton(slot string, value any) (replaced bool) {
	_, replaced = s.singletons[slot]
	s.singletons[slot] = value
	return replaced
}

// Singleton returns the run-scoped value in slot.
func (s *Store) Singleton(slot string) (any, error) {
	v, ok := s.singletons[slot]
	if !ok {
		return nil, fmt.Errorf("%w: singleton %q", ErrNotFound, slot)
	}
	return v, nil
}

// PutAggregate registers a run-scoped aggregate under name.
func (s *Store) PutAggregate(name string, agg dataproducts.Aggregate) error {
	if name == "" {
		return ErrEmptyKey
	}
	if agg == nil {
		return ErrNilAggregate
	}
	if _, exists := s.aggregates[name]; exists {
		return fmt.Errorf("%w: aggregate %q", ErrDuplicateKey, name)
	}
	s.aggregates[name] = agg
	return nil
}

// Aggregates returns all registered aggregates sorted by name.
func (s *Store) Aggregates() []NamedAggregate {
	names := make([]string, 0, len(s.aggregates))
	for name := range s.aggregates {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]NamedAggregate, len(names))
	for i, name := range names {
		out[i] = NamedAggregate{Name: name, Aggregate: s.aggregates[name]}
	}
	return out
}

// Snapshot returns a read-only copy of the current event.
//
// The snapshot shares the immutable collections with the store, so taking
// one costs a map copy. Aggregates are not copied; the snapshot reports the
// store's live aggregates.
func (s *Store) Snapshot() *Snapshot {
	event := make(map[Key]Collection, len(s.event))
	for k, c := range s.event {
		event[k] = c
	}
	singletons := make(map[string]any, len(s.singletons))
	for k, v := range s.singletons {
		singletons[k] = v
	}
	return &Snapshot{
		run:        s.run,
		subrun:     s.subrun,
		info:       s.info,
		event:      event,
		singletons: singletons,
		parent:     s,
	}
}

// GetAs returns the typed products stored under (producer, label).
func GetAs[T dataproducts.Product](r Reader, producer, label string) ([]T, error) {
	c, err := r.Get(producer, label)
	if err != nil {
		return nil, err
	}
	items, err := Items[T](c)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", producer, label, err)
	}
	return items, nil
}

// SingletonAs returns the typed run-scoped value in slot.
func SingletonAs[T any](r Reader, slot string) (T, error) {
	var zero T
	v, err := r.Singleton(slot)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: singleton %q holds %T", ErrKindMismatch, slot, v)
	}
	return typed, nil
}

func sortedKeys(m map[Key]Collection) []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Producer != keys[j].Producer {
			return keys[i].Producer < keys[j].Producer
		}
		return keys[i].Label < keys[j].Label
	})
	return keys
}

var _ Reader = (*Store)(nil)
