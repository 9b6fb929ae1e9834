// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventstore

import "fmt"

// Snapshot is a frozen, read-only view of one event taken from a Store.
type Snapshot struct {
	run        int
	subrun     int
	info       EventInfo
	event      map[Key]Collection
	singletons map[string]any
	parent     *Store
}

// Run returns the run number.
func (s *Snapshot) Run() int { return s.run }

// Subrun returns the subrun number.
func (s *Snapshot) Subrun() int { return s.subrun }

// EventInfo returns the identity of the captured event.
func (s *Snapshot) EventInfo() EventInfo { return s.info }

// Keys returns the captured keys sorted by producer then label.
func (s *Snapshot) Keys() []Key { return sortedKeys(s.event) }

// Get returns the captured collection under (producer, label).
func (s *Snapshot) Get(producer, label string) (Collection, error) {
	c, ok := s.event[Key{Producer: producer, Label: label}]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %s/%s", ErrNotFound, producer, label)
	}
	return c, nil
}

// Singleton returns the run-scoped value captured in slot.
func (s *Snapshot) Singleton(slot string) (any, error) {
	v, ok := s.singletons[slot]
	if !ok {
		return nil, fmt.Errorf("%w: singleton %q", ErrNotFound, slot)
	}
	return v, nil
}

// Aggregates returns the live aggregates of the originating store.
func (s *Snapshot) Aggregates() []NamedAggregate {
	if s.parent == nil {
		return nil
	}
	return s.parent.Aggregates()
}

var _ Reader = (*Snapshot)(nil)
