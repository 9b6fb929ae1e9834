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
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNearline/pkg/logging"
	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	"github.com/AleutianAI/AleutianNearline/services/nearline/midas"
	"github.com/AleutianAI/AleutianNearline/services/nearline/service"
	"github.com/AleutianAI/AleutianNearline/services/nearline/wfd5"
)

// sliceSource yields recs in order, then io.EOF. failAt makes the read at
// that index fail with err.
type sliceSource struct {
	recs   []*midas.Record
	next   int
	reads  int
	failAt int
	err    error
}

func newSource(recs ...*midas.Record) *sliceSource {
	return &sliceSource{recs: recs, failAt: -1}
}

func (s *sliceSource) Next() (*midas.Record, error) {
	s.reads++
	if s.next == s.failAt {
		return nil, s.err
	}
	if s.next >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.next]
	s.next++
	return rec, nil
}

// step is one scripted UnpackNext result.
type step struct {
	status wfd5.Status
	marker int16
	err    error
}

func more(marker int16) step { return step{status: wfd5.StatusSuccessMore, marker: marker} }

func done() step { return step{status: wfd5.StatusDone} }

func fail(err error) step { return step{status: wfd5.StatusError, err: err} }

// scriptedUnpacker replays a script per serial number. Each SuccessMore
// exposes one waveform whose single sample is the step's marker.
type scriptedUnpacker struct {
	scripts map[uint32][]step
	pos     map[uint32]int
	current wfd5.Decoded
}

func newUnpacker(scripts map[uint32][]step) *scriptedUnpacker {
	return &scriptedUnpacker{scripts: scripts, pos: make(map[uint32]int)}
}

func (u *scriptedUnpacker) UnpackNext(rec *midas.Record) (wfd5.Status, error) {
	script := u.scripts[rec.SerialNumber]
	i := u.pos[rec.SerialNumber]
	if i >= len(script) {
		return wfd5.StatusDone, nil
	}
	u.pos[rec.SerialNumber] = i + 1
	s := script[i]
	if s.status == wfd5.StatusSuccessMore {
		u.current = wfd5.Decoded{
			TriggerNum: uint32(s.marker),
			Headers:    []dp.WFD5Header{{TriggerNum: uint32(s.marker)}},
			Waveforms:  []dp.WFD5Waveform{{TriggerNum: uint32(s.marker), Samples: []int16{s.marker}}},
		}
	}
	return s.status, s.err
}

func (u *scriptedUnpacker) Decoded() wfd5.Decoded { return u.current }

// recoFunc adapts a function to Reconstructor.
type recoFunc func(ctx context.Context, store *eventstore.Store, services *service.Registry) error

func (f recoFunc) Run(ctx context.Context, store *eventstore.Store, services *service.Registry) error {
	return f(ctx, store, services)
}

func noReco() recoFunc {
	return func(context.Context, *eventstore.Store, *service.Registry) error { return nil }
}

// appended is what recordingSink saw for one AppendEvent.
type appended struct {
	info    eventstore.EventInfo
	keys    []eventstore.Key
	markers []int16
}

// recordingSink records every call. failEventAt fails the append with that
// zero-based index.
type recordingSink struct {
	odbs          []string
	events        []appended
	aggregates    int
	closed        int
	failEventAt   int
	configureErr  error
	aggregatesErr error
}

func newSink() *recordingSink { return &recordingSink{failEventAt: -1} }

var errSinkFull = errors.New("sink full")

func (s *recordingSink) Configure(*config.Tree) error { return s.configureErr }

func (s *recordingSink) AppendMetadata(_ context.Context, r eventstore.Reader) error {
	odb, err := eventstore.SingletonAs[dp.WFD5ODB](r, eventstore.SlotODB)
	if err != nil {
		return err
	}
	s.odbs = append(s.odbs, odb.JSON)
	return nil
}

func (s *recordingSink) AppendEvent(_ context.Context, r eventstore.Reader) error {
	if len(s.events) == s.failEventAt {
		return errSinkFull
	}
	a := appended{info: r.EventInfo(), keys: r.Keys()}
	wfs, err := eventstore.GetAs[dp.WFD5Waveform](r, eventstore.ProducerUnpacker, wfd5.LabelWaveforms)
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		a.markers = append(a.markers, wf.Samples...)
	}
	s.events = append(s.events, a)
	return nil
}

func (s *recordingSink) WriteAggregates(context.Context, eventstore.Reader) error {
	if s.aggregatesErr != nil {
		return s.aggregatesErr
	}
	s.aggregates++
	return nil
}

func (s *recordingSink) Close() error {
	s.closed++
	return nil
}

func (s *recordingSink) markers() [][]int16 {
	out := make([][]int16, len(s.events))
	for i, e := range s.events {
		out[i] = e.markers
	}
	return out
}

func dataRecord(serial uint32) *midas.Record {
	return &midas.Record{EventID: 1, SerialNumber: serial}
}

func borRecord(serial uint32, payload string) *midas.Record {
	return &midas.Record{EventID: midas.EventIDBOR, SerialNumber: serial, Payload: []byte(payload)}
}

type harness struct {
	source   *sliceSource
	unpacker *scriptedUnpacker
	sink     *recordingSink
	store    *eventstore.Store
	pipeline *Pipeline
}

func newHarness(t *testing.T, opts Options, reco Reconstructor, scripts map[uint32][]step, recs ...*midas.Record) *harness {
	t.Helper()
	h := &harness{
		source:   newSource(recs...),
		unpacker: newUnpacker(scripts),
		sink:     newSink(),
		store:    eventstore.New(),
	}
	if reco == nil {
		reco = noReco()
	}
	p, err := New(Deps{
		Source:   h.source,
		Unpacker: h.unpacker,
		Store:    h.store,
		Services: service.NewRegistry(logging.Discard(), nil),
		Reco:     reco,
		Sink:     h.sink,
		Logger:   logging.Discard(),
	}, opts)
	require.NoError(t, err)
	h.pipeline = p
	return h
}
