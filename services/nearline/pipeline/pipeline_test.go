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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	"github.com/AleutianAI/AleutianNearline/services/nearline/midas"
	"github.com/AleutianAI/AleutianNearline/services/nearline/reco"
	"github.com/AleutianAI/AleutianNearline/services/nearline/service"
	"github.com/AleutianAI/AleutianNearline/services/nearline/wfd5"
)

func TestClassifier_Totality(t *testing.T) {
	c := NewClassifier(1)
	tests := []struct {
		name string
		rec  *midas.Record
		want Class
	}{
		{"nil", nil, ClassIgnored},
		{"begin of run", &midas.Record{EventID: midas.EventIDBOR}, ClassMetadata},
		{"end of run", &midas.Record{EventID: midas.EventIDEOR}, ClassIgnored},
		{"message", &midas.Record{EventID: midas.EventIDMessage}, ClassIgnored},
		{"physics", &midas.Record{EventID: 1}, ClassData},
		{"other id", &midas.Record{EventID: 2}, ClassIgnored},
		{"zero id", &midas.Record{}, ClassIgnored},
		{"max id", &midas.Record{EventID: 0xFFFF}, ClassIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.rec))
		})
	}

	for id := 0; id <= 0xFFFF; id++ {
		got := c.Classify(&midas.Record{EventID: uint16(id)})
		require.Contains(t, []Class{ClassIgnored, ClassMetadata, ClassData}, got)
	}
}

func TestClassifier_CustomPhysicsID(t *testing.T) {
	c := NewClassifier(7)
	assert.Equal(t, ClassData, c.Classify(&midas.Record{EventID: 7}))
	assert.Equal(t, ClassIgnored, c.Classify(&midas.Record{EventID: 1}))

	bor := NewClassifier(midas.EventIDBOR)
	assert.Equal(t, ClassMetadata, bor.Classify(&midas.Record{EventID: midas.EventIDBOR}))
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "metadata", ClassMetadata.String())
	assert.Equal(t, "data", ClassData.String())
	assert.Equal(t, "ignored", ClassIgnored.String())
}

func TestTruncateODB(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`junk{"a":1}`, `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"\x00\x01header{\"b\":{\"c\":2}}", `{"b":{"c":2}}`},
		{"no marker here", "no marker here"},
		{"", ""},
		{"x{", "{"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TruncateODB([]byte(tt.payload)), "payload %q", tt.payload)
	}
}

func TestRun_MetadataOnlyStream(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil, nil, borRecord(0, `junk{"a":1}`))

	summary, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{`{"a":1}`}, h.sink.odbs)
	assert.Empty(t, h.sink.events)
	assert.Equal(t, 1, h.sink.aggregates)
	assert.Equal(t, 1, h.sink.closed)

	odb, err := eventstore.SingletonAs[dp.WFD5ODB](h.store, eventstore.SlotODB)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, odb.JSON)

	assert.Equal(t, int64(1), summary.RecordsRead)
	assert.Equal(t, int64(1), summary.MetadataRecords)
	assert.Zero(t, summary.DataRecords)
	assert.Zero(t, summary.Events)
	assert.Equal(t, StopEndOfInput, summary.StopReason)
}

func TestRun_TwoEventsFromOneRecord(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil,
		map[uint32][]step{1: {more(10), more(20), done()}},
		dataRecord(1))

	summary, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][]int16{{10}, {20}}, h.sink.markers())
	assert.Equal(t, int64(1), summary.DataRecords)
	assert.Equal(t, int64(2), summary.Events)
	assert.Equal(t, int64(1), summary.RecordsRead)
}

func TestOneAppendPerDecodedEvent(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil,
		map[uint32][]step{
			1: {more(1), more(2), more(3), done()},
			2: {done()},
			3: {more(4), done()},
		},
		dataRecord(1), dataRecord(2), dataRecord(3))

	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.sink.events, 4)
	wantKeys := []eventstore.Key{
		{Producer: "unpacker", Label: wfd5.LabelChannelHeaders},
		{Producer: "unpacker", Label: wfd5.LabelHeaders},
		{Producer: "unpacker", Label: wfd5.LabelWaveforms},
		{Producer: "unpacker", Label: wfd5.LabelWaveformHeaders},
	}
	for i, e := range h.sink.events {
		assert.Equal(t, wantKeys, e.keys, "event %d", i)
		assert.Len(t, e.markers, 1, "no leakage from the previous iteration")
		assert.Equal(t, uint64(i), e.info.Sequence)
	}
	assert.Equal(t, [][]int16{{1}, {2}, {3}, {4}}, h.sink.markers())
	assert.Equal(t, []int{0, 1, 2, 0}, []int{
		h.sink.events[0].info.SubIndex, h.sink.events[1].info.SubIndex,
		h.sink.events[2].info.SubIndex, h.sink.events[3].info.SubIndex,
	})
	assert.Equal(t, uint32(3), h.sink.events[3].info.MidasSerial)
}

func TestRun_PartialRecordPolicy(t *testing.T) {
	scripts := func() map[uint32][]step {
		return map[uint32][]step{
			1: {more(1), fail(errors.New("bad crc"))},
			2: {more(2), done()},
		}
	}
	tests := []struct {
		policy        string
		wantMarkers   [][]int16
		wantDiscarded int64
	}{
		{config.PolicyKeep, [][]int16{{1}, {2}}, 0},
		{config.PolicyDiscard, [][]int16{{2}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			opts := DefaultOptions()
			opts.PartialRecordPolicy = tt.policy
			h := newHarness(t, opts, nil, scripts(), dataRecord(1), dataRecord(2))

			summary, err := h.pipeline.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.wantMarkers, h.sink.markers())
			assert.Equal(t, int64(2), summary.DataRecords)
			assert.Equal(t, int64(1), summary.UnpackErrors)
			assert.Equal(t, tt.wantDiscarded, summary.DiscardedEvents)
			assert.Equal(t, int64(len(tt.wantMarkers)), summary.Events)
			for i, e := range h.sink.events {
				assert.Equal(t, uint64(i), e.info.Sequence, "sequence has no gaps")
			}
		})
	}
}

func TestDiscardPolicy_CompleteRecordIsAppended(t *testing.T) {
	opts := DefaultOptions()
	opts.PartialRecordPolicy = config.PolicyDiscard
	h := newHarness(t, opts, nil,
		map[uint32][]step{1: {more(1), more(2), done()}},
		dataRecord(1))

	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]int16{{1}, {2}}, h.sink.markers())
}

func TestRun_LimitCountsRecordsNotEvents(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxMidasEvents = 1
	h := newHarness(t, opts, nil,
		map[uint32][]step{1: {done()}, 2: {more(2), done()}},
		dataRecord(1), dataRecord(2))

	summary, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.DataRecords)
	assert.Zero(t, summary.Events)
	assert.Empty(t, h.sink.events)
	assert.Equal(t, 1, h.source.reads, "second record is never read")
	assert.Equal(t, StopMaxRecords, summary.StopReason)
}

func TestBoundedProcessing(t *testing.T) {
	recs := []*midas.Record{
		borRecord(0, "{}"), dataRecord(1), {EventID: 5, SerialNumber: 2},
		dataRecord(3), dataRecord(4), dataRecord(5),
	}
	scripts := map[uint32][]step{
		1: {more(1), done()}, 3: {more(3), done()}, 4: {more(4), done()}, 5: {more(5), done()},
	}
	tests := []struct {
		max         int
		wantRecords int64
		wantReads   int
	}{
		{0, 0, 0},
		{1, 1, 2},
		{3, 3, 5},
		{10, 4, 7},
		{-1, 4, 7},
		{-5, 4, 7},
	}
	for _, tt := range tests {
		opts := DefaultOptions()
		opts.MaxMidasEvents = tt.max
		h := newHarness(t, opts, nil, scripts, recs...)
		summary, err := h.pipeline.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tt.wantRecords, summary.DataRecords, "max %d", tt.max)
		assert.Equal(t, tt.wantReads, h.source.reads, "max %d", tt.max)
		assert.Equal(t, int64(len(h.sink.events)), summary.Events)
	}
}

func TestReconstructionFailureIsFatal(t *testing.T) {
	stageErr := reco.NewStageError("pulses", reco.ErrMissingProduct)
	calls := 0
	failOnSecond := recoFunc(func(context.Context, *eventstore.Store, *service.Registry) error {
		calls++
		if calls == 2 {
			return stageErr
		}
		return nil
	})
	h := newHarness(t, DefaultOptions(), failOnSecond,
		map[uint32][]step{1: {more(1), more(2), more(3), done()}, 2: {more(4), done()}},
		dataRecord(1), dataRecord(2))

	summary, err := h.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconstruction)
	assert.ErrorIs(t, err, reco.ErrMissingProduct)
	var se *reco.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "pulses", se.Stage)

	assert.Equal(t, [][]int16{{1}}, h.sink.markers(), "nothing after the failing event")
	assert.Zero(t, h.sink.aggregates)
	assert.Equal(t, 1, h.sink.closed)
	assert.Equal(t, 1, h.source.reads)

	require.NotNil(t, summary)
	assert.Equal(t, StopError, summary.StopReason)
	assert.Equal(t, int64(1), summary.Events)
	assert.Empty(t, summary.Services)
}

func TestReconstructionFailureMarksRecordSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())
	prev := tracer
	tracer = tp.Tracer("nearline.pipeline")
	t.Cleanup(func() { tracer = prev })

	calls := 0
	failOnThird := recoFunc(func(context.Context, *eventstore.Store, *service.Registry) error {
		calls++
		if calls == 3 {
			return errors.New("stage blew up")
		}
		return nil
	})
	h := newHarness(t, DefaultOptions(), failOnThird,
		map[uint32][]step{
			1: {more(1), done()},
			2: {more(2), fail(errors.New("bad crc"))},
			3: {more(3), done()},
		},
		dataRecord(1), dataRecord(2), dataRecord(3))

	_, err := h.pipeline.Run(context.Background())
	require.ErrorIs(t, err, ErrReconstruction)

	records := make(map[int64]sdktrace.ReadOnlySpan)
	var run sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "pipeline.Run":
			run = span
		case "pipeline.Record":
			for _, kv := range span.Attributes() {
				if kv.Key == "midas.serial" {
					records[kv.Value.AsInt64()] = span
				}
			}
		}
	}
	require.Len(t, records, 3)

	assert.Equal(t, codes.Unset, records[1].Status().Code)
	assert.Equal(t, codes.Unset, records[2].Status().Code, "unpack errors are recoverable")
	require.Len(t, records[2].Events(), 1)
	assert.Equal(t, codes.Error, records[3].Status().Code)
	assert.Contains(t, records[3].Status().Description, "reconstruction failed")
	require.Len(t, records[3].Events(), 1)
	assert.Equal(t, "exception", records[3].Events()[0].Name)

	require.NotNil(t, run)
	assert.Equal(t, codes.Error, run.Status().Code)
}

func TestReconstructionFailureWithDiscardPolicy(t *testing.T) {
	opts := DefaultOptions()
	opts.PartialRecordPolicy = config.PolicyDiscard
	failing := recoFunc(func(_ context.Context, s *eventstore.Store, _ *service.Registry) error {
		if s.EventInfo().SubIndex == 1 {
			return errors.New("stage blew up")
		}
		return nil
	})
	h := newHarness(t, opts, failing,
		map[uint32][]step{1: {more(1), more(2), done()}},
		dataRecord(1))

	_, err := h.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ErrReconstruction)
	assert.Empty(t, h.sink.events)
}

func TestOutputFailureIsFatal(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil,
		map[uint32][]step{1: {more(1), more(2), done()}, 2: {more(3), done()}},
		dataRecord(1), dataRecord(2))
	h.sink.failEventAt = 1

	_, err := h.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ErrOutput)
	assert.ErrorIs(t, err, errSinkFull)
	assert.Len(t, h.sink.events, 1)
	assert.Zero(t, h.sink.aggregates)
	assert.Equal(t, 1, h.sink.closed)
}

func TestAggregateFailureIsFatal(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil, nil, dataRecord(1))
	boom := errors.New("disk full")
	h.sink.aggregatesErr = boom

	summary, err := h.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ErrOutput)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, summary.Services)
}

func TestSourceFailure(t *testing.T) {
	diskErr := errors.New("input/output error")
	tests := []struct {
		name           string
		err            error
		wantErr        error
		wantStop       string
		wantAggregates int
	}{
		{
			name:           "truncated last event ends the input",
			err:            fmt.Errorf("%w: payload of serial 2", midas.ErrTruncated),
			wantStop:       StopTruncated,
			wantAggregates: 1,
		},
		{
			name:     "read failure is fatal",
			err:      diskErr,
			wantErr:  ErrSource,
			wantStop: StopError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultOptions(), nil,
				map[uint32][]step{1: {more(1), done()}},
				dataRecord(1), dataRecord(2))
			h.source.failAt = 1
			h.source.err = tt.err

			summary, err := h.pipeline.Run(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, tt.err)
				assert.Empty(t, summary.Services)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStop, summary.StopReason)
			assert.Equal(t, int64(1), summary.Events)
			assert.Equal(t, int64(1), summary.RecordsRead)
			assert.Equal(t, tt.wantAggregates, h.sink.aggregates)
			assert.Equal(t, 1, h.sink.closed)
		})
	}
}

func TestUnpackErrorIsolation(t *testing.T) {
	scripts := map[uint32][]step{
		2: {fail(wfd5.ErrCRCMismatch)},
		3: {more(3), done()},
	}
	for serial := uint32(10); serial < 30; serial++ {
		scripts[serial] = []step{fail(wfd5.ErrMalformedBlock)}
	}
	recs := []*midas.Record{dataRecord(2), dataRecord(3)}
	for serial := uint32(10); serial < 30; serial++ {
		recs = append(recs, dataRecord(serial))
	}
	recs = append(recs, dataRecord(4))
	scripts[4] = []step{more(4), done()}

	h := newHarness(t, DefaultOptions(), nil, scripts, recs...)
	summary, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][]int16{{3}, {4}}, h.sink.markers())
	assert.Equal(t, int64(21), summary.UnpackErrors)
	assert.Equal(t, int64(23), summary.DataRecords)
}

func TestUnexpectedStatusIsAnUnpackError(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil,
		map[uint32][]step{1: {{status: wfd5.Status(42)}}, 2: {more(2), done()}},
		dataRecord(1), dataRecord(2))

	summary, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.UnpackErrors)
	assert.Equal(t, int64(1), summary.Events)
}

func TestIgnoredRecordsHaveNoSideEffects(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil, nil,
		&midas.Record{EventID: midas.EventIDEOR, SerialNumber: 1},
		&midas.Record{EventID: midas.EventIDMessage, SerialNumber: 2},
		&midas.Record{EventID: 99, SerialNumber: 3},
	)

	summary, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.IgnoredRecords)
	assert.Zero(t, summary.DataRecords)
	assert.Empty(t, h.sink.odbs)
	assert.Empty(t, h.sink.events)
	assert.Zero(t, h.store.Len())
}

func TestMetadataReplacedBySecondBOR(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil, nil,
		borRecord(0, `x{"v":1}`), borRecord(1, `y{"v":2}`))

	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{`{"v":1}`, `{"v":2}`}, h.sink.odbs)
}

func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil, nil, dataRecord(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline.Run(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.source.reads)
	assert.Equal(t, 1, h.sink.closed)
}

func TestRun_OnlyOnce(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil, nil)
	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	_, err = h.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestProgress_ReflectsRun(t *testing.T) {
	var seen Counts
	h := newHarness(t, DefaultOptions(), nil,
		map[uint32][]step{7: {more(1), done()}},
		dataRecord(7))
	h.pipeline.deps.Reco = recoFunc(func(context.Context, *eventstore.Store, *service.Registry) error {
		seen = h.pipeline.Progress().Snapshot()
		return nil
	})

	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, seen.Running)
	assert.Equal(t, uint32(7), seen.LastSerial)
	assert.Equal(t, int64(1), seen.DataRecords)

	final := h.pipeline.Progress().Snapshot()
	assert.False(t, final.Running)
	assert.Equal(t, int64(1), final.Events)
	assert.Len(t, h.pipeline.SessionID(), 8)
}

func TestNew_Validation(t *testing.T) {
	full := func() Deps {
		return Deps{
			Source:   newSource(),
			Unpacker: newUnpacker(nil),
			Store:    eventstore.New(),
			Services: service.NewRegistry(nil, nil),
			Reco:     noReco(),
			Sink:     newSink(),
		}
	}
	_, err := New(full(), DefaultOptions())
	require.NoError(t, err)

	mutations := map[string]func(*Deps){
		"source":   func(d *Deps) { d.Source = nil },
		"unpacker": func(d *Deps) { d.Unpacker = nil },
		"store":    func(d *Deps) { d.Store = nil },
		"services": func(d *Deps) { d.Services = nil },
		"reco":     func(d *Deps) { d.Reco = nil },
		"sink":     func(d *Deps) { d.Sink = nil },
	}
	for name, mutate := range mutations {
		d := full()
		mutate(&d)
		_, err := New(d, DefaultOptions())
		assert.ErrorIs(t, err, ErrMissingDependency, name)
	}

	opts := DefaultOptions()
	opts.PartialRecordPolicy = "maybe"
	_, err = New(full(), opts)
	assert.ErrorIs(t, err, config.ErrInvalidPolicy)
}

func TestSummary_PerEvent(t *testing.T) {
	s := &Summary{}
	assert.Zero(t, s.PerEvent(time.Second))
	s.Events = 4
	assert.InDelta(t, 0.5, s.PerEvent(2*time.Second), 1e-12)
}
