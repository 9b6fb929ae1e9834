// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reco

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNearline/pkg/logging"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	"github.com/AleutianAI/AleutianNearline/services/nearline/wfd5"
)

const chainYAML = `
Unpacker: {}
Services:
  - name: calibration
    type: Calibration
    default_gain: 2.0
    channels:
      - {crate: 1, slot: 5, channel: 0, gain: 0.5}
  - name: histograms
    type: Histograms
Reco:
  stages:
    - {name: baseline, type: WaveformBaseline, samples: 16}
    - name: pulses
      type: PulseIntegral
      baseline: baseline
      threshold: 10
      calibration: calibration
      histograms: histograms
`

// pulseWaveform is flat at 100 with a negative pulse peaking at sample 20.
func pulseWaveform(channel uint8, index uint16) dp.WFD5Waveform {
	samples := make([]int16, 32)
	for i := range samples {
		samples[i] = 100
	}
	samples[19], samples[20], samples[21] = 70, 40, 80
	return dp.WFD5Waveform{Crate: 1, AMCSlot: 5, Channel: channel, WaveformIndex: index, Samples: samples}
}

func putWaveforms(t *testing.T, store *eventstore.Store, wfs ...dp.WFD5Waveform) {
	t.Helper()
	require.NoError(t, store.Put(eventstore.ProducerUnpacker, wfd5.LabelWaveforms, eventstore.NewCollection(wfs)))
}

func TestChain_BaselineAndPulses(t *testing.T) {
	f := newFixture(t, chainYAML)
	d := NewDriver(logging.Discard())
	require.NoError(t, d.Configure(f.cfg, f.services, f.store))

	flat := dp.WFD5Waveform{Crate: 1, AMCSlot: 5, Channel: 1, Samples: []int16{100, 100, 101, 99}}
	putWaveforms(t, f.store, pulseWaveform(0, 0), flat, pulseWaveform(2, 0))
	require.NoError(t, d.Run(context.Background(), f.store, f.services))

	baselines, err := eventstore.GetAs[dp.WaveformBaseline](f.store, "baseline", LabelBaselines)
	require.NoError(t, err)
	require.Len(t, baselines, 3)
	assert.InDelta(t, 100, baselines[0].Mean, 1e-9)
	assert.InDelta(t, 0, baselines[0].RMS, 1e-9)
	assert.Equal(t, 16, baselines[0].Samples)
	assert.Equal(t, 4, baselines[1].Samples)
	assert.InDelta(t, 0.7071, baselines[1].RMS, 1e-4)

	pulses, err := eventstore.GetAs[dp.Pulse](f.store, "pulses", LabelPulses)
	require.NoError(t, err)
	require.Len(t, pulses, 2, "flat waveform is below threshold")

	calibrated := pulses[0]
	assert.Equal(t, uint8(0), calibrated.Channel)
	assert.Equal(t, 20, calibrated.PeakSample)
	assert.InDelta(t, 60, calibrated.Amplitude, 1e-9)
	assert.InDelta(t, 110, calibrated.Integral, 1e-9)
	assert.InDelta(t, 55, calibrated.Energy, 1e-9)
	assert.True(t, calibrated.Calibrated)

	fallback := pulses[1]
	assert.Equal(t, uint8(2), fallback.Channel)
	assert.InDelta(t, 220, fallback.Energy, 1e-9)
	assert.False(t, fallback.Calibrated)

	names := make(map[string]dp.Aggregate)
	for _, agg := range f.store.Aggregates() {
		names[agg.Name] = agg.Aggregate
	}
	require.Contains(t, names, "pulses/amplitude")
	require.Contains(t, names, "pulses/energy")
	amp := names["pulses/amplitude"].(*dp.Histogram1D)
	assert.Equal(t, int64(2), amp.Entries)
	assert.InDelta(t, 60, amp.Mean(), 1e-9)
}

func TestPulseIntegral_PositivePolarity(t *testing.T) {
	f := newFixture(t, `
Unpacker: {}
Reco:
  stages:
    - {name: baseline, type: WaveformBaseline, samples: 4}
    - {name: pulses, type: PulseIntegral, baseline: baseline, polarity: positive, window_before: 0, window_after: 1}
`)
	d := NewDriver(logging.Discard())
	require.NoError(t, d.Configure(f.cfg, f.services, f.store))

	putWaveforms(t, f.store, dp.WFD5Waveform{Samples: []int16{10, 10, 10, 10, 15, 30, 20, 10}})
	require.NoError(t, d.Run(context.Background(), f.store, f.services))

	pulses, err := eventstore.GetAs[dp.Pulse](f.store, "pulses", LabelPulses)
	require.NoError(t, err)
	require.Len(t, pulses, 1)
	assert.Equal(t, 5, pulses[0].PeakSample)
	assert.InDelta(t, 20, pulses[0].Amplitude, 1e-9)
	assert.InDelta(t, 30, pulses[0].Integral, 1e-9)
	assert.InDelta(t, pulses[0].Integral, pulses[0].Energy, 1e-9)
}

func TestPulseIntegral_InconsistentInputs(t *testing.T) {
	f := newFixture(t, "Unpacker: {}\n")
	stage, err := NewPulseIntegral(StageSpec{Name: "pulses", Params: map[string]any{"baseline": "bl"}}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, stage.Configure(f.cfg, f.services, f.store))

	putWaveforms(t, f.store, pulseWaveform(0, 0), pulseWaveform(1, 0))

	t.Run("length", func(t *testing.T) {
		require.NoError(t, f.store.Put("bl", LabelBaselines, eventstore.NewCollection([]dp.WaveformBaseline{{Crate: 1, AMCSlot: 5}})))
		err := stage.Run(context.Background(), f.store, f.services)
		assert.ErrorIs(t, err, ErrInconsistentInputs)
	})

	t.Run("identity", func(t *testing.T) {
		f.store.Clear()
		putWaveforms(t, f.store, pulseWaveform(0, 0))
		require.NoError(t, f.store.Put("bl", LabelBaselines, eventstore.NewCollection([]dp.WaveformBaseline{{Crate: 1, AMCSlot: 5, Channel: 7}})))
		err := stage.Run(context.Background(), f.store, f.services)
		assert.ErrorIs(t, err, ErrInconsistentInputs)
	})
}

func TestPulseIntegral_InvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"no baseline", nil},
		{"bad polarity", map[string]any{"baseline": "b", "polarity": "sideways"}},
		{"negative window", map[string]any{"baseline": "b", "window_after": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPulseIntegral(StageSpec{Name: "p", Params: tt.params}, logging.Discard())
			assert.Error(t, err)
		})
	}
}

func TestInput_KindMismatchPassesThrough(t *testing.T) {
	store := eventstore.New()
	require.NoError(t, store.Put("p", "l", eventstore.NewCollection([]dp.Pulse{{}})))

	_, err := Input[dp.WFD5Waveform](store, "p", "l")
	assert.ErrorIs(t, err, eventstore.ErrKindMismatch)
	assert.NotErrorIs(t, err, ErrMissingProduct)
}

func TestLeadingStats(t *testing.T) {
	mean, rms, n := leadingStats(nil, 16)
	assert.Zero(t, mean)
	assert.Zero(t, rms)
	assert.Zero(t, n)

	mean, rms, n = leadingStats([]int16{2, 4, 100}, 2)
	assert.InDelta(t, 3, mean, 1e-9)
	assert.InDelta(t, 1, rms, 1e-9)
	assert.Equal(t, 2, n)
}
