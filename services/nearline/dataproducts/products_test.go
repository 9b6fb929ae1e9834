// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataproducts

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_ZeroValueDiscriminator(t *testing.T) {
	tests := []struct {
		product Product
		want    Kind
		name    string
	}{
		{WFD5Header{}, KindWFD5Header, "WFD5Header"},
		{WFD5ChannelHeader{}, KindWFD5ChannelHeader, "WFD5ChannelHeader"},
		{WFD5WaveformHeader{}, KindWFD5WaveformHeader, "WFD5WaveformHeader"},
		{WFD5Waveform{}, KindWFD5Waveform, "WFD5Waveform"},
		{WFD5ODB{}, KindWFD5ODB, "WFD5ODB"},
		{WaveformBaseline{}, KindWaveformBaseline, "WaveformBaseline"},
		{Pulse{}, KindPulse, "Pulse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.product.Kind())
			assert.Equal(t, tt.name, tt.product.Kind().String())
		})
	}
	assert.Equal(t, "Unknown", KindUnknown.String())
}

func TestWFD5Header_EnabledChannels(t *testing.T) {
	assert.Equal(t, 0, WFD5Header{}.EnabledChannels())
	assert.Equal(t, 5, WFD5Header{ChannelMask: 0x1F}.EnabledChannels())
	assert.Equal(t, 2, WFD5Header{ChannelMask: 0x8001}.EnabledChannels())
}

func TestWFD5ODB_Parse(t *testing.T) {
	tree, err := WFD5ODB{JSON: `{"Runinfo":{"Run number":42}}`}.Parse()
	require.NoError(t, err)
	assert.Contains(t, tree, "Runinfo")

	_, err = WFD5ODB{JSON: "junk"}.Parse()
	assert.Error(t, err)
}

func TestHistogram1D_Fill(t *testing.T) {
	h, err := NewHistogram1D("amp", "amplitude", 10, 0, 100)
	require.NoError(t, err)

	h.Fill(-1)
	h.Fill(5)
	h.Fill(15)
	h.Fill(15)
	h.Fill(100)
	h.Fill(math.NaN())

	assert.Equal(t, int64(5), h.Entries)
	assert.Equal(t, 1.0, h.Underflow)
	assert.Equal(t, 1.0, h.Overflow)
	assert.Equal(t, 1.0, h.Bins[0])
	assert.Equal(t, 2.0, h.Bins[1])
	assert.Equal(t, 3.0, h.Integral())
	assert.InDelta(t, 35.0/3.0, h.Mean(), 1e-9)
}

func TestNewHistogram1D_InvalidBinning(t *testing.T) {
	_, err := NewHistogram1D("bad", "", 0, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidBinning)

	_, err = NewHistogram1D("bad", "", 10, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidBinning)
}

func TestSpline_Eval(t *testing.T) {
	s, err := NewSpline("cal", []Knot{{X: 10, Y: 20}, {X: 0, Y: 0}, {X: 20, Y: 30}})
	require.NoError(t, err)

	assert.Equal(t, 0.0, s.Knots[0].X, "knots sorted by x")
	assert.InDelta(t, 10.0, s.Eval(5), 1e-9)
	assert.InDelta(t, 25.0, s.Eval(15), 1e-9)
	assert.InDelta(t, -10.0, s.Eval(-5), 1e-9, "extrapolates first segment")
	assert.InDelta(t, 35.0, s.Eval(25), 1e-9, "extrapolates last segment")
}

func TestNewSpline_Invalid(t *testing.T) {
	_, err := NewSpline("one", []Knot{{X: 1, Y: 1}})
	assert.ErrorIs(t, err, ErrInvalidSpline)

	_, err = NewSpline("dup", []Knot{{X: 1, Y: 1}, {X: 1, Y: 2}})
	assert.ErrorIs(t, err, ErrInvalidSpline)
}
