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
	"log/slog"
	"math"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	"github.com/AleutianAI/AleutianNearline/services/nearline/service"
	"github.com/AleutianAI/AleutianNearline/services/nearline/wfd5"
)

// TypeWaveformBaseline is the Reco type name of WaveformBaseline.
const TypeWaveformBaseline = "WaveformBaseline"

// LabelBaselines is the output label of WaveformBaseline.
const LabelBaselines = "WaveformBaselineCollection"

type baselineParams struct {
	Samples int    `yaml:"samples" validate:"gt=0"`
	Input   string `yaml:"input" validate:"required"`
}

// WaveformBaseline estimates each waveform's pedestal from its leading
// samples. Its output collection is parallel to the input waveforms.
type WaveformBaseline struct {
	name   string
	logger *slog.Logger
	params baselineParams
}

// NewWaveformBaseline is the Factory for TypeWaveformBaseline.
func NewWaveformBaseline(spec StageSpec, logger *slog.Logger) (Stage, error) {
	params := baselineParams{Samples: 16, Input: eventstore.ProducerUnpacker}
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}
	return &WaveformBaseline{name: spec.Name, logger: logger, params: params}, nil
}

// Name returns the instance name.
func (s *WaveformBaseline) Name() string { return s.name }

// Configure has nothing to prepare.
func (s *WaveformBaseline) Configure(*config.Tree, *service.Registry, *eventstore.Store) error {
	return nil
}

// Run writes one WaveformBaseline per input waveform.
func (s *WaveformBaseline) Run(_ context.Context, store *eventstore.Store, _ *service.Registry) error {
	waveforms, err := Input[dp.WFD5Waveform](store, s.params.Input, wfd5.LabelWaveforms)
	if err != nil {
		return err
	}
	out := make([]dp.WaveformBaseline, len(waveforms))
	for i, wf := range waveforms {
		mean, rms, n := leadingStats(wf.Samples, s.params.Samples)
		out[i] = dp.WaveformBaseline{
			Crate:         wf.Crate,
			AMCSlot:       wf.AMCSlot,
			Channel:       wf.Channel,
			WaveformIndex: wf.WaveformIndex,
			Mean:          mean,
			RMS:           rms,
			Samples:       n,
		}
	}
	return store.Put(s.name, LabelBaselines, eventstore.NewCollection(out))
}

// leadingStats returns mean and rms of the first n samples.
func leadingStats(samples []int16, n int) (mean, rms float64, used int) {
	used = min(n, len(samples))
	if used == 0 {
		return 0, 0, 0
	}
	var sum, sumSq float64
	for _, v := range samples[:used] {
		x := float64(v)
		sum += x
		sumSq += x * x
	}
	mean = sum / float64(used)
	variance := sumSq/float64(used) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance), used
}
