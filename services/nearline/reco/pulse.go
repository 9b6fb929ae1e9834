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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	"github.com/AleutianAI/AleutianNearline/services/nearline/service"
	"github.com/AleutianAI/AleutianNearline/services/nearline/wfd5"
)

// TypePulseIntegral is the Reco type name of PulseIntegral.
const TypePulseIntegral = "PulseIntegral"

// LabelPulses is the output label of PulseIntegral.
const LabelPulses = "PulseCollection"

type pulseParams struct {
	Input        string  `yaml:"input" validate:"required"`
	Baseline     string  `yaml:"baseline" validate:"required"`
	Polarity     string  `yaml:"polarity" validate:"oneof=negative positive"`
	WindowBefore int     `yaml:"window_before" validate:"gte=0"`
	WindowAfter  int     `yaml:"window_after" validate:"gte=0"`
	Threshold    float64 `yaml:"threshold" validate:"gte=0"`
	Calibration  string  `yaml:"calibration"`
	Histograms   string  `yaml:"histograms"`
	AmplitudeMax float64 `yaml:"amplitude_max" validate:"gt=0"`
	EnergyMax    float64 `yaml:"energy_max" validate:"gt=0"`
}

// PulseIntegral finds the peak of each baseline-subtracted waveform and
// integrates a window around it.
//
// Description:
//
//	Waveforms whose peak amplitude is below threshold produce no pulse.
//	When a calibration service is named, the integral is converted to
//	energy through it; otherwise energy equals the integral and the pulse
//	is marked uncalibrated. When a histogram service is named, amplitude
//	and energy are filled into "<stage>/amplitude" and "<stage>/energy".
type PulseIntegral struct {
	name   string
	logger *slog.Logger
	params pulseParams
	sign   float64

	calibration *service.Calibration
	amplitude   *dp.Histogram1D
	energy      *dp.Histogram1D
}

// NewPulseIntegral is the Factory for TypePulseIntegral.
func NewPulseIntegral(spec StageSpec, logger *slog.Logger) (Stage, error) {
	params := pulseParams{
		Input:        eventstore.ProducerUnpacker,
		Polarity:     "negative",
		WindowBefore: 2,
		WindowAfter:  10,
		AmplitudeMax: 4096,
		EnergyMax:    10000,
	}
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}
	sign := -1.0
	if params.Polarity == "positive" {
		sign = 1
	}
	return &PulseIntegral{name: spec.Name, logger: logger, params: params, sign: sign}, nil
}

// Name returns the instance name.
func (s *PulseIntegral) Name() string { return s.name }

// Configure resolves the named services and books histograms.
func (s *PulseIntegral) Configure(_ *config.Tree, services *service.Registry, _ *eventstore.Store) error {
	if s.params.Calibration != "" {
		cal, err := service.Lookup[*service.Calibration](services, s.params.Calibration)
		if err != nil {
			return err
		}
		s.calibration = cal
	}
	if s.params.Histograms != "" {
		hists, err := service.Lookup[*service.Histograms](services, s.params.Histograms)
		if err != nil {
			return err
		}
		if s.amplitude, err = hists.Book(s.name+"/amplitude", "pulse amplitude", 128, 0, s.params.AmplitudeMax); err != nil {
			return err
		}
		if s.energy, err = hists.Book(s.name+"/energy", "pulse energy", 128, 0, s.params.EnergyMax); err != nil {
			return err
		}
	}
	return nil
}

// Run writes the pulses of the current event.
func (s *PulseIntegral) Run(_ context.Context, store *eventstore.Store, _ *service.Registry) error {
	waveforms, err := Input[dp.WFD5Waveform](store, s.params.Input, wfd5.LabelWaveforms)
	if err != nil {
		return err
	}
	baselines, err := Input[dp.WaveformBaseline](store, s.params.Baseline, LabelBaselines)
	if err != nil {
		return err
	}
	if len(baselines) != len(waveforms) {
		return fmt.Errorf("%w: %d waveforms, %d baselines", ErrInconsistentInputs, len(waveforms), len(baselines))
	}

	pulses := make([]dp.Pulse, 0, len(waveforms))
	for i, wf := range waveforms {
		bl := baselines[i]
		if bl.Crate != wf.Crate || bl.AMCSlot != wf.AMCSlot || bl.Channel != wf.Channel || bl.WaveformIndex != wf.WaveformIndex {
			return fmt.Errorf("%w: baseline %d belongs to %d/%d/%d#%d", ErrInconsistentInputs,
				i, bl.Crate, bl.AMCSlot, bl.Channel, bl.WaveformIndex)
		}
		if len(wf.Samples) == 0 {
			continue
		}

		peak, amp := 0, s.sign*(float64(wf.Samples[0])-bl.Mean)
		for j, v := range wf.Samples {
			if a := s.sign * (float64(v) - bl.Mean); a > amp {
				peak, amp = j, a
			}
		}
		if amp < s.params.Threshold {
			continue
		}

		lo := max(0, peak-s.params.WindowBefore)
		hi := min(len(wf.Samples), peak+s.params.WindowAfter+1)
		var integral float64
		for _, v := range wf.Samples[lo:hi] {
			integral += s.sign * (float64(v) - bl.Mean)
		}

		p := dp.Pulse{
			Crate:         wf.Crate,
			AMCSlot:       wf.AMCSlot,
			Channel:       wf.Channel,
			WaveformIndex: wf.WaveformIndex,
			Amplitude:     amp,
			PeakSample:    peak,
			Integral:      integral,
			Energy:        integral,
		}
		if s.calibration != nil {
			p.Energy, p.Calibrated = s.calibration.Energy(wf.ChannelID(), integral)
		}
		if s.amplitude != nil {
			s.amplitude.Fill(p.Amplitude)
			s.energy.Fill(p.Energy)
		}
		pulses = append(pulses, p)
	}
	return store.Put(s.name, LabelPulses, eventstore.NewCollection(pulses))
}
