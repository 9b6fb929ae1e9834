// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
)

// TypeCalibration is the Services type name of Calibration.
const TypeCalibration = "Calibration"

type knotParam struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// ChannelConstants are the calibration constants of one channel.
type ChannelConstants struct {
	Crate    uint8       `yaml:"crate"`
	Slot     uint8       `yaml:"slot"`
	Channel  uint8       `yaml:"channel" validate:"lt=16"`
	Gain     float64     `yaml:"gain" validate:"gt=0"`
	Pedestal float64     `yaml:"pedestal"`
	Spline   []knotParam `yaml:"spline"`
}

type calibrationParams struct {
	DefaultGain     float64            `yaml:"default_gain" validate:"gt=0"`
	DefaultPedestal float64            `yaml:"default_pedestal"`
	Channels        []ChannelConstants `yaml:"channels" validate:"dive"`
}

type channelCal struct {
	gain     float64
	pedestal float64
	spline   *dp.Spline
}

// Calibration maps pulse integrals to energies per channel.
//
// Description:
//
//	Each configured channel has a gain and pedestal and optionally a spline
//	from integral to energy. Channels without an entry use the default gain
//	and pedestal and are counted as misses. Splines are registered as
//	run aggregates so they end up in the output next to the histograms.
type Calibration struct {
	name   string
	logger *slog.Logger
	params calibrationParams

	table   map[dp.ChannelID]channelCal
	lookups int64
	misses  int64
}

// NewCalibration is the Factory for TypeCalibration.
func NewCalibration(spec Spec, logger *slog.Logger) (Service, error) {
	params := calibrationParams{DefaultGain: 1}
	if len(spec.Params) > 0 {
		if err := config.DecodeValue(spec.Params, &params); err != nil {
			return nil, err
		}
	}
	return &Calibration{name: spec.Name, logger: logger, params: params}, nil
}

// Name returns the instance name.
func (c *Calibration) Name() string { return c.name }

// Configure builds the channel table and registers the splines.
func (c *Calibration) Configure(_ *config.Tree, store *eventstore.Store) error {
	c.table = make(map[dp.ChannelID]channelCal, len(c.params.Channels))
	for _, ch := range c.params.Channels {
		id := dp.ChannelID{Crate: ch.Crate, AMCSlot: ch.Slot, Channel: ch.Channel}
		if _, dup := c.table[id]; dup {
			return fmt.Errorf("duplicate calibration entry for channel %s", id)
		}
		cal := channelCal{gain: ch.Gain, pedestal: ch.Pedestal}
		if len(ch.Spline) > 0 {
			knots := make([]dp.Knot, len(ch.Spline))
			for i, k := range ch.Spline {
				knots[i] = dp.Knot{X: k.X, Y: k.Y}
			}
			spline, err := dp.NewSpline(c.name+"/spline/"+id.String(), knots)
			if err != nil {
				return fmt.Errorf("channel %s: %w", id, err)
			}
			if err := store.PutAggregate(spline.Name, spline); err != nil {
				return err
			}
			cal.spline = spline
		}
		c.table[id] = cal
	}
	c.logger.Info("calibration loaded", "channels", len(c.table))
	return nil
}

func (c *Calibration) lookup(id dp.ChannelID) (channelCal, bool) {
	c.lookups++
	cal, ok := c.table[id]
	if !ok {
		c.misses++
		return channelCal{gain: c.params.DefaultGain, pedestal: c.params.DefaultPedestal}, false
	}
	return cal, true
}

// Constants returns the gain and pedestal of id. ok is false when the
// defaults were used.
func (c *Calibration) Constants(id dp.ChannelID) (gain, pedestal float64, ok bool) {
	cal, ok := c.lookup(id)
	return cal.gain, cal.pedestal, ok
}

// Energy converts a pulse integral on channel id to energy, through the
// channel's spline when it has one and through its gain otherwise. ok is
// false when the channel has no calibration entry.
func (c *Calibration) Energy(id dp.ChannelID, integral float64) (energy float64, ok bool) {
	cal, ok := c.lookup(id)
	if cal.spline != nil {
		return cal.spline.Eval(integral), ok
	}
	return integral * cal.gain, ok
}

// EndOfRunReport summarizes table size and lookup statistics.
func (c *Calibration) EndOfRunReport() string {
	return fmt.Sprintf("%d channels calibrated, %d lookups, %d misses", len(c.table), c.lookups, c.misses)
}
