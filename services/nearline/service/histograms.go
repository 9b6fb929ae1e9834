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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
)

// TypeHistograms is the Services type name of Histograms.
const TypeHistograms = "Histograms"

// ErrUnknownHistogram is returned when filling a histogram that was never booked.
var ErrUnknownHistogram = errors.New("unknown histogram")

type histogramParam struct {
	Name  string  `yaml:"name" validate:"required"`
	Title string  `yaml:"title"`
	Bins  int     `yaml:"bins" validate:"gt=0"`
	Low   float64 `yaml:"low"`
	High  float64 `yaml:"high" validate:"gtfield=Low"`
}

type histogramsParams struct {
	Histograms []histogramParam `yaml:"histograms" validate:"dive"`
}

// Histograms books run-level histograms and registers them as aggregates.
type Histograms struct {
	name   string
	logger *slog.Logger
	params histogramsParams

	store *eventstore.Store
	hists map[string]*dp.Histogram1D
}

// NewHistograms is the Factory for TypeHistograms.
func NewHistograms(spec Spec, logger *slog.Logger) (Service, error) {
	var params histogramsParams
	if len(spec.Params) > 0 {
		if err := config.DecodeValue(spec.Params, &params); err != nil {
			return nil, err
		}
	}
	return &Histograms{name: spec.Name, logger: logger, params: params}, nil
}

// Name returns the instance name.
func (h *Histograms) Name() string { return h.name }

// Configure books the histograms listed in the configuration.
func (h *Histograms) Configure(_ *config.Tree, store *eventstore.Store) error {
	h.store = store
	h.hists = make(map[string]*dp.Histogram1D)
	for _, p := range h.params.Histograms {
		if _, err := h.Book(p.Name, p.Title, p.Bins, p.Low, p.High); err != nil {
			return err
		}
	}
	return nil
}

// Book creates a histogram and registers it with the event store under its
// name. Stages call it from their own Configure.
func (h *Histograms) Book(name, title string, bins int, low, high float64) (*dp.Histogram1D, error) {
	if h.store == nil {
		return nil, ErrNotConfigured
	}
	hist, err := dp.NewHistogram1D(name, title, bins, low, high)
	if err != nil {
		return nil, err
	}
	if err := h.store.PutAggregate(name, hist); err != nil {
		return nil, err
	}
	h.hists[name] = hist
	h.logger.Debug("histogram booked", "histogram", name, "bins", bins)
	return hist, nil
}

// Histogram returns the booked histogram called name.
func (h *Histograms) Histogram(name string) (*dp.Histogram1D, error) {
	hist, ok := h.hists[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHistogram, name)
	}
	return hist, nil
}

// Fill adds x to the histogram called name.
func (h *Histograms) Fill(name string, x float64) error {
	hist, err := h.Histogram(name)
	if err != nil {
		return err
	}
	hist.Fill(x)
	return nil
}

// EndOfRunReport lists entries and mean of every histogram.
func (h *Histograms) EndOfRunReport() string {
	if len(h.hists) == 0 {
		return "no histograms booked"
	}
	var b strings.Builder
	for i, name := range sortedKeys(h.hists) {
		hist := h.hists[name]
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: entries=%d mean=%.4g", name, hist.Entries, hist.Mean())
	}
	return b.String()
}
