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
	"errors"
	"fmt"
	"math"
	"sort"
)

// Aggregate is a run-scoped accumulator written once at end of run.
type Aggregate interface {
	AggregateKind() string
}

// ErrInvalidBinning is returned when a histogram is booked with bad limits.
var ErrInvalidBinning = errors.New("invalid histogram binning")

// ErrInvalidSpline is returned when spline knots are unusable.
var ErrInvalidSpline = errors.New("invalid spline knots")

// Histogram1D is a fixed-width one-dimensional histogram.
//
// Not safe for concurrent use; the pipeline fills it from a single goroutine.
type Histogram1D struct {
	Name      string    `json:"name"`
	Title     string    `json:"title,omitempty"`
	Low       float64   `json:"low"`
	High      float64   `json:"high"`
	Bins      []float64 `json:"bins"`
	Underflow float64   `json:"underflow"`
	Overflow  float64   `json:"overflow"`
	Entries   int64     `json:"entries"`
	SumW      float64   `json:"sum_w"`
	SumWX     float64   `json:"sum_wx"`
}

// NewHistogram1D books a histogram with nbins equal-width bins on [low, high).
func NewHistogram1D(name, title string, nbins int, low, high float64) (*Histogram1D, error) {
	if nbins <= 0 || !(high > low) {
		return nil, fmt.Errorf("%w: %s nbins=%d range=[%g,%g)", ErrInvalidBinning, name, nbins, low, high)
	}
	return &Histogram1D{
		Name:  name,
		Title: title,
		Low:   low,
		High:  high,
		Bins:  make([]float64, nbins),
	}, nil
}

// AggregateKind implements Aggregate.
func (h *Histogram1D) AggregateKind() string { return "histogram1d" }

// Fill adds x with unit weight.
func (h *Histogram1D) Fill(x float64) {
	h.FillWeighted(x, 1)
}

// FillWeighted adds x with weight w. NaN values are dropped.
func (h *Histogram1D) FillWeighted(x, w float64) {
	if math.IsNaN(x) {
		return
	}
	h.Entries++
	switch {
	case x < h.Low:
		h.Underflow += w
		return
	case x >= h.High:
		h.Overflow += w
		return
	}
	idx := int((x - h.Low) / h.BinWidth())
	if idx >= len(h.Bins) {
		idx = len(h.Bins) - 1
	}
	h.Bins[idx] += w
	h.SumW += w
	h.SumWX += w * x
}

// BinWidth returns the width of each bin.
func (h *Histogram1D) BinWidth() float64 {
	return (h.High - h.Low) / float64(len(h.Bins))
}

// Mean returns the weighted mean of in-range entries, or 0 if empty.
func (h *Histogram1D) Mean() float64 {
	if h.SumW == 0 {
		return 0
	}
	return h.SumWX / h.SumW
}

// Integral returns the sum of in-range bin contents.
func (h *Histogram1D) Integral() float64 {
	var total float64
	for _, b := range h.Bins {
		total += b
	}
	return total
}

// Knot is one (x, y) point of a calibration curve.
type Knot struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Spline is a piecewise-linear calibration curve.
//
// Evaluation outside the knot range extrapolates the first or last segment.
type Spline struct {
	Name  string `json:"name"`
	Knots []Knot `json:"knots"`
}

// NewSpline sorts the knots by x and validates them.
func NewSpline(name string, knots []Knot) (*Spline, error) {
	if len(knots) < 2 {
		return nil, fmt.Errorf("%w: %s needs at least 2 knots, got %d", ErrInvalidSpline, name, len(knots))
	}
	sorted := make([]Knot, len(knots))
	copy(sorted, knots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].X == sorted[i-1].X {
			return nil, fmt.Errorf("%w: %s duplicate x=%g", ErrInvalidSpline, name, sorted[i].X)
		}
	}
	return &Spline{Name: name, Knots: sorted}, nil
}

// AggregateKind implements Aggregate.
func (s *Spline) AggregateKind() string { return "spline" }

// Eval returns the curve value at x.
func (s *Spline) Eval(x float64) float64 {
	k := s.Knots
	i := sort.Search(len(k), func(i int) bool { return k[i].X >= x })
	switch {
	case i == 0:
		i = 1
	case i == len(k):
		i = len(k) - 1
	}
	a, b := k[i-1], k[i]
	return a.Y + (x-a.X)*(b.Y-a.Y)/(b.X-a.X)
}
