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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	"github.com/AleutianAI/AleutianNearline/services/nearline/service"
)

// Stage is one step of the reconstruction chain.
//
// Description:
//
//	A stage reads products written earlier in the same event, by the
//	unpacker or by stages before it, and writes its own products under its
//	instance name as producer. Stages keep no per-event state; anything that
//	must outlive an event belongs in a service.
type Stage interface {
	// Name returns the instance name, also used as the producer of outputs.
	Name() string

	// Configure is called once before the first event.
	Configure(cfg *config.Tree, services *service.Registry, store *eventstore.Store) error

	// Run processes the current event.
	Run(ctx context.Context, store *eventstore.Store, services *service.Registry) error
}

// StageSpec is one entry of Reco.stages. Keys other than name and type are
// passed to the factory in Params.
type StageSpec struct {
	Name   string         `yaml:"name" validate:"required"`
	Type   string         `yaml:"type" validate:"required"`
	Params map[string]any `yaml:",inline"`
}

// Factory builds a stage from its spec.
type Factory func(spec StageSpec, logger *slog.Logger) (Stage, error)

// Factories maps stage type names to factories.
type Factories map[string]Factory

// DefaultFactories returns the built-in stage types.
func DefaultFactories() Factories {
	return Factories{
		TypeWaveformBaseline: NewWaveformBaseline,
		TypePulseIntegral:    NewPulseIntegral,
	}
}

// Input reads a typed input collection, reporting an absent key as
// ErrMissingProduct.
func Input[T dp.Product](store *eventstore.Store, producer, label string) ([]T, error) {
	items, err := eventstore.GetAs[T](store, producer, label)
	if errors.Is(err, eventstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrMissingProduct, err)
	}
	return items, err
}

func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return config.Validate(out)
	}
	return config.DecodeValue(params, out)
}
