// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service provides the run-scoped helper objects shared by
// reconstruction stages.
//
// Services are declared in the Services section of the configuration:
//
//	Services:
//	  - name: calibration
//	    type: Calibration
//	    default_gain: 1.0
//	  - name: histograms
//	    type: Histograms
//
// The Registry instantiates each entry through the factory registered for its
// type, configures it once, and hands it to stages by name. Services own
// their state for the whole run and report a summary at end of run.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
)

// SectionServices lists the services of a run.
const SectionServices = "Services"

// Sentinel errors for the service package.
var (
	// ErrServiceNotFound is returned when no service has the requested name.
	ErrServiceNotFound = errors.New("service not found")

	// ErrServiceType is returned when a service is not of the requested type.
	ErrServiceType = errors.New("service has unexpected type")

	// ErrDuplicateService is returned when two services share a name.
	ErrDuplicateService = errors.New("duplicate service name")

	// ErrUnknownServiceType is returned for a type with no factory.
	ErrUnknownServiceType = errors.New("unknown service type")

	// ErrNotConfigured is returned when a service is used before Configure.
	ErrNotConfigured = errors.New("service not configured")
)

// Service is a named, run-scoped helper.
type Service interface {
	// Name returns the instance name from the configuration.
	Name() string

	// Configure is called once before the first event.
	Configure(cfg *config.Tree, store *eventstore.Store) error

	// EndOfRunReport returns a human-readable summary.
	EndOfRunReport() string
}

// Spec is one entry of the Services section. Keys other than name and type
// are passed to the factory in Params.
type Spec struct {
	Name   string         `yaml:"name" validate:"required"`
	Type   string         `yaml:"type" validate:"required"`
	Params map[string]any `yaml:",inline"`
}

// Factory builds a service from its spec.
type Factory func(spec Spec, logger *slog.Logger) (Service, error)

// Factories maps service type names to factories.
type Factories map[string]Factory

// DefaultFactories returns the built-in service types.
func DefaultFactories() Factories {
	return Factories{
		TypeCalibration: NewCalibration,
		TypeHistograms:  NewHistograms,
	}
}

// Report is one service's end-of-run summary.
type Report struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Registry owns the services of a run.
//
// # Thread Safety
//
// Registry is NOT safe for concurrent mutation. After Configure it is only
// read.
type Registry struct {
	logger    *slog.Logger
	factories Factories
	services  map[string]Service
	order     []string
}

// NewRegistry creates an empty registry. A nil factories uses
// DefaultFactories.
func NewRegistry(logger *slog.Logger, factories Factories) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if factories == nil {
		factories = DefaultFactories()
	}
	return &Registry{
		logger:    logger,
		factories: factories,
		services:  make(map[string]Service),
	}
}

// Register adds an already-built service. Configure will configure it.
func (r *Registry) Register(svc Service) error {
	name := svc.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrDuplicateService)
	}
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateService, name)
	}
	r.services[name] = svc
	r.order = append(r.order, name)
	return nil
}

// Configure instantiates every service in the Services section and then
// configures all registered services in registration order.
//
// Outputs:
//
//	error - A decode, factory or Configure failure. The run must not start.
func (r *Registry) Configure(cfg *config.Tree, store *eventstore.Store) error {
	if cfg.Has(SectionServices) {
		var specs []Spec
		if err := cfg.Decode(SectionServices, &specs); err != nil {
			return err
		}
		for _, spec := range specs {
			factory, ok := r.factories[spec.Type]
			if !ok {
				return fmt.Errorf("%w: %q for service %q", ErrUnknownServiceType, spec.Type, spec.Name)
			}
			svc, err := factory(spec, r.logger.With("service_name", spec.Name))
			if err != nil {
				return fmt.Errorf("build service %q: %w", spec.Name, err)
			}
			if err := r.Register(svc); err != nil {
				return err
			}
		}
	}

	for _, name := range r.order {
		if err := r.services[name].Configure(cfg, store); err != nil {
			return fmt.Errorf("configure service %q: %w", name, err)
		}
		r.logger.Debug("service configured", "service_name", name)
	}
	return nil
}

// Get returns the service registered under name.
func (r *Registry) Get(name string) (Service, error) {
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}
	return svc, nil
}

// Lookup returns the service registered under name as a T.
func Lookup[T Service](r *Registry, name string) (T, error) {
	var zero T
	svc, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T", ErrServiceType, name, svc)
	}
	return typed, nil
}

// Names returns the service names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// EndOfRun collects every service's report in registration order and logs
// each one.
func (r *Registry) EndOfRun(logger *slog.Logger) []Report {
	if logger == nil {
		logger = r.logger
	}
	reports := make([]Report, 0, len(r.order))
	for _, name := range r.order {
		text := r.services[name].EndOfRunReport()
		reports = append(reports, Report{Name: name, Text: text})
		logger.Info("service end of run", "service_name", name, "report", text)
	}
	return reports
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
