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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	"github.com/AleutianAI/AleutianNearline/services/nearline/eventstore"
	"github.com/AleutianAI/AleutianNearline/services/nearline/output"
	"github.com/AleutianAI/AleutianNearline/services/nearline/reco"
	"github.com/AleutianAI/AleutianNearline/services/nearline/service"
	"github.com/AleutianAI/AleutianNearline/services/nearline/wfd5"
)

// Build constructs and configures the standard collaborators from cfg.
//
// Description:
//
//	Configures, in order: the sink, the event store (run and subrun from
//	cfg), the service registry, the reconstruction driver and the WFD5
//	unpacker. The sink is closed again if any later step fails.
//
// Inputs:
//
//	cfg - Loaded configuration with run and subrun set. Must have an
//	Unpacker section.
//	src - The record source. Build does not take ownership of it.
//	sink - Unconfigured output sink. The Pipeline closes it at the end of Run.
//	logger - Base logger. If nil, output is discarded.
//
// Outputs:
//
//	*Pipeline - Ready to Run.
//	error - config.ErrMissingSection, an option error, or a component's
//	Configure error.
func Build(cfg *config.Tree, src Source, sink output.Sink, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	unpackerOpts, err := cfg.Unpacker()
	if err != nil {
		return nil, err
	}
	if err := sink.Configure(cfg); err != nil {
		return nil, fmt.Errorf("configure output: %w", err)
	}

	p, err := build(cfg, src, sink, logger, unpackerOpts)
	if err != nil {
		return nil, errors.Join(err, sink.Close())
	}
	return p, nil
}

func build(cfg *config.Tree, src Source, sink output.Sink, logger *slog.Logger, unpackerOpts config.UnpackerOptions) (*Pipeline, error) {
	store := eventstore.New()
	store.SetRunSubrun(cfg.Run(), cfg.Subrun())

	services := service.NewRegistry(logger.With("component", "services"), nil)
	if err := services.Configure(cfg, store); err != nil {
		return nil, fmt.Errorf("configure services: %w", err)
	}

	driver := reco.NewDriver(logger.With("component", "reco"))
	if err := driver.Configure(cfg, services, store); err != nil {
		return nil, fmt.Errorf("configure reconstruction: %w", err)
	}

	return New(Deps{
		Source:   src,
		Unpacker: wfd5.NewUnpacker(logger.With("component", "unpacker")),
		Store:    store,
		Services: services,
		Reco:     driver,
		Sink:     sink,
		Logger:   logger,
	}, OptionsFromConfig(unpackerOpts))
}
