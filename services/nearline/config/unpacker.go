// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
)

// SectionUnpacker is the one section every run requires.
const SectionUnpacker = "Unpacker"

// Partial-record policies.
const (
	// PolicyKeep leaves events appended before an unpack error in the output.
	PolicyKeep = "keep"

	// PolicyDiscard drops every event of a record that ends in an unpack error.
	PolicyDiscard = "discard"
)

// ErrInvalidPolicy is returned for an unknown partial_record_policy.
var ErrInvalidPolicy = errors.New("invalid partial_record_policy")

// UnpackerOptions are the run-control options of the Unpacker section.
type UnpackerOptions struct {
	// MaxMidasEvents bounds the number of data records processed; -1 is unbounded.
	MaxMidasEvents int

	// Verbosity selects the log level.
	Verbosity int

	// PartialRecordPolicy is PolicyKeep or PolicyDiscard.
	PartialRecordPolicy string

	// PhysicsEventID is the MIDAS event id of data records.
	PhysicsEventID uint16
}

// DefaultUnpackerOptions returns the options used for absent keys.
func DefaultUnpackerOptions() UnpackerOptions {
	return UnpackerOptions{
		MaxMidasEvents:      -1,
		Verbosity:           0,
		PartialRecordPolicy: PolicyKeep,
		PhysicsEventID:      1,
	}
}

// Unpacker reads the Unpacker section.
//
// Description:
//
//	Fails with ErrMissingSection when the section is absent. Integer options
//	holding a value of another type fall back to their default. Negative
//	max_midas_events values other than -1 are treated as unbounded.
//
// Outputs:
//
//	UnpackerOptions - The options.
//	error - ErrMissingSection or ErrInvalidPolicy.
func (t *Tree) Unpacker() (UnpackerOptions, error) {
	opts := DefaultUnpackerOptions()
	if err := t.Require(SectionUnpacker); err != nil {
		return opts, err
	}
	opts.MaxMidasEvents = t.Int(SectionUnpacker, "max_midas_events", opts.MaxMidasEvents)
	if opts.MaxMidasEvents < 0 {
		opts.MaxMidasEvents = -1
	}
	opts.Verbosity = t.Int(SectionUnpacker, "verbosity", opts.Verbosity)
	opts.PartialRecordPolicy = t.String(SectionUnpacker, "partial_record_policy", opts.PartialRecordPolicy)
	switch opts.PartialRecordPolicy {
	case PolicyKeep, PolicyDiscard:
	default:
		return opts, fmt.Errorf("%w: %q", ErrInvalidPolicy, opts.PartialRecordPolicy)
	}
	id := t.Int(SectionUnpacker, "physics_event_id", int(opts.PhysicsEventID))
	if id >= 0 && id <= 0xFFFF {
		opts.PhysicsEventID = uint16(id)
	}
	return opts, nil
}
