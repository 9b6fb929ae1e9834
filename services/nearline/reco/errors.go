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
	"errors"
	"fmt"
)

// Sentinel errors for the reco package.
var (
	// ErrMissingProduct is returned when a stage input was not written in
	// the current event. It always wraps eventstore.ErrNotFound.
	ErrMissingProduct = errors.New("missing product")

	// ErrUnknownStageType is returned for a stage type with no factory.
	ErrUnknownStageType = errors.New("unknown stage type")

	// ErrDuplicateStage is returned when two stages share a name.
	ErrDuplicateStage = errors.New("duplicate stage name")

	// ErrInconsistentInputs is returned when parallel input collections disagree.
	ErrInconsistentInputs = errors.New("inconsistent stage inputs")

	// ErrNotConfigured is returned when Run is called before Configure.
	ErrNotConfigured = errors.New("driver not configured")
)

// StageError wraps the error of the stage that stopped the chain.
type StageError struct {
	Stage string
	Err   error
}

// Error returns the error message.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a StageError.
func NewStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}
