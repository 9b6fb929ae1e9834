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
	"bytes"

	"github.com/AleutianAI/AleutianNearline/services/nearline/midas"
)

// Class is the routing decision for one raw record.
type Class int

const (
	// ClassIgnored records are dropped without side effects.
	ClassIgnored Class = iota

	// ClassMetadata records carry the begin-of-run ODB dump.
	ClassMetadata

	// ClassData records carry physics data and go to the unpacker.
	ClassData
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassMetadata:
		return "metadata"
	case ClassData:
		return "data"
	default:
		return "ignored"
	}
}

// Classifier routes raw records by their MIDAS event id.
type Classifier struct {
	physicsID uint16
}

// NewClassifier returns a Classifier that treats physicsID as data.
func NewClassifier(physicsID uint16) Classifier {
	return Classifier{physicsID: physicsID}
}

// Classify returns exactly one class for every record, nil included.
//
// The begin-of-run id always wins, so a physics id configured to 0x8000
// never turns BOR records into data.
func (c Classifier) Classify(rec *midas.Record) Class {
	switch {
	case rec == nil:
		return ClassIgnored
	case rec.EventID == midas.EventIDBOR:
		return ClassMetadata
	case rec.IsHeaderEvent():
		return ClassIgnored
	case rec.EventID == c.physicsID:
		return ClassData
	default:
		return ClassIgnored
	}
}

// TruncateODB drops everything before the first '{' of a BOR payload. A
// payload without one is returned whole.
func TruncateODB(payload []byte) string {
	if i := bytes.IndexByte(payload, '{'); i >= 0 {
		return string(payload[i:])
	}
	return string(payload)
}
