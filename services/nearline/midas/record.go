// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package midas reads and writes MIDAS run files.
//
// A run file is a sequence of events, each a 16-byte little-endian header
// followed by its payload:
//
//	offset  size  field
//	0       2     event id
//	2       2     trigger mask
//	4       4     serial number
//	8       4     timestamp (unix seconds)
//	12      4     payload size in bytes
//
// Header events (begin-of-run, end-of-run, message) carry text payloads. Data
// events carry a bank section that Record.Banks decodes. Files may be
// compressed; Open and Create choose the codec by file extension.
package midas

import (
	"encoding/binary"
	"errors"
)

// Well-known event ids.
const (
	// EventIDBOR marks the begin-of-run record carrying the ODB dump.
	EventIDBOR uint16 = 0x8000

	// EventIDEOR marks the end-of-run record.
	EventIDEOR uint16 = 0x8001

	// EventIDMessage marks a message record.
	EventIDMessage uint16 = 0x8002
)

// HeaderSize is the size of an event header in bytes.
const HeaderSize = 16

// MaxPayloadSize bounds a single event payload.
const MaxPayloadSize = 256 << 20

// Sentinel errors for the midas package.
var (
	// ErrTruncated is returned when the stream ends inside an event.
	ErrTruncated = errors.New("truncated midas event")

	// ErrPayloadTooLarge is returned when a header announces more than MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("midas payload too large")

	// ErrMalformedBank is returned when the bank section cannot be decoded.
	ErrMalformedBank = errors.New("malformed midas bank section")
)

// Record is one raw event from a run file.
type Record struct {
	EventID      uint16
	TriggerMask  uint16
	SerialNumber uint32
	Timestamp    uint32
	Payload      []byte
}

// IsHeaderEvent reports whether r is a BOR, EOR or message record.
func (r *Record) IsHeaderEvent() bool {
	switch r.EventID {
	case EventIDBOR, EventIDEOR, EventIDMessage:
		return true
	}
	return false
}

// Size returns the encoded size of r including its header.
func (r *Record) Size() int {
	return HeaderSize + len(r.Payload)
}

func (r *Record) putHeader(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], r.EventID)
	binary.LittleEndian.PutUint16(b[2:], r.TriggerMask)
	binary.LittleEndian.PutUint32(b[4:], r.SerialNumber)
	binary.LittleEndian.PutUint32(b[8:], r.Timestamp)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(r.Payload)))
}

func parseHeader(b []byte) (rec Record, size uint32) {
	rec.EventID = binary.LittleEndian.Uint16(b[0:])
	rec.TriggerMask = binary.LittleEndian.Uint16(b[2:])
	rec.SerialNumber = binary.LittleEndian.Uint32(b[4:])
	rec.Timestamp = binary.LittleEndian.Uint32(b[8:])
	return rec, binary.LittleEndian.Uint32(b[12:])
}
