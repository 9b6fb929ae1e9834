// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package midas

import (
	"encoding/binary"
	"fmt"
)

// BankFormat is the flags word of a bank section header.
type BankFormat uint32

// Bank section formats.
const (
	// Bank16 uses 16-bit type and size fields.
	Bank16 BankFormat = 0x01

	// Bank32 uses 32-bit type and size fields.
	Bank32 BankFormat = 0x11

	// Bank32A is Bank32 with an extra reserved word so that bank data
	// starts on an 8-byte boundary.
	Bank32A BankFormat = 0x31
)

const (
	formatBit32      = 0x10
	formatBitAligned = 0x20
)

// Bank data types used by the nearline tools.
const (
	TIDUint8  uint32 = 1
	TIDUint32 uint32 = 6
	TIDUint64 uint32 = 18
)

// Bank is one named data block within a data record.
type Bank struct {
	Name string
	Type uint32
	Data []byte
}

func (f BankFormat) headerSize() int {
	switch {
	case uint32(f)&formatBitAligned != 0:
		return 16
	case uint32(f)&formatBit32 != 0:
		return 12
	default:
		return 8
	}
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// Banks decodes the bank section of a data record.
//
// Description:
//
//	The payload starts with the total bank bytes and the format flags,
//	followed by banks whose data is padded to 8 bytes. The returned Bank.Data
//	slices alias r.Payload.
//
// Outputs:
//
//	[]Bank - Banks in payload order.
//	error - ErrMalformedBank on any size inconsistency.
func (r *Record) Banks() ([]Bank, error) {
	p := r.Payload
	if len(p) < 8 {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrMalformedBank, len(p))
	}
	total := int(binary.LittleEndian.Uint32(p[0:]))
	format := BankFormat(binary.LittleEndian.Uint32(p[4:]))
	if total > len(p)-8 {
		return nil, fmt.Errorf("%w: bank bytes %d exceed payload %d", ErrMalformedBank, total, len(p)-8)
	}
	switch format {
	case Bank16, Bank32, Bank32A:
	default:
		return nil, fmt.Errorf("%w: unknown format 0x%x", ErrMalformedBank, uint32(format))
	}

	hs := format.headerSize()
	section := p[8 : 8+total]
	var banks []Bank
	for off := 0; off < len(section); {
		if len(section)-off < hs {
			return nil, fmt.Errorf("%w: bank header at %d truncated", ErrMalformedBank, off)
		}
		h := section[off:]
		b := Bank{Name: string(h[0:4])}
		var size int
		if format == Bank16 {
			b.Type = uint32(binary.LittleEndian.Uint16(h[4:]))
			size = int(binary.LittleEndian.Uint16(h[6:]))
		} else {
			b.Type = binary.LittleEndian.Uint32(h[4:])
			size = int(binary.LittleEndian.Uint32(h[8:]))
		}
		start := off + hs
		if size > len(section)-start {
			return nil, fmt.Errorf("%w: bank %q size %d exceeds section", ErrMalformedBank, b.Name, size)
		}
		b.Data = section[start : start+size : start+size]
		banks = append(banks, b)
		off = start + align8(size)
	}
	return banks, nil
}

// EncodeBanks builds a bank section payload in the given format.
func EncodeBanks(format BankFormat, banks []Bank) ([]byte, error) {
	hs := format.headerSize()
	total := 0
	for _, b := range banks {
		if len(b.Name) != 4 {
			return nil, fmt.Errorf("bank name %q must be 4 bytes", b.Name)
		}
		if format == Bank16 && len(b.Data) > 0xFFFF {
			return nil, fmt.Errorf("bank %q too large for 16-bit format", b.Name)
		}
		total += hs + align8(len(b.Data))
	}

	out := make([]byte, 8+total)
	binary.LittleEndian.PutUint32(out[0:], uint32(total))
	binary.LittleEndian.PutUint32(out[4:], uint32(format))
	off := 8
	for _, b := range banks {
		copy(out[off:], b.Name)
		if format == Bank16 {
			binary.LittleEndian.PutUint16(out[off+4:], uint16(b.Type))
			binary.LittleEndian.PutUint16(out[off+6:], uint16(len(b.Data)))
		} else {
			binary.LittleEndian.PutUint32(out[off+4:], b.Type)
			binary.LittleEndian.PutUint32(out[off+8:], uint32(len(b.Data)))
		}
		copy(out[off+hs:], b.Data)
		off += hs + align8(len(b.Data))
	}
	return out, nil
}
