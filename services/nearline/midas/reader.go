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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// Reader yields the records of a run file in file order.
//
// # Thread Safety
//
// Reader is NOT safe for concurrent use.
type Reader struct {
	r      *bufio.Reader
	closer []io.Closer
	header [HeaderSize]byte
	count  int
}

// Open opens a run file, decompressing by extension.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dr, err := newDecompressor(bufio.NewReaderSize(f, 1<<16), CompressionFromPath(path))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Reader{r: bufio.NewReaderSize(dr, 1<<16), closer: []io.Closer{dr, f}}, nil
}

// NewReader reads uncompressed records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<16)}
}

// Next returns the next record.
//
// Outputs:
//
//	*Record - A freshly allocated record; the caller owns it.
//	error - io.EOF at a clean end of stream, ErrTruncated when the stream
//	ends inside an event, ErrPayloadTooLarge for a corrupt size field.
func (r *Reader) Next() (*Record, error) {
	n, err := io.ReadFull(r.r, r.header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: header after %d records", ErrTruncated, r.count)
		}
		return nil, err
	}

	rec, size := parseHeader(r.header[:])
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: serial %d announces %d bytes", ErrPayloadTooLarge, rec.SerialNumber, size)
	}
	rec.Payload = make([]byte, size)
	if _, err := io.ReadFull(r.r, rec.Payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: payload of serial %d", ErrTruncated, rec.SerialNumber)
		}
		return nil, err
	}
	r.count++
	return &rec, nil
}

// Count returns the number of records returned so far.
func (r *Reader) Count() int { return r.count }

// Close releases the underlying file.
func (r *Reader) Close() error {
	var first error
	for _, c := range r.closer {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closer = nil
	return first
}
