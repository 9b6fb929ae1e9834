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
	"fmt"
	"io"
	"os"
)

// Writer appends records to a run file.
type Writer struct {
	bw     *bufio.Writer
	codec  io.WriteCloser
	file   *os.File
	header [HeaderSize]byte
}

// Create creates a run file at path, compressing by extension.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	cw, err := newCompressor(f, CompressionFromPath(path))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Writer{bw: bufio.NewWriterSize(cw, 1<<16), codec: cw, file: f}, nil
}

// NewWriter writes uncompressed records to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, 1<<16)}
}

// Write appends rec.
func (w *Writer) Write(rec *Record) error {
	if len(rec.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(rec.Payload))
	}
	rec.putHeader(w.header[:])
	if _, err := w.bw.Write(w.header[:]); err != nil {
		return err
	}
	_, err := w.bw.Write(rec.Payload)
	return err
}

// Close flushes buffered records, finishes the codec stream and closes the
// file. A Writer built with NewWriter is only flushed.
func (w *Writer) Close() error {
	err := w.bw.Flush()
	if w.codec != nil {
		if cerr := w.codec.Close(); err == nil {
			err = cerr
		}
	}
	if w.file != nil {
		if ferr := w.file.Close(); err == nil {
			err = ferr
		}
	}
	return err
}
