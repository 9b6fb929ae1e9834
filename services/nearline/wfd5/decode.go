// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wfd5

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
)

// blockRef locates one block inside a bank without decoding it.
type blockRef struct {
	bank    string
	trigger uint32
	crate   uint8
	slot    uint8
	data    []byte
}

// scanBank splits a bank into blocks using each block's length word.
func scanBank(name string, data []byte) ([]blockRef, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%w: bank %s is %d bytes, not a multiple of 8", ErrMalformedBlock, name, len(data))
	}
	var refs []blockRef
	for off := 0; off < len(data); {
		w0 := binary.LittleEndian.Uint64(data[off:])
		words := int(field(w0, 40, 24))
		if words < headerWords+trailerWords {
			return nil, fmt.Errorf("%w: bank %s block at word %d declares %d words", ErrMalformedBlock, name, off/8, words)
		}
		end := off + words*8
		if end > len(data) {
			return nil, fmt.Errorf("%w: bank %s block at word %d truncated", ErrMalformedBlock, name, off/8)
		}
		refs = append(refs, blockRef{
			bank:    name,
			trigger: uint32(field(w0, 16, 24)),
			crate:   uint8(field(w0, 8, 8)),
			slot:    uint8(field(w0, 0, 8)),
			data:    data[off:end],
		})
		off = end
	}
	return refs, nil
}

// decodeBlock fully decodes one block and appends its products to out.
func decodeBlock(ref blockRef, out *Decoded) error {
	data := ref.data
	nwords := len(data) / 8
	word := func(i int) uint64 { return binary.LittleEndian.Uint64(data[i*8:]) }

	trailer := word(nwords - 1)
	if got := crc32.ChecksumIEEE(data[:len(data)-8]); got != uint32(trailer) {
		return fmt.Errorf("%w: bank %s trigger %d crate %d slot %d: have 0x%08x want 0x%08x",
			ErrCRCMismatch, ref.bank, ref.trigger, ref.crate, ref.slot, got, uint32(trailer))
	}

	w2 := word(2)
	hdr := dp.WFD5Header{
		Crate:           ref.crate,
		AMCSlot:         ref.slot,
		TriggerNum:      ref.trigger,
		DataLength:      uint32(nwords),
		ClockCounter:    word(1),
		ChannelMask:     uint16(field(w2, 0, 16)),
		BoardID:         uint16(field(w2, 16, 16)),
		FirmwareVersion: uint16(field(w2, 32, 16)),
	}

	// Decode into locals first so a failure leaves out untouched.
	var (
		chans []dp.WFD5ChannelHeader
		wfhs  []dp.WFD5WaveformHeader
		wfs   []dp.WFD5Waveform
	)
	i := headerWords
	body := nwords - trailerWords
	for _, ch := range enabledChannels(hdr.ChannelMask) {
		if i+2 > body {
			return fmt.Errorf("%w: trigger %d channel %d header past block end", ErrMalformedBlock, ref.trigger, ch)
		}
		c0, c1 := word(i), word(i+1)
		i += 2
		echo := uint32(field(c1, 0, 32))
		if echo != ref.trigger {
			return fmt.Errorf("%w: trigger %d channel %d echoes %d", ErrTriggerMismatch, ref.trigger, ch, echo)
		}
		nwf := int(field(c0, 8, 24))
		wfLen := int(field(c0, 32, 24))
		chans = append(chans, dp.WFD5ChannelHeader{
			Crate:          ref.crate,
			AMCSlot:        ref.slot,
			Channel:        ch,
			TriggerNum:     ref.trigger,
			WaveformCount:  uint32(nwf),
			WaveformLength: uint32(wfLen),
			DataType:       uint8(field(c0, 56, 8)),
			WaveformGap:    uint32(field(c1, 32, 32)),
		})

		sw := sampleWords(wfLen)
		for w := 0; w < nwf; w++ {
			if i+1+sw > body {
				return fmt.Errorf("%w: trigger %d channel %d waveform %d past block end", ErrMalformedBlock, ref.trigger, ch, w)
			}
			h0 := word(i)
			i++
			wh := dp.WFD5WaveformHeader{
				Crate:         ref.crate,
				AMCSlot:       ref.slot,
				Channel:       ch,
				WaveformIndex: uint16(field(h0, 0, 12)),
				StartClock:    uint32(field(h0, 12, 32)),
				PreTrigger:    uint32(field(h0, 44, 20)),
				Length:        uint32(wfLen),
			}
			samples := make([]int16, wfLen)
			base := i * 8
			for s := range samples {
				samples[s] = int16(binary.LittleEndian.Uint16(data[base+s*2:]))
			}
			i += sw
			wfhs = append(wfhs, wh)
			wfs = append(wfs, dp.WFD5Waveform{
				Crate:         ref.crate,
				AMCSlot:       ref.slot,
				Channel:       ch,
				WaveformIndex: wh.WaveformIndex,
				TriggerNum:    ref.trigger,
				ClockCounter:  hdr.ClockCounter + uint64(wh.StartClock),
				Samples:       samples,
			})
		}
	}
	if i != body {
		return fmt.Errorf("%w: trigger %d decoded %d words, block declares %d", ErrMalformedBlock, ref.trigger, i+trailerWords, nwords)
	}

	out.Headers = append(out.Headers, hdr)
	out.ChannelHeaders = append(out.ChannelHeaders, chans...)
	out.WaveformHeaders = append(out.WaveformHeaders, wfhs...)
	out.Waveforms = append(out.Waveforms, wfs...)
	return nil
}
