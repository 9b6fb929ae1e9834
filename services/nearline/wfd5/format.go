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
	"errors"
	"fmt"
	"hash/crc32"
	"math/bits"
	"sort"

	"github.com/AleutianAI/AleutianNearline/services/nearline/midas"
)

// Block layout, in little-endian 64-bit words:
//
//	w0   slot[0:8] crate[8:16] trigger[16:40] lengthWords[40:64]
//	w1   clock counter
//	w2   channelMask[0:16] boardID[16:32] firmware[32:48]
//	per enabled channel, ascending channel number:
//	  c0 tag[0:8] nWaveforms[8:32] wfLength[32:56] dataType[56:64]
//	  c1 triggerEcho[0:32] gap[32:64]
//	  per waveform:
//	    h0 index[0:12] startClock[12:44] preTrigger[44:64]
//	    ceil(wfLength/4) words of four int16 samples
//	trailer  crc32-ieee of all preceding block bytes in [0:32]
const (
	headerWords  = 3
	trailerWords = 1
	maxChannels  = 16

	maxTrigger    = 1<<24 - 1
	maxLength     = 1<<24 - 1
	maxWaveforms  = 1<<24 - 1
	maxWfLength   = 1<<24 - 1
	maxIndex      = 1<<12 - 1
	maxPreTrigger = 1<<20 - 1
)

// BankPrefix selects the banks the unpacker decodes.
const BankPrefix = "AD"

// Sentinel errors for the wfd5 package.
var (
	// ErrMalformedBlock is returned when a block's words are inconsistent.
	ErrMalformedBlock = errors.New("malformed wfd5 block")

	// ErrCRCMismatch is returned when the trailer checksum does not match.
	ErrCRCMismatch = errors.New("wfd5 block crc mismatch")

	// ErrTriggerMismatch is returned when a channel echoes another trigger.
	ErrTriggerMismatch = errors.New("wfd5 channel trigger mismatch")

	// ErrInvalidBlock is returned by the encoder for values that do not fit.
	ErrInvalidBlock = errors.New("invalid wfd5 block")
)

func field(w uint64, lo, width uint) uint64 {
	return (w >> lo) & (1<<width - 1)
}

// Block is the encoder's view of one digitizer readout.
type Block struct {
	Crate           uint8
	AMCSlot         uint8
	TriggerNum      uint32
	ClockCounter    uint64
	BoardID         uint16
	FirmwareVersion uint16
	Channels        []Channel
}

// Channel is one enabled channel of a Block.
type Channel struct {
	Channel   uint8
	DataType  uint8
	Gap       uint32
	Waveforms []Waveform
}

// Waveform is one digitized trace. All waveforms of a channel share a length.
type Waveform struct {
	StartClock uint32
	PreTrigger uint32
	Samples    []int16
}

func sampleWords(n int) int {
	return (n + 3) / 4
}

// EncodeBlock serializes b in the WFD5 block layout.
func EncodeBlock(b Block) ([]byte, error) {
	if b.TriggerNum > maxTrigger {
		return nil, fmt.Errorf("%w: trigger %d exceeds 24 bits", ErrInvalidBlock, b.TriggerNum)
	}
	chans := make([]Channel, len(b.Channels))
	copy(chans, b.Channels)
	sort.Slice(chans, func(i, j int) bool { return chans[i].Channel < chans[j].Channel })

	var mask uint16
	words := headerWords + trailerWords
	for _, ch := range chans {
		if ch.Channel >= maxChannels {
			return nil, fmt.Errorf("%w: channel %d", ErrInvalidBlock, ch.Channel)
		}
		if mask&(1<<ch.Channel) != 0 {
			return nil, fmt.Errorf("%w: duplicate channel %d", ErrInvalidBlock, ch.Channel)
		}
		mask |= 1 << ch.Channel
		if len(ch.Waveforms) > maxWaveforms || len(ch.Waveforms) > maxIndex+1 {
			return nil, fmt.Errorf("%w: %d waveforms on channel %d", ErrInvalidBlock, len(ch.Waveforms), ch.Channel)
		}
		wfLen := 0
		if len(ch.Waveforms) > 0 {
			wfLen = len(ch.Waveforms[0].Samples)
		}
		if wfLen > maxWfLength {
			return nil, fmt.Errorf("%w: waveform length %d", ErrInvalidBlock, wfLen)
		}
		for _, wf := range ch.Waveforms {
			if len(wf.Samples) != wfLen {
				return nil, fmt.Errorf("%w: channel %d mixes waveform lengths", ErrInvalidBlock, ch.Channel)
			}
			if wf.PreTrigger > maxPreTrigger {
				return nil, fmt.Errorf("%w: pre-trigger %d", ErrInvalidBlock, wf.PreTrigger)
			}
		}
		words += 2 + len(ch.Waveforms)*(1+sampleWords(wfLen))
	}
	if words > maxLength {
		return nil, fmt.Errorf("%w: %d words", ErrInvalidBlock, words)
	}

	out := make([]byte, words*8)
	put := func(i int, w uint64) { binary.LittleEndian.PutUint64(out[i*8:], w) }

	put(0, uint64(b.AMCSlot)|uint64(b.Crate)<<8|uint64(b.TriggerNum)<<16|uint64(words)<<40)
	put(1, b.ClockCounter)
	put(2, uint64(mask)|uint64(b.BoardID)<<16|uint64(b.FirmwareVersion)<<32)

	i := headerWords
	for _, ch := range chans {
		wfLen := 0
		if len(ch.Waveforms) > 0 {
			wfLen = len(ch.Waveforms[0].Samples)
		}
		put(i, uint64(ch.Channel)|uint64(len(ch.Waveforms))<<8|uint64(wfLen)<<32|uint64(ch.DataType)<<56)
		put(i+1, uint64(b.TriggerNum)|uint64(ch.Gap)<<32)
		i += 2
		for idx, wf := range ch.Waveforms {
			put(i, uint64(idx)|uint64(wf.StartClock)<<12|uint64(wf.PreTrigger)<<44)
			i++
			for s, v := range wf.Samples {
				binary.LittleEndian.PutUint16(out[i*8+s*2:], uint16(v))
			}
			i += sampleWords(wfLen)
		}
	}
	put(i, uint64(crc32.ChecksumIEEE(out[:i*8])))
	return out, nil
}

// BuildBank concatenates encoded blocks into one WFD5 bank.
func BuildBank(name string, blocks ...[]byte) midas.Bank {
	n := 0
	for _, b := range blocks {
		n += len(b)
	}
	data := make([]byte, 0, n)
	for _, b := range blocks {
		data = append(data, b...)
	}
	return midas.Bank{Name: name, Type: midas.TIDUint64, Data: data}
}

// enabledChannels lists the channel numbers set in mask in ascending order.
func enabledChannels(mask uint16) []uint8 {
	out := make([]uint8, 0, bits.OnesCount16(mask))
	for c := uint8(0); c < maxChannels; c++ {
		if mask&(1<<c) != 0 {
			out = append(out, c)
		}
	}
	return out
}
