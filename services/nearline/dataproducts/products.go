// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataproducts defines the closed set of decoded and reconstructed
// products that flow through the nearline event store.
//
// Every product type carries a fixed Kind discriminator so that typed access
// to a heterogeneous store never needs reflection. Products are values: once a
// collection of them has been placed in the event store it is shared read-only
// by every stage and by the output sink for the rest of that event.
package dataproducts

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a product type.
type Kind uint8

const (
	// KindUnknown is the zero value and never identifies a real product.
	KindUnknown Kind = iota

	// KindWFD5Header is one digitizer board header per trigger.
	KindWFD5Header

	// KindWFD5ChannelHeader is one header per enabled channel.
	KindWFD5ChannelHeader

	// KindWFD5WaveformHeader is one header per captured waveform.
	KindWFD5WaveformHeader

	// KindWFD5Waveform is the ADC samples of one waveform.
	KindWFD5Waveform

	// KindWFD5ODB is the begin-of-run ODB dump.
	KindWFD5ODB

	// KindWaveformBaseline is the pedestal estimate of one waveform.
	KindWaveformBaseline

	// KindPulse is the reconstructed pulse of one waveform.
	KindPulse
)

// String returns the product type name.
func (k Kind) String() string {
	switch k {
	case KindWFD5Header:
		return "WFD5Header"
	case KindWFD5ChannelHeader:
		return "WFD5ChannelHeader"
	case KindWFD5WaveformHeader:
		return "WFD5WaveformHeader"
	case KindWFD5Waveform:
		return "WFD5Waveform"
	case KindWFD5ODB:
		return "WFD5ODB"
	case KindWaveformBaseline:
		return "WaveformBaseline"
	case KindPulse:
		return "Pulse"
	default:
		return "Unknown"
	}
}

// Product is implemented by every storable data product.
//
// Kind must be implemented on the value receiver so that the zero value of a
// product type reports its discriminator.
type Product interface {
	Kind() Kind
}

// ChannelID addresses one digitizer channel.
type ChannelID struct {
	Crate   uint8 `json:"crate"`
	AMCSlot uint8 `json:"amc_slot"`
	Channel uint8 `json:"channel"`
}

// String formats the channel as crate/slot/channel.
func (c ChannelID) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Crate, c.AMCSlot, c.Channel)
}

// WFD5Header is the board-level header of one WFD5 readout block.
type WFD5Header struct {
	Crate           uint8  `json:"crate"`
	AMCSlot         uint8  `json:"amc_slot"`
	TriggerNum      uint32 `json:"trigger_num"`
	DataLength      uint32 `json:"data_length"`
	ClockCounter    uint64 `json:"clock_counter"`
	ChannelMask     uint16 `json:"channel_mask"`
	BoardID         uint16 `json:"board_id"`
	FirmwareVersion uint16 `json:"firmware_version"`
}

// Kind implements Product.
func (WFD5Header) Kind() Kind { return KindWFD5Header }

// EnabledChannels returns the number of bits set in the channel mask.
func (h WFD5Header) EnabledChannels() int {
	n := 0
	for m := h.ChannelMask; m != 0; m &= m - 1 {
		n++
	}
	return n
}

// WFD5ChannelHeader describes the waveforms captured on one channel.
type WFD5ChannelHeader struct {
	Crate          uint8  `json:"crate"`
	AMCSlot        uint8  `json:"amc_slot"`
	Channel        uint8  `json:"channel"`
	TriggerNum     uint32 `json:"trigger_num"`
	WaveformCount  uint32 `json:"waveform_count"`
	WaveformLength uint32 `json:"waveform_length"`
	DataType       uint8  `json:"data_type"`
	WaveformGap    uint32 `json:"waveform_gap"`
}

// Kind implements Product.
func (WFD5ChannelHeader) Kind() Kind { return KindWFD5ChannelHeader }

// WFD5WaveformHeader describes one captured waveform.
type WFD5WaveformHeader struct {
	Crate         uint8  `json:"crate"`
	AMCSlot       uint8  `json:"amc_slot"`
	Channel       uint8  `json:"channel"`
	WaveformIndex uint16 `json:"waveform_index"`
	StartClock    uint32 `json:"start_clock"`
	PreTrigger    uint32 `json:"pre_trigger"`
	Length        uint32 `json:"length"`
}

// Kind implements Product.
func (WFD5WaveformHeader) Kind() Kind { return KindWFD5WaveformHeader }

// WFD5Waveform holds the ADC samples of one waveform.
//
// Samples is shared with every reader of the event and must not be modified.
type WFD5Waveform struct {
	Crate         uint8   `json:"crate"`
	AMCSlot       uint8   `json:"amc_slot"`
	Channel       uint8   `json:"channel"`
	WaveformIndex uint16  `json:"waveform_index"`
	TriggerNum    uint32  `json:"trigger_num"`
	ClockCounter  uint64  `json:"clock_counter"`
	Samples       []int16 `json:"samples"`
}

// Kind implements Product.
func (WFD5Waveform) Kind() Kind { return KindWFD5Waveform }

// ChannelID returns the channel address of the waveform.
func (w WFD5Waveform) ChannelID() ChannelID {
	return ChannelID{Crate: w.Crate, AMCSlot: w.AMCSlot, Channel: w.Channel}
}

// WFD5ODB is the ODB dump carried by the begin-of-run record.
type WFD5ODB struct {
	JSON string `json:"json"`
}

// Kind implements Product.
func (WFD5ODB) Kind() Kind { return KindWFD5ODB }

// Parse decodes the dump into a generic JSON tree.
func (o WFD5ODB) Parse() (map[string]any, error) {
	var tree map[string]any
	if err := json.Unmarshal([]byte(o.JSON), &tree); err != nil {
		return nil, fmt.Errorf("parse odb dump: %w", err)
	}
	return tree, nil
}

// WaveformBaseline is the pedestal estimate of one waveform.
type WaveformBaseline struct {
	Crate         uint8   `json:"crate"`
	AMCSlot       uint8   `json:"amc_slot"`
	Channel       uint8   `json:"channel"`
	WaveformIndex uint16  `json:"waveform_index"`
	Mean          float64 `json:"mean"`
	RMS           float64 `json:"rms"`
	Samples       int     `json:"samples"`
}

// Kind implements Product.
func (WaveformBaseline) Kind() Kind { return KindWaveformBaseline }

// Pulse is the reconstructed pulse of one waveform.
type Pulse struct {
	Crate         uint8   `json:"crate"`
	AMCSlot       uint8   `json:"amc_slot"`
	Channel       uint8   `json:"channel"`
	WaveformIndex uint16  `json:"waveform_index"`
	Amplitude     float64 `json:"amplitude"`
	PeakSample    int     `json:"peak_sample"`
	Integral      float64 `json:"integral"`
	Energy        float64 `json:"energy"`
	Calibrated    bool    `json:"calibrated"`
}

// Kind implements Product.
func (Pulse) Kind() Kind { return KindPulse }
