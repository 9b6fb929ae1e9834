// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wfd5 decodes WFD5 waveform digitizer banks from MIDAS data records.
//
// One data record can hold readouts of several triggers. The Unpacker groups
// the blocks of a record by trigger number and yields one logical event per
// trigger, in ascending trigger order:
//
//	for {
//	    status, err := u.UnpackNext(rec)
//	    if status != wfd5.StatusSuccessMore {
//	        break
//	    }
//	    ev := u.Decoded()
//	    ...
//	}
package wfd5

import (
	"errors"
	"log/slog"
	"sort"
	"strings"

	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/midas"
)

// Status is the result of one UnpackNext call.
type Status int

const (
	// StatusSuccessMore means one logical event was decoded and is exposed
	// through Decoded. Call UnpackNext again with the same record.
	StatusSuccessMore Status = iota

	// StatusDone means the record is exhausted.
	StatusDone

	// StatusError means the record is malformed. The remainder is dropped.
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccessMore:
		return "SuccessMore"
	case StatusDone:
		return "Done"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Collection labels under which decoded products are stored.
const (
	LabelHeaders         = "WFD5HeaderCollection"
	LabelChannelHeaders  = "WFD5ChannelHeaderCollection"
	LabelWaveformHeaders = "WFD5WaveformHeaderCollection"
	LabelWaveforms       = "WFD5WaveformCollection"
)

// ErrNilRecord is returned when UnpackNext is called without a record.
var ErrNilRecord = errors.New("nil record")

// Decoded holds the collections of one logical event.
type Decoded struct {
	TriggerNum      uint32
	Headers         []dp.WFD5Header
	ChannelHeaders  []dp.WFD5ChannelHeader
	WaveformHeaders []dp.WFD5WaveformHeader
	Waveforms       []dp.WFD5Waveform
}

// Unpacker is the stateful WFD5 decoder.
//
// # Thread Safety
//
// Unpacker is NOT safe for concurrent use.
type Unpacker struct {
	logger *slog.Logger

	rec     *midas.Record
	groups  [][]blockRef
	next    int
	decoded Decoded
}

// NewUnpacker creates an Unpacker. A nil logger discards output.
func NewUnpacker(logger *slog.Logger) *Unpacker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Unpacker{logger: logger}
}

// UnpackNext decodes the next logical event of rec.
//
// Description:
//
//	The first call for a record scans its WFD5 banks and groups the blocks
//	by trigger. Every call then fully decodes one trigger group. Passing a
//	different record abandons whatever remained of the previous one.
//
// Outputs:
//
//	Status - StatusSuccessMore with Decoded populated, StatusDone when the
//	record has no further events, or StatusError.
//	error - The decode failure for StatusError, nil otherwise.
func (u *Unpacker) UnpackNext(rec *midas.Record) (Status, error) {
	if rec == nil {
		u.reset()
		return StatusError, ErrNilRecord
	}
	if rec != u.rec {
		if err := u.start(rec); err != nil {
			u.reset()
			return StatusError, err
		}
	}
	if u.next >= len(u.groups) {
		u.reset()
		return StatusDone, nil
	}

	group := u.groups[u.next]
	u.next++
	ev := Decoded{TriggerNum: group[0].trigger}
	for _, ref := range group {
		if err := decodeBlock(ref, &ev); err != nil {
			u.reset()
			return StatusError, err
		}
	}
	u.decoded = ev
	u.logger.Debug("wfd5 event decoded",
		"serial", rec.SerialNumber,
		"trigger", ev.TriggerNum,
		"blocks", len(ev.Headers),
		"waveforms", len(ev.Waveforms))
	return StatusSuccessMore, nil
}

// Decoded returns the collections of the last StatusSuccessMore event.
func (u *Unpacker) Decoded() Decoded {
	return u.decoded
}

func (u *Unpacker) start(rec *midas.Record) error {
	u.reset()
	banks, err := rec.Banks()
	if err != nil {
		return err
	}
	byTrigger := make(map[uint32][]blockRef)
	for _, b := range banks {
		if !strings.HasPrefix(b.Name, BankPrefix) {
			continue
		}
		refs, err := scanBank(b.Name, b.Data)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			byTrigger[ref.trigger] = append(byTrigger[ref.trigger], ref)
		}
	}

	triggers := make([]uint32, 0, len(byTrigger))
	for t := range byTrigger {
		triggers = append(triggers, t)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i] < triggers[j] })

	u.groups = make([][]blockRef, 0, len(triggers))
	for _, t := range triggers {
		group := byTrigger[t]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].crate != group[j].crate {
				return group[i].crate < group[j].crate
			}
			return group[i].slot < group[j].slot
		})
		u.groups = append(u.groups, group)
	}
	u.rec = rec
	return nil
}

func (u *Unpacker) reset() {
	u.rec = nil
	u.groups = nil
	u.next = 0
	u.decoded = Decoded{}
}
