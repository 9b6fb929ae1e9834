// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNearline/services/nearline/midas"
	"github.com/AleutianAI/AleutianNearline/services/nearline/wfd5"
)

// generateOptions shapes a synthetic run.
type generateOptions struct {
	Run          int
	Subrun       int
	Events       int
	Triggers     int
	Channels     int
	Samples      int
	Seed         uint64
	CorruptEvery int
	Start        time.Time
}

const (
	genBaseline = 1000
	genCrate    = 1
	genSlot     = 5
	genBankName = "AD00"
)

func (o generateOptions) validate() error {
	switch {
	case o.Events < 0:
		return errors.New("--events must not be negative")
	case o.Triggers < 1:
		return errors.New("--triggers must be at least 1")
	case o.Channels < 1 || o.Channels > 16:
		return errors.New("--channels must be between 1 and 16")
	case o.Samples < 32:
		return errors.New("--samples must be at least 32")
	case o.CorruptEvery < 0:
		return errors.New("--corrupt-every must not be negative")
	}
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	path := args[0]
	run, subrun, ok := parseRunSubrun(path)
	if !ok {
		run, subrun = 1, 0
	}
	records, err := generateRun(path, generateOptions{
		Run:          run,
		Subrun:       subrun,
		Events:       genEvents,
		Triggers:     genTriggers,
		Channels:     genChannels,
		Samples:      genSamples,
		Seed:         genSeed,
		CorruptEvery: genCorrupt,
		Start:        time.Now(),
	})
	if err != nil {
		return err
	}
	printer := cmdPrinter(cmd)
	printer.Success(fmt.Sprintf("wrote %d records to %s (%s)", records, path, midas.CompressionFromPath(path)))
	return nil
}

// generateRun writes BOR, o.Events data records and EOR to path and returns
// the number of records written.
func generateRun(path string, o generateOptions) (int, error) {
	if err := o.validate(); err != nil {
		return 0, err
	}
	w, err := midas.Create(path)
	if err != nil {
		return 0, err
	}
	records, err := writeRun(w, o)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return records, err
}

func writeRun(w *midas.Writer, o generateOptions) (int, error) {
	rng := rand.New(rand.NewPCG(o.Seed, uint64(o.Run)<<20|uint64(o.Subrun)))
	ts := uint32(o.Start.Unix())

	odb, err := json.Marshal(map[string]any{
		"Experiment": map[string]any{"Name": "nearline-synthetic"},
		"Runinfo": map[string]any{
			"Run number":    o.Run,
			"Subrun number": o.Subrun,
			"Start time":    o.Start.UTC().Format(time.RFC3339),
		},
		"Equipment": map[string]any{
			"WFD5": map[string]any{"Channels": o.Channels, "Samples": o.Samples},
		},
	})
	if err != nil {
		return 0, err
	}
	if err := w.Write(&midas.Record{EventID: midas.EventIDBOR, Timestamp: ts, Payload: odb}); err != nil {
		return 0, err
	}
	records := 1

	trigger := uint32(0)
	for serial := range o.Events {
		blocks := make([][]byte, o.Triggers)
		for b := range blocks {
			blocks[b], err = wfd5.EncodeBlock(syntheticBlock(rng, trigger, o))
			if err != nil {
				return records, err
			}
			trigger++
		}
		if o.CorruptEvery > 0 && (serial+1)%o.CorruptEvery == 0 {
			last := blocks[len(blocks)-1]
			last[len(last)-9] ^= 0xFF
		}
		payload, err := midas.EncodeBanks(midas.Bank32A, []midas.Bank{wfd5.BuildBank(genBankName, blocks...)})
		if err != nil {
			return records, err
		}
		rec := &midas.Record{
			EventID:      1,
			TriggerMask:  1,
			SerialNumber: uint32(serial),
			Timestamp:    ts + uint32(serial/1000),
			Payload:      payload,
		}
		if err := w.Write(rec); err != nil {
			return records, err
		}
		records++
	}

	err = w.Write(&midas.Record{EventID: midas.EventIDEOR, SerialNumber: uint32(o.Events), Timestamp: ts + uint32(o.Events/1000)})
	if err != nil {
		return records, err
	}
	return records + 1, nil
}

// syntheticBlock builds the readout of one trigger. Every channel carries
// one waveform with a negative exponential pulse on a noisy baseline.
func syntheticBlock(rng *rand.Rand, trigger uint32, o generateOptions) wfd5.Block {
	chans := make([]wfd5.Channel, o.Channels)
	for c := range chans {
		samples := make([]int16, o.Samples)
		for i := range samples {
			samples[i] = int16(genBaseline + rng.IntN(5) - 2)
		}
		peak := 20 + rng.IntN(o.Samples-30)
		amp := 200 + rng.Float64()*1800
		samples[peak-1] -= int16(amp / 3)
		for k := 0; peak+k < o.Samples && k < 10; k++ {
			samples[peak+k] -= int16(amp * math.Exp(-float64(k)/3))
		}
		chans[c] = wfd5.Channel{
			Channel:   uint8(c),
			Waveforms: []wfd5.Waveform{{PreTrigger: 16, Samples: samples}},
		}
	}
	return wfd5.Block{
		Crate:        genCrate,
		AMCSlot:      genSlot,
		TriggerNum:   trigger,
		ClockCounter: uint64(trigger) * 1000,
		BoardID:      genSlot,
		Channels:     chans,
	}
}
