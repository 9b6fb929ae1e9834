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
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNearline/pkg/ux"
	dp "github.com/AleutianAI/AleutianNearline/services/nearline/dataproducts"
	"github.com/AleutianAI/AleutianNearline/services/nearline/output"
)

func runInspect(cmd *cobra.Command, args []string) error {
	r, err := output.OpenReader(args[0])
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer r.Close()
	return inspect(cmd.Context(), r, cmdPrinter(cmd), inspectODB, inspectHistograms)
}

// inspect prints one table per run stored in r.
func inspect(ctx context.Context, r *output.Reader, p *ux.Printer, showODB, showHistograms bool) error {
	runs, err := r.Runs(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		p.Warning("no runs stored")
		return nil
	}

	for _, run := range runs {
		aggregates := "none"
		if len(run.Aggregates) > 0 {
			aggregates = strings.Join(run.Aggregates, ", ")
		}
		rows := []ux.Row{
			{Key: "ODB", Value: presence(run.HasODB)},
			{Key: "events", Value: fmt.Sprint(run.Events)},
			{Key: "aggregates", Value: aggregates},
		}

		if showHistograms {
			for _, name := range run.Aggregates {
				agg, err := r.Aggregate(ctx, run.Run, run.Subrun, name)
				if err != nil {
					return err
				}
				if agg.Kind != (&dp.Histogram1D{}).AggregateKind() {
					continue
				}
				var h dp.Histogram1D
				if err := json.Unmarshal(agg.Data, &h); err != nil {
					return fmt.Errorf("aggregate %s: %w", name, err)
				}
				rows = append(rows, ux.Row{
					Key:   name,
					Value: fmt.Sprintf("entries=%d mean=%.4g underflow=%g overflow=%g", h.Entries, h.Mean(), h.Underflow, h.Overflow),
				})
			}
		}

		if showODB && run.HasODB {
			odb, err := r.ODB(ctx, run.Run, run.Subrun)
			if err != nil {
				return err
			}
			rows = append(rows, ux.Row{Key: "ODB dump", Value: odb})
		}
		p.Table(fmt.Sprintf("Run %d subrun %d", run.Run, run.Subrun), rows)
	}
	return nil
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "missing"
}
