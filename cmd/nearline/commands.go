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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	logLevel    string
	logJSON     bool
	logDir      string
	monitorAddr string
	reportRuns  bool
	noReport    bool

	watchOutputDir string
	watchExisting  bool

	genEvents   int
	genTriggers int
	genChannels int
	genSamples  int
	genSeed     uint64
	genCorrupt  int

	inspectODB        bool
	inspectHistograms bool

	rootCmd = &cobra.Command{
		Use:   "nearline",
		Short: "Nearline reconstruction of WFD5 digitizer data",
		Long: `nearline unpacks WFD5 digitizer banks from MIDAS run files, runs the
configured reconstruction chain on every decoded trigger and writes the
event products and run aggregates to an output database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run CONFIG INPUT [OUTPUT]",
		Short: "Process one MIDAS run file",
		Long: `Process one MIDAS run file.

CONFIG containing a '/' is used as given. Otherwise ./CONFIG is used when it
exists, and $MU_RECO_PATH/config/CONFIG after that. Run and subrun numbers are
taken from a "run<run>_<subrun>." pattern in the INPUT name. OUTPUT defaults to
the INPUT base name up to its first '.' plus ".nearline".`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runPipeline, // Defined in cmd_run.go
	}

	watchCmd = &cobra.Command{
		Use:   "watch CONFIG DIR",
		Short: "Process run files as they appear in DIR",
		Args:  cobra.ExactArgs(2),
		RunE:  runWatch, // Defined in cmd_watch.go
	}

	generateCmd = &cobra.Command{
		Use:   "generate OUTPUT",
		Short: "Write a synthetic MIDAS run file",
		Long: `Write a synthetic MIDAS run file with a BOR record carrying an ODB,
data records holding WFD5 banks with pulses on a noisy baseline, and an EOR
record. The extension selects compression: .gz, .zst, .lz4 or none.`,
		Args: cobra.ExactArgs(1),
		RunE: runGenerate, // Defined in cmd_generate.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect OUTPUT",
		Short: "Summarize a nearline output database",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect, // Defined in cmd_inspect.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default: from Unpacker.verbosity)")
	pf.BoolVar(&logJSON, "log-json", false, "write console logs as JSON")
	pf.StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")

	for _, cmd := range []*cobra.Command{runCmd, watchCmd} {
		cmd.Flags().StringVar(&monitorAddr, "monitor-addr", "", "serve /health, /metrics and /v1/status on this address")
		cmd.Flags().BoolVar(&reportRuns, "report", false, "publish run summaries to InfluxDB (INFLUXDB_* environment)")
		cmd.Flags().BoolVar(&noReport, "no-report", false, "never publish run summaries")
	}

	watchCmd.Flags().StringVar(&watchOutputDir, "output-dir", "", "directory for output databases (default: DIR)")
	watchCmd.Flags().BoolVar(&watchExisting, "existing", false, "also process matching files already in DIR")

	generateCmd.Flags().IntVar(&genEvents, "events", 100, "number of data records")
	generateCmd.Flags().IntVar(&genTriggers, "triggers", 2, "triggers per data record")
	generateCmd.Flags().IntVar(&genChannels, "channels", 4, "enabled channels per block")
	generateCmd.Flags().IntVar(&genSamples, "samples", 64, "samples per waveform")
	generateCmd.Flags().Uint64Var(&genSeed, "seed", 1, "random seed")
	generateCmd.Flags().IntVar(&genCorrupt, "corrupt-every", 0, "break the checksum of every Nth data record (0: never)")

	inspectCmd.Flags().BoolVar(&inspectODB, "odb", false, "print the ODB of each run")
	inspectCmd.Flags().BoolVar(&inspectHistograms, "histograms", false, "print entries and mean of each histogram")

	rootCmd.AddCommand(runCmd, watchCmd, generateCmd, inspectCmd)
}
