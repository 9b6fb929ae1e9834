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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNearline/services/nearline/config"
	"github.com/AleutianAI/AleutianNearline/services/nearline/watch"
)

// sectionWatch holds the watch mode options: pattern (glob) and settle
// (duration string).
const sectionWatch = "Watch"

func watchOptions(cfg *config.Tree) (watch.Options, error) {
	opts := watch.DefaultOptions()
	opts.Pattern = cfg.String(sectionWatch, "pattern", opts.Pattern)
	settle, err := time.ParseDuration(cfg.String(sectionWatch, "settle", opts.Settle.String()))
	if err != nil {
		return opts, fmt.Errorf("%s.settle: %w", sectionWatch, err)
	}
	if settle <= 0 {
		return opts, fmt.Errorf("%s.settle: must be positive, got %s", sectionWatch, settle)
	}
	opts.Settle = settle
	opts.ScanExisting = watchExisting
	return opts, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfgPath, err := resolveConfigPath(args[0])
	if err != nil {
		return err
	}
	dir := args[1]
	if info, err := os.Stat(dir); err != nil {
		return fmt.Errorf("watch directory: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("watch directory: %s is not a directory", dir)
	}
	outDir := watchOutputDir
	if outDir == "" {
		outDir = dir
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	unpackerOpts, err := cfg.Unpacker()
	if err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}
	opts, err := watchOptions(cfg)
	if err != nil {
		return err
	}

	log, recent, err := newLogger(unpackerOpts.Verbosity)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, cleanup, err := setupEnv(ctx, log.Slog(), recent, cmdPrinter(cmd))
	if err != nil {
		return err
	}
	defer cleanup()

	// Each file gets a freshly loaded tree: run and subrun are injected once
	// per tree, and operators may edit the config between runs.
	handle := func(ctx context.Context, path string) error {
		fileCfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		_, err = processFile(ctx, env, fileCfg, path, defaultOutput(outDir, path))
		return err
	}
	w, err := watch.New(dir, handle, &opts, env.logger)
	if err != nil {
		return err
	}
	return serveWhile(ctx, env, w.Run)
}
