// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch hands newly written MIDAS files in a directory to a
// handler once the DAQ has stopped writing them.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPattern matches MIDAS subrun files, compressed or not.
const DefaultPattern = "run*_*.mid*"

// ErrBadPattern is returned by New for a malformed glob.
var ErrBadPattern = errors.New("watch: bad file pattern")

// Handler processes one settled file. Errors are logged and the watch
// continues with the next file.
type Handler func(ctx context.Context, path string) error

// Options configures a Watcher.
type Options struct {
	// Pattern is a filepath.Match glob applied to base names.
	// Default: DefaultPattern
	Pattern string

	// Settle is how long a file must go without events before it is
	// handed over. Default: 2s
	Settle time.Duration

	// ScanExisting hands over matching files already in the directory
	// when Run starts, in name order.
	ScanExisting bool
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Pattern: DefaultPattern,
		Settle:  2 * time.Second,
	}
}

// Watcher debounces file events per path in one directory.
//
// # Description
//
// Every create or write event on a matching file pushes that file's
// deadline out by Settle. A file whose deadline passes is handed to the
// handler exactly once per Watcher. A file removed or renamed away before
// it settles is forgotten.
//
// # Thread Safety
//
// Run must be called once. The handler is called from Run's goroutine, one
// file at a time; events arriving meanwhile are buffered by fsnotify.
type Watcher struct {
	dir     string
	opts    Options
	handler Handler
	logger  *slog.Logger

	pending map[string]time.Time
	seen    map[string]bool
	failed  int
}

// New validates opts and returns a Watcher for dir. A nil opts uses
// DefaultOptions; zero fields take their defaults.
func New(dir string, handler Handler, opts *Options, logger *slog.Logger) (*Watcher, error) {
	o := DefaultOptions()
	if opts != nil {
		if opts.Pattern != "" {
			o.Pattern = opts.Pattern
		}
		if opts.Settle > 0 {
			o.Settle = opts.Settle
		}
		o.ScanExisting = opts.ScanExisting
	}
	if _, err := filepath.Match(o.Pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadPattern, o.Pattern)
	}
	if handler == nil {
		return nil, errors.New("watch: nil handler")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		dir:     dir,
		opts:    o,
		handler: handler,
		logger:  logger.With("dir", dir),
		pending: make(map[string]time.Time),
		seen:    make(map[string]bool),
	}, nil
}

// Failed returns how many handler calls returned an error.
func (w *Watcher) Failed() int { return w.failed }

func (w *Watcher) matches(path string) bool {
	ok, _ := filepath.Match(w.opts.Pattern, filepath.Base(path))
	return ok
}

// Run watches until ctx is cancelled and returns nil then. It fails only
// when the directory cannot be watched or the event stream breaks.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching", "pattern", w.opts.Pattern, "settle", w.opts.Settle)

	if w.opts.ScanExisting {
		if err := w.scanExisting(); err != nil {
			return err
		}
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	w.rearm(timer)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return errors.New("watch: event stream closed")
			}
			if !w.matches(event.Name) || w.seen[event.Name] {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				w.pending[event.Name] = time.Now().Add(w.opts.Settle)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				delete(w.pending, event.Name)
			}
			w.rearm(timer)

		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watch: error stream closed")
			}
			w.logger.Warn("watch error", "error", err)

		case now := <-timer.C:
			for _, path := range w.due(now) {
				if ctx.Err() != nil {
					return nil
				}
				w.handle(ctx, path)
			}
			w.rearm(timer)
		}
	}
}

func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	now := time.Now()
	for _, e := range entries {
		path := filepath.Join(w.dir, e.Name())
		if !e.IsDir() && w.matches(path) {
			w.pending[path] = now
		}
	}
	return nil
}

// due removes and returns the settled paths in name order.
func (w *Watcher) due(now time.Time) []string {
	var paths []string
	for path, deadline := range w.pending {
		if !deadline.After(now) {
			paths = append(paths, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// rearm points timer at the earliest pending deadline, or an hour out when
// nothing is pending.
func (w *Watcher) rearm(timer *time.Timer) {
	next := time.Hour
	for _, deadline := range w.pending {
		next = min(next, time.Until(deadline))
	}
	timer.Reset(max(next, 0))
}

func (w *Watcher) handle(ctx context.Context, path string) {
	w.seen[path] = true
	w.logger.Info("file settled", "file", path)
	if err := w.handler(ctx, path); err != nil {
		w.failed++
		w.logger.Error("file handler failed", "file", path, "error", err)
	}
}
