// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor serves the live state of nearline runs over HTTP.
//
// Routes:
//
//	GET /health      liveness
//	GET /metrics     Prometheus exposition
//	GET /v1/status   counters of the run in progress
//	GET /v1/runs     summaries of recently finished runs
//	GET /v1/logs     recent warnings and errors
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianNearline/pkg/logging"
	"github.com/AleutianAI/AleutianNearline/services/nearline/pipeline"
)

// Version is reported by /health.
const Version = "1.0.0"

const (
	historyLimit    = 32
	shutdownTimeout = 5 * time.Second
)

// Tracked is the view of a running pipeline the monitor needs.
// *pipeline.Pipeline implements it.
type Tracked interface {
	SessionID() string
	Progress() *pipeline.Progress
}

// RecentLogs is a bounded buffer of log entries. *logging.RecentExporter
// implements it.
type RecentLogs interface {
	Entries() []logging.LogEntry
	Dropped() int64
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// StatusResponse is the /v1/status body.
type StatusResponse struct {
	SessionID string `json:"session_id"`
	pipeline.Counts
}

// RunsResponse is the /v1/runs body, oldest run first.
type RunsResponse struct {
	Runs []*pipeline.Summary `json:"runs"`
}

// LogsResponse is the /v1/logs body, oldest entry first. Dropped counts
// entries evicted from the buffer.
type LogsResponse struct {
	Entries []logging.LogEntry `json:"entries"`
	Dropped int64              `json:"dropped"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server exposes run state to operators.
//
// Thread Safety: Track and Finished may be called from the pipeline's
// goroutine while handlers run.
type Server struct {
	logger  *slog.Logger
	router  *gin.Engine
	started time.Time

	mu      sync.RWMutex
	current Tracked
	history []*pipeline.Summary
	logs    RecentLogs
}

// New builds the router.
//
// Inputs:
//
//	logger - Request and lifecycle logging. If nil, output is discarded.
//	metrics - /metrics handler. If nil, promhttp.Handler is used.
func New(logger *slog.Logger, metrics http.Handler) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	s := &Server{
		logger:  logger,
		router:  gin.New(),
		started: time.Now(),
	}
	s.router.Use(gin.Recovery(), otelgin.Middleware("nearline-monitor"))
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics))
	v1 := s.router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/runs", s.handleRuns)
	v1.GET("/logs", s.handleLogs)
	return s
}

// Router returns the configured engine.
func (s *Server) Router() *gin.Engine { return s.router }

// Track makes p the run reported by /v1/status.
func (s *Server) Track(p Tracked) {
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
}

// ServeLogs makes logs the buffer reported by /v1/logs.
func (s *Server) ServeLogs(logs RecentLogs) {
	s.mu.Lock()
	s.logs = logs
	s.mu.Unlock()
}

// Finished records a run summary. The oldest entries are dropped past a
// fixed history length.
func (s *Server) Finished(summary *pipeline.Summary) {
	if summary == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, summary)
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       Version,
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()
	if current == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no run tracked"})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		SessionID: current.SessionID(),
		Counts:    current.Progress().Snapshot(),
	})
}

func (s *Server) handleRuns(c *gin.Context) {
	s.mu.RLock()
	runs := make([]*pipeline.Summary, len(s.history))
	copy(runs, s.history)
	s.mu.RUnlock()
	c.JSON(http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) handleLogs(c *gin.Context) {
	s.mu.RLock()
	logs := s.logs
	s.mu.RUnlock()
	if logs == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no log buffer"})
		return
	}
	entries := logs.Entries()
	if entries == nil {
		entries = []logging.LogEntry{}
	}
	c.JSON(http.StatusOK, LogsResponse{Entries: entries, Dropped: logs.Dropped()})
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("monitor listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor serve: %w", err)
	}
	s.logger.Info("monitor stopped")
	return nil
}
