// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNearline/pkg/logging"
	"github.com/AleutianAI/AleutianNearline/services/nearline/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRun struct {
	id       string
	progress pipeline.Progress
}

func (f *fakeRun) SessionID() string { return f.id }
func (f *fakeRun) Progress() *pipeline.Progress { return &f.progress }

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	s := New(nil, nil)
	w := get(t, s, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, 0.0)
}

func TestStatus(t *testing.T) {
	s := New(nil, nil)

	w := get(t, s, "/v1/status")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"no run tracked"}`, w.Body.String())

	s.Track(&fakeRun{id: "a1b2c3d4"})
	w = get(t, s, "/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "a1b2c3d4", body["session_id"])
	assert.Equal(t, 0.0, body["events"], "counts are flattened into the body")
	assert.Equal(t, false, body["running"])
}

func TestRuns_HistoryIsBounded(t *testing.T) {
	s := New(nil, nil)

	w := get(t, s, "/v1/runs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runs":[]}`, w.Body.String())

	s.Finished(nil)
	for i := range historyLimit + 8 {
		s.Finished(&pipeline.Summary{Run: i, StopReason: pipeline.StopEndOfInput})
	}

	w = get(t, s, "/v1/runs")
	var resp RunsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, historyLimit)
	assert.Equal(t, 8, resp.Runs[0].Run)
	assert.Equal(t, historyLimit+7, resp.Runs[historyLimit-1].Run)
	assert.Equal(t, pipeline.StopEndOfInput, resp.Runs[0].StopReason)
}

func TestLogs_ServesRecentWarnings(t *testing.T) {
	s := New(nil, nil)
	w := get(t, s, "/v1/logs")
	assert.Equal(t, http.StatusNotFound, w.Code)

	recent := logging.NewRecentExporter(2, logging.LevelWarn)
	logger := logging.New(logging.Config{Level: logging.LevelInfo, Quiet: true, Service: "nearline", Exporter: recent})
	defer logger.Close()
	s.ServeLogs(recent)

	w = get(t, s, "/v1/logs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entries":[],"dropped":0}`, w.Body.String())

	log := logger.Slog().With("session", "a1b2c3d4")
	log.Info("progress")
	log.Warn("unpack error", "serial", 3)
	log.Warn("unpack error", "serial", 9)
	log.Error("run failed", "error", "disk full")

	w = get(t, s, "/v1/logs")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entries []struct {
			Level   string         `json:"level"`
			Message string         `json:"message"`
			Service string         `json:"service"`
			Attrs   map[string]any `json:"attrs"`
		} `json:"entries"`
		Dropped int64 `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, int64(1), resp.Dropped)
	assert.Equal(t, "WARN", resp.Entries[0].Level)
	assert.Equal(t, 9.0, resp.Entries[0].Attrs["serial"])
	assert.Equal(t, "a1b2c3d4", resp.Entries[0].Attrs["session"])
	assert.Equal(t, "ERROR", resp.Entries[1].Level)
	assert.Equal(t, "run failed", resp.Entries[1].Message)
	assert.Equal(t, "nearline", resp.Entries[1].Service)
}

func TestMetricsHandler(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "nearline_up 1\n")
	})
	s := New(nil, metrics)
	w := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nearline_up 1\n", w.Body.String())

	w = get(t, New(nil, nil), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServeListener_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-done)
}

func TestServe_BadAddress(t *testing.T) {
	err := New(nil, nil).Serve(context.Background(), "256.0.0.1:http")
	assert.ErrorContains(t, err, "monitor listen")
}
