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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunSubrun(t *testing.T) {
	tests := []struct {
		path   string
		run    int
		subrun int
		ok     bool
	}{
		{path: "run01234_00007.mid", run: 1234, subrun: 7, ok: true},
		{path: "/data/2025/run00012_00003.mid.gz", run: 12, subrun: 3, ok: true},
		{path: "gm2_run5_1.mid", run: 5, subrun: 1, ok: true},
		{path: "run12_3", ok: false},
		{path: "run_3.mid", ok: false},
		{path: "calibration.mid", ok: false},
		{path: "/data/run12_3.dir/other.mid", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			run, subrun, ok := parseRunSubrun(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.run, run)
			assert.Equal(t, tt.subrun, subrun)
		})
	}
}

func TestDefaultOutput(t *testing.T) {
	assert.Equal(t, "run00012_00003.nearline", defaultOutput(".", "/data/run00012_00003.mid.gz"))
	assert.Equal(t, filepath.Join("out", "plain.nearline"), defaultOutput("out", "plain"))
	assert.Equal(t, ".hidden.nearline", defaultOutput(".", ".hidden"))
}

func TestResolveConfigPath(t *testing.T) {
	work := t.TempDir()
	install := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(install, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(install, "config", "shared.yaml"), []byte("Unpacker: {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "local.yaml"), []byte("Unpacker: {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(install, "config", "local.yaml"), []byte("Unpacker: {}\n"), 0o644))
	t.Chdir(work)

	t.Run("explicit path", func(t *testing.T) {
		path := filepath.Join(install, "config", "shared.yaml")
		got, err := resolveConfigPath(path)
		require.NoError(t, err)
		assert.Equal(t, path, got)

		_, err = resolveConfigPath(filepath.Join(work, "absent.yaml"))
		assert.ErrorIs(t, err, errConfigNotFound)
	})

	t.Run("working directory wins", func(t *testing.T) {
		t.Setenv(recoPathEnv, install)
		got, err := resolveConfigPath("local.yaml")
		require.NoError(t, err)
		assert.Equal(t, "local.yaml", got)
	})

	t.Run("install directory", func(t *testing.T) {
		t.Setenv(recoPathEnv, install)
		got, err := resolveConfigPath("shared.yaml")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(install, "config", "shared.yaml"), got)
	})

	t.Run("not found", func(t *testing.T) {
		t.Setenv(recoPathEnv, "")
		_, err := resolveConfigPath("shared.yaml")
		assert.ErrorIs(t, err, errConfigNotFound)
	})
}
