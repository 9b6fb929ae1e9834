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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// recoPathEnv names the installation directory holding config/.
const recoPathEnv = "MU_RECO_PATH"

// outputSuffix is appended to the input base name for the default output.
const outputSuffix = ".nearline"

// errConfigNotFound is returned when no candidate config path exists.
var errConfigNotFound = errors.New("config file not found")

var runSubrunPattern = regexp.MustCompile(`run(\d+)_(\d+)\.`)

// resolveConfigPath finds the config file for name.
//
// A name containing a path separator is used as given. Otherwise ./name
// wins when it exists, then $MU_RECO_PATH/config/name.
func resolveConfigPath(name string) (string, error) {
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %s", errConfigNotFound, name)
		}
		return name, nil
	}
	candidates := []string{name}
	if root := os.Getenv(recoPathEnv); root != "" {
		candidates = append(candidates, filepath.Join(root, "config", name))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched %s)", errConfigNotFound, name, strings.Join(candidates, ", "))
}

// parseRunSubrun extracts the run and subrun numbers from a file name of the
// form ".../run<run>_<subrun>.<ext>". ok is false when the name does not
// match.
func parseRunSubrun(path string) (run, subrun int, ok bool) {
	m := runSubrunPattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, 0, false
	}
	run, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	subrun, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return run, subrun, true
}

// defaultOutput returns the base name of input up to its first '.', plus
// outputSuffix, in dir.
func defaultOutput(dir, input string) string {
	base := filepath.Base(input)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return filepath.Join(dir, base+outputSuffix)
}
