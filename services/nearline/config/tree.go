// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides the immutable configuration tree for a nearline run.
//
// The tree is loaded once from a YAML (or JSON) document whose top level is a
// mapping of section names. Sections are read through typed lookups that fall
// back to a default when the key is absent or holds a value of another type.
// The run and subrun identifiers are injected once after loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for the config package.
var (
	// ErrMissingSection is returned when a required section is absent.
	ErrMissingSection = errors.New("missing required config section")

	// ErrRunSubrunSet is returned when run/subrun are injected twice.
	ErrRunSubrunSet = errors.New("run and subrun already set")

	// ErrInvalidConfig is returned when the document is not a mapping of sections.
	ErrInvalidConfig = errors.New("invalid config document")
)

// Tree is the loaded configuration.
//
// # Thread Safety
//
// Tree has no setters for values. After SetRunSubrun it is safe to share
// between goroutines for reading.
type Tree struct {
	path     string
	sections map[string]any

	run      int
	subrun   int
	runIsSet bool
}

// Load reads and parses the configuration file at path.
//
// Inputs:
//
//	path - File path. JSON documents are accepted since they parse as YAML.
//
// Outputs:
//
//	*Tree - The parsed tree.
//	error - Read or parse failure.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	t.path = path
	return t, nil
}

// Parse builds a tree from an in-memory document.
func Parse(data []byte) (*Tree, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	sections := make(map[string]any)
	switch v := doc.(type) {
	case nil:
	case map[string]any:
		sections = v
	default:
		return nil, fmt.Errorf("%w: top level is %T, want a mapping", ErrInvalidConfig, doc)
	}
	return &Tree{sections: sections}, nil
}

// Path returns the file the tree was loaded from, or "" for Parse.
func (t *Tree) Path() string { return t.path }

// SetRunSubrun injects the run identifiers. It may be called once.
func (t *Tree) SetRunSubrun(run, subrun int) error {
	if t.runIsSet {
		return fmt.Errorf("%w: have %d/%d", ErrRunSubrunSet, t.run, t.subrun)
	}
	t.run, t.subrun, t.runIsSet = run, subrun, true
	return nil
}

// Run returns the run number.
func (t *Tree) Run() int { return t.run }

// Subrun returns the subrun number.
func (t *Tree) Subrun() int { return t.subrun }

// Has reports whether section is present.
func (t *Tree) Has(section string) bool {
	_, ok := t.sections[section]
	return ok
}

// Require returns ErrMissingSection unless section is present.
func (t *Tree) Require(section string) error {
	if !t.Has(section) {
		return fmt.Errorf("%w: %q", ErrMissingSection, section)
	}
	return nil
}

// Sections returns the section names in sorted order.
func (t *Tree) Sections() []string {
	names := make([]string, 0, len(t.sections))
	for name := range t.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value returns the raw value of section.key.
func (t *Tree) Value(section, key string) (any, bool) {
	m, ok := t.sections[section].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Int returns section.key as an int, or def when absent or not an integer.
func (t *Tree) Int(section, key string, def int) int {
	v, ok := t.Value(section, key)
	if !ok {
		return def
	}
	if n, ok := asInt(v); ok {
		return n
	}
	return def
}

// Float returns section.key as a float64, or def. Integers are widened.
func (t *Tree) Float(section, key string, def float64) float64 {
	v, ok := t.Value(section, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	}
	if n, ok := asInt(v); ok {
		return float64(n)
	}
	return def
}

// String returns section.key as a string, or def.
func (t *Tree) String(section, key, def string) string {
	v, ok := t.Value(section, key)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// Bool returns section.key as a bool, or def.
func (t *Tree) Bool(section, key string, def bool) bool {
	v, ok := t.Value(section, key)
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// Strings returns section.key as a list of strings, or def when absent or
// when any element is not a string.
func (t *Tree) Strings(section, key string, def []string) []string {
	v, ok := t.Value(section, key)
	if !ok {
		return def
	}
	list, ok := v.([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return def
		}
		out = append(out, s)
	}
	return out
}

// Decode decodes section into out and validates it.
//
// Description:
//
//	The section is re-encoded as YAML and decoded into out, so out may use
//	yaml struct tags. Fields of out that the section does not mention keep
//	their current values, which lets callers pre-fill defaults. The result is
//	checked against its `validate` tags.
//
// Outputs:
//
//	error - ErrMissingSection, a decode failure, or validator.ValidationErrors.
func (t *Tree) Decode(section string, out any) error {
	raw, ok := t.sections[section]
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingSection, section)
	}
	if err := DecodeValue(raw, out); err != nil {
		return fmt.Errorf("section %q: %w", section, err)
	}
	return nil
}

// DecodeValue decodes an untyped value (a section or a nested parameter
// block) into out and validates it.
func DecodeValue(raw, out any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("re-encode: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return Validate(out)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		if n < math.MinInt || n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
