// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
Unpacker:
  max_midas_events: 10
  verbosity: 2
  partial_record_policy: discard
Output:
  compress: false
  ratio: 0.5
  keep: [unpacker/WFD5WaveformCollection, pulses/PulseCollection]
  label: nearline
Services:
  - name: calibration
    type: Calibration
`

func TestParse_TypedLookups(t *testing.T) {
	tree, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 10, tree.Int("Unpacker", "max_midas_events", -1))
	assert.Equal(t, -1, tree.Int("Unpacker", "missing", -1))
	assert.Equal(t, -1, tree.Int("Nope", "max_midas_events", -1))
	assert.False(t, tree.Bool("Output", "compress", true))
	assert.Equal(t, 0.5, tree.Float("Output", "ratio", 1))
	assert.Equal(t, 10.0, tree.Float("Unpacker", "max_midas_events", 0), "ints widen to float")
	assert.Equal(t, "nearline", tree.String("Output", "label", ""))
	assert.Equal(t, []string{"unpacker/WFD5WaveformCollection", "pulses/PulseCollection"},
		tree.Strings("Output", "keep", nil))
	assert.Equal(t, []string{"Output", "Services", "Unpacker"}, tree.Sections())
}

func TestParse_WrongTypeFallsBackToDefault(t *testing.T) {
	tree, err := Parse([]byte("Unpacker:\n  max_midas_events: \"ten\"\n  verbosity: 1.5\n"))
	require.NoError(t, err)

	assert.Equal(t, -1, tree.Int("Unpacker", "max_midas_events", -1))
	assert.Equal(t, 0, tree.Int("Unpacker", "verbosity", 0))
	assert.Equal(t, "x", tree.String("Unpacker", "verbosity", "x"))
	assert.True(t, tree.Bool("Unpacker", "verbosity", true))
}

func TestParse_JSONDocument(t *testing.T) {
	tree, err := Parse([]byte(`{"Unpacker": {"max_midas_events": 3}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, tree.Int("Unpacker", "max_midas_events", -1))
}

func TestParse_Empty(t *testing.T) {
	tree, err := Parse(nil)
	require.NoError(t, err)
	assert.False(t, tree.Has("Unpacker"))
}

func TestParse_InvalidTopLevel(t *testing.T) {
	_, err := Parse([]byte("- a\n- b\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Parse([]byte("Unpacker: [unclosed"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nearline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	tree, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, tree.Path())
	assert.True(t, tree.Has("Unpacker"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRequire(t *testing.T) {
	tree, err := Parse([]byte("Output: {}\n"))
	require.NoError(t, err)

	assert.NoError(t, tree.Require("Output"))
	assert.ErrorIs(t, tree.Require("Unpacker"), ErrMissingSection)
}

func TestSetRunSubrun_Once(t *testing.T) {
	tree, err := Parse(nil)
	require.NoError(t, err)

	require.NoError(t, tree.SetRunSubrun(1234, 5))
	assert.ErrorIs(t, tree.SetRunSubrun(1, 1), ErrRunSubrunSet)
	assert.Equal(t, 1234, tree.Run())
	assert.Equal(t, 5, tree.Subrun())
}

func TestDecode_ValidatesAndKeepsDefaults(t *testing.T) {
	type outputSection struct {
		Compress bool    `yaml:"compress"`
		Ratio    float64 `yaml:"ratio" validate:"gt=0,lte=1"`
		Retries  int     `yaml:"retries" validate:"gte=0"`
	}
	type serviceSpec struct {
		Name string `yaml:"name" validate:"required"`
		Type string `yaml:"type" validate:"required"`
	}

	tree, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	out := outputSection{Compress: true, Retries: 3}
	require.NoError(t, tree.Decode("Output", &out))
	assert.False(t, out.Compress)
	assert.Equal(t, 0.5, out.Ratio)
	assert.Equal(t, 3, out.Retries, "untouched fields keep defaults")

	var specs []serviceSpec
	require.NoError(t, tree.Decode("Services", &specs))
	require.Len(t, specs, 1)
	assert.Equal(t, "Calibration", specs[0].Type)

	assert.ErrorIs(t, tree.Decode("Nope", &out), ErrMissingSection)

	bad, err := Parse([]byte("Output:\n  ratio: 2\n"))
	require.NoError(t, err)
	err = bad.Decode("Output", &outputSection{})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "ratio", verrs[0].Field())

	err = DecodeValue([]any{map[string]any{"name": "x"}}, &specs)
	assert.ErrorAs(t, err, &verrs)
}

func TestUnpacker(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want UnpackerOptions
		err  error
	}{
		{
			name: "defaults",
			doc:  "Unpacker: {}\n",
			want: DefaultUnpackerOptions(),
		},
		{
			name: "explicit",
			doc:  "Unpacker:\n  max_midas_events: 5\n  verbosity: 1\n  partial_record_policy: discard\n  physics_event_id: 7\n",
			want: UnpackerOptions{MaxMidasEvents: 5, Verbosity: 1, PartialRecordPolicy: PolicyDiscard, PhysicsEventID: 7},
		},
		{
			name: "non-integer max uses default",
			doc:  "Unpacker:\n  max_midas_events: lots\n",
			want: DefaultUnpackerOptions(),
		},
		{
			name: "negative max is unbounded",
			doc:  "Unpacker:\n  max_midas_events: -7\n",
			want: DefaultUnpackerOptions(),
		},
		{
			name: "zero max",
			doc:  "Unpacker:\n  max_midas_events: 0\n",
			want: UnpackerOptions{MaxMidasEvents: 0, PartialRecordPolicy: PolicyKeep, PhysicsEventID: 1},
		},
		{
			name: "missing section",
			doc:  "Output: {}\n",
			err:  ErrMissingSection,
		},
		{
			name: "bad policy",
			doc:  "Unpacker:\n  partial_record_policy: sometimes\n",
			err:  ErrInvalidPolicy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := Parse([]byte(tt.doc))
			require.NoError(t, err)

			got, err := tree.Unpacker()
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
