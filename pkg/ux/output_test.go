// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError} {
		assert.Contains(t, icon.Render(), string(icon))
	}
	assert.Equal(t, "→", Icon("→").Render())
}

func TestPrinter_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	p.Success("run complete")
	p.Warning("3 unpack errors")
	p.Error("output failed")
	p.Table("Run 12/3", []Row{
		{Key: "events", Value: "42"},
		{Key: "stop reason", Value: "end of input"},
	})
	p.ErrorBox("run failed", "disk full")

	assert.Equal(t, "OK: run complete\n"+
		"WARN: 3 unpack errors\n"+
		"ERROR: output failed\n"+
		"Run 12/3\n"+
		"  events: 42\n"+
		"  stop reason: end of input\n"+
		"ERROR run failed: disk full\n", buf.String())
}

func TestPrinter_Styled(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeStyled)
	assert.Equal(t, ModeStyled, p.Mode())

	p.Table("Run 12/3", []Row{
		{Key: "events", Value: "42"},
		{Key: "stop reason", Value: "end of input"},
	})
	out := buf.String()
	assert.Contains(t, out, "Run 12/3")
	assert.Contains(t, out, "events")
	assert.Contains(t, out, "end of input")
	assert.Contains(t, out, "╭", "rounded box border")

	buf.Reset()
	p.Success("done")
	assert.Contains(t, buf.String(), string(IconSuccess))
	assert.Contains(t, buf.String(), "done")
}

func TestModeFor(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	assert.Equal(t, ModePlain, ModeFor(f), "regular files are not terminals")

	t.Setenv("NO_COLOR", "1")
	assert.Equal(t, ModePlain, ModeFor(os.Stdout))
}
