// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders operator-facing terminal output for the nearline CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Mode selects between styled terminal output and plain, parseable text.
type Mode int

const (
	// ModeStyled uses colors, icons and boxes.
	ModeStyled Mode = iota

	// ModePlain writes "KEY: value" style lines for logs and scripts.
	ModePlain
)

// ModeFor picks ModeStyled for terminals and ModePlain otherwise. NO_COLOR
// forces ModePlain.
func ModeFor(f *os.File) Mode {
	if os.Getenv("NO_COLOR") != "" {
		return ModePlain
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return ModeStyled
	}
	return ModePlain
}

// Row is one line of a Table.
type Row struct {
	Key   string
	Value string
}

// Printer writes to one destination in one Mode.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Table prints rows under title. Styled output aligns the keys inside a
// rounded box; plain output is one "key: value" line per row.
func (p *Printer) Table(title string, rows []Row) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "%s\n", title)
		for _, r := range rows {
			fmt.Fprintf(p.w, "  %s: %s\n", r.Key, r.Value)
		}
		return
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r.Key))
	}
	var b strings.Builder
	b.WriteString(Styles.Title.Render(title))
	for _, r := range rows {
		b.WriteByte('\n')
		b.WriteString(Styles.Key.Render(r.Key + strings.Repeat(" ", width-len(r.Key))))
		b.WriteString("  ")
		b.WriteString(r.Value)
	}
	fmt.Fprintln(p.w, Styles.Box.Render(b.String()))
}

// ErrorBox prints a failure with its detail in an error-styled box.
func (p *Printer) ErrorBox(title, detail string) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "ERROR %s: %s\n", title, detail)
		return
	}
	titleLine := Styles.Error.Bold(true).Render(title)
	fmt.Fprintln(p.w, Styles.ErrorBox.Render(titleLine+"\n"+detail))
}
