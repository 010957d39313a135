// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides terminal output helpers for the ingestd CLI.
//
// Colors respect the --no-color flag and the NO_COLOR environment variable,
// and are disabled automatically when stdout is not a TTY.
//
// Color usage:
//   - Red: errors, failed jobs and files
//   - Yellow: warnings, cancelled jobs, skipped files
//   - Green: success, completed jobs
//   - Cyan: info, counts, running jobs
//   - Bold: headers and labels
//   - Dim: paths, ids and queued jobs
package ui

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// Shared color instances. They honor color.NoColor at call time.
var (
	Red    = color.New(color.FgRed)
	Yellow = color.New(color.FgYellow)
	Green  = color.New(color.FgGreen)
	Cyan   = color.New(color.FgCyan)
	Bold   = color.New(color.Bold)
	Dim    = color.New(color.Faint)
)

// InitColors sets the global color state from the --no-color flag. Call it
// right after flag parsing.
func InitColors(noColor bool) {
	color.NoColor = noColor
}

// Success prints a green message with a checkmark prefix.
//
// Example output: "✓ Job 3f2a9c completed: 42 files stored"
func Success(msg string) {
	_, _ = Green.Println("✓ " + msg)
}

// Successf is the formatted form of Success.
func Successf(format string, args ...any) {
	_, _ = Green.Printf("✓ "+format+"\n", args...)
}

// Warning prints a yellow message with a warning prefix.
func Warning(msg string) {
	_, _ = Yellow.Println("⚠ " + msg)
}

// Warningf is the formatted form of Warning.
func Warningf(format string, args ...any) {
	_, _ = Yellow.Printf("⚠ "+format+"\n", args...)
}

// Error prints a red message with an X prefix.
func Error(msg string) {
	_, _ = Red.Println("✗ " + msg)
}

// Errorf is the formatted form of Error.
func Errorf(format string, args ...any) {
	_, _ = Red.Printf("✗ "+format+"\n", args...)
}

// Info prints a cyan message with an info prefix.
func Info(msg string) {
	_, _ = Cyan.Println("ℹ " + msg)
}

// Infof is the formatted form of Info.
func Infof(format string, args ...any) {
	_, _ = Cyan.Printf("ℹ "+format+"\n", args...)
}

// Header prints a bold header underlined with "=".
func Header(text string) {
	_, _ = Bold.Println(text)
	fmt.Println(strings.Repeat("=", len(text)))
}

// SubHeader prints a bold header without underline.
func SubHeader(text string) {
	_, _ = Bold.Println(text)
}

// Label returns text in bold for inline use.
//
// Example: fmt.Printf("%s %s\n", ui.Label("Job:"), jobID)
func Label(text string) string {
	return Bold.Sprint(text)
}

// DimText returns text dimmed.
func DimText(text string) string {
	return Dim.Sprint(text)
}

// CountText returns count in cyan.
func CountText(count int) string {
	return Cyan.Sprint(count)
}

// StateText colors a job or file state name.
func StateText(state string) string {
	switch state {
	case "completed", "succeeded":
		return Green.Sprint(state)
	case "failed":
		return Red.Sprint(state)
	case "cancelled", "skipped":
		return Yellow.Sprint(state)
	case "running":
		return Cyan.Sprint(state)
	default:
		return Dim.Sprint(state)
	}
}

// BytesText formats a byte count with a binary unit, e.g. "1.5 MiB".
func BytesText(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
