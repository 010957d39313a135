// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package errors provides structured, user-facing errors for the ingestd CLI.
//
// A UserError says what went wrong (Message), why (Cause) and what to do
// about it (Fix), and carries the exit code the process should use:
//
//	return errors.NewStorageError(
//	    "Cannot reach the document storage service",
//	    "Connection refused at http://localhost:8000",
//	    "Start the storage service or set storage.url in .ingestd/config.yaml",
//	    err,
//	)
//
// Format renders the colored terminal form:
//
//	Error: Cannot reach the document storage service
//	Cause: Connection refused at http://localhost:8000
//	Fix:   Start the storage service or set storage.url in .ingestd/config.yaml
//
// and ToJSON the machine-readable form used with --json.
//
// # Exit Codes
//
//   - ExitSuccess (0)
//   - ExitConfig (1): missing or invalid configuration
//   - ExitStorage (2): queue database or storage service failures
//   - ExitNetwork (3): provider or remote API failures
//   - ExitInput (4): bad arguments, unsupported URLs, empty sources
//   - ExitPermission (5): access denied
//   - ExitNotFound (6): unknown job or pending confirmation
//   - ExitJobFailed (7): a waited-for job ended failed or cancelled
//   - ExitInternal (10): bugs
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Exit codes for different error categories.
const (
	ExitSuccess    = 0
	ExitConfig     = 1
	ExitStorage    = 2
	ExitNetwork    = 3
	ExitInput      = 4
	ExitPermission = 5
	ExitNotFound   = 6
	ExitJobFailed  = 7

	// ExitInternal signals a bug that should be reported.
	ExitInternal = 10
)

// UserError is an error with Message, Cause and Fix for end users, an exit
// code, and an optional wrapped error for errors.Is/As.
type UserError struct {
	Message  string
	Cause    string
	Fix      string
	ExitCode int
	Err      error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *UserError) Unwrap() error {
	return e.Err
}

func newUserError(code int, msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: code, Err: err}
}

// NewConfigError reports a missing or invalid configuration.
func NewConfigError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitConfig, msg, cause, fix, err)
}

// NewStorageError reports a failure of the queue database or of the
// document storage service.
func NewStorageError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitStorage, msg, cause, fix, err)
}

// NewNetworkError reports a failure talking to a content provider.
func NewNetworkError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitNetwork, msg, cause, fix, err)
}

// NewInputError reports invalid user input. Input errors do not wrap an
// underlying error.
func NewInputError(msg, cause, fix string) *UserError {
	return newUserError(ExitInput, msg, cause, fix, nil)
}

// NewPermissionError reports denied access.
func NewPermissionError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitPermission, msg, cause, fix, err)
}

// NewNotFoundError reports a missing job or pending confirmation.
func NewNotFoundError(msg, cause, fix string) *UserError {
	return newUserError(ExitNotFound, msg, cause, fix, nil)
}

// NewJobFailedError reports a job that ended without success.
func NewJobFailedError(msg, cause, fix string) *UserError {
	return newUserError(ExitJobFailed, msg, cause, fix, nil)
}

// NewInternalError reports an unexpected condition.
func NewInternalError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitInternal, msg, cause, fix, err)
}

var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format returns the error for terminal display. Empty Cause or Fix lines
// are omitted. Colors are off when noColor is set or NO_COLOR is present.
//
// Format temporarily changes the global color.NoColor state and restores it.
func (e *UserError) Format(noColor bool) string {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()

	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")

	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}

	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}

	return out.String()
}

// ErrorJSON is the --json form of a UserError.
type ErrorJSON struct {
	Error    string `json:"error"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// ToJSON converts the UserError to its JSON form.
func (e *UserError) ToJSON() ErrorJSON {
	return ErrorJSON{
		Error:    e.Message,
		Cause:    e.Cause,
		Fix:      e.Fix,
		ExitCode: e.ExitCode,
	}
}

// Report writes err to w, as JSON when jsonOutput is set, and returns the
// exit code to use. Errors that are not UserErrors exit with ExitInternal.
func Report(w io.Writer, err error, jsonOutput bool) int {
	if err == nil {
		return ExitSuccess
	}

	var ue *UserError
	if !stderrors.As(err, &ue) {
		ue = &UserError{Message: err.Error(), ExitCode: ExitInternal}
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(ue.ToJSON())
	} else {
		fmt.Fprint(w, ue.Format(false))
	}
	return ue.ExitCode
}

// FatalError reports err on stderr and exits with its code. It returns
// only when err is nil.
func FatalError(err error, jsonOutput bool) {
	if err == nil {
		return
	}
	os.Exit(Report(os.Stderr, err, jsonOutput))
}
