// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package output writes the machine-readable (--json) form of ingestd
// command results. Human-readable output lives in the ui package and error
// reporting in the errors package.
//
// One-shot results are pretty-printed:
//
//	if err := output.JSON(status); err != nil {
//	    return err
//	}
//
// Followed jobs stream one compact JSON object per line:
//
//	stream := output.NewStream(os.Stdout)
//	for ev := range events {
//	    if err := stream.Write(ev); err != nil {
//	        return err
//	    }
//	}
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// JSON writes data as pretty-printed JSON to stdout.
func JSON(data any) error {
	return JSONTo(os.Stdout, data)
}

// JSONTo writes data as pretty-printed JSON with 2-space indentation.
func JSONTo(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("JSON encoding failed: %w", err)
	}
	return nil
}

// JSONCompact writes data as single-line JSON to stdout.
func JSONCompact(data any) error {
	return JSONCompactTo(os.Stdout, data)
}

// JSONCompactTo writes data as single-line JSON.
func JSONCompactTo(w io.Writer, data any) error {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("JSON encoding failed: %w", err)
	}
	return nil
}

// Stream writes newline-delimited JSON. It is safe for concurrent use.
type Stream struct {
	mu  sync.Mutex
	enc *json.Encoder
	n   int
}

// NewStream returns a Stream writing to w.
func NewStream(w io.Writer) *Stream {
	return &Stream{enc: json.NewEncoder(w)}
}

// Write encodes v as one line.
func (s *Stream) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		return fmt.Errorf("JSON encoding failed: %w", err)
	}
	s.n++
	return nil
}

// Count returns the number of lines written.
func (s *Stream) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
