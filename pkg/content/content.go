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

// Package content holds the data model shared by providers, the scanner,
// the job queue and the orchestrator.
//
// A FileDescriptor is produced once during discovery and never mutated
// afterwards; workers that need to annotate a file do so on their own
// outcome slot, not on the descriptor.
package content

import (
	"path"
	"strings"
	"time"
)

// Type distinguishes single files from folders during validation.
type Type string

const (
	TypeFile   Type = "file"
	TypeFolder Type = "folder"
)

// Well-known metadata keys carried on FileDescriptor.Metadata.
const (
	MetaExtension    = "extension"
	MetaAbsolutePath = "absolute_path"
	MetaProvider     = "provider"
	MetaMimeType     = "mime_type"
	MetaDriveFileID  = "drive_file_id"
	MetaLanguage     = "language"
)

// FileDescriptor describes one unit of content to ingest.
type FileDescriptor struct {
	// URL is a local path or a remote URI. Unique within one discovery result.
	URL string `json:"url" msgpack:"url"`

	// Filename is the base name of the file.
	Filename string `json:"filename" msgpack:"filename"`

	// ParentPath is the slash-separated location inside the discovered tree,
	// empty at the root.
	ParentPath string `json:"parent_path" msgpack:"parent_path"`

	// Depth is 0 for entries directly under the root.
	Depth int `json:"depth" msgpack:"depth"`

	Size         *int64            `json:"size,omitempty" msgpack:"size,omitempty"`
	LastModified *time.Time        `json:"last_modified,omitempty" msgpack:"last_modified,omitempty"`
	Hash         string            `json:"hash,omitempty" msgpack:"hash,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Clone returns a deep copy of the descriptor.
func (fd FileDescriptor) Clone() FileDescriptor {
	out := fd
	if fd.Size != nil {
		s := *fd.Size
		out.Size = &s
	}
	if fd.LastModified != nil {
		t := *fd.LastModified
		out.LastModified = &t
	}
	if fd.Metadata != nil {
		out.Metadata = make(map[string]string, len(fd.Metadata))
		for k, v := range fd.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Meta returns a metadata value or "".
func (fd FileDescriptor) Meta(key string) string {
	if fd.Metadata == nil {
		return ""
	}
	return fd.Metadata[key]
}

// Extension returns the lowercase extension including the dot, preferring
// the recorded metadata over the filename.
func (fd FileDescriptor) Extension() string {
	if ext := fd.Meta(MetaExtension); ext != "" {
		return strings.ToLower(ext)
	}
	return strings.ToLower(path.Ext(fd.Filename))
}

// RelativePath joins ParentPath and Filename.
func (fd FileDescriptor) RelativePath() string {
	if fd.ParentPath == "" {
		return fd.Filename
	}
	return fd.ParentPath + "/" + fd.Filename
}

// SizeOf returns a pointer to n, for filling optional descriptor fields.
func SizeOf(n int64) *int64 { return &n }

// TimeOf returns a pointer to t, or nil for the zero time.
func TimeOf(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ValidationResult is the outcome of probing a URL.
type ValidationResult struct {
	Valid                bool   `json:"valid"`
	Type                 Type   `json:"type,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Error                string `json:"error,omitempty"`

	// Unreachable is set when the probe timed out or the network failed,
	// as opposed to the source answering with a definitive rejection.
	Unreachable bool `json:"unreachable,omitempty"`

	// Name, Size and LastModified are filled when the probe reported them.
	Name         string     `json:"name,omitempty"`
	Size         *int64     `json:"size,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	MimeType     string     `json:"mime_type,omitempty"`
}

// Invalid builds a failed validation result.
func Invalid(msg string) ValidationResult {
	return ValidationResult{Valid: false, Error: msg}
}

// Unreachable builds a validation result for a probe that never got an answer.
func Unreachable(msg string) ValidationResult {
	return ValidationResult{Valid: false, Error: msg, Unreachable: true}
}

// Discovery defaults.
const (
	DefaultMaxDepth = 10
	DefaultMaxFiles = 1000
)

// DiscoveryOptions bound a folder discovery.
type DiscoveryOptions struct {
	MaxDepth   int      `json:"max_depth,omitempty" yaml:"max_depth" msgpack:"max_depth"`
	MaxFiles   int      `json:"max_files,omitempty" yaml:"max_files" msgpack:"max_files"`
	Extensions []string `json:"extensions,omitempty" yaml:"extensions" msgpack:"extensions"`

	// NoRecurse limits discovery to the folder's direct children.
	NoRecurse bool `json:"no_recurse,omitempty" yaml:"no_recurse" msgpack:"no_recurse"`
}

// WithDefaults fills zero bounds with the package defaults.
func (o DiscoveryOptions) WithDefaults() DiscoveryOptions {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultMaxFiles
	}
	if o.NoRecurse {
		o.MaxDepth = 1
	}
	return o
}

// AllowsExtension reports whether ext passes the extension allow-list.
// An empty list allows everything.
func (o DiscoveryOptions) AllowsExtension(ext string) bool {
	if len(o.Extensions) == 0 {
		return true
	}
	return MatchExtension(o.Extensions, ext)
}

// MatchExtension compares ext against a list of extensions, ignoring case
// and a leading dot on either side.
func MatchExtension(list []string, ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return false
	}
	for _, e := range list {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// IngestOptions travel with a job and are persisted alongside it.
type IngestOptions struct {
	Labels    []string `json:"labels,omitempty" msgpack:"labels,omitempty"`
	SessionID string   `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	UserID    string   `json:"user_id,omitempty" msgpack:"user_id,omitempty"`

	// Concurrency overrides the queue default for this job when > 0.
	Concurrency int `json:"concurrency,omitempty" msgpack:"concurrency,omitempty"`

	// FileTimeout overrides the per-file processing timeout when > 0.
	FileTimeout time.Duration `json:"file_timeout,omitempty" msgpack:"file_timeout,omitempty"`

	// DryRun fetches and processes files without storing them.
	DryRun bool `json:"dry_run,omitempty" msgpack:"dry_run,omitempty"`
}
