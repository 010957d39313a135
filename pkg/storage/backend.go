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

package storage

import (
	"context"
	"errors"
)

// ErrUnavailable marks a failure to reach the storage service at all. The
// queue treats it as a fault of the whole job rather than of one file.
var ErrUnavailable = errors.New("storage service unavailable")

// IsUnavailable reports whether err wraps ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Backend is the interface that all storage backends must implement.
type Backend interface {
	// Store persists one processed document and returns its storage id.
	Store(ctx context.Context, doc Document) (string, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Document is what gets handed to storage for a single file.
type Document struct {
	Content   []byte            `json:"-"`
	Filename  string            `json:"filename"`
	SourceURL string            `json:"source_url"`
	MimeType  string            `json:"mime_type"`
	Hash      string            `json:"hash,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	JobID     string            `json:"job_id"`
	Labels    []string          `json:"labels,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}
