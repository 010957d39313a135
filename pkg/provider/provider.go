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

// Package provider defines the content-provider contract and the providers
// shipped with ingestd: generic HTTP directory listings, Google Drive and
// local repository trees.
//
// A provider answers three questions about a URL: does it claim it, is it
// reachable and what kind of thing is it, and which files does it contain.
// Providers that can also download content implement Fetcher.
//
// Validation never returns an error or panics: every failure, including a
// timeout, is reported through content.ValidationResult.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kraklabs/ingestd/pkg/content"
)

// DefaultProbeTimeout bounds validation and listing requests.
const DefaultProbeTimeout = 5 * time.Second

// Provider resolves a class of URLs into validation results and file lists.
type Provider interface {
	Name() string

	// Claims reports whether this provider handles rawURL.
	Claims(rawURL string) bool

	// ValidateURL probes rawURL with a short timeout.
	ValidateURL(ctx context.Context, rawURL string) content.ValidationResult

	// DiscoverFiles enumerates files under a folder URL within opts bounds.
	// It fails only when the root itself cannot be listed; unreachable
	// subtrees are reported in Discovery.Skipped.
	DiscoverFiles(ctx context.Context, rawURL string, opts content.DiscoveryOptions) (*Discovery, error)
}

// Fetcher is implemented by providers that can download a discovered file.
type Fetcher interface {
	Fetch(ctx context.Context, fd content.FileDescriptor) (io.ReadCloser, error)
}

// SkippedPath is a subtree or entry left out of a discovery.
type SkippedPath struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Discovery is the result of DiscoverFiles.
type Discovery struct {
	Files   []content.FileDescriptor `json:"files"`
	Skipped []SkippedPath            `json:"skipped,omitempty"`

	// Truncated is set when MaxFiles stopped the discovery early.
	Truncated bool `json:"truncated,omitempty"`

	// SkipReasons aggregates per-reason counts where a provider tracks them.
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`
}

func (d *Discovery) skip(path, reason string) {
	d.Skipped = append(d.Skipped, SkippedPath{Path: path, Reason: reason})
}

// add appends fd unless the MaxFiles bound is reached. It reports whether
// discovery may continue.
func (d *Discovery) add(fd content.FileDescriptor, maxFiles int) bool {
	if maxFiles > 0 && len(d.Files) >= maxFiles {
		d.Truncated = true
		return false
	}
	d.Files = append(d.Files, fd)
	return true
}

// NoProviderError is returned when no registered provider claims a URL.
type NoProviderError struct {
	URL string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no content provider found for URL %s", SanitizeURL(e.URL))
}

// IsNoProvider reports whether err is, or wraps, a NoProviderError.
func IsNoProvider(err error) bool {
	var npe *NoProviderError
	return errors.As(err, &npe)
}

// StatusError is returned when a remote endpoint answers with a non-success
// status code.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", SanitizeURL(e.URL), e.StatusCode)
}

// IsTransient reports whether a fetch that failed with err may succeed when
// repeated: the connection failed or broke off, or the server answered 429
// or 5xx. Context errors and refused private addresses are final.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrPrivateAddress) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
