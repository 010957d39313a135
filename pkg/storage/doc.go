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

// Package storage hands processed documents to the document store.
//
// The ingestion queue only depends on the Backend interface, so the same
// pipeline can write to a remote document service or, for dry runs and
// tests, to process memory.
//
// # Available Backends
//
//   - HTTPBackend: multipart upload to <base>/api/documents on a remote
//     document service
//   - MemoryBackend: in-process slice, inspectable with Documents()
//
// # Quick Start
//
//	backend, err := storage.NewHTTPBackend(storage.HTTPConfig{
//	    BaseURL: "http://localhost:8080",
//	    Token:   os.Getenv("INGESTD_STORAGE_TOKEN"),
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//
//	id, err := backend.Store(ctx, storage.Document{
//	    Filename: "README.md",
//	    Content:  data,
//	    JobID:    jobID,
//	})
//
// # Failure Classes
//
// A document the service rejects (4xx) is a failure of that file only.
// Server errors (5xx) and request timeouts are retried with DefaultRetryDelays.
// When the service cannot be reached at all the error wraps ErrUnavailable;
// callers check it with IsUnavailable and stop the whole job, since every
// remaining file would fail the same way.
//
// # Thread Safety
//
// Both backends are safe for concurrent use.
package storage
