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

// Package scanner walks a local repository tree and turns it into file
// descriptors ready for ingestion.
//
// Three ignore sources are combined: BuiltinIgnores, the root's .gitignore
// and Config.IgnorePatterns. Ignored directories are never listed and
// ignored files are never opened.
//
// Files over Config.MaxFileSize are skipped, not treated as errors. With
// hashing enabled (the default), each file's full content is hashed with
// SHA-256 and only the first file per digest, in traversal order, is kept.
// Traversal order is depth-first with directory entries sorted by name, so
// results are deterministic across runs.
//
// Usage:
//
//	s, err := scanner.New(scanner.Config{Root: "./repo", Extensions: []string{"go", "md"}}, logger)
//	if err != nil {
//	    return err // wraps scanner.ErrInvalidRoot for a bad root
//	}
//	res, err := s.Scan(ctx)
package scanner
