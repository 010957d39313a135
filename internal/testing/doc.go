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

// Package testing provides test helpers shared by the ingestd server and
// CLI tests.
//
// # Quick Start
//
// Use NewConfig for a configuration rooted in a temporary data directory
// with in-memory document storage:
//
//	func TestServe(t *testing.T) {
//	    cfg := testing.NewConfig(t)
//	    app, err := bootstrap.Open(ctx, cfg, bootstrap.Options{}, nil)
//	    require.NoError(t, err)
//	    // ...
//	}
//
// # Fixtures
//
//   - SetupQueueStore: an in-memory SQLite queue store
//   - WriteTree / TempTree: source trees on an afero filesystem or on disk
//   - FileServer: an HTTP server with directory listings over a tree
//   - SetupStorageServer: a fake document storage service recording uploads
//
// Packages below internal/ (pkg/queue, pkg/storage, ...) keep their own
// fakes, since importing this package from their in-package tests would
// create an import cycle.
package testing
