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

// Package bootstrap wires ingestd components from a loaded configuration.
//
// # Initialization
//
// InitDataDir prepares a fresh installation. It creates the data directory,
// creates the queue database schema and writes a default config file:
//
//	info, err := bootstrap.InitDataDir(ctx, cfg, config.DefaultPath(), logger)
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("Queue database at: %s\n", info.DBPath)
//
// InitDataDir is idempotent. An existing config file is never overwritten.
//
// # Opening an instance
//
// Open builds the provider registry in the configured order, opens the
// SQLite queue store, selects the storage backend and connects the queue to
// the relay hub and the orchestrator:
//
//	app, err := bootstrap.Open(ctx, cfg, bootstrap.Options{}, logger)
//	if err != nil {
//	    return err
//	}
//	defer app.Close(ctx)
//
//	if _, err := app.Start(ctx); err != nil {
//	    return err
//	}
//
// The local provider reads the filesystem of the host. Open registers it
// only when providers.allowed_roots is set or Options.LocalFiles is true, so
// a server started with the default config cannot be asked to read local
// files. Remote providers share one HTTP client whose dialer refuses
// private addresses unless providers.allow_private_networks is set.
//
// Read-only commands such as `ingestd status` open the App without calling
// Start, so no interrupted job is resumed behind their back.
package bootstrap
