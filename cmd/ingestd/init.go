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

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ingestd/internal/bootstrap"
	"github.com/kraklabs/ingestd/internal/config"
	"github.com/kraklabs/ingestd/internal/errors"
	"github.com/kraklabs/ingestd/internal/output"
	"github.com/kraklabs/ingestd/internal/ui"
)

// runInit executes the 'init' CLI command. It creates the data directory
// and the queue database and writes a default config file unless one
// exists. Running it again is harmless.
//
// Flags:
//   - --storage-url: Storage service URL written into a new config
//   - --memory: Write a config that keeps documents in memory
//
// Examples:
//
//	ingestd init
//	ingestd init --storage-url http://storage:8000
func runInit(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	storageURL := fs.String("storage-url", "", "Document storage service URL for a new config")
	memory := fs.Bool("memory", false, "Keep documents in memory (for trying ingestd without a storage service)")
	addOutputFlags(fs, globals)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd init [options]

Creates the data directory (~/.ingestd unless INGESTD_DATA_DIR is set),
the job queue database and .ingestd/config.yaml in the current directory.
An existing config file is left untouched.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	finishFlags(globals)

	cfg, err := config.LoadOptional(globals.Config)
	if err != nil {
		fatal(errors.NewConfigError(
			"Cannot load configuration",
			err.Error(),
			"Fix the config file or the INGESTD_* environment variables",
			err,
		), globals)
	}
	if *storageURL != "" {
		cfg.Storage.URL = *storageURL
	}
	if *memory {
		cfg.Storage.Memory = true
	}
	logger, closeLog := setupLogger(cfg, globals, true)
	defer func() { _ = closeLog() }()

	path := globals.Config
	if path == "" {
		path = config.DefaultPath()
	}

	info, err := bootstrap.InitDataDir(context.Background(), cfg, path, logger)
	if err != nil {
		fatal(errors.NewPermissionError(
			"Cannot initialize ingestd",
			err.Error(),
			fmt.Sprintf("Check that %s is writable", cfg.DataDir),
			err,
		), globals)
	}

	if err := printInit(os.Stdout, info, *globals); err != nil {
		fatal(err, globals)
	}
}

func printInit(w io.Writer, info *bootstrap.InitInfo, globals GlobalFlags) error {
	if globals.JSON {
		return output.JSONTo(w, info)
	}
	if info.ConfigCreated {
		ui.Success("Created " + info.ConfigPath)
	} else {
		ui.Info("Kept existing " + info.ConfigPath)
	}
	ui.Success("Data directory ready at " + info.DataDir)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  ingestd scan <dir>          Preview what would be ingested")
	fmt.Fprintln(w, "  ingestd ingest <dir|url>    Ingest a source")
	fmt.Fprintln(w, "  ingestd serve               Run the HTTP API")
	return nil
}
