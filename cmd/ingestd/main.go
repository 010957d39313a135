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
// Package main implements the ingestd CLI for scanning sources, running
// ingestion jobs and serving the ingestion API.
//
// Usage:
//
//	ingestd init                      Create the data directory and config file
//	ingestd scan <path>               List the files a local ingestion would take
//	ingestd ingest <path|url>         Ingest a local tree, a web page or a Drive folder
//	ingestd status <job-id>           Show the state of one job
//	ingestd serve                     Run the HTTP and WebSocket API
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ingestd/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags are accepted before the command and, for output flags, after it.
type GlobalFlags struct {
	// Quiet suppresses progress bars and informational output.
	Quiet bool

	// JSON switches every command to machine-readable output. It implies Quiet.
	JSON bool

	NoColor bool
	Debug   bool

	// Config is the path to the config file. Empty selects .ingestd/config.yaml.
	Config string
}

// main parses global flags and dispatches to the command handlers.
func main() {
	var globals GlobalFlags
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.StringVarP(&globals.Config, "config", "c", "", "Path to config file (default: ./.ingestd/config.yaml)")
	flag.BoolVarP(&globals.Quiet, "quiet", "q", false, "Suppress progress and informational output")
	flag.BoolVar(&globals.JSON, "json", false, "Output as JSON")
	flag.BoolVar(&globals.NoColor, "no-color", false, "Disable colored output")
	flag.BoolVar(&globals.Debug, "debug", false, "Enable debug logging")
	flag.CommandLine.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ingestd - content ingestion service

ingestd discovers files in local directories, web pages and Google Drive
folders, processes them and hands them to a document storage service.
Jobs are persisted and resume after a restart.

Usage:
  ingestd [global options] <command> [options]

Commands:
  init          Create the data directory and a default config file
  scan          List the files a local ingestion would take
  estimate      Count files and estimate processing time for a local tree
  ingest        Ingest a local directory or a URL and wait for the job
  confirm       Confirm a pending ingestion that needed approval
  status        Show the state of a job
  cancel        Cancel a job
  jobs          List recent jobs and pending confirmations
  serve         Run the HTTP and WebSocket API
  completion    Generate shell completion script (bash|zsh|fish)

Global Options:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ingestd init
  ingestd scan ./docs --ext md,txt
  ingestd ingest ./docs --label handbook
  ingestd ingest https://example.com/files/ --yes
  ingestd confirm 3f2a9c1d
  ingestd --json jobs
  ingestd serve --addr :8080

Environment Variables:
  INGESTD_DATA_DIR       Data directory (default: ~/.ingestd)
  INGESTD_STORAGE_URL    Document storage service URL
  INGESTD_STORAGE_TOKEN  Bearer token for the storage service
  GOOGLE_DRIVE_API_KEY   API key for public Drive folders
  GOOGLE_DRIVE_TOKEN     OAuth access token for private Drive folders

For detailed command help: ingestd <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("ingestd version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, &globals)
	case "scan":
		runScan(cmdArgs, &globals)
	case "estimate":
		runEstimate(cmdArgs, &globals)
	case "ingest":
		runIngest(cmdArgs, &globals)
	case "confirm":
		runConfirm(cmdArgs, &globals)
	case "status":
		runStatus(cmdArgs, &globals)
	case "cancel":
		runCancel(cmdArgs, &globals)
	case "jobs":
		runJobs(cmdArgs, &globals)
	case "serve":
		runServe(cmdArgs, &globals)
	case "completion":
		runCompletion(cmdArgs, &globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

// addOutputFlags lets --json, --quiet and --no-color follow the command
// name. The current global values are kept as defaults.
func addOutputFlags(fs *flag.FlagSet, globals *GlobalFlags) {
	fs.BoolVarP(&globals.Quiet, "quiet", "q", globals.Quiet, "Suppress progress and informational output")
	fs.BoolVar(&globals.JSON, "json", globals.JSON, "Output as JSON")
	fs.BoolVar(&globals.NoColor, "no-color", globals.NoColor, "Disable colored output")
	fs.BoolVar(&globals.Debug, "debug", globals.Debug, "Enable debug logging")
}

// finishFlags applies the flags parsed by a command.
func finishFlags(globals *GlobalFlags) {
	if globals.JSON {
		globals.Quiet = true
	}
	if globals.NoColor {
		ui.InitColors(true)
	}
}
