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
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ingestd/internal/bootstrap"
	"github.com/kraklabs/ingestd/internal/config"
	"github.com/kraklabs/ingestd/internal/errors"
	"github.com/kraklabs/ingestd/internal/output"
	"github.com/kraklabs/ingestd/internal/ui"
	"github.com/kraklabs/ingestd/pkg/ingestion"
	"github.com/kraklabs/ingestd/pkg/scanner"
)

// scanFlags override the scanner section of the config for one command.
type scanFlags struct {
	extensions     []string
	ignore         []string
	maxFileSize    int64
	maxDepth       int
	followSymlinks bool
	noHash         bool
}

func (f *scanFlags) register(fs *flag.FlagSet) {
	fs.StringSliceVar(&f.extensions, "ext", nil, "Only include these extensions (comma separated, e.g. go,md)")
	fs.StringArrayVar(&f.ignore, "ignore", nil, "Extra gitignore-style pattern to skip (repeatable)")
	fs.Int64Var(&f.maxFileSize, "max-size", 0, "Skip files larger than this many bytes (0 keeps the config value)")
	fs.IntVar(&f.maxDepth, "max-depth", 0, "Maximum directory depth (0 keeps the config value)")
	fs.BoolVar(&f.followSymlinks, "follow-symlinks", false, "Follow symbolic links")
	fs.BoolVar(&f.noHash, "no-hash", false, "Skip content hashing and deduplication")
}

// apply layers the flags over base.
func (f *scanFlags) apply(base scanner.Config) scanner.Config {
	if len(f.extensions) > 0 {
		base.Extensions = f.extensions
	}
	base.IgnorePatterns = append(append([]string(nil), base.IgnorePatterns...), f.ignore...)
	if f.maxFileSize != 0 {
		base.MaxFileSize = f.maxFileSize
	}
	if f.maxDepth > 0 {
		base.MaxDepth = f.maxDepth
	}
	if f.followSymlinks {
		base.FollowSymlinks = true
	}
	if f.noHash {
		base.SkipHashes = true
	}
	return base
}

// runScan executes the 'scan' CLI command, listing the files a local
// ingestion would take without creating a job.
//
// Flags:
//   - --ext: Extension allow-list
//   - --ignore: Extra ignore patterns
//   - --files: Print every accepted file
//
// Examples:
//
//	ingestd scan ./docs
//	ingestd scan . --ext go,md --files
//	ingestd --json scan ./repo
func runScan(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	var sf scanFlags
	sf.register(fs)
	listFiles := fs.Bool("files", false, "Print every accepted file")
	addOutputFlags(fs, globals)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd scan <path> [options]

Description:
  Walk a local directory the way 'ingestd ingest' would and report the
  accepted files, their total size and why other files were skipped.
  Built-in ignores, the root .gitignore and the scanner section of the
  config apply.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ingestd scan ./docs
  ingestd scan . --ext go,md --files
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	finishFlags(globals)
	root := targetArg(fs, "scan")

	cfg, err := loadConfig(globals)
	if err != nil {
		fatal(err, globals)
	}
	logger, closeLog := setupLogger(cfg, globals, true)
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := scanTree(ctx, sf.apply(bootstrap.ScannerConfig(cfg, root)), NewProgressConfig(*globals), logger)
	if err != nil {
		fatal(err, globals)
	}

	if globals.JSON {
		if err := output.JSON(res); err != nil {
			fatal(err, globals)
		}
		return
	}
	printScanResult(os.Stdout, res, *listFiles)
}

// scanTree runs a full scan with a spinner on the terminal.
func scanTree(ctx context.Context, cfg scanner.Config, pc ProgressConfig, logger *slog.Logger) (*scanner.ScanResult, error) {
	spin := NewSpinner(pc, "Scanning")
	if spin != nil {
		cfg.OnProgress = func(p scanner.Progress) {
			spin.Describe(fmt.Sprintf("Scanning (%d files)", p.FilesAccepted))
			_ = spin.Add(1)
		}
		defer func() { _ = spin.Finish() }()
	}

	s, err := scanner.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return s.Scan(ctx)
}

func printScanResult(w io.Writer, res *scanner.ScanResult, listFiles bool) {
	ui.Header("Scan of " + res.RootPath)
	fmt.Fprintf(w, "%s %s (%s)\n", ui.Label("Files:"), ui.CountText(res.TotalFiles), ui.BytesText(res.TotalSize))
	fmt.Fprintf(w, "%s %s\n", ui.Label("Skipped:"), ui.CountText(res.SkippedFiles))
	fmt.Fprintf(w, "%s %s\n", ui.Label("Duration:"), res.ScanDuration.Round(time.Millisecond))
	printSkipReasons(w, res.SkipReasons)

	if listFiles && len(res.Files) > 0 {
		fmt.Fprintln(w)
		for _, f := range res.Files {
			size := ""
			if f.Size != nil {
				size = ui.DimText(" " + ui.BytesText(*f.Size))
			}
			fmt.Fprintf(w, "  %s%s\n", f.RelativePath(), size)
		}
	}
}

func printSkipReasons(w io.Writer, reasons map[string]int) {
	if len(reasons) == 0 {
		return
	}
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if reasons[keys[i]] != reasons[keys[j]] {
			return reasons[keys[i]] > reasons[keys[j]]
		}
		return keys[i] < keys[j]
	})

	fmt.Fprintln(w)
	ui.SubHeader("Skip reasons")
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, reasons[k])
	}
}

// EstimateResult is the JSON form of 'ingestd estimate'.
type EstimateResult struct {
	*scanner.Estimate
	EstimatedDuration time.Duration `json:"estimated_duration"`
	RequiresConfirm   bool          `json:"requires_confirmation"`
}

// runEstimate executes the 'estimate' CLI command: a fast scan that counts
// files without hashing them and predicts how long ingestion would take.
func runEstimate(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("estimate", flag.ExitOnError)
	var sf scanFlags
	sf.register(fs)
	addOutputFlags(fs, globals)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd estimate <path> [options]

Description:
  Count the files a local ingestion would take and estimate the processing
  time from orchestrator.seconds_per_file and queue.concurrency.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	finishFlags(globals)
	root := targetArg(fs, "estimate")

	cfg, err := loadConfig(globals)
	if err != nil {
		fatal(err, globals)
	}
	logger, closeLog := setupLogger(cfg, globals, true)
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := estimateTree(ctx, cfg, sf.apply(bootstrap.ScannerConfig(cfg, root)), logger)
	if err != nil {
		fatal(err, globals)
	}

	if globals.JSON {
		if err := output.JSON(res); err != nil {
			fatal(err, globals)
		}
		return
	}

	ui.Header("Estimate for " + res.RootPath)
	fmt.Printf("%s %s (%s)\n", ui.Label("Files:"), ui.CountText(res.FileCount), ui.BytesText(res.TotalSize))
	fmt.Printf("%s %s\n", ui.Label("Skipped:"), ui.CountText(res.SkippedFiles))
	fmt.Printf("%s ~%s\n", ui.Label("Processing time:"), FormatDuration(res.EstimatedDuration))
	if res.RequiresConfirm {
		ui.Warningf("More than %d files: 'ingestd ingest' will ask for confirmation", cfg.Orchestrator.ConfirmationThreshold)
	}
	printSkipReasons(os.Stdout, res.SkipReasons)
}

func estimateTree(ctx context.Context, cfg *config.Config, sc scanner.Config, logger *slog.Logger) (*EstimateResult, error) {
	s, err := scanner.New(sc, logger)
	if err != nil {
		return nil, err
	}
	est, err := s.Estimate(ctx)
	if err != nil {
		return nil, err
	}
	return &EstimateResult{
		Estimate:          est,
		EstimatedDuration: ingestion.EstimateProcessingTime(est.FileCount, cfg.Orchestrator.SecondsPerFile, cfg.Queue.Concurrency),
		RequiresConfirm:   est.FileCount > cfg.Orchestrator.ConfirmationThreshold,
	}, nil
}

// targetArg returns the single positional argument or exits with usage.
func targetArg(fs *flag.FlagSet, command string) string {
	if fs.NArg() != 1 {
		errors.FatalError(errors.NewInputError(
			fmt.Sprintf("'%s' takes exactly one argument", command),
			fmt.Sprintf("got %d arguments", fs.NArg()),
			fmt.Sprintf("Run 'ingestd %s --help' for usage", command),
		), false)
	}
	return fs.Arg(0)
}
