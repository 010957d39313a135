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
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kraklabs/ingestd/internal/bootstrap"
	"github.com/kraklabs/ingestd/internal/config"
	"github.com/kraklabs/ingestd/internal/errors"
	"github.com/kraklabs/ingestd/pkg/ingestion"
	"github.com/kraklabs/ingestd/pkg/provider"
	"github.com/kraklabs/ingestd/pkg/queue"
	"github.com/kraklabs/ingestd/pkg/scanner"
	"github.com/kraklabs/ingestd/pkg/storage"
)

// loadConfig reads the configuration named by --config.
func loadConfig(globals *GlobalFlags) (*config.Config, error) {
	cfg, err := config.Load(globals.Config)
	if err != nil {
		path := globals.Config
		if path == "" {
			path = config.DefaultPath()
		}
		return nil, errors.NewConfigError(
			"Cannot load configuration",
			err.Error(),
			fmt.Sprintf("Fix %s or run 'ingestd init' to create a default one", path),
			err,
		)
	}
	return cfg, nil
}

// setupLogger installs the configured logger as the default. Interactive
// commands log at warn unless --debug or a non-default level is set, so
// their output is not drowned in job events.
func setupLogger(cfg *config.Config, globals *GlobalFlags, interactive bool) (*slog.Logger, func() error) {
	lc := cfg.Logging
	if interactive && !globals.Debug && (lc.Level == "" || lc.Level == "info") {
		lc.Level = "warn"
	}
	logger, closeLog := config.SetupLogger(lc, globals.Debug)
	slog.SetDefault(logger)
	return logger, closeLog
}

// openApp loads the configuration and wires the application. The returned
// cleanup closes the app within the configured shutdown grace and flushes
// the log file. Interactive commands act for the local user and may read any
// local path; serve does not.
func openApp(ctx context.Context, globals *GlobalFlags, interactive bool) (*bootstrap.App, func(), error) {
	cfg, err := loadConfig(globals)
	if err != nil {
		return nil, nil, err
	}
	logger, closeLog := setupLogger(cfg, globals, interactive)

	app, err := bootstrap.Open(ctx, cfg, bootstrap.Options{LocalFiles: interactive}, logger)
	if err != nil {
		_ = closeLog()
		return nil, nil, toUserError(err)
	}

	cleanup := func() {
		grace := cfg.Queue.ShutdownGrace.Std() + cfg.Queue.FileTimeout.Std()
		cctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := app.Close(cctx); err != nil {
			logger.Warn("cli.close.error", "err", err)
		}
		_ = closeLog()
	}
	return app, cleanup, nil
}

// lockPath is where the process running the queue records itself.
func lockPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "worker.lock")
}

// acquireWorker takes the worker lock so that only one process runs the
// queue of a data directory.
func acquireWorker(cfg *config.Config) (*WorkerLock, error) {
	lock := NewWorkerLock(lockPath(cfg))
	ok, err := lock.TryAcquire()
	if err != nil {
		return nil, errors.NewPermissionError(
			"Cannot lock the job queue",
			err.Error(),
			fmt.Sprintf("Check permissions on %s", cfg.DataDir),
			err,
		)
	}
	if !ok {
		cause := "another ingestd process is running jobs from this data directory"
		if info, _ := lock.Info(); info != nil {
			cause = fmt.Sprintf("ingestd process %d has been running jobs for %s", info.PID, FormatDuration(info.Age()))
		}
		return nil, errors.NewInputError(
			"Job queue is busy",
			cause,
			"Submit through that process's HTTP API, wait for it to exit, or set INGESTD_DATA_DIR to another directory",
		)
	}
	return lock, nil
}

// isLocalPath reports whether target names an existing directory.
func isLocalPath(target string) bool {
	info, err := os.Stat(target)
	return err == nil && info.IsDir()
}

// toUserError maps domain errors onto user-facing errors and exit codes.
// UserErrors pass through unchanged.
func toUserError(err error) error {
	if err == nil {
		return nil
	}
	var ue *errors.UserError
	switch {
	case stderrors.As(err, &ue):
		return ue
	case stderrors.Is(err, scanner.ErrInvalidRoot):
		return errors.NewInputError(
			"Invalid directory",
			err.Error(),
			"Pass an existing directory",
		)
	case provider.IsNoProvider(err):
		return errors.NewInputError(
			"Unsupported source",
			err.Error(),
			"Use a local directory, an http(s) URL or a Google Drive folder link",
		)
	case stderrors.Is(err, queue.ErrJobNotFound):
		return errors.NewNotFoundError(
			"Job not found",
			err.Error(),
			"List known jobs with 'ingestd jobs'",
		)
	case stderrors.Is(err, ingestion.ErrPendingNotFound):
		return errors.NewNotFoundError(
			"Pending confirmation not found",
			err.Error(),
			"List pending confirmations with 'ingestd jobs'",
		)
	case stderrors.Is(err, ingestion.ErrNoFiles):
		return errors.NewInputError(
			"Nothing to ingest",
			err.Error(),
			"Check the source and discovery limits",
		)
	case storage.IsUnavailable(err):
		return errors.NewStorageError(
			"Storage service unavailable",
			err.Error(),
			"Check storage.url and that the service is running, or set storage.memory for a dry run",
			err,
		)
	case stderrors.Is(err, context.Canceled):
		return errors.NewInternalError(
			"Interrupted",
			"the operation was cancelled",
			"",
			err,
		)
	default:
		return errors.NewInternalError(
			"Unexpected error",
			err.Error(),
			"Re-run with --debug and report the issue",
			err,
		)
	}
}

// fatal reports err and exits with its code.
func fatal(err error, globals *GlobalFlags) {
	errors.FatalError(toUserError(err), globals.JSON)
}
