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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ingestd/internal/bootstrap"
	"github.com/kraklabs/ingestd/internal/errors"
	"github.com/kraklabs/ingestd/internal/server"
)

// pruneInterval is how often serve drops jobs past their retention.
const pruneInterval = time.Hour

// runServe executes the 'serve' CLI command: it resumes interrupted jobs
// and serves the HTTP and WebSocket API until SIGINT or SIGTERM, then
// drains requests and running jobs within the configured grace.
//
// Examples:
//
//	ingestd serve
//	ingestd serve --addr 127.0.0.1:9000 --origin https://app.example.com
func runServe(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Listen address (default: server.addr from config)")
	origins := fs.StringSlice("origin", nil, "Allowed browser origin for CORS and WebSocket (repeatable)")
	fs.BoolVar(&globals.Debug, "debug", globals.Debug, "Enable debug logging")
	fs.BoolVar(&globals.NoColor, "no-color", globals.NoColor, "Disable colored output")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd serve [options]

Description:
  Run the ingestion API:
    POST   /v1/ingest               validate, discover and submit a source
    POST   /v1/ingest/confirm       submit files held for confirmation
    GET    /v1/jobs                 list recent jobs
    GET    /v1/jobs/:id             job status with file outcomes
    DELETE /v1/jobs/:id             cancel a job
    GET    /v1/jobs/:id/events      job events over WebSocket
    GET    /v1/sessions/:id/events  session events over WebSocket
    GET    /health, /metrics

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	finishFlags(globals)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := openApp(ctx, globals, false)
	if err != nil {
		fatal(err, globals)
	}
	lock, err := acquireWorker(app.Config)
	if err != nil {
		cleanup()
		fatal(err, globals)
	}

	err = serve(ctx, app, *addr, *origins, slog.Default())
	cleanup()
	lock.Release()
	if err != nil {
		fatal(err, globals)
	}
}

func serve(ctx context.Context, app *bootstrap.App, addr string, origins []string, logger *slog.Logger) error {
	cfg := app.Config
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if len(origins) == 0 {
		origins = cfg.Server.AllowedOrigins
	}

	resumed, err := app.Start(ctx)
	if err != nil {
		return err
	}
	logger.Info("serve.start", "addr", addr, "resumed_jobs", resumed, "data_dir", cfg.DataDir)

	go pruneLoop(ctx, app, logger)

	srv := server.New(server.Config{
		Addr:            addr,
		AllowedOrigins:  origins,
		ShutdownTimeout: cfg.Queue.ShutdownGrace.Std(),
	}, app.Orchestrator, app.Queue, app.Hub, logger)

	if err := srv.Run(ctx); err != nil {
		return errors.NewNetworkError(
			"Server stopped",
			err.Error(),
			fmt.Sprintf("Check that %s is free, or pass --addr", addr),
			err,
		)
	}
	return nil
}

// pruneLoop drops finished jobs older than the retention period until ctx
// is done.
func pruneLoop(ctx context.Context, app *bootstrap.App, logger *slog.Logger) {
	retention := app.Config.Queue.Retention.Std()
	if retention <= 0 {
		return
	}
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := app.Queue.Prune(ctx, retention); err != nil && ctx.Err() == nil {
				logger.Warn("serve.prune.error", "err", err)
			}
		}
	}
}
