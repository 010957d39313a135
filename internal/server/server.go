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

// Package server exposes the ingestion orchestrator and job queue over HTTP
// and streams job progress over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/ingestion"
	"github.com/kraklabs/ingestd/pkg/queue"
	"github.com/kraklabs/ingestd/pkg/relay"
)

// Defaults for Config.
const (
	DefaultBodyLimit       = "10M"
	DefaultShutdownTimeout = 30 * time.Second
)

// Ingester is the part of the orchestrator the server drives.
type Ingester interface {
	Ingest(ctx context.Context, req ingestion.Request) (*ingestion.Response, error)
	ConfirmAndIngest(ctx context.Context, files []content.FileDescriptor, opts content.IngestOptions) (string, error)
	GetJobStatus(ctx context.Context, id string) (*queue.JobStatus, error)
	CancelJob(ctx context.Context, id string) (bool, error)
}

// JobLister lists recent jobs.
type JobLister interface {
	ListJobs(ctx context.Context, limit int) ([]queue.JobSummary, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr string

	// AllowedOrigins enables CORS for these origins. Empty disables CORS.
	AllowedOrigins []string

	// BodyLimit caps request bodies, e.g. "10M".
	BodyLimit string

	// ShutdownTimeout bounds draining in-flight requests.
	ShutdownTimeout time.Duration
}

// Server is the ingestd HTTP API.
type Server struct {
	cfg      Config
	echo     *echo.Echo
	ingester Ingester
	jobs     JobLister
	hub      *relay.Hub
	logger   *slog.Logger
}

// New builds the server and registers its routes.
func New(cfg Config, ingester Ingester, jobs JobLister, hub *relay.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = DefaultBodyLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		cfg:      cfg,
		echo:     echo.New(),
		ingester: ingester,
		jobs:     jobs,
		hub:      hub,
		logger:   logger,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.errorHandler

	s.echo.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("server.panic", "path", c.Path(), "err", err, "stack", string(stack))
			return err
		},
	}))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/health" || p == "/metrics"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("server.request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}))
	s.echo.Use(middleware.BodyLimit(cfg.BodyLimit))
	if len(cfg.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/ingest", s.handleIngest)
	v1.POST("/ingest/confirm", s.handleConfirm)
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.DELETE("/jobs/:id", s.handleCancelJob)
	v1.GET("/jobs/:id/events", s.handleJobEvents)
	v1.GET("/sessions/:id/events", s.handleSessionEvents)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on cfg.Addr until ctx is cancelled, then drains in-flight
// requests within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.start", "addr", s.cfg.Addr)
		errCh <- s.echo.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	// WebSocket connections are hijacked and not tracked by Shutdown.
	s.hub.Close()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}
