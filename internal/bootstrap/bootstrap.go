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

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"

	"github.com/kraklabs/ingestd/internal/config"
	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/ingestion"
	"github.com/kraklabs/ingestd/pkg/process"
	"github.com/kraklabs/ingestd/pkg/provider"
	"github.com/kraklabs/ingestd/pkg/queue"
	"github.com/kraklabs/ingestd/pkg/relay"
	"github.com/kraklabs/ingestd/pkg/scanner"
	"github.com/kraklabs/ingestd/pkg/storage"
)

// App is a fully wired ingestd instance.
type App struct {
	Config       *config.Config
	Registry     *provider.Registry
	Store        *queue.SQLiteStore
	Backend      storage.Backend
	Hub          *relay.Hub
	Queue        *queue.Queue
	Orchestrator *ingestion.Orchestrator
	Pending      *ingestion.PendingStore

	logger *slog.Logger
}

// Options adjust Open. The zero value builds everything from the config.
type Options struct {
	// Backend replaces the configured storage backend.
	Backend storage.Backend

	// HTTPClient is used by the remote providers. It is wrapped so that
	// redirects and resolved addresses follow providers.allow_private_networks.
	HTTPClient *http.Client

	// LocalFiles registers the local provider even when no allowed roots are
	// configured. Only processes driven by the local user set it; a server
	// reachable over the network serves local paths only from
	// providers.allowed_roots.
	LocalFiles bool
}

// Open wires an App from cfg. The queue is created but not started; call
// Start to resume interrupted jobs and begin work.
func Open(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := BuildRegistry(cfg, opts, logger)
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		if backend, err = openBackend(cfg, logger); err != nil {
			return nil, err
		}
	}

	store, err := queue.OpenSQLite(ctx, cfg.Queue.DBPath)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	hub := relay.NewHub(relay.Config{CheckOrigin: originChecker(cfg.Server.AllowedOrigins)}, logger)

	q, err := queue.New(queue.Config{
		Concurrency:       cfg.Queue.Concurrency,
		MaxConcurrentJobs: cfg.Queue.MaxConcurrentJobs,
		FileTimeout:       cfg.Queue.FileTimeout.Std(),
		ShutdownGrace:     cfg.Queue.ShutdownGrace.Std(),
		Retention:         cfg.Queue.Retention.Std(),
		FetchAttempts:     cfg.Queue.FetchAttempts,
		RetryBackoff:      cfg.Queue.RetryBackoff.Std(),
		MaxRetryBackoff:   cfg.Queue.MaxRetryBackoff.Std(),
	}, queue.Deps{
		Store:     store,
		Fetcher:   registry,
		Processor: process.New(process.Config{}, logger),
		Backend:   backend,
		Relay:     hub,
	}, logger)
	if err != nil {
		_ = store.Close()
		_ = backend.Close()
		return nil, err
	}

	orch := ingestion.New(ingestion.Config{
		ConfirmationThreshold: cfg.Orchestrator.ConfirmationThreshold,
		SecondsPerFile:        cfg.Orchestrator.SecondsPerFile,
		Concurrency:           cfg.Queue.Concurrency,
		DefaultDiscovery: content.DiscoveryOptions{
			MaxDepth: cfg.Discovery.MaxDepth,
			MaxFiles: cfg.Discovery.MaxFiles,
		},
		ValidationTimeout: cfg.Discovery.ValidationTimeout.Std(),
	}, registry, q, logger)

	logger.Debug("bootstrap.open",
		"data_dir", cfg.DataDir,
		"db_path", cfg.Queue.DBPath,
		"providers", cfg.Providers.Order,
		"memory_storage", cfg.Storage.Memory,
	)

	return &App{
		Config:       cfg,
		Registry:     registry,
		Store:        store,
		Backend:      backend,
		Hub:          hub,
		Queue:        q,
		Orchestrator: orch,
		Pending:      ingestion.NewPendingStore(cfg.PendingDir()),
		logger:       logger,
	}, nil
}

// Start resumes jobs left over from a previous run.
func (a *App) Start(ctx context.Context) (int, error) {
	return a.Queue.Start(ctx)
}

// ScannerConfig returns the configured scanner settings for root.
func (a *App) ScannerConfig(root string) scanner.Config {
	return ScannerConfig(a.Config, root)
}

// Close shuts the queue down within ctx, then closes the hub, the store and
// the backend.
func (a *App) Close(ctx context.Context) error {
	err := a.Queue.Shutdown(ctx)
	a.Hub.Close()
	if cerr := a.Store.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close queue store: %w", cerr))
	}
	if cerr := a.Backend.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close storage: %w", cerr))
	}
	return err
}

// BuildRegistry registers providers in cfg.Providers.Order. The local
// provider is left out when no allowed roots are configured and opts does
// not enable local files.
func BuildRegistry(cfg *config.Config, opts Options, logger *slog.Logger) (*provider.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := provider.GuardedClient(opts.HTTPClient, cfg.Providers.AllowPrivateNetworks)
	registry := provider.NewRegistry()
	for _, name := range cfg.Providers.Order {
		switch name {
		case provider.DriveProviderName:
			dcfg := provider.DriveConfig{
				BaseURL:      cfg.Providers.Drive.BaseURL,
				APIKey:       cfg.Providers.Drive.APIKey(),
				Client:       client,
				ProbeTimeout: cfg.Discovery.ValidationTimeout.Std(),
			}
			if tok := cfg.Providers.Drive.Token(); tok != "" {
				dcfg.Tokens = provider.StaticToken(tok)
			}
			p, err := provider.NewDriveProvider(dcfg, logger)
			if err != nil {
				return nil, err
			}
			registry.Register(p)
		case provider.HTTPProviderName:
			registry.Register(provider.NewHTTPProvider(provider.HTTPConfig{
				Client:               client,
				ProbeTimeout:         cfg.Discovery.ValidationTimeout.Std(),
				AllowPrivateNetworks: cfg.Providers.AllowPrivateNetworks,
			}, logger))
		case provider.LocalProviderName:
			if len(cfg.Providers.AllowedRoots) == 0 && !opts.LocalFiles {
				logger.Info("bootstrap.local.disabled", "reason", "providers.allowed_roots is empty")
				continue
			}
			registry.Register(provider.NewLocalProvider(provider.LocalConfig{
				AllowedRoots: cfg.Providers.AllowedRoots,
				Scanner:      ScannerConfig(cfg, ""),
			}, logger))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return registry, nil
}

// ScannerConfig maps the scanner section onto a scanner.Config for root.
func ScannerConfig(cfg *config.Config, root string) scanner.Config {
	return scanner.Config{
		Root:           root,
		Extensions:     cfg.Scanner.Extensions,
		IgnorePatterns: cfg.Scanner.Ignore,
		MaxFileSize:    cfg.Scanner.MaxFileSize,
		MaxDepth:       cfg.Scanner.MaxDepth,
		FollowSymlinks: cfg.Scanner.FollowSymlinks,
		SkipHashes:     cfg.Scanner.SkipHashes,
	}
}

func openBackend(cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	if cfg.Storage.Memory {
		logger.Warn("bootstrap.storage.memory", "msg", "documents are kept in memory and lost on exit")
		return storage.NewMemoryBackend(), nil
	}
	return storage.NewHTTPBackend(storage.HTTPConfig{
		BaseURL: cfg.Storage.URL,
		Token:   cfg.Storage.Token,
		Timeout: cfg.Storage.Timeout.Std(),
	}, logger)
}

// originChecker allows every origin when allowed is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// InitInfo describes an initialized data directory.
type InitInfo struct {
	DataDir    string
	DBPath     string
	ConfigPath string

	// ConfigCreated is false when an existing config file was kept.
	ConfigCreated bool
}

// InitDataDir prepares the data directory and queue database and writes a
// default config file to configPath unless one exists. It is idempotent.
func InitDataDir(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) (*InitInfo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("bootstrap.init.start", "data_dir", cfg.DataDir, "config", configPath)

	if err := os.MkdirAll(cfg.PendingDir(), 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Opening the store creates the schema.
	store, err := queue.OpenSQLite(ctx, cfg.Queue.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.Close(); err != nil {
		return nil, fmt.Errorf("close queue store: %w", err)
	}

	info := &InitInfo{DataDir: cfg.DataDir, DBPath: cfg.Queue.DBPath, ConfigPath: configPath}
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(configPath, cfg); err != nil {
			return nil, err
		}
		info.ConfigCreated = true
	} else if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	abs, err := filepath.Abs(configPath)
	if err == nil {
		info.ConfigPath = abs
	}

	logger.Info("bootstrap.init.success",
		"data_dir", info.DataDir,
		"config_created", info.ConfigCreated,
	)
	return info, nil
}
