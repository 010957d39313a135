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

package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INGESTD_DATA_DIR", "/var/lib/ingestd")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ingestd", cfg.DataDir)
	assert.Equal(t, "/var/lib/ingestd/queue.db", cfg.Queue.DBPath)
	assert.Equal(t, "/var/lib/ingestd/pending", cfg.PendingDir())
	assert.Equal(t, 5, cfg.Queue.Concurrency)
	assert.Equal(t, 10, cfg.Orchestrator.ConfirmationThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Queue.FileTimeout.Std())
	assert.Equal(t, 5, cfg.Queue.FetchAttempts)
	assert.Equal(t, time.Second, cfg.Queue.RetryBackoff.Std())
	assert.Equal(t, 32*time.Second, cfg.Queue.MaxRetryBackoff.Std())
	assert.Equal(t, []string{"google-drive", "http", "local"}, cfg.Providers.Order)
	assert.Empty(t, cfg.Providers.AllowedRoots)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/ingestd-test
queue:
  concurrency: 8
  file_timeout: 90s
orchestrator:
  confirmation_threshold: 25
providers:
  order: [http, local]
storage:
  memory: true
  url: ""
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Queue.FileTimeout.Std())
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Queue.ShutdownGrace.Std())
	assert.Equal(t, 25, cfg.Orchestrator.ConfirmationThreshold)
	assert.Equal(t, []string{"http", "local"}, cfg.Providers.Order)
	assert.True(t, cfg.Storage.Memory)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "queue:\n  concurrency: 8\n")
	t.Setenv("INGESTD_QUEUE_CONCURRENCY", "3")
	t.Setenv("INGESTD_STORAGE_URL", "http://storage:9000")
	t.Setenv("INGESTD_PROVIDERS", "local, http")
	t.Setenv("INGESTD_STORAGE_MEMORY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.Concurrency)
	assert.Equal(t, "http://storage:9000", cfg.Storage.URL)
	assert.Equal(t, []string{"local", "http"}, cfg.Providers.Order)
	assert.True(t, cfg.Storage.Memory)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		env     map[string]string
		wantErr string
	}{
		{name: "bad yaml", body: "queue: [", wantErr: "parse"},
		{name: "bad duration", body: "queue:\n  file_timeout: soon\n", wantErr: "invalid duration"},
		{name: "unknown provider", body: "providers:\n  order: [ftp]\n", wantErr: `unknown provider "ftp"`},
		{name: "duplicate provider", body: "providers:\n  order: [http, http]\n", wantErr: "listed twice"},
		{name: "concurrency", body: "queue:\n  concurrency: 0\n", wantErr: "queue.concurrency"},
		{name: "fetch attempts", body: "queue:\n  fetch_attempts: 0\n", wantErr: "queue.fetch_attempts"},
		{name: "retry backoff", body: "queue:\n  retry_backoff: 1m\n", wantErr: "queue.max_retry_backoff"},
		{name: "log level", body: "logging:\n  level: loud\n", wantErr: "unknown level"},
		{name: "storage url", body: "storage:\n  url: \"\"\n", wantErr: "storage.url is required"},
		{name: "env int", body: "", env: map[string]string{"INGESTD_QUEUE_CONCURRENCY": "many"}, wantErr: "INGESTD_QUEUE_CONCURRENCY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")

	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Queue.Concurrency)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DirName, FileName)
	cfg := Default()
	cfg.DataDir = "/data"
	cfg.Queue.FileTimeout = Duration(2 * time.Minute)

	require.NoError(t, Save(path, &cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file_timeout: 2m0s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, loaded.Queue.FileTimeout.Std())
	assert.Equal(t, "/data", loaded.DataDir)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var text, js bytes.Buffer
	logger := SetupLoggerWithWriters(&text, &js, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("queue.job.started", "job_id", "j1")

	assert.NotContains(t, text.String(), "hidden")
	assert.Contains(t, text.String(), "queue.job.started")
	assert.Contains(t, js.String(), `"job_id":"j1"`)
}

func TestSetupLogger_File(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "ingestd.log")
	logger, closeFn := SetupLogger(LoggingConfig{Level: "warn", File: file}, false)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.NotContains(t, string(data), "dropped")
}
