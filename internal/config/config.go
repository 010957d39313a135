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

// Package config loads ingestd configuration from .ingestd/config.yaml and
// INGESTD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/ingestd/pkg/provider"
)

// DirName is the per-project configuration directory.
const DirName = ".ingestd"

// FileName is the configuration file inside DirName.
const FileName = "config.yaml"

// Duration is a time.Duration written as "30s" or "5m" in YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// Config is the complete ingestd configuration.
type Config struct {
	// DataDir holds the queue database and pending confirmations.
	DataDir string `yaml:"data_dir"`

	Queue        QueueConfig        `yaml:"queue"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Scanner      ScannerConfig      `yaml:"scanner"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Storage      StorageConfig      `yaml:"storage"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// QueueConfig tunes the job queue.
type QueueConfig struct {
	Concurrency       int      `yaml:"concurrency"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	FileTimeout       Duration `yaml:"file_timeout"`
	ShutdownGrace     Duration `yaml:"shutdown_grace"`
	Retention         Duration `yaml:"retention"`

	// FetchAttempts is how often a file is fetched before a transient
	// error fails it. Waits double from RetryBackoff up to MaxRetryBackoff.
	FetchAttempts   int      `yaml:"fetch_attempts"`
	RetryBackoff    Duration `yaml:"retry_backoff"`
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"`

	// DBPath defaults to <data_dir>/queue.db.
	DBPath string `yaml:"db_path,omitempty"`
}

// OrchestratorConfig tunes the confirmation gate and estimates.
type OrchestratorConfig struct {
	ConfirmationThreshold int     `yaml:"confirmation_threshold"`
	SecondsPerFile        float64 `yaml:"seconds_per_file"`
}

// DiscoveryConfig holds default folder discovery bounds.
type DiscoveryConfig struct {
	MaxDepth          int      `yaml:"max_depth"`
	MaxFiles          int      `yaml:"max_files"`
	ValidationTimeout Duration `yaml:"validation_timeout"`
}

// ScannerConfig configures local repository scans.
type ScannerConfig struct {
	MaxFileSize    int64    `yaml:"max_file_size"`
	MaxDepth       int      `yaml:"max_depth"`
	Extensions     []string `yaml:"extensions,omitempty"`
	Ignore         []string `yaml:"ignore,omitempty"`
	FollowSymlinks bool     `yaml:"follow_symlinks"`
	SkipHashes     bool     `yaml:"skip_hashes"`
}

// ProvidersConfig selects and configures content providers.
type ProvidersConfig struct {
	// Order is the registration order, most specific first.
	Order []string `yaml:"order"`

	AllowPrivateNetworks bool `yaml:"allow_private_networks"`

	// AllowedRoots restricts the local provider when non-empty.
	AllowedRoots []string `yaml:"allowed_roots,omitempty"`

	Drive DriveConfig `yaml:"drive"`
}

// DriveConfig configures the Google Drive provider. Secrets are read from
// the environment variables named here, never from the file itself.
type DriveConfig struct {
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env"`
	TokenEnv  string `yaml:"token_env"`
}

// APIKey returns the Drive API key from the environment.
func (d DriveConfig) APIKey() string { return os.Getenv(d.APIKeyEnv) }

// Token returns the Drive OAuth token from the environment.
func (d DriveConfig) Token() string { return os.Getenv(d.TokenEnv) }

// StorageConfig points at the document storage service.
type StorageConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"token,omitempty"`
	Timeout Duration `yaml:"timeout"`

	// Memory keeps documents in process; for dry runs and local testing.
	Memory bool `yaml:"memory"`
}

// ServerConfig configures `ingestd serve`.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level string `yaml:"level"`

	// File, when set, receives JSON logs in addition to stderr.
	File string `yaml:"file,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: filepath.Join("~", DirName),
		Queue: QueueConfig{
			Concurrency:       5,
			MaxConcurrentJobs: 4,
			FileTimeout:       Duration(5 * time.Minute),
			ShutdownGrace:     Duration(30 * time.Second),
			Retention:         Duration(7 * 24 * time.Hour),
			FetchAttempts:     5,
			RetryBackoff:      Duration(time.Second),
			MaxRetryBackoff:   Duration(32 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			ConfirmationThreshold: 10,
			SecondsPerFile:        5,
		},
		Discovery: DiscoveryConfig{
			MaxDepth:          10,
			MaxFiles:          1000,
			ValidationTimeout: Duration(5 * time.Second),
		},
		Scanner: ScannerConfig{
			MaxFileSize: 10 << 20,
			MaxDepth:    0,
		},
		Providers: ProvidersConfig{
			Order: []string{provider.DriveProviderName, provider.HTTPProviderName, provider.LocalProviderName},
			Drive: DriveConfig{
				APIKeyEnv: "GOOGLE_DRIVE_API_KEY",
				TokenEnv:  "GOOGLE_DRIVE_TOKEN",
			},
		},
		Storage: StorageConfig{
			URL:     "http://localhost:8000",
			Timeout: Duration(60 * time.Second),
		},
		Server:  ServerConfig{Addr: ":8080"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultPath returns ./.ingestd/config.yaml.
func DefaultPath() string {
	return filepath.Join(DirName, FileName)
}

// Load reads the configuration at path over the defaults, then applies
// environment overrides and validates the result. An empty path uses
// DefaultPath and tolerates its absence.
func Load(path string) (*Config, error) {
	return load(path, path == "")
}

// LoadOptional is Load for a path that may not exist yet, as when init is
// about to create it.
func LoadOptional(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, optional bool) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && optional:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DataDir = getEnv("INGESTD_DATA_DIR", c.DataDir)
	c.Storage.URL = getEnv("INGESTD_STORAGE_URL", c.Storage.URL)
	c.Storage.Token = getEnv("INGESTD_STORAGE_TOKEN", c.Storage.Token)
	c.Server.Addr = getEnv("INGESTD_SERVER_ADDR", c.Server.Addr)
	c.Logging.Level = getEnv("INGESTD_LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("INGESTD_LOG_FILE", c.Logging.File)

	if v := os.Getenv("INGESTD_STORAGE_MEMORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("INGESTD_STORAGE_MEMORY: %w", err)
		}
		c.Storage.Memory = b
	}
	if v := os.Getenv("INGESTD_PROVIDERS"); v != "" {
		c.Providers.Order = splitList(v)
	}

	var err error
	if c.Queue.Concurrency, err = getEnvInt("INGESTD_QUEUE_CONCURRENCY", c.Queue.Concurrency); err != nil {
		return err
	}
	if c.Orchestrator.ConfirmationThreshold, err = getEnvInt("INGESTD_CONFIRMATION_THRESHOLD", c.Orchestrator.ConfirmationThreshold); err != nil {
		return err
	}
	return nil
}

// resolvePaths expands ~ and fills derived paths.
func (c *Config) resolvePaths() error {
	var err error
	if c.DataDir, err = expandHome(c.DataDir); err != nil {
		return err
	}
	if c.Queue.DBPath == "" {
		c.Queue.DBPath = filepath.Join(c.DataDir, "queue.db")
	} else if c.Queue.DBPath != ":memory:" {
		if c.Queue.DBPath, err = expandHome(c.Queue.DBPath); err != nil {
			return err
		}
	}
	if c.Logging.File != "" {
		if c.Logging.File, err = expandHome(c.Logging.File); err != nil {
			return err
		}
	}
	return nil
}

// PendingDir is where unconfirmed discoveries are kept between commands.
func (c *Config) PendingDir() string {
	return filepath.Join(c.DataDir, "pending")
}

// Validate checks ranges and provider names.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Queue.Concurrency >= 1 && c.Queue.Concurrency <= 64, "queue.concurrency must be between 1 and 64, got %d", c.Queue.Concurrency)
	check(c.Queue.MaxConcurrentJobs >= 1, "queue.max_concurrent_jobs must be at least 1, got %d", c.Queue.MaxConcurrentJobs)
	check(c.Queue.FileTimeout > 0, "queue.file_timeout must be positive")
	check(c.Queue.ShutdownGrace >= 0, "queue.shutdown_grace must not be negative")
	check(c.Queue.FetchAttempts >= 1 && c.Queue.FetchAttempts <= 10, "queue.fetch_attempts must be between 1 and 10, got %d", c.Queue.FetchAttempts)
	check(c.Queue.RetryBackoff >= 0, "queue.retry_backoff must not be negative")
	check(c.Queue.MaxRetryBackoff >= c.Queue.RetryBackoff, "queue.max_retry_backoff must not be below queue.retry_backoff")
	check(c.Orchestrator.ConfirmationThreshold >= 1, "orchestrator.confirmation_threshold must be at least 1, got %d", c.Orchestrator.ConfirmationThreshold)
	check(c.Orchestrator.SecondsPerFile > 0, "orchestrator.seconds_per_file must be positive")
	check(c.Discovery.MaxDepth >= 0, "discovery.max_depth must not be negative")
	check(c.Discovery.MaxFiles >= 0, "discovery.max_files must not be negative")
	check(c.Scanner.MaxDepth >= 0, "scanner.max_depth must not be negative")
	check(c.Storage.Memory || c.Storage.URL != "", "storage.url is required unless storage.memory is set")

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	check(len(c.Providers.Order) > 0, "providers.order must name at least one provider")
	seen := map[string]bool{}
	for _, name := range c.Providers.Order {
		switch name {
		case provider.DriveProviderName, provider.HTTPProviderName, provider.LocalProviderName:
		default:
			errs = append(errs, fmt.Errorf("providers.order: unknown provider %q", name))
		}
		check(!seen[name], "providers.order: %q listed twice", name)
		seen[name] = true
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
