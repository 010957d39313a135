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

package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/provider"
	"github.com/kraklabs/ingestd/pkg/queue"
	"github.com/kraklabs/ingestd/pkg/scanner"
)

// Defaults applied by New.
const (
	DefaultConfirmationThreshold = 10
	DefaultSecondsPerFile        = 5.0
	DefaultConcurrency           = 5
)

// ErrNoFiles is returned when a confirmation carries no files.
var ErrNoFiles = queue.ErrNoFiles

// JobQueue is the part of the job queue the orchestrator drives.
type JobQueue interface {
	AddJob(ctx context.Context, files []content.FileDescriptor, opts content.IngestOptions) (string, error)
	GetJobStatus(ctx context.Context, id string) (*queue.JobStatus, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	Shutdown(ctx context.Context) error
}

// Resolver maps a URL to the provider that handles it.
type Resolver interface {
	Get(rawURL string) (provider.Provider, error)
}

// Config tunes the orchestrator. Zero values select the defaults.
type Config struct {
	// ConfirmationThreshold is the folder size above which the user must
	// confirm before a job is created.
	ConfirmationThreshold int

	// SecondsPerFile and Concurrency drive EstimateProcessingTime.
	SecondsPerFile float64
	Concurrency    int

	// DefaultDiscovery fills bounds a request leaves unset.
	DefaultDiscovery content.DiscoveryOptions

	// ValidationTimeout bounds the provider probe.
	ValidationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmationThreshold <= 0 {
		c.ConfirmationThreshold = DefaultConfirmationThreshold
	}
	if c.SecondsPerFile <= 0 {
		c.SecondsPerFile = DefaultSecondsPerFile
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = provider.DefaultProbeTimeout
	}
	return c
}

// Request asks for a URL to be ingested.
type Request struct {
	URL       string                   `json:"url"`
	Discovery content.DiscoveryOptions `json:"discovery"`
	Options   content.IngestOptions    `json:"options"`
	UserID    string                   `json:"user_id,omitempty"`
	SessionID string                   `json:"session_id,omitempty"`

	// SkipConfirmation submits large folders without asking.
	SkipConfirmation bool `json:"skip_confirmation,omitempty"`
}

// LocalRequest asks for a local repository to be scanned and ingested.
type LocalRequest struct {
	Scan             scanner.Config
	Options          content.IngestOptions
	UserID           string
	SessionID        string
	SkipConfirmation bool
}

// Response describes what Ingest did. Exactly one of JobID or
// RequiresConfirmation is set when files were found and validation passed.
type Response struct {
	JobID                string                   `json:"job_id,omitempty"`
	Files                []content.FileDescriptor `json:"files,omitempty"`
	RequiresConfirmation bool                     `json:"requires_confirmation"`
	Validation           content.ValidationResult `json:"validation"`
	Message              string                   `json:"message,omitempty"`
	Provider             string                   `json:"provider,omitempty"`
	EstimatedDuration    time.Duration            `json:"estimated_duration,omitempty"`
	Skipped              []provider.SkippedPath   `json:"skipped,omitempty"`
	SkipReasons          map[string]int           `json:"skip_reasons,omitempty"`
	Truncated            bool                     `json:"truncated,omitempty"`
}

// Orchestrator validates a source, discovers its files, applies the
// confirmation gate and submits jobs.
type Orchestrator struct {
	cfg       Config
	providers Resolver
	queue     JobQueue
	logger    *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config, providers Resolver, q JobQueue, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg.withDefaults(), providers: providers, queue: q, logger: logger}
}

// Ingest validates req.URL and either submits a job or returns the
// discovered files for confirmation. A rejected URL is reported in
// Response.Validation, not as an error.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (*Response, error) {
	p, err := o.providers.Get(req.URL)
	if err != nil {
		if !provider.IsNoProvider(err) {
			return nil, err
		}
		recordRequest(outcomeRejected)
		o.logger.Info("ingest.no_provider", "url", provider.SanitizeURL(req.URL))
		return &Response{Validation: content.Invalid(err.Error()), Message: err.Error()}, nil
	}

	resp := &Response{Provider: p.Name()}
	vctx, cancel := context.WithTimeout(ctx, o.cfg.ValidationTimeout)
	resp.Validation = p.ValidateURL(vctx, req.URL)
	cancel()

	if !resp.Validation.Valid {
		recordRequest(outcomeInvalid)
		resp.Message = "validation failed: " + resp.Validation.Error
		o.logger.Info("ingest.validation_failed",
			"url", provider.SanitizeURL(req.URL),
			"provider", p.Name(),
			"unreachable", resp.Validation.Unreachable,
			"err", resp.Validation.Error,
		)
		return resp, nil
	}

	opts := requestOptions(req.Options, req.UserID, req.SessionID)

	if resp.Validation.Type != content.TypeFolder {
		resp.Files = []content.FileDescriptor{singleFile(req.URL, p.Name(), resp.Validation)}
		return o.submit(ctx, resp, opts)
	}

	start := time.Now()
	d, err := p.DiscoverFiles(ctx, req.URL, o.discoveryOptions(req.Discovery))
	if err != nil {
		recordRequest(outcomeError)
		return nil, fmt.Errorf("discover files: %w", err)
	}
	recordDiscovery(len(d.Files), time.Since(start).Seconds())
	o.logger.Info("ingest.discovered",
		"url", provider.SanitizeURL(req.URL),
		"provider", p.Name(),
		"files", len(d.Files),
		"skipped", len(d.Skipped),
		"truncated", d.Truncated,
	)

	resp.Files = d.Files
	resp.Skipped = d.Skipped
	resp.SkipReasons = d.SkipReasons
	resp.Truncated = d.Truncated
	return o.gate(ctx, resp, resp.Validation.RequiresConfirmation, req.SkipConfirmation, opts)
}

// IngestLocal scans a local repository and applies the same confirmation
// gate as Ingest.
func (o *Orchestrator) IngestLocal(ctx context.Context, req LocalRequest) (*Response, error) {
	s, err := scanner.New(req.Scan, o.logger)
	if err != nil {
		return nil, err
	}
	res, err := s.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.Root(), err)
	}
	recordDiscovery(len(res.Files), res.ScanDuration.Seconds())

	resp := &Response{
		Provider:    provider.LocalProviderName,
		Validation:  content.ValidationResult{Valid: true, Type: content.TypeFolder},
		Files:       res.Files,
		SkipReasons: res.SkipReasons,
	}
	opts := requestOptions(req.Options, req.UserID, req.SessionID)
	return o.gate(ctx, resp, false, req.SkipConfirmation, opts)
}

// ConfirmAndIngest submits files exactly as given. It never validates or
// discovers again.
func (o *Orchestrator) ConfirmAndIngest(ctx context.Context, files []content.FileDescriptor, opts content.IngestOptions) (string, error) {
	if len(files) == 0 {
		return "", ErrNoFiles
	}
	id, err := o.queue.AddJob(ctx, files, opts)
	if err != nil {
		recordRequest(outcomeError)
		return "", err
	}
	recordRequest(outcomeConfirmed)
	o.logger.Info("ingest.confirmed", "job_id", id, "files", len(files))
	return id, nil
}

// GetJobStatus returns the state of a job.
func (o *Orchestrator) GetJobStatus(ctx context.Context, id string) (*queue.JobStatus, error) {
	return o.queue.GetJobStatus(ctx, id)
}

// CancelJob cancels a job. It reports false for jobs already finished.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (bool, error) {
	return o.queue.CancelJob(ctx, id)
}

// Shutdown stops the queue.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.queue.Shutdown(ctx)
}

// EstimateProcessingTime is a rough wall-clock estimate for fileCount files.
func (o *Orchestrator) EstimateProcessingTime(fileCount int) time.Duration {
	return EstimateProcessingTime(fileCount, o.cfg.SecondsPerFile, o.cfg.Concurrency)
}

// EstimateProcessingTime computes fileCount * secondsPerFile / concurrency.
func EstimateProcessingTime(fileCount int, secondsPerFile float64, concurrency int) time.Duration {
	if fileCount <= 0 {
		return 0
	}
	if secondsPerFile <= 0 {
		secondsPerFile = DefaultSecondsPerFile
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sec := float64(fileCount) * secondsPerFile / float64(concurrency)
	return time.Duration(sec * float64(time.Second))
}

// gate returns the files for confirmation when required, otherwise submits.
func (o *Orchestrator) gate(ctx context.Context, resp *Response, force, skip bool, opts content.IngestOptions) (*Response, error) {
	n := len(resp.Files)
	resp.EstimatedDuration = o.EstimateProcessingTime(n)
	if n == 0 {
		recordRequest(outcomeEmpty)
		resp.Message = "no files found"
		return resp, nil
	}
	if !skip && (force || n > o.cfg.ConfirmationThreshold) {
		recordRequest(outcomeConfirmation)
		resp.RequiresConfirmation = true
		resp.Message = fmt.Sprintf("found %d files; confirm to start ingestion", n)
		return resp, nil
	}
	return o.submit(ctx, resp, opts)
}

func (o *Orchestrator) submit(ctx context.Context, resp *Response, opts content.IngestOptions) (*Response, error) {
	id, err := o.queue.AddJob(ctx, resp.Files, opts)
	if err != nil {
		recordRequest(outcomeError)
		return nil, fmt.Errorf("submit job: %w", err)
	}
	recordRequest(outcomeSubmitted)
	resp.JobID = id
	resp.EstimatedDuration = o.EstimateProcessingTime(len(resp.Files))
	resp.Message = fmt.Sprintf("ingesting %d files", len(resp.Files))
	if len(resp.Files) == 1 {
		resp.Message = "ingesting 1 file"
	}
	return resp, nil
}

// discoveryOptions fills bounds the request left unset from the configured
// defaults.
func (o *Orchestrator) discoveryOptions(req content.DiscoveryOptions) content.DiscoveryOptions {
	def := o.cfg.DefaultDiscovery
	if req.MaxDepth <= 0 {
		req.MaxDepth = def.MaxDepth
	}
	if req.MaxFiles <= 0 {
		req.MaxFiles = def.MaxFiles
	}
	if len(req.Extensions) == 0 {
		req.Extensions = def.Extensions
	}
	req.NoRecurse = req.NoRecurse || def.NoRecurse
	return req.WithDefaults()
}

func requestOptions(opts content.IngestOptions, userID, sessionID string) content.IngestOptions {
	if userID != "" {
		opts.UserID = userID
	}
	if sessionID != "" {
		opts.SessionID = sessionID
	}
	return opts
}

// singleFile builds the descriptor of a URL that validated as a file.
func singleFile(rawURL, providerName string, v content.ValidationResult) content.FileDescriptor {
	name := v.Name
	if name != "" {
		name = path.Base(name)
	} else if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" && u.Scheme != "file" {
		name = path.Base(u.Path)
	} else if p, err := provider.LocalPath(rawURL); err == nil {
		name = filepath.Base(p)
	}
	if name == "" || name == "/" || name == "." {
		name = "download"
	}

	meta := map[string]string{content.MetaProvider: providerName}
	if ext := strings.ToLower(path.Ext(name)); ext != "" {
		meta[content.MetaExtension] = ext
	}
	if v.MimeType != "" {
		meta[content.MetaMimeType] = v.MimeType
	}
	if lang := content.LanguageForPath(name); lang != "" {
		meta[content.MetaLanguage] = lang
	}
	return content.FileDescriptor{
		URL:          rawURL,
		Filename:     name,
		Size:         v.Size,
		LastModified: v.LastModified,
		Metadata:     meta,
	}
}
