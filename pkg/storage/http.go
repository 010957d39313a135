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

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// DefaultRetryDelays are the waits before each retry of a 5xx answer.
var DefaultRetryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	// BaseURL of the document service; documents are POSTed to
	// <BaseURL>/api/documents.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds one request. Defaults to 60s.
	Timeout time.Duration

	// RetryDelays overrides DefaultRetryDelays. An empty, non-nil slice
	// disables retries.
	RetryDelays []time.Duration

	Client *http.Client
}

// HTTPBackend stores documents in a remote document service.
type HTTPBackend struct {
	cfg      HTTPConfig
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend creates a backend for the service at cfg.BaseURL.
func NewHTTPBackend(cfg HTTPConfig, logger *slog.Logger) (*HTTPBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("storage base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{
		cfg:      cfg,
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + "/api/documents",
		client:   client,
		logger:   logger,
	}, nil
}

type storeResponse struct {
	ID string `json:"id"`
}

// Store uploads doc as multipart form data with a "metadata" JSON part and a
// "file" part. Server errors are retried; a service that cannot be reached
// yields ErrUnavailable.
func (b *HTTPBackend) Store(ctx context.Context, doc Document) (string, error) {
	body, contentType, err := encodeDocument(doc)
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		id, retry, err := b.post(ctx, body, contentType)
		if err == nil {
			return id, nil
		}
		if !retry || attempt >= len(b.cfg.RetryDelays) {
			return "", err
		}
		delay := b.cfg.RetryDelays[attempt]
		b.logger.Warn("storage.http.retry",
			"file", doc.Filename,
			"attempt", attempt+1,
			"delay", delay,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

// post performs one upload and reports whether a failure is retryable.
func (b *HTTPBackend) post(ctx context.Context, body []byte, contentType string) (string, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", true, fmt.Errorf("storage request timed out after %s", b.cfg.Timeout)
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", true, fmt.Errorf("storage returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("storage rejected document (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode storage response: %w", err)
	}
	if out.ID == "" {
		return "", false, fmt.Errorf("storage response has no document id")
	}
	return out.ID, false, nil
}

func encodeDocument(doc Document) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	meta, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("encode document metadata: %w", err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="metadata"`)
	h.Set("Content-Type", "application/json")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(meta); err != nil {
		return nil, "", err
	}

	h = make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, doc.Filename))
	ct := doc.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err = w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(doc.Content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Close implements Backend.
func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
