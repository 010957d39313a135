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

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/kraklabs/ingestd/pkg/content"
)

// HTTPProviderName is the registry name of the generic HTTP provider.
const HTTPProviderName = "http"

// maxListingBytes caps how much of a directory listing is read.
const maxListingBytes = 8 << 20

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	// Client defaults to a client without a global timeout; every request
	// carries its own context deadline.
	Client *http.Client

	// ProbeTimeout bounds validation and each listing request.
	ProbeTimeout time.Duration

	// AllowPrivateNetworks permits loopback and private addresses.
	AllowPrivateNetworks bool

	UserAgent string
}

// HTTPProvider ingests single files and autoindex-style directory listings
// from any http(s) server. It claims every http(s) URL and must therefore
// be registered after more specific providers.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

var (
	_ Provider = (*HTTPProvider)(nil)
	_ Fetcher  = (*HTTPProvider)(nil)
)

// NewHTTPProvider creates a generic HTTP provider.
func NewHTTPProvider(cfg HTTPConfig, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ingestd"
	}
	client := GuardedClient(cfg.Client, cfg.AllowPrivateNetworks)
	return &HTTPProvider{cfg: cfg, client: client, logger: logger}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return HTTPProviderName }

// Claims implements Provider.
func (p *HTTPProvider) Claims(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ValidateURL issues a HEAD request (falling back to a one-byte GET when
// HEAD is not allowed) and classifies the target. Folder listings are
// bounded by discovery options and do not require confirmation themselves.
func (p *HTTPProvider) ValidateURL(ctx context.Context, rawURL string) content.ValidationResult {
	if err := ValidateRemoteURL(rawURL, p.cfg.AllowPrivateNetworks); err != nil {
		return content.Invalid(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	resp, err := p.probe(ctx, http.MethodHead, rawURL)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		_ = resp.Body.Close()
		resp, err = p.probe(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		p.logger.Debug("provider.http.validate.unreachable", "url", SanitizeURL(rawURL), "err", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return content.Unreachable(fmt.Sprintf("URL unreachable: no response within %s", p.cfg.ProbeTimeout))
		}
		return content.Unreachable(fmt.Sprintf("URL unreachable: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return content.Invalid(fmt.Sprintf("URL returned HTTP %d", resp.StatusCode))
	}

	if isFolderURL(resp.Request.URL, resp) {
		return content.ValidationResult{Valid: true, Type: content.TypeFolder}
	}

	res := content.ValidationResult{Valid: true, Type: content.TypeFile}
	if resp.ContentLength >= 0 && resp.StatusCode != http.StatusPartialContent {
		res.Size = content.SizeOf(resp.ContentLength)
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		res.LastModified = &lm
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		res.MimeType = mt
	}
	return res
}

func (p *HTTPProvider) probe(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	return p.client.Do(req)
}

// isFolderURL treats a trailing slash, or an HTML answer for a path without
// an extension, as a directory listing.
func isFolderURL(u *url.URL, resp *http.Response) bool {
	if strings.HasSuffix(u.Path, "/") || u.Path == "" {
		return true
	}
	return isHTMLResponse(resp) && path.Ext(u.Path) == ""
}

type dirJob struct {
	url   *url.URL
	rel   string
	depth int
}

// DiscoverFiles walks the listing breadth-first. Each directory is listed by
// racing the JSON manifest against the HTML index; the first one to answer
// wins.
func (p *HTTPProvider) DiscoverFiles(ctx context.Context, rawURL string, opts content.DiscoveryOptions) (*Discovery, error) {
	if err := ValidateRemoteURL(rawURL, p.cfg.AllowPrivateNetworks); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()

	root, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(root.Path, "/") {
		root.Path += "/"
	}
	root.RawQuery = ""
	root.Fragment = ""

	d := &Discovery{}
	queue := []dirJob{{url: root}}
	first := true

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job := queue[0]
		queue = queue[1:]

		entries, err := p.listDir(ctx, job.url)
		if err != nil {
			if first {
				return nil, fmt.Errorf("list %s: %w", SanitizeURL(job.url.String()), err)
			}
			p.logger.Warn("provider.http.discover.subtree_error", "url", SanitizeURL(job.url.String()), "err", err)
			d.skip(job.url.String(), err.Error())
			continue
		}
		first = false

		for _, e := range entries {
			rel := e.Name
			if job.rel != "" {
				rel = job.rel + "/" + e.Name
			}
			if e.IsDir {
				if job.depth+1 >= opts.MaxDepth {
					d.skip(e.URL, "max depth reached")
					continue
				}
				u, err := url.Parse(e.URL)
				if err != nil {
					d.skip(e.URL, err.Error())
					continue
				}
				queue = append(queue, dirJob{url: u, rel: rel, depth: job.depth + 1})
				continue
			}
			if !opts.AllowsExtension(path.Ext(e.Name)) {
				continue
			}
			fd := content.FileDescriptor{
				URL:          e.URL,
				Filename:     e.Name,
				ParentPath:   job.rel,
				Depth:        job.depth,
				Size:         e.Size,
				LastModified: e.ModTime,
				Metadata: map[string]string{
					content.MetaProvider: HTTPProviderName,
				},
			}
			if ext := strings.ToLower(path.Ext(e.Name)); ext != "" {
				fd.Metadata[content.MetaExtension] = ext
			}
			if !d.add(fd, opts.MaxFiles) {
				p.logger.Info("provider.http.discover.truncated", "url", SanitizeURL(rawURL), "max_files", opts.MaxFiles)
				return d, nil
			}
		}
	}

	p.logger.Info("provider.http.discover.complete",
		"url", SanitizeURL(rawURL),
		"files", len(d.Files),
		"skipped", len(d.Skipped),
	)
	return d, nil
}

func (p *HTTPProvider) listDir(ctx context.Context, dir *url.URL) ([]listingEntry, error) {
	manifest := dir.ResolveReference(&url.URL{Path: "index.json"})
	return FirstSuccess[[]listingEntry](ctx,
		func(ctx context.Context) ([]listingEntry, error) { return p.fetchListing(ctx, dir, dir) },
		func(ctx context.Context) ([]listingEntry, error) { return p.fetchListing(ctx, dir, manifest) },
	)
}

// fetchListing GETs target and parses it as a listing of dir.
func (p *HTTPProvider) fetchListing(ctx context.Context, dir, target *url.URL) ([]listingEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.9")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, &StatusError{URL: target.String(), StatusCode: resp.StatusCode}
	}
	switch {
	case isJSONResponse(resp):
		return parseJSONListing(dir, resp.Body)
	case isHTMLResponse(resp):
		return parseHTMLListing(dir, resp.Body)
	default:
		return nil, fmt.Errorf("%s: not a directory listing (%s)", SanitizeURL(target.String()), resp.Header.Get("Content-Type"))
	}
}

// Fetch implements Fetcher with a plain GET.
func (p *HTTPProvider) Fetch(ctx context.Context, fd content.FileDescriptor) (io.ReadCloser, error) {
	if err := ValidateRemoteURL(fd.URL, p.cfg.AllowPrivateNetworks); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fd.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: fd.URL, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}
