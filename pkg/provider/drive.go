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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kraklabs/ingestd/pkg/content"
)

// DriveProviderName is the registry name of the Google Drive provider.
const DriveProviderName = "google-drive"

// DefaultDriveAPI is the Drive v3 REST endpoint.
const DefaultDriveAPI = "https://www.googleapis.com/drive/v3"

const (
	driveFolderMime = "application/vnd.google-apps.folder"
	driveAppsPrefix = "application/vnd.google-apps."
	drivePageSize   = 1000
)

// driveExports maps Google-native document types to the export format and
// the extension given to the exported file.
var driveExports = map[string]struct{ mime, ext string }{
	"application/vnd.google-apps.document":     {"text/plain", ".txt"},
	"application/vnd.google-apps.spreadsheet":  {"text/csv", ".csv"},
	"application/vnd.google-apps.presentation": {"text/plain", ".txt"},
}

var driveIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`/folders/([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`/(?:document|spreadsheets|presentation)/d/([A-Za-z0-9_-]+)`),
}

// TokenSource supplies OAuth access tokens. Obtaining and refreshing
// credentials is the caller's concern.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// DriveConfig configures a DriveProvider.
type DriveConfig struct {
	// BaseURL defaults to DefaultDriveAPI.
	BaseURL string

	// APIKey is sent as the key parameter; enough for publicly shared items.
	APIKey string

	// Tokens, when set, authorizes requests with a bearer token.
	Tokens TokenSource

	Client       *http.Client
	ProbeTimeout time.Duration

	// CacheSize bounds the file metadata cache. 0 selects 1024.
	CacheSize int
}

// driveFile is the subset of the Drive file resource we use.
type driveFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MimeType     string    `json:"mimeType"`
	Size         string    `json:"size"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

type driveList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

// DriveProvider ingests files and folders shared through Google Drive.
// Shared folders can hold arbitrarily many files, so folder validation
// always asks for confirmation.
type DriveProvider struct {
	cfg    DriveConfig
	client *http.Client
	cache  *lru.Cache[string, driveFile]
	logger *slog.Logger
}

var (
	_ Provider = (*DriveProvider)(nil)
	_ Fetcher  = (*DriveProvider)(nil)
)

// NewDriveProvider creates a Google Drive provider.
func NewDriveProvider(cfg DriveConfig, logger *slog.Logger) (*DriveProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDriveAPI
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	cache, err := lru.New[string, driveFile](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create drive metadata cache: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &DriveProvider{cfg: cfg, client: client, cache: cache, logger: logger}, nil
}

// Name implements Provider.
func (p *DriveProvider) Name() string { return DriveProviderName }

// Claims implements Provider.
func (p *DriveProvider) Claims(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "drive.google.com" || host == "docs.google.com"
}

// DriveID extracts the file or folder id from a Drive share URL.
func DriveID(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	for _, re := range driveIDPatterns {
		if m := re.FindStringSubmatch(u.Path); m != nil {
			return m[1], true
		}
	}
	if id := u.Query().Get("id"); id != "" {
		return id, true
	}
	return "", false
}

// ValidateURL implements Provider with a single metadata lookup.
func (p *DriveProvider) ValidateURL(ctx context.Context, rawURL string) content.ValidationResult {
	id, ok := DriveID(rawURL)
	if !ok {
		return content.Invalid("not a Google Drive file or folder link")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	f, err := p.metadata(ctx, id)
	if err != nil {
		var se *StatusError
		switch {
		case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
			return content.Invalid("Drive item not found or not shared")
		case errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden):
			return content.Invalid("access to Drive item denied")
		case errors.As(err, &se):
			return content.Invalid(fmt.Sprintf("Drive API returned HTTP %d", se.StatusCode))
		default:
			p.logger.Debug("provider.drive.validate.unreachable", "id", id, "err", err)
			return content.Unreachable(fmt.Sprintf("Drive API unreachable: %v", err))
		}
	}

	if f.MimeType == driveFolderMime {
		return content.ValidationResult{Valid: true, Type: content.TypeFolder, RequiresConfirmation: true}
	}
	res := content.ValidationResult{
		Valid:        true,
		Type:         content.TypeFile,
		Name:         f.Name,
		MimeType:     f.MimeType,
		LastModified: content.TimeOf(f.ModifiedTime),
	}
	if n, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
		res.Size = content.SizeOf(n)
	}
	return res
}

type driveFolder struct {
	id    string
	rel   string
	depth int
}

// DiscoverFiles walks the folder tree breadth-first.
func (p *DriveProvider) DiscoverFiles(ctx context.Context, rawURL string, opts content.DiscoveryOptions) (*Discovery, error) {
	id, ok := DriveID(rawURL)
	if !ok {
		return nil, fmt.Errorf("not a Google Drive folder link: %s", SanitizeURL(rawURL))
	}
	opts = opts.WithDefaults()

	d := &Discovery{}
	queue := []driveFolder{{id: id}}
	first := true

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		folder := queue[0]
		queue = queue[1:]

		full := false
		err := p.listChildren(ctx, folder.id, func(children []driveFile) bool {
			for _, f := range children {
				rel := f.Name
				if folder.rel != "" {
					rel = folder.rel + "/" + f.Name
				}
				if f.MimeType == driveFolderMime {
					if folder.depth+1 >= opts.MaxDepth {
						d.skip(rel, "max depth reached")
						continue
					}
					queue = append(queue, driveFolder{id: f.ID, rel: rel, depth: folder.depth + 1})
					continue
				}

				fd, ok := p.descriptor(f, folder)
				if !ok {
					d.skip(rel, "unsupported Google Apps type "+f.MimeType)
					continue
				}
				if !opts.AllowsExtension(fd.Extension()) {
					continue
				}
				if !d.add(fd, opts.MaxFiles) {
					full = true
					return false
				}
			}
			return true
		})
		if err != nil {
			if first {
				return nil, fmt.Errorf("list drive folder %s: %w", folder.id, err)
			}
			p.logger.Warn("provider.drive.discover.subtree_error", "folder", folder.id, "path", folder.rel, "err", err)
			d.skip(folder.rel, err.Error())
			continue
		}
		first = false

		if full {
			p.logger.Info("provider.drive.discover.truncated", "folder", id, "max_files", opts.MaxFiles)
			return d, nil
		}
	}

	p.logger.Info("provider.drive.discover.complete", "folder", id, "files", len(d.Files), "skipped", len(d.Skipped))
	return d, nil
}

func (p *DriveProvider) descriptor(f driveFile, parent driveFolder) (content.FileDescriptor, bool) {
	name := f.Name
	meta := map[string]string{
		content.MetaProvider:    DriveProviderName,
		content.MetaDriveFileID: f.ID,
		content.MetaMimeType:    f.MimeType,
	}
	if strings.HasPrefix(f.MimeType, driveAppsPrefix) {
		exp, ok := driveExports[f.MimeType]
		if !ok {
			return content.FileDescriptor{}, false
		}
		if path.Ext(name) == "" {
			name += exp.ext
		}
		meta[content.MetaMimeType] = exp.mime
	}
	if ext := strings.ToLower(path.Ext(name)); ext != "" {
		meta[content.MetaExtension] = ext
	}

	fd := content.FileDescriptor{
		URL:          "https://drive.google.com/file/d/" + f.ID + "/view",
		Filename:     name,
		ParentPath:   parent.rel,
		Depth:        parent.depth,
		LastModified: content.TimeOf(f.ModifiedTime),
		Metadata:     meta,
	}
	if n, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
		fd.Size = content.SizeOf(n)
	}
	return fd, true
}

// Fetch downloads a file's content, exporting Google-native documents.
func (p *DriveProvider) Fetch(ctx context.Context, fd content.FileDescriptor) (io.ReadCloser, error) {
	id := fd.Meta(content.MetaDriveFileID)
	if id == "" {
		var ok bool
		if id, ok = DriveID(fd.URL); !ok {
			return nil, fmt.Errorf("no Drive file id for %s", SanitizeURL(fd.URL))
		}
	}

	f, err := p.metadata(ctx, id)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	endpoint := p.cfg.BaseURL + "/files/" + url.PathEscape(id)
	if exp, ok := driveExports[f.MimeType]; ok {
		endpoint += "/export"
		q.Set("mimeType", exp.mime)
	} else {
		q.Set("alt", "media")
		q.Set("supportsAllDrives", "true")
	}

	resp, err := p.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// metadata returns file metadata, served from the LRU cache when possible.
func (p *DriveProvider) metadata(ctx context.Context, id string) (driveFile, error) {
	if f, ok := p.cache.Get(id); ok {
		return f, nil
	}
	q := url.Values{}
	q.Set("fields", "id,name,mimeType,size,modifiedTime")
	q.Set("supportsAllDrives", "true")

	resp, err := p.get(ctx, p.cfg.BaseURL+"/files/"+url.PathEscape(id), q)
	if err != nil {
		return driveFile{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var f driveFile
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return driveFile{}, fmt.Errorf("decode drive metadata: %w", err)
	}
	p.cache.Add(id, f)
	return f, nil
}

// listChildren pages through a folder and hands every page to visit.
// Paging stops as soon as visit returns false, so a bounded discovery never
// lists more of a large folder than it keeps.
func (p *DriveProvider) listChildren(ctx context.Context, folderID string, visit func([]driveFile) bool) error {
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", strings.ReplaceAll(folderID, "'", `\'`)))
		q.Set("fields", "nextPageToken,files(id,name,mimeType,size,modifiedTime)")
		q.Set("pageSize", strconv.Itoa(drivePageSize))
		q.Set("supportsAllDrives", "true")
		q.Set("includeItemsFromAllDrives", "true")
		q.Set("orderBy", "folder,name")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		listCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		resp, err := p.get(listCtx, p.cfg.BaseURL+"/files", q)
		if err != nil {
			cancel()
			return err
		}
		var page driveList
		err = json.NewDecoder(resp.Body).Decode(&page)
		_ = resp.Body.Close()
		cancel()
		if err != nil {
			return fmt.Errorf("decode drive listing: %w", err)
		}

		for _, f := range page.Files {
			p.cache.Add(f.ID, f)
		}
		if !visit(page.Files) || page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// get performs an authorized GET and turns non-2xx answers into StatusError.
func (p *DriveProvider) get(ctx context.Context, endpoint string, q url.Values) (*http.Response, error) {
	if p.cfg.APIKey != "" {
		q.Set("key", p.cfg.APIKey)
	}
	target := endpoint
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.Tokens != nil {
		tok, err := p.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("drive token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
