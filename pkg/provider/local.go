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
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/scanner"
)

// LocalProviderName is the registry name of the local filesystem provider.
const LocalProviderName = "local"

// sensitiveDirs are never scanned or read.
var sensitiveDirs = []string{"/etc", "/sys", "/proc", "/dev", "/boot"}

// LocalConfig configures a LocalProvider.
type LocalConfig struct {
	// Fs defaults to the OS filesystem.
	Fs afero.Fs

	// AllowedRoots restricts access to these directories when non-empty.
	AllowedRoots []string

	// Scanner settings applied to every discovery. Root, Extensions and
	// MaxDepth are taken from the request.
	Scanner scanner.Config
}

// LocalProvider exposes local files and repository trees through the
// provider contract, using the RepositoryScanner for discovery.
type LocalProvider struct {
	cfg    LocalConfig
	fs     afero.Fs
	osFs   bool
	roots  []string
	logger *slog.Logger
}

var (
	_ Provider = (*LocalProvider)(nil)
	_ Fetcher  = (*LocalProvider)(nil)
)

// NewLocalProvider creates a local provider.
func NewLocalProvider(cfg LocalConfig, logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	fsys := cfg.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	_, osFs := fsys.(*afero.OsFs)
	return &LocalProvider{
		cfg:    cfg,
		fs:     fsys,
		osFs:   osFs,
		roots:  allowedRoots(cfg.AllowedRoots, osFs),
		logger: logger,
	}
}

// Name implements Provider.
func (p *LocalProvider) Name() string { return LocalProviderName }

// Claims accepts file:// URLs and absolute paths.
func (p *LocalProvider) Claims(rawURL string) bool {
	if strings.HasPrefix(rawURL, "file://") {
		return true
	}
	return filepath.IsAbs(rawURL)
}

// LocalPath converts a file:// URL or absolute path into a clean path.
func LocalPath(rawURL string) (string, error) {
	if strings.HasPrefix(rawURL, "file://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("invalid file URL: %w", err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return "", fmt.Errorf("file URL must not name a remote host")
		}
		rawURL = u.Path
	}
	if !filepath.IsAbs(rawURL) {
		return "", fmt.Errorf("path must be absolute: %s", rawURL)
	}
	return filepath.Clean(rawURL), nil
}

// checkPath rejects sensitive system directories and, when configured,
// anything outside AllowedRoots. The check is lexical; resolve repeats it on
// the target of any symlink.
func (p *LocalProvider) checkPath(path string) error {
	if path == "/" {
		return fmt.Errorf("path is the filesystem root, which is not allowed")
	}
	for _, sensitive := range sensitiveDirs {
		if path == sensitive || strings.HasPrefix(path, sensitive+"/") {
			return fmt.Errorf("path is in sensitive system directory: %s", path)
		}
	}
	if len(p.roots) == 0 {
		return nil
	}
	for _, root := range p.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path is outside the allowed roots: %s", path)
}

// resolve converts rawURL into a path that passes checkPath both as written
// and, on the OS filesystem, after symlinks are evaluated. A path that does
// not exist yet is only checked lexically.
func (p *LocalProvider) resolve(rawURL string) (string, error) {
	path, err := LocalPath(rawURL)
	if err != nil {
		return "", err
	}
	if err := p.checkPath(path); err != nil {
		return "", err
	}
	if !p.osFs {
		return path, nil
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if target != path {
		if err := p.checkPath(target); err != nil {
			return "", fmt.Errorf("symlink target rejected: %w", err)
		}
	}
	return path, nil
}

// allowedRoots cleans the configured roots and, on the OS filesystem, adds
// their symlink-free form so that evaluated paths still match.
func allowedRoots(roots []string, osFs bool) []string {
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		root = filepath.Clean(root)
		out = append(out, root)
		if !osFs {
			continue
		}
		if target, err := filepath.EvalSymlinks(root); err == nil && target != root {
			out = append(out, target)
		}
	}
	return out
}

// ValidateURL stats the path. Local trees are bounded by the scanner, so a
// folder does not require confirmation by itself.
func (p *LocalProvider) ValidateURL(_ context.Context, rawURL string) content.ValidationResult {
	path, err := p.resolve(rawURL)
	if err != nil {
		return content.Invalid(err.Error())
	}
	info, err := p.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return content.Invalid("path does not exist")
		}
		return content.Invalid(fmt.Sprintf("cannot access path: %v", err))
	}
	if info.IsDir() {
		return content.ValidationResult{Valid: true, Type: content.TypeFolder}
	}
	if !info.Mode().IsRegular() {
		return content.Invalid("path is not a regular file or directory")
	}
	return content.ValidationResult{
		Valid:        true,
		Type:         content.TypeFile,
		Size:         content.SizeOf(info.Size()),
		LastModified: content.TimeOf(info.ModTime()),
	}
}

// DiscoverFiles scans the directory and truncates at MaxFiles.
func (p *LocalProvider) DiscoverFiles(ctx context.Context, rawURL string, opts content.DiscoveryOptions) (*Discovery, error) {
	path, err := p.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()

	cfg := p.cfg.Scanner
	cfg.Root = path
	cfg.Fs = p.fs
	cfg.MaxDepth = opts.MaxDepth
	if len(opts.Extensions) > 0 {
		cfg.Extensions = opts.Extensions
	}

	s, err := scanner.New(cfg, p.logger)
	if err != nil {
		return nil, err
	}
	res, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}

	d := &Discovery{SkipReasons: res.SkipReasons}
	for _, fd := range res.Files {
		fd.Metadata[content.MetaProvider] = LocalProviderName
		if !d.add(fd, opts.MaxFiles) {
			break
		}
	}
	return d, nil
}

// Fetch opens the file for reading.
func (p *LocalProvider) Fetch(_ context.Context, fd content.FileDescriptor) (io.ReadCloser, error) {
	target := fd.Meta(content.MetaAbsolutePath)
	if target == "" {
		target = fd.URL
	}
	path, err := p.resolve(target)
	if err != nil {
		return nil, err
	}
	return p.fs.Open(path)
}
