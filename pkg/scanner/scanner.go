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

package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/kraklabs/ingestd/pkg/content"
)

// ErrInvalidRoot is returned when the scan root is missing or not a directory.
var ErrInvalidRoot = errors.New("invalid scan root")

// Defaults.
const (
	DefaultMaxFileSize int64 = 10 * 1024 * 1024
	DefaultConcurrency       = 4
)

// Skip reasons recorded in SkipReasons.
const (
	SkipIgnored    = "ignored"
	SkipTooLarge   = "too_large"
	SkipExtension  = "extension"
	SkipDuplicate  = "duplicate"
	SkipSymlink    = "symlink"
	SkipUnreadable = "unreadable"

	// Directory-level reasons; not counted in SkippedFiles.
	SkipIgnoredDir    = "ignored_dir"
	SkipUnreadableDir = "unreadable_dir"
	SkipDepth         = "depth_limit"
)

func isDirReason(reason string) bool {
	return reason == SkipIgnoredDir || reason == SkipUnreadableDir || reason == SkipDepth
}

// Progress is reported once per accepted file, in traversal order.
type Progress struct {
	Path          string
	FilesAccepted int
	BytesAccepted int64
}

// Config controls a scan. The zero value of every field except Root selects
// the documented default.
type Config struct {
	Root string

	// Extensions is an allow-list ("go", ".md"); empty accepts everything.
	Extensions []string

	// IgnorePatterns are gitignore-style patterns added to the built-ins and
	// to the root's .gitignore.
	IgnorePatterns []string

	// MaxFileSize skips larger files. 0 selects DefaultMaxFileSize, < 0 disables.
	MaxFileSize int64

	// MaxDepth limits how many directory levels are visited; entries directly
	// under the root are level 0. 0 means unbounded.
	MaxDepth int

	FollowSymlinks bool

	// SkipHashes disables content hashing and with it deduplication.
	SkipHashes bool

	// Concurrency bounds parallel hashing. 0 selects DefaultConcurrency.
	Concurrency int

	// DisableBuiltinIgnores turns off BuiltinIgnores.
	DisableBuiltinIgnores bool

	// Fs defaults to the OS filesystem.
	Fs afero.Fs

	OnProgress func(Progress)
}

// ComputeHashes reports whether content hashes are computed.
func (c Config) ComputeHashes() bool { return !c.SkipHashes }

// ScanResult is the output of Scan.
type ScanResult struct {
	RootPath     string                   `json:"root_path"`
	Files        []content.FileDescriptor `json:"files"`
	TotalFiles   int                      `json:"total_files"`
	SkippedFiles int                      `json:"skipped_files"`
	SkipReasons  map[string]int           `json:"skip_reasons"`
	TotalSize    int64                    `json:"total_size"`
	ScanDuration time.Duration            `json:"scan_duration"`
}

// Estimate is the output of Estimate: counts without descriptors or hashes.
type Estimate struct {
	RootPath     string         `json:"root_path"`
	FileCount    int            `json:"file_count"`
	TotalSize    int64          `json:"total_size"`
	SkippedFiles int            `json:"skipped_files"`
	SkipReasons  map[string]int `json:"skip_reasons"`
	Duration     time.Duration  `json:"duration"`
}

// Scanner walks a local tree and produces file descriptors.
type Scanner struct {
	cfg     Config
	fs      afero.Fs
	logger  *slog.Logger
	root    string
	matcher *Matcher
}

// New validates the configuration and prepares a scanner. The root is
// checked here so that a bad root fails before any traversal.
func New(cfg Config, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsys := cfg.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	root := cfg.Root
	if _, ok := fsys.(*afero.OsFs); ok {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %q: %v", ErrInvalidRoot, cfg.Root, err)
		}
		root = abs
	}
	root = filepath.Clean(root)

	info, err := fsys.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}

	var patterns []string
	if !cfg.DisableBuiltinIgnores {
		patterns = append(patterns, BuiltinIgnores...)
	}
	if data, err := afero.ReadFile(fsys, filepath.Join(root, IgnoreFileName)); err == nil {
		patterns = append(patterns, ParseIgnoreFile(data)...)
	} else if !os.IsNotExist(err) {
		logger.Warn("scanner.ignore_file.read_error", "root", root, "err", err)
	}
	patterns = append(patterns, cfg.IgnorePatterns...)

	matcher, err := NewMatcher(patterns)
	if err != nil {
		return nil, err
	}

	return &Scanner{cfg: cfg, fs: fsys, logger: logger, root: root, matcher: matcher}, nil
}

// Root returns the resolved scan root.
func (s *Scanner) Root() string { return s.root }

// candidate is a file that passed every filter except deduplication.
type candidate struct {
	abs   string
	rel   string
	depth int
	info  os.FileInfo
}

// walkStats collects counters shared by Scan and Estimate.
type walkStats struct {
	total       int
	skipReasons map[string]int
}

func (w *walkStats) skipFile(reason string) {
	w.total++
	w.skipReasons[reason]++
}

func (w *walkStats) skippedFiles() int {
	n := 0
	for reason, count := range w.skipReasons {
		if !isDirReason(reason) {
			n += count
		}
	}
	return n
}

// Scan walks the tree and returns descriptors for every accepted file.
// When hashing is enabled, the first file with a given digest in traversal
// order is kept and later duplicates are dropped.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	start := time.Now()
	s.logger.Info("scanner.scan.start", "root", s.root, "hashes", s.cfg.ComputeHashes())

	stats := &walkStats{skipReasons: make(map[string]int)}
	var cands []candidate
	err := s.walk(ctx, stats, func(c candidate) {
		cands = append(cands, c)
	})
	if err != nil {
		return nil, err
	}

	result := &ScanResult{
		RootPath:    s.root,
		Files:       make([]content.FileDescriptor, 0, len(cands)),
		SkipReasons: stats.skipReasons,
	}

	accept := func(c candidate, hash string) {
		fd := s.descriptor(c, hash)
		result.Files = append(result.Files, fd)
		result.TotalSize += c.info.Size()
		if s.cfg.OnProgress != nil {
			s.cfg.OnProgress(Progress{
				Path:          c.rel,
				FilesAccepted: len(result.Files),
				BytesAccepted: result.TotalSize,
			})
		}
	}

	if s.cfg.ComputeHashes() {
		if err := s.hashAndDedup(ctx, cands, stats, accept); err != nil {
			return nil, err
		}
	} else {
		for _, c := range cands {
			accept(c, "")
		}
	}

	result.TotalFiles = stats.total
	result.SkippedFiles = stats.skippedFiles()
	result.ScanDuration = time.Since(start)

	s.logger.Info("scanner.scan.complete",
		"root", s.root,
		"files", len(result.Files),
		"skipped", result.SkippedFiles,
		"total_size", result.TotalSize,
		"duration", result.ScanDuration,
	)
	return result, nil
}

// Estimate runs the same traversal and filters as Scan without hashing.
func (s *Scanner) Estimate(ctx context.Context) (*Estimate, error) {
	start := time.Now()
	stats := &walkStats{skipReasons: make(map[string]int)}
	est := &Estimate{RootPath: s.root, SkipReasons: stats.skipReasons}

	err := s.walk(ctx, stats, func(c candidate) {
		est.FileCount++
		est.TotalSize += c.info.Size()
	})
	if err != nil {
		return nil, err
	}
	est.SkippedFiles = stats.skippedFiles()
	est.Duration = time.Since(start)
	s.logger.Debug("scanner.estimate.complete", "root", s.root, "files", est.FileCount, "total_size", est.TotalSize)
	return est, nil
}

// walk visits the tree depth-first with entries sorted by name, calling emit
// for every file that passes the ignore, symlink, size and extension filters.
func (s *Scanner) walk(ctx context.Context, stats *walkStats, emit func(candidate)) error {
	visited := make(map[string]bool)
	if rp, err := s.realPath(s.root); err == nil {
		visited[rp] = true
	}
	return s.walkDir(ctx, s.root, "", 0, visited, stats, emit)
}

func (s *Scanner) walkDir(ctx context.Context, dir, relDir string, depth int, visited map[string]bool, stats *walkStats, emit func(candidate)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		s.logger.Warn("scanner.walk.dir_error", "path", dir, "err", err)
		stats.skipReasons[SkipUnreadableDir]++
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := entry.Name()
		rel := name
		if relDir != "" {
			rel = path.Join(relDir, name)
		}
		abs := filepath.Join(dir, name)

		if s.matcher.Ignored(rel, entry.IsDir()) {
			if entry.IsDir() {
				stats.skipReasons[SkipIgnoredDir]++
			} else {
				stats.skipFile(SkipIgnored)
			}
			continue
		}

		info := entry
		if entry.Mode()&os.ModeSymlink != 0 {
			if !s.cfg.FollowSymlinks {
				stats.skipFile(SkipSymlink)
				continue
			}
			target, err := s.fs.Stat(abs)
			if err != nil {
				s.logger.Debug("scanner.walk.broken_symlink", "path", rel, "err", err)
				stats.skipFile(SkipUnreadable)
				continue
			}
			info = target
		}

		if info.IsDir() {
			if s.cfg.MaxDepth > 0 && depth+1 >= s.cfg.MaxDepth {
				stats.skipReasons[SkipDepth]++
				continue
			}
			rp, err := s.realPath(abs)
			if err != nil {
				stats.skipReasons[SkipUnreadableDir]++
				continue
			}
			if visited[rp] {
				s.logger.Debug("scanner.walk.symlink_cycle", "path", rel)
				continue
			}
			visited[rp] = true
			if err := s.walkDir(ctx, abs, rel, depth+1, visited, stats, emit); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() {
			continue
		}

		if s.cfg.MaxFileSize > 0 && info.Size() > s.cfg.MaxFileSize {
			stats.skipFile(SkipTooLarge)
			s.logger.Warn("scanner.walk.skip_large_file",
				"path", rel,
				"size", info.Size(),
				"limit", s.cfg.MaxFileSize,
			)
			continue
		}

		if len(s.cfg.Extensions) > 0 && !content.MatchExtension(s.cfg.Extensions, filepath.Ext(name)) {
			stats.skipFile(SkipExtension)
			continue
		}

		stats.total++
		emit(candidate{abs: abs, rel: rel, depth: depth, info: info})
	}
	return nil
}

// realPath resolves symlinks on the OS filesystem; other filesystems have
// no links so the cleaned path is already canonical.
func (s *Scanner) realPath(p string) (string, error) {
	if _, ok := s.fs.(*afero.OsFs); ok {
		return filepath.EvalSymlinks(p)
	}
	return filepath.Clean(p), nil
}

func (s *Scanner) descriptor(c candidate, hash string) content.FileDescriptor {
	parent := path.Dir(c.rel)
	if parent == "." {
		parent = ""
	}
	ext := strings.ToLower(filepath.Ext(c.info.Name()))
	meta := map[string]string{
		content.MetaAbsolutePath: c.abs,
		content.MetaProvider:     "local",
	}
	if ext != "" {
		meta[content.MetaExtension] = ext
	}
	if lang := content.LanguageForPath(c.rel); lang != "" {
		meta[content.MetaLanguage] = lang
	}
	return content.FileDescriptor{
		URL:          c.abs,
		Filename:     path.Base(c.rel),
		ParentPath:   parent,
		Depth:        c.depth,
		Size:         content.SizeOf(c.info.Size()),
		LastModified: content.TimeOf(c.info.ModTime()),
		Hash:         hash,
		Metadata:     meta,
	}
}
