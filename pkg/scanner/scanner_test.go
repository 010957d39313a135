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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openRecorder records every path opened through the filesystem.
type openRecorder struct {
	afero.Fs
	mu     sync.Mutex
	opened []string
}

func (r *openRecorder) Open(name string) (afero.File, error) {
	r.mu.Lock()
	r.opened = append(r.opened, filepath.ToSlash(name))
	r.mu.Unlock()
	return r.Fs.Open(name)
}

func (r *openRecorder) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opened...)
}

func writeTree(t *testing.T, fsys afero.Fs, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, fsys.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, afero.WriteFile(fsys, p, []byte(body), 0o644))
	}
}

func relPaths(res *ScanResult) []string {
	out := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		out = append(out, f.RelativePath())
	}
	return out
}

func TestScan_IgnoreSources(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/repo", map[string]string{
		"main.go":                  "package main",
		"README.md":                "# readme",
		".gitignore":               "build/\n# comment\n/secret.txt\n*.tmp\n",
		"secret.txt":               "root secret",
		"docs/secret.txt":          "nested, not anchored",
		"build/out.bin":            "binary",
		"notes.tmp":                "scratch",
		"node_modules/pkg/index.js": "module.exports = 1",
		".git/HEAD":                "ref: refs/heads/main",
		"server.log":               "log line",
		".DS_Store":                "meta",
		"gen/skip.pb.go":           "generated",
	})
	rec := &openRecorder{Fs: mem}

	s, err := New(Config{Root: "/repo", Fs: rec, IgnorePatterns: []string{"*.pb.go"}}, nil)
	require.NoError(t, err)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{".gitignore", "README.md", "docs/secret.txt", "main.go"}, relPaths(res))

	for _, p := range rec.paths() {
		for _, banned := range []string{"node_modules", "/.git/", "/build", "server.log", ".DS_Store", "notes.tmp", "skip.pb.go", "/repo/secret.txt"} {
			assert.NotContains(t, p, banned, "ignored entry was opened: %s", p)
		}
	}
	assert.Positive(t, res.SkipReasons[SkipIgnoredDir])
	assert.Positive(t, res.SkipReasons[SkipIgnored])
}

func TestScan_DirectoryOnlyPattern(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/repo", map[string]string{
		".gitignore":       "build/\n\\!draft.md\n",
		"build/out.bin":    "binary",
		"cmd/build":        "#!/bin/sh\necho build\n",
		"cmd/build.go":     "package main",
		"tools/build/x.go": "package build",
		"!draft.md":        "draft",
		"draft.md":         "kept",
	})

	s, err := New(Config{Root: "/repo", Fs: mem, SkipHashes: true}, nil)
	require.NoError(t, err)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{".gitignore", "cmd/build", "cmd/build.go", "draft.md"}, relPaths(res))
}

func TestScan_NegatedPatternReincludes(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{
		"a.log":    "a",
		"keep.log": "keep",
		"x.txt":    "x",
	})
	s, err := New(Config{Root: "/r", Fs: mem, IgnorePatterns: []string{"!keep.log"}}, nil)
	require.NoError(t, err)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"keep.log", "x.txt"}, relPaths(res))
}

func TestScan_SizeAndExtensionFilters(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{
		"small.md": "ok",
		"big.md":   strings.Repeat("x", 100),
		"code.go":  "package x",
		"img.PNG":  "png",
	})
	s, err := New(Config{Root: "/r", Fs: mem, MaxFileSize: 10, Extensions: []string{"md", ".png"}}, nil)
	require.NoError(t, err)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"small.md", "img.PNG"}, relPaths(res))
	assert.Equal(t, 1, res.SkipReasons[SkipTooLarge])
	assert.Equal(t, 1, res.SkipReasons[SkipExtension])
	assert.Equal(t, 4, res.TotalFiles)
	assert.Equal(t, 2, res.SkippedFiles)
}

func TestScan_DedupFirstInTraversalOrderWins(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{
		"a/copy.txt":  "same content",
		"b/copy.txt":  "same content",
		"c/other.txt": "different",
		"z.txt":       "same content",
	})
	s, err := New(Config{Root: "/r", Fs: mem, Concurrency: 3}, nil)
	require.NoError(t, err)

	first, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a/copy.txt", "c/other.txt"}, relPaths(first))
	assert.Equal(t, 2, first.SkipReasons[SkipDuplicate])

	hashes := map[string]bool{}
	for _, f := range first.Files {
		require.Len(t, f.Hash, 64)
		assert.False(t, hashes[f.Hash], "duplicate hash in result")
		hashes[f.Hash] = true
	}

	second, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relPaths(first), relPaths(second))
}

func TestScan_WithoutHashesKeepsDuplicates(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{"a.txt": "x", "b.txt": "x"})
	s, err := New(Config{Root: "/r", Fs: mem, SkipHashes: true}, nil)
	require.NoError(t, err)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Files, 2)
	assert.Empty(t, res.Files[0].Hash)
}

func TestScan_DescriptorFields(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{"pkg/sub/x.go": "package sub"})
	s, err := New(Config{Root: "/r", Fs: mem}, nil)
	require.NoError(t, err)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Files, 1)

	fd := res.Files[0]
	assert.Equal(t, "x.go", fd.Filename)
	assert.Equal(t, "pkg/sub", fd.ParentPath)
	assert.Equal(t, 2, fd.Depth)
	require.NotNil(t, fd.Size)
	assert.Equal(t, int64(len("package sub")), *fd.Size)
	assert.Equal(t, ".go", fd.Metadata["extension"])
	assert.Equal(t, "go", fd.Metadata["language"])
	assert.Equal(t, "local", fd.Metadata["provider"])
	assert.Equal(t, filepath.Join("/r", "pkg", "sub", "x.go"), fd.URL)
}

func TestScan_MaxDepth(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{
		"top.txt":       "0",
		"a/one.txt":     "1",
		"a/b/two.txt":   "2",
		"a/b/c/3.txt":   "3",
	})
	tests := []struct {
		depth int
		want  []string
	}{
		{0, []string{"top.txt", "a/one.txt", "a/b/two.txt", "a/b/c/3.txt"}},
		{1, []string{"top.txt"}},
		{2, []string{"top.txt", "a/one.txt"}},
	}
	for _, tt := range tests {
		s, err := New(Config{Root: "/r", Fs: mem, MaxDepth: tt.depth}, nil)
		require.NoError(t, err)
		res, err := s.Scan(context.Background())
		require.NoError(t, err)
		assert.ElementsMatch(t, tt.want, relPaths(res), "depth %d", tt.depth)
	}
}

func TestNew_InvalidRoot(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{"file.txt": "x"})

	_, err := New(Config{Root: "/missing", Fs: mem}, nil)
	require.ErrorIs(t, err, ErrInvalidRoot)

	_, err = New(Config{Root: "/r/file.txt", Fs: mem}, nil)
	require.ErrorIs(t, err, ErrInvalidRoot)
}

func TestScan_ProgressPerAcceptedFile(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{"a.txt": "1", "b.txt": "22", "c.txt": "1"})

	var got []Progress
	s, err := New(Config{Root: "/r", Fs: mem, OnProgress: func(p Progress) { got = append(got, p) }}, nil)
	require.NoError(t, err)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, got, len(res.Files))
	assert.Equal(t, "a.txt", got[0].Path)
	assert.Equal(t, 2, got[len(got)-1].FilesAccepted)
	assert.Equal(t, int64(3), got[len(got)-1].BytesAccepted)
}

func TestEstimate_MatchesScanWithoutHashing(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{
		"a.go":            "package a",
		"b/c.go":          "package c",
		"node_modules/x":  "x",
		"big.bin":         strings.Repeat("z", 64),
	})
	cfg := Config{Root: "/r", Fs: mem, MaxFileSize: 32}
	s, err := New(cfg, nil)
	require.NoError(t, err)

	est, err := s.Estimate(context.Background())
	require.NoError(t, err)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, len(res.Files), est.FileCount)
	assert.Equal(t, res.TotalSize, est.TotalSize)
	assert.Equal(t, 1, est.SkipReasons[SkipTooLarge])
	assert.Equal(t, 1, est.SkippedFiles)
}

func TestScan_ContextCancelled(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeTree(t, mem, "/r", map[string]string{"a.txt": "1"})
	s, err := New(Config{Root: "/r", Fs: mem}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Scan(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestScan_Symlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.txt"), []byte("real"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "target.txt"), []byte("target"), 0o644))
	if err := os.Symlink(filepath.Join(outside, "target.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	// Cycle back to the root must not loop forever when following.
	require.NoError(t, os.Symlink(root, filepath.Join(root, "loop")))

	s, err := New(Config{Root: root}, nil)
	require.NoError(t, err)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"real.txt"}, relPaths(res))
	assert.Equal(t, 2, res.SkipReasons[SkipSymlink])

	s, err = New(Config{Root: root, FollowSymlinks: true}, nil)
	require.NoError(t, err)
	res, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"link.txt", "real.txt"}, relPaths(res))
}
