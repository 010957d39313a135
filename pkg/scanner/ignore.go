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
	"bufio"
	"bytes"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
)

// BuiltinIgnores are always excluded: version-control metadata, dependency
// caches, OS metadata files and logs.
var BuiltinIgnores = []string{
	".git",
	".svn",
	".hg",
	"node_modules",
	"vendor",
	".venv",
	"venv",
	"__pycache__",
	".cache",
	".idea",
	".vscode",
	".DS_Store",
	"Thumbs.db",
	"*.log",
	"logs",
}

// IgnoreFileName is read from the scan root when present.
const IgnoreFileName = ".gitignore"

// Matcher decides whether a root-relative path is ignored.
type Matcher struct {
	rules    []ignoreRule
	patterns []string
}

// ignoreRule is one compiled pattern. Rules written with a trailing slash
// only match directories.
type ignoreRule struct {
	pm      *patternmatcher.PatternMatcher
	negate  bool
	dirOnly bool
}

// match reports whether relPath or one of its parent directories matches.
func (r ignoreRule) match(relPath string, isDir bool) bool {
	target := relPath
	if r.dirOnly && !isDir {
		target = path.Dir(relPath)
		if target == "." {
			return false
		}
	}
	ok, err := r.pm.MatchesOrParentMatches(target)
	return err == nil && ok
}

// NewMatcher compiles gitignore-style patterns. Patterns are evaluated in
// order so a later "!pattern" re-includes what an earlier one excluded.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		t, dirOnly := translateGitignore(p)
		if t == "" {
			continue
		}
		negate := strings.HasPrefix(t, "!")
		pm, err := patternmatcher.New([]string{strings.TrimPrefix(t, "!")})
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", p, err)
		}
		// Patterns compile lazily on first use; do it now so that matching
		// never writes to the matcher.
		if _, err := pm.MatchesOrParentMatches("."); err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", p, err)
		}
		m.rules = append(m.rules, ignoreRule{pm: pm, negate: negate, dirOnly: dirOnly})
		if dirOnly {
			t += "/"
		}
		m.patterns = append(m.patterns, t)
	}
	return m, nil
}

// Ignored reports whether relPath, or any directory above it, matches.
// relPath is relative to the scan root, using either separator. isDir tells
// whether relPath itself is a directory, which directory-only patterns need.
func (m *Matcher) Ignored(relPath string, isDir bool) bool {
	if m == nil || len(m.rules) == 0 {
		return false
	}
	relPath = filepath.ToSlash(relPath)
	if relPath == "" || relPath == "." {
		return false
	}

	ignored := false
	for _, r := range m.rules {
		// Only a negation can re-include, and only a plain rule can ignore.
		if r.negate != ignored {
			continue
		}
		if r.match(relPath, isDir) {
			ignored = !r.negate
		}
	}
	return ignored
}

// Patterns returns the compiled (translated) pattern list. Directory-only
// patterns keep their trailing slash.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// ParseIgnoreFile extracts patterns from gitignore content, dropping blank
// lines and comments. An escaped leading "\!" is kept so that it stays a
// literal name rather than a negation.
func ParseIgnoreFile(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, `\#`) {
			line = line[1:]
		}
		out = append(out, line)
	}
	return out
}

// translateGitignore rewrites one gitignore line into patternmatcher syntax
// and reports whether it only matches directories. A pattern with no inner
// slash matches at any depth; a leading slash or an inner slash anchors it
// to the root. A leading "\!" names a file starting with "!".
func translateGitignore(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", false
	}
	negate := strings.HasPrefix(p, "!")
	if negate {
		p = strings.TrimPrefix(p, "!")
	}
	p = filepath.ToSlash(p)
	dirOnly := strings.HasSuffix(p, "/")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "", false
	}

	switch {
	case strings.HasPrefix(p, "/"):
		p = strings.TrimPrefix(p, "/")
	case strings.HasPrefix(p, "**/"):
	case !strings.Contains(p, "/"):
		p = "**/" + p
	}

	if negate {
		return "!" + p, dirOnly
	}
	return p, dirOnly
}
