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
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ingestd/pkg/content"
)

type fakeDrive struct {
	mu        sync.Mutex
	metaCalls map[string]int
	listCalls int
	auth      []string
	files     map[string]driveFile
	children  map[string][][]driveFile
}

func newFakeDrive() *fakeDrive {
	f := &fakeDrive{
		metaCalls: make(map[string]int),
		files: map[string]driveFile{
			"F1":    {ID: "F1", Name: "shared", MimeType: driveFolderMime},
			"FILE1": {ID: "FILE1", Name: "report.pdf", MimeType: "application/pdf", Size: "7"},
		},
		children: map[string][][]driveFile{
			"F1": {
				{
					{ID: "FILE1", Name: "report.pdf", MimeType: "application/pdf", Size: "7"},
					{ID: "DOC1", Name: "Plan", MimeType: "application/vnd.google-apps.document"},
				},
				{
					{ID: "FORM1", Name: "Survey", MimeType: "application/vnd.google-apps.form"},
					{ID: "F2", Name: "nested", MimeType: driveFolderMime},
				},
			},
			"F2": {
				{{ID: "MD1", Name: "notes.md", MimeType: "text/markdown", Size: "4"}},
			},
		},
	}
	return f
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	q := r.URL.Query()
	switch {
	case r.URL.Path == "/files":
		f.listCalls++
		parent := strings.SplitN(q.Get("q"), "'", 3)[1]
		pages := f.children[parent]
		idx := 0
		if tok := q.Get("pageToken"); tok != "" {
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "p"))
			if err != nil {
				http.Error(w, "bad page token", http.StatusBadRequest)
				return
			}
			idx = n - 1
		}
		if idx >= len(pages) {
			http.Error(w, "no such folder", http.StatusNotFound)
			return
		}
		out := driveList{Files: pages[idx]}
		if idx+1 < len(pages) {
			out.NextPageToken = "p" + strconv.Itoa(idx+2)
		}
		_ = json.NewEncoder(w).Encode(out)

	case strings.HasSuffix(r.URL.Path, "/export"):
		_, _ = io.WriteString(w, "exported as "+q.Get("mimeType"))

	case strings.HasPrefix(r.URL.Path, "/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		if q.Get("alt") == "media" {
			_, _ = io.WriteString(w, "raw "+id)
			return
		}
		f.metaCalls[id]++
		file, ok := f.files[id]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(file)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeDrive) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls[id]
}

func newTestDrive(t *testing.T) (*DriveProvider, *fakeDrive) {
	t.Helper()
	fake := newFakeDrive()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	p, err := NewDriveProvider(DriveConfig{BaseURL: srv.URL, Tokens: StaticToken("tok")}, nil)
	require.NoError(t, err)
	return p, fake
}

func TestDriveID(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://drive.google.com/file/d/abc_123-X/view?usp=sharing", "abc_123-X", true},
		{"https://drive.google.com/drive/folders/F00", "F00", true},
		{"https://docs.google.com/document/d/DOC9/edit", "DOC9", true},
		{"https://drive.google.com/open?id=Q1", "Q1", true},
		{"https://drive.google.com/", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, ok := DriveID(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDriveProvider_Claims(t *testing.T) {
	p, _ := newTestDrive(t)
	assert.True(t, p.Claims("https://drive.google.com/drive/folders/F1"))
	assert.True(t, p.Claims("https://docs.google.com/document/d/DOC1/edit"))
	assert.False(t, p.Claims("https://example.com/drive/folders/F1"))
}

func TestDriveProvider_ValidateURL(t *testing.T) {
	p, fake := newTestDrive(t)
	ctx := context.Background()

	res := p.ValidateURL(ctx, "https://drive.google.com/drive/folders/F1")
	require.True(t, res.Valid, res.Error)
	assert.Equal(t, content.TypeFolder, res.Type)
	assert.True(t, res.RequiresConfirmation)

	res = p.ValidateURL(ctx, "https://drive.google.com/file/d/FILE1/view")
	require.True(t, res.Valid, res.Error)
	assert.Equal(t, content.TypeFile, res.Type)
	assert.False(t, res.RequiresConfirmation)
	require.NotNil(t, res.Size)
	assert.Equal(t, int64(7), *res.Size)

	res = p.ValidateURL(ctx, "https://drive.google.com/file/d/MISSING/view")
	assert.False(t, res.Valid)
	assert.False(t, res.Unreachable)
	assert.Contains(t, res.Error, "not found")

	res = p.ValidateURL(ctx, "https://drive.google.com/")
	assert.False(t, res.Valid)

	p.ValidateURL(ctx, "https://drive.google.com/drive/folders/F1")
	assert.Equal(t, 1, fake.calls("F1"), "second lookup is served from cache")
	assert.Contains(t, fake.auth, "Bearer tok")
}

func TestDriveProvider_DiscoverFiles(t *testing.T) {
	p, fake := newTestDrive(t)
	ctx := context.Background()

	d, err := p.DiscoverFiles(ctx, "https://drive.google.com/drive/folders/F1", content.DiscoveryOptions{})
	require.NoError(t, err)

	var got []string
	for _, f := range d.Files {
		got = append(got, f.RelativePath())
	}
	assert.Equal(t, []string{"report.pdf", "Plan.txt", "nested/notes.md"}, got)

	require.Len(t, d.Skipped, 1)
	assert.Equal(t, "Survey", d.Skipped[0].Path)

	plan := d.Files[1]
	assert.Equal(t, "DOC1", plan.Meta(content.MetaDriveFileID))
	assert.Equal(t, "text/plain", plan.Meta(content.MetaMimeType))
	assert.Equal(t, ".txt", plan.Meta(content.MetaExtension))
	assert.Equal(t, "https://drive.google.com/file/d/DOC1/view", plan.URL)
	assert.Equal(t, 1, d.Files[2].Depth)

	t.Run("fetch uses cached listing metadata", func(t *testing.T) {
		for _, tc := range []struct {
			fd   content.FileDescriptor
			want string
		}{
			{d.Files[0], "raw FILE1"},
			{d.Files[1], "exported as text/plain"},
		} {
			rc, err := p.Fetch(ctx, tc.fd)
			require.NoError(t, err)
			body, err := io.ReadAll(rc)
			_ = rc.Close()
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(body))
		}
		assert.Zero(t, fake.calls("DOC1"))
		assert.Zero(t, fake.calls("FILE1"))
	})
}

func TestDriveProvider_DiscoverFiles_Bounds(t *testing.T) {
	p, _ := newTestDrive(t)
	ctx := context.Background()

	d, err := p.DiscoverFiles(ctx, "https://drive.google.com/drive/folders/F1", content.DiscoveryOptions{NoRecurse: true})
	require.NoError(t, err)
	assert.Len(t, d.Files, 2)
	assert.Len(t, d.Skipped, 2, "unsupported form and the folder beyond the depth limit")

	d, err = p.DiscoverFiles(ctx, "https://drive.google.com/drive/folders/F1", content.DiscoveryOptions{MaxFiles: 2})
	require.NoError(t, err)
	assert.Len(t, d.Files, 2)
	assert.True(t, d.Truncated)

	_, err = p.DiscoverFiles(ctx, "https://drive.google.com/drive/folders/NOPE", content.DiscoveryOptions{})
	require.Error(t, err)
}

func TestDriveProvider_DiscoverFiles_StopsPagingAtMaxFiles(t *testing.T) {
	p, fake := newTestDrive(t)

	var pages [][]driveFile
	for i := range 50 {
		var page []driveFile
		for j := range 10 {
			id := "BIG-" + strconv.Itoa(i) + "-" + strconv.Itoa(j)
			page = append(page, driveFile{ID: id, Name: id + ".txt", MimeType: "text/plain", Size: "1"})
		}
		pages = append(pages, page)
	}
	fake.mu.Lock()
	fake.children["BIG"] = pages
	fake.mu.Unlock()

	d, err := p.DiscoverFiles(context.Background(), "https://drive.google.com/drive/folders/BIG", content.DiscoveryOptions{MaxFiles: 5})
	require.NoError(t, err)
	assert.Len(t, d.Files, 5)
	assert.True(t, d.Truncated)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.listCalls)
}

func TestDriveProvider_DiscoverFiles_PagesUntilBudget(t *testing.T) {
	p, fake := newTestDrive(t)

	// Each page holds two files, so 5 files need three pages and the sixth
	// file on the third page marks the result truncated.
	var pages [][]driveFile
	for i := range 20 {
		a := "P" + strconv.Itoa(i) + "a"
		b := "P" + strconv.Itoa(i) + "b"
		pages = append(pages, []driveFile{
			{ID: a, Name: a + ".md", MimeType: "text/markdown"},
			{ID: b, Name: b + ".md", MimeType: "text/markdown"},
		})
	}
	fake.mu.Lock()
	fake.children["PAGED"] = pages
	fake.mu.Unlock()

	d, err := p.DiscoverFiles(context.Background(), "https://drive.google.com/drive/folders/PAGED", content.DiscoveryOptions{MaxFiles: 5})
	require.NoError(t, err)
	assert.Len(t, d.Files, 5)
	assert.True(t, d.Truncated)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 3, fake.listCalls)
}
