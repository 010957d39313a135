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

package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/kraklabs/ingestd/internal/config"
	"github.com/kraklabs/ingestd/pkg/queue"
	"github.com/kraklabs/ingestd/pkg/storage"
)

// SetupQueueStore opens an in-memory queue store that is closed when the
// test finishes.
//
// Example:
//
//	store := testing.SetupQueueStore(t)
//	jobs, err := store.ListJobs(ctx, 10)
func SetupQueueStore(t *testing.T) *queue.SQLiteStore {
	t.Helper()

	store, err := queue.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open queue store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// NewConfig returns the default configuration rooted in a temporary data
// directory, with in-memory storage and the queue database inside it.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Queue.DBPath = filepath.Join(cfg.DataDir, "queue.db")
	cfg.Storage.Memory = true
	cfg.Providers.AllowPrivateNetworks = true
	return &cfg
}

// WriteTree creates files under root on fsys. Keys are slash-separated
// paths relative to root.
//
// Example:
//
//	fs := afero.NewMemMapFs()
//	testing.WriteTree(t, fs, "/repo", map[string]string{
//	    "main.go":        "package main",
//	    "docs/guide.md":  "# Guide",
//	})
func WriteTree(t *testing.T, fsys afero.Fs, root string, files map[string]string) {
	t.Helper()

	for rel, body := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := fsys.MkdirAll(filepath.Dir(path), 0750); err != nil {
			t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
		}
		if err := afero.WriteFile(fsys, path, []byte(body), 0600); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
}

// TempTree writes files into a new temporary directory on disk and returns
// its path.
func TempTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	WriteTree(t, afero.NewOsFs(), root, files)
	return root
}

// FileServer serves files from a temporary directory, with the directory
// listings net/http generates. It is closed when the test finishes.
func FileServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.FileServer(http.Dir(TempTree(t, files))))
	t.Cleanup(srv.Close)
	return srv
}

// StoredDocument is one upload received by a StorageServer.
type StoredDocument struct {
	Meta    storage.Document
	Content []byte
}

// StorageServer is a fake document storage service accepting the uploads
// of storage.HTTPBackend.
type StorageServer struct {
	*httptest.Server

	mu     sync.Mutex
	docs   []StoredDocument
	status int
}

// SetupStorageServer starts a StorageServer that is closed when the test
// finishes.
func SetupStorageServer(t *testing.T) *StorageServer {
	t.Helper()

	s := &StorageServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/documents", s.handleUpload)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// FailWith makes every following upload answer with status. 0 restores
// normal operation.
func (s *StorageServer) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Documents returns the uploads received so far.
func (s *StorageServer) Documents() []StoredDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredDocument(nil), s.docs...)
}

func (s *StorageServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var doc StoredDocument
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &doc.Meta); err != nil {
		http.Error(w, "bad metadata: "+err.Error(), http.StatusBadRequest)
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer func() { _ = f.Close() }()
	if doc.Content, err = io.ReadAll(f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.docs = append(s.docs, doc)
	id := fmt.Sprintf("doc-%d", len(s.docs))
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}
