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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ingestd/internal/bootstrap"
	"github.com/kraklabs/ingestd/internal/config"
	ingesttest "github.com/kraklabs/ingestd/internal/testing"
	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/ingestion"
	"github.com/kraklabs/ingestd/pkg/queue"
	"github.com/kraklabs/ingestd/pkg/storage"
)

type testEnv struct {
	srv     *httptest.Server
	app     *bootstrap.App
	backend *storage.MemoryBackend
	files   *httptest.Server
}

var sourceFiles = map[string]string{
	"a.txt":     "alpha\n",
	"b.md":      "# bravo\n",
	"c.go":      "package c\n\nfunc C() {}\n",
	"notes.txt": "notes\n",
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := ingesttest.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	backend := storage.NewMemoryBackend()
	app, err := bootstrap.Open(context.Background(), cfg, bootstrap.Options{Backend: backend}, nil)
	require.NoError(t, err)
	_, err = app.Start(context.Background())
	require.NoError(t, err)

	s := New(Config{}, app.Orchestrator, app.Queue, app.Hub, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = app.Close(context.Background())
	})

	return &testEnv{
		srv:     srv,
		app:     app,
		backend: backend,
		files:   ingesttest.FileServer(t, sourceFiles),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			r = strings.NewReader(s)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) waitJob(t *testing.T, id string) queue.JobStatus {
	t.Helper()
	var st queue.JobStatus
	require.Eventually(t, func() bool {
		code, body := e.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
		if code != http.StatusOK || json.Unmarshal(body, &st) != nil {
			return false
		}
		return st.State.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return st
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestServer_IngestFolder(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/v1/ingest", ingestion.Request{
		URL:     env.files.URL + "/",
		Options: content.IngestOptions{Labels: []string{"docs"}},
	})
	require.Equal(t, http.StatusAccepted, code, string(body))
	resp := decode[ingestion.Response](t, body)
	require.NotEmpty(t, resp.JobID)
	assert.Len(t, resp.Files, len(sourceFiles))
	assert.Equal(t, "http", resp.Provider)

	st := env.waitJob(t, resp.JobID)
	assert.Equal(t, queue.JobCompleted, st.State)
	assert.Equal(t, len(sourceFiles), st.Counts.Succeeded)

	docs := env.backend.Documents()
	require.Len(t, docs, len(sourceFiles))
	assert.Equal(t, []string{"docs"}, docs[0].Labels)

	code, body = env.do(t, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, code)
	jobs := decode[[]queue.JobSummary](t, body)
	require.Len(t, jobs, 1)
	assert.Equal(t, resp.JobID, jobs[0].ID)
}

func TestServer_IngestSingleFile(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/v1/ingest", ingestion.Request{URL: env.files.URL + "/c.go"})
	require.Equal(t, http.StatusAccepted, code, string(body))
	resp := decode[ingestion.Response](t, body)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "c.go", resp.Files[0].Filename)

	st := env.waitJob(t, resp.JobID)
	assert.Equal(t, queue.JobCompleted, st.State)
}

func TestServer_ConfirmationFlow(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Orchestrator.ConfirmationThreshold = 2
	})

	code, body := env.do(t, http.MethodPost, "/v1/ingest", ingestion.Request{URL: env.files.URL + "/"})
	require.Equal(t, http.StatusOK, code, string(body))
	resp := decode[ingestion.Response](t, body)
	require.True(t, resp.RequiresConfirmation)
	assert.Empty(t, resp.JobID)
	require.Len(t, resp.Files, len(sourceFiles))

	code, body = env.do(t, http.MethodPost, "/v1/ingest/confirm", ConfirmRequest{
		Files:     resp.Files[:2],
		SessionID: "s-1",
	})
	require.Equal(t, http.StatusAccepted, code, string(body))
	accepted := decode[JobAccepted](t, body)
	assert.Equal(t, 2, accepted.Files)

	st := env.waitJob(t, accepted.JobID)
	assert.Equal(t, 2, st.Counts.Total)
	assert.Equal(t, "s-1", st.Options.SessionID)
	assert.Len(t, env.backend.Documents(), 2)
}

func TestServer_IngestRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantBody string
	}{
		{name: "malformed body", body: `{"url":`, wantCode: http.StatusBadRequest, wantBody: "BAD_REQUEST"},
		{name: "missing url", body: ingestion.Request{}, wantCode: http.StatusBadRequest, wantBody: "VALIDATION_ERROR"},
		{name: "no provider", body: ingestion.Request{URL: "ftp://example.com/a.txt"}, wantCode: http.StatusBadRequest, wantBody: `"valid":false`},
		{name: "missing file", body: ingestion.Request{URL: env.files.URL + "/missing.txt"}, wantCode: http.StatusUnprocessableEntity, wantBody: "HTTP 404"},
		{name: "confirm without files", body: nil, wantCode: http.StatusBadRequest, wantBody: "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/v1/ingest"
			body := tt.body
			if tt.name == "confirm without files" {
				path = "/v1/ingest/confirm"
				body = ConfirmRequest{}
			}
			code, data := env.do(t, http.MethodPost, path, body)
			assert.Equal(t, tt.wantCode, code, string(data))
			assert.Contains(t, string(data), tt.wantBody)
		})
	}
}

func TestServer_LocalPathsDisabledByDefault(t *testing.T) {
	env := newTestEnv(t, nil)

	dir := t.TempDir()
	secret := filepath.Join(dir, "id_rsa")
	require.NoError(t, os.WriteFile(secret, []byte("private key\n"), 0600))

	for _, url := range []string{secret, dir, "file://" + secret} {
		code, data := env.do(t, http.MethodPost, "/v1/ingest", ingestion.Request{URL: url})
		assert.Equal(t, http.StatusBadRequest, code, string(data))
		assert.Contains(t, string(data), `"valid":false`)
	}

	// A confirmed descriptor naming the local provider has nothing to read
	// through.
	code, data := env.do(t, http.MethodPost, "/v1/ingest/confirm", ConfirmRequest{
		Files: []content.FileDescriptor{{
			URL:  secret,
			Filename: "id_rsa",
			Metadata: map[string]string{
				content.MetaProvider:     "local",
				content.MetaAbsolutePath: secret,
			},
		}},
	})
	require.Equal(t, http.StatusAccepted, code, string(data))
	accepted := decode[JobAccepted](t, data)

	st := env.waitJob(t, accepted.JobID)
	assert.Equal(t, queue.JobFailed, st.State)
	assert.Equal(t, 1, st.Counts.Failed)
	assert.Empty(t, env.backend.Documents())
}

func TestServer_LocalPathsWithinAllowedRoots(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha\n"), 0600))
	secret := filepath.Join(outside, "id_rsa")
	require.NoError(t, os.WriteFile(secret, []byte("private key\n"), 0600))
	require.NoError(t, os.Symlink(secret, filepath.Join(root, "key")))

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Providers.AllowedRoots = []string{root}
	})

	code, data := env.do(t, http.MethodPost, "/v1/ingest", ingestion.Request{URL: filepath.Join(root, "a.txt")})
	require.Equal(t, http.StatusAccepted, code, string(data))
	resp := decode[ingestion.Response](t, data)
	env.waitJob(t, resp.JobID)
	assert.Len(t, env.backend.Documents(), 1)

	for _, url := range []string{secret, filepath.Join(root, "key")} {
		code, data := env.do(t, http.MethodPost, "/v1/ingest", ingestion.Request{URL: url})
		assert.Equal(t, http.StatusUnprocessableEntity, code, string(data))
		assert.Contains(t, string(data), `"valid":false`)
	}
	assert.Len(t, env.backend.Documents(), 1)
}

func TestServer_JobNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		code, body := env.do(t, method, "/v1/jobs/does-not-exist", nil)
		assert.Equal(t, http.StatusNotFound, code, method)
		assert.Equal(t, "NOT_FOUND", decode[APIError](t, body).Code)
	}

	code, _ := env.do(t, http.MethodGet, "/v1/jobs/does-not-exist/events", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodGet, "/v1/jobs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_CancelFinishedJob(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/v1/ingest", ingestion.Request{URL: env.files.URL + "/a.txt"})
	require.Equal(t, http.StatusAccepted, code, string(body))
	resp := decode[ingestion.Response](t, body)
	env.waitJob(t, resp.JobID)

	code, body = env.do(t, http.MethodDelete, "/v1/jobs/"+resp.JobID, nil)
	require.Equal(t, http.StatusOK, code)
	res := decode[CancelResult](t, body)
	assert.False(t, res.Cancelled)
}

func TestServer_JobEventsAfterCompletion(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/v1/ingest", ingestion.Request{URL: env.files.URL + "/b.md"})
	require.Equal(t, http.StatusAccepted, code, string(body))
	resp := decode[ingestion.Response](t, body)
	env.waitJob(t, resp.JobID)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/jobs/" + resp.JobID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev queue.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, queue.EventJobCompleted, ev.Type)
	assert.Equal(t, queue.JobCompleted, ev.State)
	require.NotNil(t, ev.Counts)
	assert.Equal(t, 1, ev.Counts.Succeeded)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServer_SessionEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/sessions/s-42/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return env.app.Hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	code, body := env.do(t, http.MethodPost, "/v1/ingest", ingestion.Request{URL: env.files.URL + "/a.txt", SessionID: "s-42"})
	require.Equal(t, http.StatusAccepted, code, string(body))
	resp := decode[ingestion.Response](t, body)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var types []queue.EventType
	for {
		var ev queue.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, resp.JobID, ev.JobID)
		types = append(types, ev.Type)
		if ev.Type == queue.EventJobCompleted {
			break
		}
	}
	assert.Equal(t, queue.EventJobStarted, types[0])
	assert.Contains(t, types, queue.EventFileCompleted)
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}
