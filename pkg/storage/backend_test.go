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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetries = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

func TestHTTPBackend_Store(t *testing.T) {
	var gotMeta Document
	var gotBody, gotAuth, gotFilename string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/documents", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.NoError(t, json.Unmarshal([]byte(r.FormValue("metadata")), &gotMeta))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotBody = string(b)
		gotFilename = hdr.Filename
		_, _ = io.WriteString(w, `{"id":"doc-1"}`)
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL + "/", Token: "secret"}, nil)
	require.NoError(t, err)
	defer b.Close()

	id, err := b.Store(context.Background(), Document{
		Content:   []byte("hello"),
		Filename:  "a.txt",
		SourceURL: "https://example.com/a.txt",
		MimeType:  "text/plain",
		JobID:     "job-1",
		Labels:    []string{"docs"},
		Metadata:  map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", id)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "hello", gotBody)
	assert.Equal(t, "a.txt", gotFilename)
	assert.Equal(t, "job-1", gotMeta.JobID)
	assert.Equal(t, []string{"docs"}, gotMeta.Labels)
	assert.Equal(t, "v", gotMeta.Metadata["k"])
	assert.Empty(t, gotMeta.Content, "content travels only in the file part")
}

func TestHTTPBackend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"id":"doc-3"}`)
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, RetryDelays: fastRetries}, nil)
	require.NoError(t, err)

	id, err := b.Store(context.Background(), Document{Filename: "a", Content: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "doc-3", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPBackend_FailureClasses(t *testing.T) {
	t.Run("client error is not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "bad document", http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, RetryDelays: fastRetries}, nil)
		require.NoError(t, err)
		_, err = b.Store(context.Background(), Document{Filename: "a", Content: []byte("x")})
		require.Error(t, err)
		assert.False(t, IsUnavailable(err))
		assert.Contains(t, err.Error(), "422")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("persistent server error", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, RetryDelays: fastRetries}, nil)
		require.NoError(t, err)
		_, err = b.Store(context.Background(), Document{Filename: "a", Content: []byte("x")})
		require.Error(t, err)
		assert.False(t, IsUnavailable(err))
		assert.Equal(t, int32(len(fastRetries)+1), calls.Load())
	})

	t.Run("unreachable service", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		base := srv.URL
		srv.Close()

		b, err := NewHTTPBackend(HTTPConfig{BaseURL: base, RetryDelays: fastRetries}, nil)
		require.NoError(t, err)
		_, err = b.Store(context.Background(), Document{Filename: "a", Content: []byte("x")})
		require.Error(t, err)
		assert.True(t, IsUnavailable(err))
	})

	t.Run("missing id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{}`)
		}))
		defer srv.Close()

		b, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL}, nil)
		require.NoError(t, err)
		_, err = b.Store(context.Background(), Document{Filename: "a", Content: []byte("x")})
		assert.ErrorContains(t, err, "no document id")
	})
}

func TestNewHTTPBackend_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPBackend(HTTPConfig{}, nil)
	assert.Error(t, err)
}

func TestMemoryBackend(t *testing.T) {
	m := NewMemoryBackend()
	content := []byte("abc")

	id, err := m.Store(context.Background(), Document{Filename: "a", Content: content})
	require.NoError(t, err)
	assert.Equal(t, "mem-1", id)
	content[0] = 'X'

	docs := m.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "abc", string(docs[0].Content), "stored content is a copy")

	require.NoError(t, m.Close())
	_, err = m.Store(context.Background(), Document{Filename: "b"})
	assert.True(t, IsUnavailable(err))
}
