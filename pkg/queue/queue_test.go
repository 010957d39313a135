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

package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/process"
	"github.com/kraklabs/ingestd/pkg/provider"
	"github.com/kraklabs/ingestd/pkg/storage"
)

// fakeFetcher serves bodies by URL. URLs listed in block wait for their
// context instead. Errors queued in fail are returned, one per call, before
// the body is served. Every call takes at least delay.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	block  map[string]bool
	fail   map[string][]error
	calls  map[string]int
	delay  time.Duration

	inFlight int
	peak     int
}

func newFakeFetcher(bodies map[string]string) *fakeFetcher {
	return &fakeFetcher{
		bodies: bodies,
		block:  map[string]bool{},
		fail:   map[string][]error{},
		calls:  map[string]int{},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, fd content.FileDescriptor) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls[fd.URL]++
	body, ok := f.bodies[fd.URL]
	blocked := f.block[fd.URL]
	var failErr error
	if errs := f.fail[fd.URL]; len(errs) > 0 {
		failErr = errs[0]
		f.fail[fd.URL] = errs[1:]
	}
	delay := f.delay
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type recordingRelay struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingRelay) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingRelay) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type testQueue struct {
	*Queue
	store   *SQLiteStore
	fetcher *fakeFetcher
	backend *storage.MemoryBackend
	relay   *recordingRelay
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestQueue(t *testing.T, store *SQLiteStore, fetcher *fakeFetcher, cfg Config) *testQueue {
	t.Helper()
	tq := &testQueue{
		store:   store,
		fetcher: fetcher,
		backend: storage.NewMemoryBackend(),
		relay:   &recordingRelay{},
	}
	q, err := New(cfg, Deps{
		Store:     store,
		Fetcher:   fetcher,
		Processor: process.New(process.Config{}, nil),
		Backend:   tq.backend,
		Relay:     tq.relay,
	}, nil)
	require.NoError(t, err)
	tq.Queue = q
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return tq
}

func files(urls ...string) []content.FileDescriptor {
	out := make([]content.FileDescriptor, len(urls))
	for i, u := range urls {
		out[i] = content.FileDescriptor{URL: u, Filename: u[strings.LastIndex(u, "/")+1:]}
	}
	return out
}

func waitTerminal(t *testing.T, q *Queue, id string) *JobStatus {
	t.Helper()
	var st *JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = q.GetJobStatus(context.Background(), id)
		return err == nil && st.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func waitFile(t *testing.T, q *Queue, id string, idx int, state FileState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := q.GetJobStatus(context.Background(), id)
		return err == nil && st.Files[idx].Status == state
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func TestAddJob_Rejects(t *testing.T) {
	tq := newTestQueue(t, openTestStore(t), newFakeFetcher(nil), Config{})

	_, err := tq.AddJob(context.Background(), nil, content.IngestOptions{})
	require.ErrorIs(t, err, ErrNoFiles)

	require.NoError(t, tq.Shutdown(context.Background()))
	_, err = tq.AddJob(context.Background(), files("/a.txt"), content.IngestOptions{})
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestAddJob_DurableBeforeReturn(t *testing.T) {
	fetcher := newFakeFetcher(nil)
	fetcher.block["/a.txt"] = true
	fetcher.block["/b.txt"] = true
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{})

	id, err := tq.AddJob(context.Background(), files("/a.txt", "/b.txt"), content.IngestOptions{SessionID: "s1"})
	require.NoError(t, err)

	st, err := tq.store.LoadJob(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, st.Files, 2)
	assert.Equal(t, "/a.txt", st.Files[0].File.URL)
	assert.Equal(t, "/b.txt", st.Files[1].File.URL)
	assert.Equal(t, "s1", st.Options.SessionID)
	assert.False(t, st.State.Terminal())

	ok, err := tq.CancelJob(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueue_PartialFailureIsolated(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"/a.txt": "alpha",
		"/c.txt": "gamma",
	})
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{Concurrency: 2})

	id, err := tq.AddJob(context.Background(), files("/a.txt", "/b.txt", "/c.txt"), content.IngestOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, Counts{Total: 3, Succeeded: 2, Failed: 1}, st.Counts)

	assert.Equal(t, FileSucceeded, st.Files[0].Status)
	assert.NotEmpty(t, st.Files[0].StoredID)
	assert.Equal(t, FileFailed, st.Files[1].Status)
	assert.Contains(t, st.Files[1].Error, "not found")
	assert.Equal(t, 1, st.Files[1].Attempts)
	assert.Equal(t, FileSucceeded, st.Files[2].Status)

	docs := tq.backend.Documents()
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, id, d.JobID)
	}
}

func TestQueue_WorkerPoolBound(t *testing.T) {
	const (
		n     = 10
		c     = 3
		delay = 100 * time.Millisecond
	)
	bodies := map[string]string{}
	var urls []string
	for i := range n {
		u := fmt.Sprintf("/f%02d.txt", i)
		urls = append(urls, u)
		if i != 4 {
			bodies[u] = "file " + u
		}
	}
	fetcher := newFakeFetcher(bodies)
	fetcher.delay = delay
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{Concurrency: c})

	start := time.Now()
	id, err := tq.AddJob(context.Background(), files(urls...), content.IngestOptions{})
	require.NoError(t, err)
	st := waitTerminal(t, tq.Queue, id)
	elapsed := time.Since(start)

	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, Counts{Total: n, Succeeded: n - 1, Failed: 1}, st.Counts)
	assert.Equal(t, FileFailed, st.Files[4].Status)

	assert.Equal(t, c, fetcher.peakInFlight(), "workers must fill but never exceed the pool")

	// ceil(10/3) rounds of one fetch each.
	rounds := time.Duration((n + c - 1) / c)
	assert.GreaterOrEqual(t, elapsed, rounds*delay)
	assert.Less(t, elapsed, 2*rounds*delay)
}

func TestQueue_RetriesTransientFetch(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a.txt": "alpha"})
	fetcher.fail["/a.txt"] = []error{
		&provider.StatusError{URL: "/a.txt", StatusCode: 503},
		&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
	}
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{RetryBackoff: time.Millisecond})

	id, err := tq.AddJob(context.Background(), files("/a.txt"), content.IngestOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, FileSucceeded, st.Files[0].Status)
	assert.Equal(t, 3, st.Files[0].Attempts)
	assert.Equal(t, 3, fetcher.callCount("/a.txt"))
	assert.Len(t, tq.backend.Documents(), 1)

	var events []Event
	require.Eventually(t, func() bool {
		events = tq.relay.snapshot()
		return len(events) > 0 && events[len(events)-1].Type == EventJobCompleted
	}, 5*time.Second, 5*time.Millisecond)
	started := 0
	for _, e := range events {
		if e.Type == EventFileStarted {
			started++
		}
	}
	assert.Equal(t, 1, started, "retries stay within one file run")
}

func TestQueue_RetryLimit(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a.txt": "alpha", "/b.txt": "bravo"})
	for range 5 {
		fetcher.fail["/a.txt"] = append(fetcher.fail["/a.txt"], &provider.StatusError{URL: "/a.txt", StatusCode: 502})
	}
	fetcher.fail["/b.txt"] = []error{&provider.StatusError{URL: "/b.txt", StatusCode: 404}}
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{FetchAttempts: 3, RetryBackoff: time.Millisecond})

	id, err := tq.AddJob(context.Background(), files("/a.txt", "/b.txt"), content.IngestOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, JobFailed, st.State)

	assert.Equal(t, FileFailed, st.Files[0].Status)
	assert.Contains(t, st.Files[0].Error, "HTTP 502")
	assert.Equal(t, 3, st.Files[0].Attempts)
	assert.Equal(t, 3, fetcher.callCount("/a.txt"))

	assert.Equal(t, FileFailed, st.Files[1].Status)
	assert.Equal(t, 1, st.Files[1].Attempts, "client errors are not retried")
	assert.Equal(t, 1, fetcher.callCount("/b.txt"))
}

func TestQueue_CancelDuringRetryWait(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a.txt": "alpha"})
	fetcher.fail["/a.txt"] = []error{&provider.StatusError{URL: "/a.txt", StatusCode: 503}}
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{RetryBackoff: time.Hour})

	id, err := tq.AddJob(context.Background(), files("/a.txt"), content.IngestOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fetcher.callCount("/a.txt") == 1 }, 5*time.Second, 5*time.Millisecond)

	ok, err := tq.CancelJob(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, JobCancelled, st.State)
	assert.Equal(t, FileCancelled, st.Files[0].Status)
	assert.Equal(t, 1, fetcher.callCount("/a.txt"))
}

func TestConfig_RetryDelay(t *testing.T) {
	cfg := Config{}.withDefaults()
	var got []time.Duration
	for attempt := 1; attempt <= 7; attempt++ {
		got = append(got, cfg.retryDelay(attempt))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 32 * time.Second,
	}, got)
	assert.Equal(t, DefaultFetchAttempts, cfg.FetchAttempts)
}

func TestQueue_AllFilesFailed(t *testing.T) {
	tq := newTestQueue(t, openTestStore(t), newFakeFetcher(nil), Config{})

	id, err := tq.AddJob(context.Background(), files("/x", "/y"), content.IngestOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, JobFailed, st.State)
	assert.Equal(t, "all files failed", st.Error)
	assert.Equal(t, 2, st.Counts.Failed)
}

func TestQueue_StorageUnavailableFailsJob(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a": "1", "/b": "2", "/c": "3"})
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{Concurrency: 1})
	require.NoError(t, tq.backend.Close())

	id, err := tq.AddJob(context.Background(), files("/a", "/b", "/c"), content.IngestOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, JobFailed, st.State)
	assert.Contains(t, st.Error, "unavailable")
	assert.Equal(t, Counts{Total: 3, Failed: 1, Skipped: 2}, st.Counts)
	assert.Equal(t, FileFailed, st.Files[0].Status)
	for _, f := range st.Files[1:] {
		assert.Equal(t, FileSkipped, f.Status)
		assert.True(t, strings.HasPrefix(f.Error, "skipped: "), f.Error)
	}
	assert.Zero(t, fetcher.callCount("/c"))
}

func TestQueue_DuplicateContentSkipped(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a": "same", "/b": "same", "/c": "other"})
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{Concurrency: 1})

	fds := files("/a", "/b", "/c")
	fds[0].Hash = "h1"
	fds[1].Hash = "h1"
	fds[2].Hash = "h2"

	id, err := tq.AddJob(context.Background(), fds, content.IngestOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, FileSucceeded, st.Files[0].Status)
	assert.Equal(t, FileSkipped, st.Files[1].Status)
	assert.Equal(t, "duplicate content", st.Files[1].Error)
	assert.Equal(t, FileSucceeded, st.Files[2].Status)
	assert.Len(t, tq.backend.Documents(), 2)
	assert.Zero(t, fetcher.callCount("/b"))
}

func TestQueue_DryRunSkipsBackend(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a.go": "package a\n\nfunc A() {}\n"})
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{})

	id, err := tq.AddJob(context.Background(), files("/a.go"), content.IngestOptions{DryRun: true})
	require.NoError(t, err)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, DryRunID, st.Files[0].StoredID)
	assert.Empty(t, tq.backend.Documents())
}

func TestQueue_OversizedFileFails(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/big": strings.Repeat("x", 64), "/ok": "fine"})
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{MaxFileBytes: 16})

	id, err := tq.AddJob(context.Background(), files("/big", "/ok"), content.IngestOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, FileFailed, st.Files[0].Status)
	assert.Contains(t, st.Files[0].Error, "exceeds maximum content size")
	assert.Equal(t, FileSucceeded, st.Files[1].Status)
}

func TestQueue_FileTimeout(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/ok": "fine"})
	fetcher.block["/slow"] = true
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{FileTimeout: 50 * time.Millisecond})

	id, err := tq.AddJob(context.Background(), files("/slow", "/ok"), content.IngestOptions{})
	require.NoError(t, err)

	st := waitTerminal(t, tq.Queue, id)
	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, FileFailed, st.Files[0].Status)
	assert.Contains(t, st.Files[0].Error, "timed out after")
	assert.Equal(t, FileSucceeded, st.Files[1].Status)
}

func TestCancelJob(t *testing.T) {
	fetcher := newFakeFetcher(nil)
	fetcher.block["/a"] = true
	fetcher.block["/b"] = true
	fetcher.block["/c"] = true
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{Concurrency: 1})
	ctx := context.Background()

	id, err := tq.AddJob(ctx, files("/a", "/b", "/c"), content.IngestOptions{})
	require.NoError(t, err)
	waitFile(t, tq.Queue, id, 0, FileRunning)

	ok, err := tq.CancelJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := tq.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, st.State)
	assert.NotNil(t, st.FinishedAt)
	assert.Equal(t, Counts{Total: 3, Cancelled: 3}, st.Counts)

	// Terminal jobs cannot be cancelled again.
	ok, err = tq.CancelJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tq.CancelJob(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = tq.GetJobStatus(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelJob_KeepsFinishedOutcomes(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a": "done"})
	fetcher.block["/b"] = true
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{Concurrency: 1})
	ctx := context.Background()

	id, err := tq.AddJob(ctx, files("/a", "/b", "/c"), content.IngestOptions{})
	require.NoError(t, err)
	waitFile(t, tq.Queue, id, 1, FileRunning)

	ok, err := tq.CancelJob(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	st, err := tq.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, st.State)
	assert.Equal(t, FileSucceeded, st.Files[0].Status)
	assert.Equal(t, FileCancelled, st.Files[1].Status)
	assert.Equal(t, FileCancelled, st.Files[2].Status)
}

func TestShutdownAndResume(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := newFakeFetcher(map[string]string{"/a": "alpha"})
	first.block["/b"] = true
	q1 := newTestQueue(t, store, first, Config{Concurrency: 1, ShutdownGrace: 20 * time.Millisecond})

	id, err := q1.AddJob(ctx, files("/a", "/b"), content.IngestOptions{Labels: []string{"docs"}})
	require.NoError(t, err)
	waitFile(t, q1.Queue, id, 1, FileRunning)

	require.NoError(t, q1.Shutdown(ctx))

	st, err := store.LoadJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, st.State.Terminal())
	assert.Equal(t, FileSucceeded, st.Files[0].Status)
	assert.Equal(t, FilePending, st.Files[1].Status)

	second := newFakeFetcher(map[string]string{"/a": "alpha", "/b": "beta"})
	q2 := newTestQueue(t, store, second, Config{})

	n, err := q2.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st = waitTerminal(t, q2.Queue, id)
	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, Counts{Total: 2, Succeeded: 2}, st.Counts)
	assert.Equal(t, 1, st.Files[0].Attempts)
	assert.Equal(t, 2, st.Files[1].Attempts)
	assert.Zero(t, second.callCount("/a"))

	docs := q2.backend.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].Filename)
	assert.Equal(t, []string{"docs"}, docs[0].Labels)
}

func TestStart_SkipsOwnJobs(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a": "alpha"})
	fetcher.block["/b"] = true
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{Concurrency: 1, ShutdownGrace: 20 * time.Millisecond})
	ctx := context.Background()

	id, err := tq.AddJob(ctx, files("/a", "/b"), content.IngestOptions{})
	require.NoError(t, err)
	waitFile(t, tq.Queue, id, 1, FileRunning)

	n, err := tq.Start(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, fetcher.callCount("/b"))

	st, err := tq.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, FileRunning, st.Files[1].Status)

	ok, err := tq.CancelJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, JobCancelled, waitTerminal(t, tq.Queue, id).State)
}

func TestEvents_Order(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a": "1", "/b": "2"})
	fetcher.block["/c"] = true
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{Concurrency: 1, FileTimeout: 100 * time.Millisecond})

	id, err := tq.AddJob(context.Background(), files("/a", "/b", "/c"), content.IngestOptions{SessionID: "sess"})
	require.NoError(t, err)

	events, stop := tq.Subscribe(id)
	defer stop()

	var last Event
	for e := range events {
		last = e
	}
	assert.Equal(t, EventJobCompleted, last.Type)

	got := tq.relay.snapshot()
	require.NotEmpty(t, got)
	assert.Equal(t, EventJobStarted, got[0].Type)
	assert.Equal(t, EventJobCompleted, got[len(got)-1].Type)
	require.NotNil(t, got[len(got)-1].Counts)
	assert.Equal(t, 2, got[len(got)-1].Counts.Succeeded)
	assert.Equal(t, 1, got[len(got)-1].Counts.Failed)

	started := map[int]bool{}
	finished := map[int]EventType{}
	for _, e := range got {
		assert.Equal(t, id, e.JobID)
		assert.Equal(t, "sess", e.SessionID)
		switch e.Type {
		case EventFileStarted:
			started[e.FileIndex] = true
		case EventFileCompleted, EventFileFailed:
			assert.True(t, started[e.FileIndex], "file %d finished before it started", e.FileIndex)
			finished[e.FileIndex] = e.Type
		}
	}
	assert.Equal(t, map[int]EventType{0: EventFileCompleted, 1: EventFileCompleted, 2: EventFileFailed}, finished)
}

func TestSubscribe_InactiveJobClosed(t *testing.T) {
	tq := newTestQueue(t, openTestStore(t), newFakeFetcher(nil), Config{})

	events, stop := tq.Subscribe("nope")
	defer stop()
	_, open := <-events
	assert.False(t, open)
}

func TestListJobsAndPrune(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"/a": "1"})
	tq := newTestQueue(t, openTestStore(t), fetcher, Config{})
	ctx := context.Background()

	first, err := tq.AddJob(ctx, files("/a"), content.IngestOptions{})
	require.NoError(t, err)
	waitTerminal(t, tq.Queue, first)
	second, err := tq.AddJob(ctx, files("/a"), content.IngestOptions{})
	require.NoError(t, err)
	waitTerminal(t, tq.Queue, second)

	jobs, err := tq.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	ids := []string{jobs[0].ID, jobs[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)
	for _, j := range jobs {
		assert.Equal(t, JobCompleted, j.State)
		assert.Equal(t, 1, j.Counts.Succeeded)
	}

	// Nothing is old enough yet.
	n, err := tq.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = tq.Prune(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = tq.GetJobStatus(ctx, first)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestHashGates(t *testing.T) {
	ctx := context.Background()

	t.Run("failed owner hands over", func(t *testing.T) {
		h := newHashGates(nil)
		owned, release, err := h.claim(ctx, "x")
		require.NoError(t, err)
		require.True(t, owned)

		result := make(chan bool, 1)
		go func() {
			owned, release2, err := h.claim(ctx, "x")
			if err == nil && owned {
				release2(true)
			}
			result <- owned
		}()
		release(false)
		assert.True(t, <-result)

		owned, _, err = h.claim(ctx, "x")
		require.NoError(t, err)
		assert.False(t, owned)
	})

	t.Run("previously stored", func(t *testing.T) {
		h := newHashGates(map[string]bool{"y": true})
		owned, _, err := h.claim(ctx, "y")
		require.NoError(t, err)
		assert.False(t, owned)
	})

	t.Run("waiter honours context", func(t *testing.T) {
		h := newHashGates(nil)
		_, _, err := h.claim(ctx, "z")
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, _, err = h.claim(cctx, "z")
		require.ErrorIs(t, err, context.Canceled)
	})
}
