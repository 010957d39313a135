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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/process"
	"github.com/kraklabs/ingestd/pkg/provider"
	"github.com/kraklabs/ingestd/pkg/storage"
)

// Defaults applied by New.
const (
	DefaultConcurrency       = 5
	DefaultMaxConcurrentJobs = 4
	DefaultFileTimeout       = 5 * time.Minute
	DefaultShutdownGrace     = 30 * time.Second
	DefaultRetention         = 7 * 24 * time.Hour
	DefaultEventBuffer       = 256
	DefaultFetchAttempts     = 5
	DefaultRetryBackoff      = time.Second
	DefaultMaxRetryBackoff   = 32 * time.Second
)

var (
	// ErrJobNotFound is returned for ids the store does not know.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueClosed is returned by AddJob after Shutdown.
	ErrQueueClosed = errors.New("queue is shut down")

	// ErrNoFiles is returned by AddJob for an empty file list.
	ErrNoFiles = errors.New("job has no files")
)

// Cancellation causes of a job context.
var (
	errJobCancelled = errors.New("job cancelled")
	errShutdown     = errors.New("queue shutting down")
)

// Processor converts fetched bytes into a document.
type Processor interface {
	Process(ctx context.Context, fd content.FileDescriptor, raw []byte) (*process.Document, error)
}

// Config tunes the queue. Zero values select the defaults.
type Config struct {
	// Concurrency is the per-job worker count unless a job overrides it.
	Concurrency int

	// MaxConcurrentJobs bounds jobs running at once; others stay queued.
	MaxConcurrentJobs int

	// FileTimeout bounds fetch, process and store of one file.
	FileTimeout time.Duration

	// MaxFileBytes caps fetched content. Defaults to the processor limit.
	MaxFileBytes int64

	// ShutdownGrace is how long Shutdown waits before interrupting jobs.
	ShutdownGrace time.Duration

	// Retention is the age after which Start prunes terminal jobs.
	// Negative disables pruning.
	Retention time.Duration

	// EventBuffer sizes the progress dispatcher buffer.
	EventBuffer int

	// FetchAttempts bounds the fetches of one file when the fetcher reports
	// a transient failure. 1 disables retries.
	FetchAttempts int

	// RetryBackoff is the wait after the first failed fetch. It doubles per
	// attempt up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if c.FileTimeout <= 0 {
		c.FileTimeout = DefaultFileTimeout
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = process.DefaultMaxContentBytes
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = DefaultFetchAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = max(DefaultMaxRetryBackoff, c.RetryBackoff)
	}
	return c
}

// retryDelay is the wait after the given failed attempt, starting at 1.
func (c Config) retryDelay(attempt int) time.Duration {
	d := c.RetryBackoff
	for i := 1; i < attempt && d < c.MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, c.MaxRetryBackoff)
}

// Deps are the collaborators of a Queue. Relay is optional.
type Deps struct {
	Store     Store
	Fetcher   provider.Fetcher
	Processor Processor
	Backend   storage.Backend
	Relay     Relay
}

// Queue runs ingestion jobs. Every job and file slot is persisted before it
// is acted on, so GetJobStatus always reflects the store.
type Queue struct {
	cfg       Config
	store     Store
	fetcher   provider.Fetcher
	processor Processor
	backend   storage.Backend
	relay     Relay
	logger    *slog.Logger

	baseCtx  context.Context
	stopAll  context.CancelCauseFunc
	jobSlots *semaphore.Weighted
	wg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]*activeJob
	subs    map[string]map[chan Event]struct{}

	events       chan Event
	stopDispatch chan struct{}
	dispatchDone chan struct{}
}

type activeJob struct {
	id         string
	opts       content.IngestOptions
	cancel     context.CancelCauseFunc
	done       chan struct{}
	cancelled  bool
	finalizing bool
}

// jobPlan is the work a job goroutine carries out.
type jobPlan struct {
	id       string
	opts     content.IngestOptions
	files    []content.FileDescriptor
	pending  []int
	attempts []int
	stored   map[string]bool
}

// New creates a queue and starts its event dispatcher. Call Start to resume
// jobs left over from a previous run.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Queue, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Processor == nil || deps.Backend == nil {
		return nil, fmt.Errorf("queue requires a store, fetcher, processor and backend")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	baseCtx, stopAll := context.WithCancelCause(context.Background())
	q := &Queue{
		cfg:          cfg,
		store:        deps.Store,
		fetcher:      deps.Fetcher,
		processor:    deps.Processor,
		backend:      deps.Backend,
		relay:        deps.Relay,
		logger:       logger,
		baseCtx:      baseCtx,
		stopAll:      stopAll,
		jobSlots:     semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		running:      make(map[string]*activeJob),
		subs:         make(map[string]map[chan Event]struct{}),
		events:       make(chan Event, cfg.EventBuffer),
		stopDispatch: make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go q.dispatch()
	return q, nil
}

// AddJob persists a job for files and starts it. The id is returned only
// after the job and all of its slots are durable.
func (q *Queue) AddJob(ctx context.Context, files []content.FileDescriptor, opts content.IngestOptions) (string, error) {
	if len(files) == 0 {
		return "", ErrNoFiles
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrQueueClosed
	}

	plan := jobPlan{
		id:       uuid.NewString(),
		opts:     opts,
		files:    make([]content.FileDescriptor, len(files)),
		pending:  make([]int, len(files)),
		attempts: make([]int, len(files)),
	}
	for i, fd := range files {
		plan.files[i] = fd.Clone()
		plan.pending[i] = i
	}

	job := JobSummary{ID: plan.id, State: JobQueued, Options: opts, CreatedAt: time.Now().UTC()}
	if err := q.store.CreateJob(ctx, job, plan.files); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	recordJobSubmitted()
	q.logger.Info("queue.job.submitted",
		"job_id", plan.id,
		"files", len(files),
		"session_id", opts.SessionID,
	)

	if !q.launch(plan) {
		// Shutdown raced with submission; the job is durable and resumes on
		// the next Start.
		q.logger.Warn("queue.job.deferred", "job_id", plan.id)
	}
	return plan.id, nil
}

func (q *Queue) launch(plan jobPlan) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	ctx, cancel := context.WithCancelCause(q.baseCtx)
	aj := &activeJob{id: plan.id, opts: plan.opts, cancel: cancel, done: make(chan struct{})}
	q.running[plan.id] = aj
	q.wg.Add(1)
	go q.run(ctx, aj, plan)
	return true
}

// GetJobStatus returns the persisted state of a job and its files.
func (q *Queue) GetJobStatus(ctx context.Context, id string) (*JobStatus, error) {
	st, err := q.store.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	q.overlay(&st.JobSummary)
	return st, nil
}

// ListJobs returns recent jobs, newest first.
func (q *Queue) ListJobs(ctx context.Context, limit int) ([]JobSummary, error) {
	jobs, err := q.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		q.overlay(&jobs[i])
	}
	return jobs, nil
}

// overlay reports a job whose cancellation is in progress as cancelled.
func (q *Queue) overlay(j *JobSummary) {
	if j.State.Terminal() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if aj, ok := q.running[j.ID]; ok && aj.cancelled {
		j.State = JobCancelled
	}
}

// CancelJob stops a job. Files already finished keep their outcome; the
// rest end up cancelled. It reports false for jobs that already reached a
// terminal state, and waits (bounded by ctx) for running work to stop.
func (q *Queue) CancelJob(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	if aj, ok := q.running[id]; ok {
		if aj.finalizing {
			q.mu.Unlock()
			return false, nil
		}
		aj.cancelled = true
		aj.cancel(errJobCancelled)
		q.mu.Unlock()

		q.logger.Info("queue.job.cancel", "job_id", id)
		select {
		case <-aj.done:
		case <-ctx.Done():
		}
		return true, nil
	}
	q.mu.Unlock()

	st, err := q.store.LoadJob(ctx, id)
	if err != nil {
		return false, err
	}
	if st.State.Terminal() {
		return false, nil
	}

	// Persisted but not running here, e.g. deferred by a shutdown.
	if _, err := q.store.FinishPending(ctx, id, FileCancelled, errJobCancelled.Error()); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if err := q.store.SetJobState(ctx, id, JobCancelled, "", nil, &now); err != nil {
		return false, err
	}
	recordJobFinished(JobCancelled)
	q.logger.Info("queue.job.cancel", "job_id", id, "active", false)
	return true, nil
}

// Subscribe returns a channel of progress events for a job. The channel is
// closed after the job's terminal event, or at once if the job is not
// active. Call the returned function to stop listening early.
func (q *Queue) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	q.mu.Lock()
	defer q.mu.Unlock()
	if aj, ok := q.running[jobID]; !ok || aj.finalizing {
		close(ch)
		return ch, func() {}
	}
	if q.subs[jobID] == nil {
		q.subs[jobID] = make(map[chan Event]struct{})
	}
	q.subs[jobID][ch] = struct{}{}

	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.subs[jobID][ch]; ok {
			delete(q.subs[jobID], ch)
			close(ch)
		}
	}
}

// Start prunes expired jobs and resumes every non-terminal job found in the
// store. Slots that were running when the previous process stopped are
// retried; finished slots are kept. Jobs this queue is already running are
// left alone, so Start may be called more than once. It returns the number of
// resumed jobs.
func (q *Queue) Start(ctx context.Context) (int, error) {
	if q.cfg.Retention > 0 {
		if _, err := q.Prune(ctx, q.cfg.Retention); err != nil {
			q.logger.Warn("queue.prune.error", "err", err)
		}
	}

	ids, err := q.store.IncompleteJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list incomplete jobs: %w", err)
	}

	resumed := 0
	for _, id := range ids {
		q.mu.Lock()
		_, mine := q.running[id]
		q.mu.Unlock()
		if mine {
			continue
		}
		if err := q.store.ResetRunning(ctx, id); err != nil {
			return resumed, fmt.Errorf("reset job %s: %w", id, err)
		}
		st, err := q.store.LoadJob(ctx, id)
		if err != nil {
			return resumed, fmt.Errorf("load job %s: %w", id, err)
		}

		plan := jobPlan{
			id:       id,
			opts:     st.Options,
			files:    make([]content.FileDescriptor, len(st.Files)),
			attempts: make([]int, len(st.Files)),
			stored:   make(map[string]bool),
		}
		for i, f := range st.Files {
			plan.files[i] = f.File
			plan.attempts[i] = f.Attempts
			switch {
			case f.Status == FilePending:
				plan.pending = append(plan.pending, i)
			case f.Status == FileSucceeded && f.File.Hash != "":
				plan.stored[f.File.Hash] = true
			}
		}

		if !q.launch(plan) {
			return resumed, ErrQueueClosed
		}
		resumed++
		recordJobResumed()
		q.logger.Info("queue.job.resumed",
			"job_id", id,
			"pending", len(plan.pending),
			"finished", st.Counts.Finished(),
		)
	}
	return resumed, nil
}

// Prune deletes terminal jobs older than olderThan.
func (q *Queue) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := q.store.Prune(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("queue.prune", "jobs", n, "older_than", olderThan)
	}
	return n, nil
}

// Shutdown stops accepting jobs and waits for running ones until ctx is done
// or the shutdown grace elapses. Work still running then is interrupted and
// left non-terminal in the store, to be resumed by the next Start.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	active := len(q.running)
	q.mu.Unlock()

	q.logger.Info("queue.shutdown.start", "active_jobs", active)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(q.cfg.ShutdownGrace)
	defer grace.Stop()

	interrupted := false
	select {
	case <-done:
	case <-ctx.Done():
		interrupted = true
	case <-grace.C:
		interrupted = true
	}
	if interrupted {
		q.stopAll(errShutdown)
		<-done
	}

	close(q.stopDispatch)
	<-q.dispatchDone
	q.stopAll(nil)

	q.logger.Info("queue.shutdown.complete", "interrupted", interrupted)
	return nil
}
