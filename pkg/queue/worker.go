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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/process"
	"github.com/kraklabs/ingestd/pkg/provider"
	"github.com/kraklabs/ingestd/pkg/storage"
)

// DryRunID is recorded as the stored id of files processed in dry-run mode.
const DryRunID = "dry-run"

// jobRun is the state shared by the workers of one job execution.
type jobRun struct {
	q     *Queue
	aj    *activeJob
	ctx   context.Context
	plan  jobPlan
	gates *hashGates
}

func (q *Queue) run(ctx context.Context, aj *activeJob, plan jobPlan) {
	defer q.wg.Done()
	defer close(aj.done)

	var started time.Time
	if err := q.jobSlots.Acquire(ctx, 1); err == nil {
		started = q.execute(ctx, aj, plan)
		q.jobSlots.Release(1)
	}
	q.finish(ctx, aj, started)
}

// execute runs every pending slot of the plan with a bounded worker pool.
func (q *Queue) execute(ctx context.Context, aj *activeJob, plan jobPlan) time.Time {
	persist := context.WithoutCancel(ctx)
	started := time.Now().UTC()
	if err := q.store.SetJobState(persist, plan.id, JobRunning, "", &started, nil); err != nil {
		q.logger.Error("queue.job.persist_error", "job_id", plan.id, "err", err)
	}

	workers := plan.opts.Concurrency
	if workers <= 0 {
		workers = q.cfg.Concurrency
	}
	if workers > len(plan.pending) {
		workers = len(plan.pending)
	}

	q.logger.Info("queue.job.start",
		"job_id", plan.id,
		"files", len(plan.files),
		"pending", len(plan.pending),
		"workers", workers,
	)
	q.publish(q.jobEvent(aj, EventJobStarted, JobRunning, nil))

	jr := &jobRun{q: q, aj: aj, ctx: ctx, plan: plan, gates: newHashGates(plan.stored)}
	if workers > 0 {
		var g errgroup.Group
		g.SetLimit(workers)
		for _, idx := range plan.pending {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				jr.runFile(idx)
				return nil
			})
		}
		_ = g.Wait()
	}
	return started
}

// runFile processes one slot. Only this goroutine writes the slot.
func (jr *jobRun) runFile(idx int) {
	if jr.ctx.Err() != nil {
		return
	}
	q := jr.q
	persist := context.WithoutCancel(jr.ctx)
	fd := jr.plan.files[idx]

	start := time.Now().UTC()
	out := FileOutcome{
		Index:     idx,
		File:      fd,
		Status:    FileRunning,
		Attempts:  jr.plan.attempts[idx] + 1,
		StartedAt: &start,
	}
	if err := q.store.UpdateFile(persist, jr.plan.id, out); err != nil {
		q.logger.Error("queue.file.persist_error", "job_id", jr.plan.id, "index", idx, "err", err)
	}
	q.publish(jr.fileEvent(EventFileStarted, out))

	addFilesInFlight(1)
	storedID, skipReason, err := jr.ingest(fd, func() {
		out.Attempts++
		if err := q.store.UpdateFile(persist, jr.plan.id, out); err != nil {
			q.logger.Error("queue.file.persist_error", "job_id", jr.plan.id, "index", idx, "err", err)
		}
	})
	addFilesInFlight(-1)

	finished := time.Now().UTC()
	out.FinishedAt = &finished
	switch {
	case err == nil && skipReason != "":
		out.Status = FileSkipped
		out.Error = skipReason
	case err == nil:
		out.Status = FileSucceeded
		out.StoredID = storedID
	case storage.IsUnavailable(err):
		out.Status = FileFailed
		out.Error = err.Error()
		jr.aj.cancel(err)
	case jr.ctx.Err() != nil:
		cause := context.Cause(jr.ctx)
		switch {
		case errors.Is(cause, errShutdown):
			// Retried after restart.
			out.Status = FilePending
			out.StartedAt = nil
			out.FinishedAt = nil
		case errors.Is(cause, errJobCancelled):
			out.Status = FileCancelled
			out.Error = errJobCancelled.Error()
		default:
			out.Status = FileSkipped
			out.Error = "skipped: " + cause.Error()
		}
	default:
		out.Status = FileFailed
		out.Error = err.Error()
	}

	if err := q.store.UpdateFile(persist, jr.plan.id, out); err != nil {
		q.logger.Error("queue.file.persist_error", "job_id", jr.plan.id, "index", idx, "err", err)
	}
	if !out.Status.Done() {
		return
	}

	recordFileFinished(out.Status)
	recordFileDuration(finished.Sub(start).Seconds())
	switch out.Status {
	case FileFailed:
		q.logger.Warn("queue.file.failed",
			"job_id", jr.plan.id,
			"file", fd.RelativePath(),
			"err", out.Error,
		)
		q.publish(jr.fileEvent(EventFileFailed, out))
	default:
		q.logger.Debug("queue.file.done",
			"job_id", jr.plan.id,
			"file", fd.RelativePath(),
			"status", out.Status,
		)
		q.publish(jr.fileEvent(EventFileCompleted, out))
	}
}

// ingest fetches, processes and stores one file. A non-empty skip reason
// means the file was intentionally not stored. retried is called before
// every repeated fetch.
func (jr *jobRun) ingest(fd content.FileDescriptor, retried func()) (storedID, skipReason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while ingesting file: %v", r)
		}
	}()

	timeout := jr.q.cfg.FileTimeout
	if jr.plan.opts.FileTimeout > 0 {
		timeout = jr.plan.opts.FileTimeout
	}
	ctx, cancel := context.WithTimeout(jr.ctx, timeout)
	defer cancel()

	defer func() {
		if err != nil && jr.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
	}()

	if fd.Hash != "" {
		owned, release, claimErr := jr.gates.claim(ctx, fd.Hash)
		if claimErr != nil {
			return "", "", claimErr
		}
		if !owned {
			return "", "duplicate content", nil
		}
		defer func() { release(err == nil) }()
	}

	raw, err := jr.fetch(ctx, fd, retried)
	if err != nil {
		return "", "", fmt.Errorf("fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	doc, err := jr.q.processor.Process(ctx, fd, raw)
	if err != nil {
		return "", "", fmt.Errorf("process: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	if jr.plan.opts.DryRun {
		return DryRunID, "", nil
	}
	id, err := jr.q.backend.Store(ctx, storage.Document{
		Content:   doc.Content,
		Filename:  fd.Filename,
		SourceURL: fd.URL,
		MimeType:  doc.MimeType,
		Hash:      fd.Hash,
		Metadata:  doc.Metadata,
		JobID:     jr.plan.id,
		Labels:    jr.plan.opts.Labels,
		UserID:    jr.plan.opts.UserID,
		SessionID: jr.plan.opts.SessionID,
	})
	if err != nil {
		return "", "", fmt.Errorf("store: %w", err)
	}
	return id, "", nil
}

// fetch downloads fd, repeating transient failures up to FetchAttempts
// times with exponential backoff. The waits count against the file timeout
// and end early when the job is cancelled or interrupted.
func (jr *jobRun) fetch(ctx context.Context, fd content.FileDescriptor, retried func()) ([]byte, error) {
	q := jr.q
	for attempt := 1; ; attempt++ {
		raw, err := jr.fetchOnce(ctx, fd)
		if err == nil {
			return raw, nil
		}
		if attempt >= q.cfg.FetchAttempts || ctx.Err() != nil || !provider.IsTransient(err) {
			return nil, err
		}

		wait := q.cfg.retryDelay(attempt)
		q.logger.Info("queue.file.retry",
			"job_id", jr.plan.id,
			"file", fd.RelativePath(),
			"attempt", attempt,
			"wait", wait,
			"err", err,
		)
		recordFetchRetry()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
		if retried != nil {
			retried()
		}
	}
}

func (jr *jobRun) fetchOnce(ctx context.Context, fd content.FileDescriptor) ([]byte, error) {
	rc, err := jr.q.fetcher.Fetch(ctx, fd)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return readLimited(rc, jr.q.cfg.MaxFileBytes)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", process.ErrTooLarge, limit)
	}
	return b, nil
}

// finish moves the job to its terminal state, unless it was interrupted by
// shutdown, and emits job-completed.
func (q *Queue) finish(ctx context.Context, aj *activeJob, started time.Time) {
	defer q.forget(aj.id)

	q.mu.Lock()
	aj.finalizing = true
	cause := context.Cause(ctx)
	q.mu.Unlock()

	persist := context.WithoutCancel(ctx)
	var (
		state  JobState
		errMsg string
	)
	switch {
	case errors.Is(cause, errShutdown):
		if err := q.store.ResetRunning(persist, aj.id); err != nil {
			q.logger.Error("queue.job.persist_error", "job_id", aj.id, "err", err)
		}
		q.logger.Info("queue.job.interrupted", "job_id", aj.id)
		return

	case errors.Is(cause, errJobCancelled):
		state = JobCancelled
		q.finishPending(persist, aj.id, FileCancelled, errJobCancelled.Error())

	case cause != nil:
		state = JobFailed
		errMsg = cause.Error()
		q.finishPending(persist, aj.id, FileSkipped, "skipped: "+errMsg)

	default:
		state = JobCompleted
		if st, err := q.store.LoadJob(persist, aj.id); err == nil && st.Counts.Total > 0 && st.Counts.Failed == st.Counts.Total {
			state = JobFailed
			errMsg = "all files failed"
		}
	}

	now := time.Now().UTC()
	if err := q.store.SetJobState(persist, aj.id, state, errMsg, nil, &now); err != nil {
		q.logger.Error("queue.job.persist_error", "job_id", aj.id, "err", err)
	}

	var counts *Counts
	if st, err := q.store.LoadJob(persist, aj.id); err == nil {
		counts = &st.Counts
	}
	recordJobFinished(state)
	if !started.IsZero() {
		recordJobDuration(now.Sub(started).Seconds())
	}
	attrs := []any{"job_id", aj.id, "state", state}
	if counts != nil {
		attrs = append(attrs, "succeeded", counts.Succeeded, "failed", counts.Failed, "skipped", counts.Skipped)
	}
	if errMsg != "" {
		attrs = append(attrs, "err", errMsg)
	}
	q.logger.Info("queue.job.complete", attrs...)

	ev := q.jobEvent(aj, EventJobCompleted, state, counts)
	ev.Error = errMsg
	q.events <- ev
}

func (q *Queue) finishPending(ctx context.Context, jobID string, state FileState, reason string) {
	n, err := q.store.FinishPending(ctx, jobID, state, reason)
	if err != nil {
		q.logger.Error("queue.job.persist_error", "job_id", jobID, "err", err)
		return
	}
	for i := 0; i < n; i++ {
		recordFileFinished(state)
	}
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	delete(q.running, id)
	q.mu.Unlock()
}

// =============================================================================
// DUPLICATE CONTENT
// =============================================================================

// hashGates lets the first slot with a given content hash store it; later
// slots with the same hash wait for that outcome and are skipped if it
// succeeded.
type hashGates struct {
	mu    sync.Mutex
	gates map[string]*hashGate
}

type hashGate struct {
	done   chan struct{}
	stored bool
}

func newHashGates(stored map[string]bool) *hashGates {
	h := &hashGates{gates: make(map[string]*hashGate)}
	for hash := range stored {
		g := &hashGate{done: make(chan struct{}), stored: true}
		close(g.done)
		h.gates[hash] = g
	}
	return h
}

// claim reports whether the caller owns hash. An owner must call release
// with the outcome; a failed owner hands the hash to the next waiter.
func (h *hashGates) claim(ctx context.Context, hash string) (bool, func(stored bool), error) {
	for {
		h.mu.Lock()
		g, ok := h.gates[hash]
		if !ok {
			g = &hashGate{done: make(chan struct{})}
			h.gates[hash] = g
			h.mu.Unlock()
			return true, func(stored bool) {
				h.mu.Lock()
				if stored {
					g.stored = true
				} else {
					delete(h.gates, hash)
				}
				h.mu.Unlock()
				close(g.done)
			}, nil
		}
		h.mu.Unlock()

		select {
		case <-g.done:
		case <-ctx.Done():
			return false, nil, ctx.Err()
		}
		h.mu.Lock()
		stored := g.stored
		h.mu.Unlock()
		if stored {
			return false, nil, nil
		}
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func (jr *jobRun) fileEvent(t EventType, out FileOutcome) Event {
	return Event{
		Type:       t,
		JobID:      jr.plan.id,
		SessionID:  jr.plan.opts.SessionID,
		UserID:     jr.plan.opts.UserID,
		Time:       time.Now().UTC(),
		FileIndex:  out.Index,
		File:       out.File.RelativePath(),
		FileStatus: out.Status,
		Error:      out.Error,
	}
}

func (q *Queue) jobEvent(aj *activeJob, t EventType, state JobState, counts *Counts) Event {
	return Event{
		Type:      t,
		JobID:     aj.id,
		SessionID: aj.opts.SessionID,
		UserID:    aj.opts.UserID,
		Time:      time.Now().UTC(),
		State:     state,
		Counts:    counts,
	}
}

// publish hands an event to the dispatcher without blocking. Terminal
// events are sent directly by finish and are never dropped.
func (q *Queue) publish(e Event) {
	select {
	case q.events <- e:
	default:
		recordEventDropped()
		q.logger.Debug("queue.event.dropped", "job_id", e.JobID, "type", e.Type)
	}
}

func (q *Queue) dispatch() {
	defer close(q.dispatchDone)
	for {
		select {
		case e := <-q.events:
			q.deliver(e)
		case <-q.stopDispatch:
			for {
				select {
				case e := <-q.events:
					q.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(e Event) {
	if q.relay != nil {
		q.relay.Publish(e)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for ch := range q.subs[e.JobID] {
		select {
		case ch <- e:
		default:
		}
		if e.Type == EventJobCompleted {
			close(ch)
		}
	}
	if e.Type == EventJobCompleted {
		delete(q.subs, e.JobID)
	}
}
