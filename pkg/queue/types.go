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
	"time"

	"github.com/kraklabs/ingestd/pkg/content"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// FileState is the state of one file slot within a job.
type FileState string

const (
	FilePending   FileState = "pending"
	FileRunning   FileState = "running"
	FileSucceeded FileState = "succeeded"
	FileFailed    FileState = "failed"
	FileSkipped   FileState = "skipped"
	FileCancelled FileState = "cancelled"
)

// Done reports whether the slot reached a final outcome.
func (s FileState) Done() bool {
	return s == FileSucceeded || s == FileFailed || s == FileSkipped || s == FileCancelled
}

// FileOutcome is the persisted record of one file slot.
type FileOutcome struct {
	Index      int                    `json:"index"`
	File       content.FileDescriptor `json:"file"`
	Status     FileState              `json:"status"`
	Error      string                 `json:"error,omitempty"`
	StoredID   string                 `json:"stored_id,omitempty"`
	Attempts   int                    `json:"attempts"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// Counts aggregates slot states.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Finished is the number of slots with a final outcome.
func (c Counts) Finished() int {
	return c.Succeeded + c.Failed + c.Skipped + c.Cancelled
}

func (c *Counts) add(s FileState) {
	c.Total++
	switch s {
	case FilePending:
		c.Pending++
	case FileRunning:
		c.Running++
	case FileSucceeded:
		c.Succeeded++
	case FileFailed:
		c.Failed++
	case FileSkipped:
		c.Skipped++
	case FileCancelled:
		c.Cancelled++
	}
}

// JobSummary describes a job without its file slots.
type JobSummary struct {
	ID         string                `json:"id"`
	State      JobState              `json:"state"`
	Options    content.IngestOptions `json:"options"`
	Counts     Counts                `json:"counts"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// JobStatus is a job together with every file outcome.
type JobStatus struct {
	JobSummary
	Files []FileOutcome `json:"files"`
}

// EventType names a progress event.
type EventType string

const (
	EventJobStarted    EventType = "job-started"
	EventFileStarted   EventType = "file-started"
	EventFileCompleted EventType = "file-completed"
	EventFileFailed    EventType = "file-failed"
	EventJobCompleted  EventType = "job-completed"
)

// Event is a progress notification. File fields are set for file events;
// State and Counts for job events.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Time      time.Time `json:"time"`

	FileIndex  int       `json:"file_index,omitempty"`
	File       string    `json:"file,omitempty"`
	FileStatus FileState `json:"file_status,omitempty"`
	Error      string    `json:"error,omitempty"`

	State  JobState `json:"state,omitempty"`
	Counts *Counts  `json:"counts,omitempty"`
}

// Relay receives progress events, typically to forward them to connected
// clients. Publish must not block for long; the queue calls it from a single
// dispatcher goroutine.
type Relay interface {
	Publish(Event)
}
