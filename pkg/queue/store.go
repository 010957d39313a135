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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/kraklabs/ingestd/pkg/content"
)

// Schema creates the job tables. Timestamps are Unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	options     BLOB NOT NULL,
	error       TEXT,
	total       INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	started_at  INTEGER,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state);
CREATE INDEX IF NOT EXISTS jobs_created_idx ON jobs (created_at);

CREATE TABLE IF NOT EXISTS job_files (
	job_id      TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	descriptor  BLOB NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT,
	stored_id   TEXT,
	attempts    INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER,
	finished_at INTEGER,
	PRIMARY KEY (job_id, idx)
);
`

// Store persists jobs and their file slots.
type Store interface {
	// CreateJob writes the job and every slot atomically.
	CreateJob(ctx context.Context, job JobSummary, files []content.FileDescriptor) error

	// SetJobState updates a job's state, error and timestamps. Nil
	// timestamps leave the stored value unchanged.
	SetJobState(ctx context.Context, id string, state JobState, errMsg string, startedAt, finishedAt *time.Time) error

	// UpdateFile overwrites one slot's outcome.
	UpdateFile(ctx context.Context, jobID string, out FileOutcome) error

	// FinishPending moves every pending or running slot to state.
	FinishPending(ctx context.Context, jobID string, state FileState, errMsg string) (int, error)

	// ResetRunning moves running slots back to pending.
	ResetRunning(ctx context.Context, jobID string) error

	// LoadJob returns the job with all its slots, or ErrJobNotFound.
	LoadJob(ctx context.Context, id string) (*JobStatus, error)

	// ListJobs returns the most recent jobs first.
	ListJobs(ctx context.Context, limit int) ([]JobSummary, error)

	// IncompleteJobs returns ids of non-terminal jobs, oldest first.
	IncompleteJobs(ctx context.Context) ([]string, error)

	// Prune deletes terminal jobs created before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the store at path. ":memory:" gives
// a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// One connection: SQLite allows a single writer, and every connection
	// to ":memory:" would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func unixMilli(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMilli(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateJob implements Store.
func (s *SQLiteStore) CreateJob(ctx context.Context, job JobSummary, files []content.FileDescriptor) error {
	opts, err := msgpack.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode job options: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, state, options, total, created_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(job.State), opts, len(files), job.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO job_files (job_id, idx, descriptor, status) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, fd := range files {
		blob, err := msgpack.Marshal(fd)
		if err != nil {
			return fmt.Errorf("encode file %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, job.ID, i, blob, string(FilePending)); err != nil {
			return fmt.Errorf("insert file %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// SetJobState implements Store.
func (s *SQLiteStore) SetJobState(ctx context.Context, id string, state JobState, errMsg string, startedAt, finishedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = ?,
			error = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at)
		WHERE id = ?`,
		string(state), nullString(errMsg), unixMilli(startedAt), unixMilli(finishedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UpdateFile implements Store.
func (s *SQLiteStore) UpdateFile(ctx context.Context, jobID string, out FileOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_files SET status = ?, error = ?, stored_id = ?, attempts = ?, started_at = ?, finished_at = ?
		WHERE job_id = ? AND idx = ?`,
		string(out.Status), nullString(out.Error), nullString(out.StoredID), out.Attempts,
		unixMilli(out.StartedAt), unixMilli(out.FinishedAt), jobID, out.Index,
	)
	if err != nil {
		return fmt.Errorf("update file %s/%d: %w", jobID, out.Index, err)
	}
	return nil
}

// FinishPending implements Store.
func (s *SQLiteStore) FinishPending(ctx context.Context, jobID string, state FileState, errMsg string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_files SET status = ?, error = ?, finished_at = ?
		WHERE job_id = ? AND status IN (?, ?)`,
		string(state), nullString(errMsg), time.Now().UnixMilli(), jobID, string(FilePending), string(FileRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("finish pending files of %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetRunning implements Store.
func (s *SQLiteStore) ResetRunning(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_files SET status = ?, started_at = NULL WHERE job_id = ? AND status = ?`,
		string(FilePending), jobID, string(FileRunning),
	)
	return err
}

const jobColumns = `id, state, options, error, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobSummary, error) {
	var (
		j                 JobSummary
		opts              []byte
		errMsg            sql.NullString
		created           int64
		started, finished sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.State, &opts, &errMsg, &created, &started, &finished); err != nil {
		return JobSummary{}, err
	}
	if err := msgpack.Unmarshal(opts, &j.Options); err != nil {
		return JobSummary{}, fmt.Errorf("decode options of job %s: %w", j.ID, err)
	}
	j.Error = errMsg.String
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.StartedAt = fromMilli(started)
	j.FinishedAt = fromMilli(finished)
	return j, nil
}

// LoadJob implements Store.
func (s *SQLiteStore) LoadJob(ctx context.Context, id string) (*JobStatus, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, descriptor, status, error, stored_id, attempts, started_at, finished_at
		FROM job_files WHERE job_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("load files of job %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	st := &JobStatus{JobSummary: job}
	for rows.Next() {
		var (
			out               FileOutcome
			blob              []byte
			errMsg, storedID  sql.NullString
			started, finished sql.NullInt64
		)
		if err := rows.Scan(&out.Index, &blob, &out.Status, &errMsg, &storedID, &out.Attempts, &started, &finished); err != nil {
			return nil, err
		}
		if err := msgpack.Unmarshal(blob, &out.File); err != nil {
			return nil, fmt.Errorf("decode file %d of job %s: %w", out.Index, id, err)
		}
		out.Error = errMsg.String
		out.StoredID = storedID.String
		out.StartedAt = fromMilli(started)
		out.FinishedAt = fromMilli(finished)
		st.Counts.add(out.Status)
		st.Files = append(st.Files, out)
	}
	return st, rows.Err()
}

// ListJobs implements Store.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]JobSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var jobs []JobSummary
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Counts need a second query; the single connection is free again now.
	for i := range jobs {
		c, err := s.counts(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Counts = c
	}
	return jobs, nil
}

func (s *SQLiteStore) counts(ctx context.Context, jobID string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_files WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return Counts{}, err
	}
	defer func() { _ = rows.Close() }()

	var c Counts
	for rows.Next() {
		var (
			status FileState
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		for i := 0; i < n; i++ {
			c.add(status)
		}
	}
	return c, rows.Err()
}

// IncompleteJobs implements Store.
func (s *SQLiteStore) IncompleteJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE state IN (?, ?) ORDER BY created_at, id`, string(JobQueued), string(JobRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	terminal := `SELECT id FROM jobs WHERE state IN (?, ?, ?) AND created_at < ?`
	args := []any{string(JobCompleted), string(JobFailed), string(JobCancelled), cutoff.UnixMilli()}

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_files WHERE job_id IN (`+terminal+`)`, args...); err != nil {
		return 0, fmt.Errorf("prune job files: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+terminal+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
