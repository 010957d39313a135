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
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/ingestion"
	"github.com/kraklabs/ingestd/pkg/queue"
	"github.com/kraklabs/ingestd/pkg/relay"
)

// maxListLimit caps GET /v1/jobs?limit=.
const maxListLimit = 500

// ConfirmRequest submits files returned by an earlier ingest call that
// required confirmation.
type ConfirmRequest struct {
	Files     []content.FileDescriptor `json:"files"`
	Options   content.IngestOptions    `json:"options"`
	UserID    string                   `json:"user_id,omitempty"`
	SessionID string                   `json:"session_id,omitempty"`
}

// JobAccepted is the body of a 202 answer.
type JobAccepted struct {
	JobID string `json:"job_id"`
	Files int    `json:"files"`
}

// CancelResult is the body of DELETE /v1/jobs/:id.
type CancelResult struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"relay_clients": s.hub.Clients(),
	})
}

// handleIngest validates and discovers a URL. It answers 202 when a job
// was created, 200 when confirmation is needed or nothing was found, 400
// when no provider handles the URL and 422 when validation failed.
func (s *Server) handleIngest(c echo.Context) error {
	var req ingestion.Request
	if err := c.Bind(&req); err != nil {
		return newBadRequest("invalid request body", err)
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return newValidationError("url")
	}

	resp, err := s.ingester.Ingest(c.Request().Context(), req)
	if err != nil {
		return err
	}

	switch {
	case resp.JobID != "":
		return c.JSON(http.StatusAccepted, resp)
	case !resp.Validation.Valid && resp.Provider == "":
		return c.JSON(http.StatusBadRequest, resp)
	case !resp.Validation.Valid:
		return c.JSON(http.StatusUnprocessableEntity, resp)
	default:
		return c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) handleConfirm(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return newBadRequest("invalid request body", err)
	}
	if len(req.Files) == 0 {
		return newValidationError("files")
	}
	for i, f := range req.Files {
		if f.URL == "" {
			return newValidationError("files[" + strconv.Itoa(i) + "].url")
		}
	}

	opts := req.Options
	if req.UserID != "" {
		opts.UserID = req.UserID
	}
	if req.SessionID != "" {
		opts.SessionID = req.SessionID
	}

	id, err := s.ingester.ConfirmAndIngest(c.Request().Context(), req.Files, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, JobAccepted{JobID: id, Files: len(req.Files)})
}

func (s *Server) handleListJobs(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return newValidationError("limit")
		}
		limit = min(n, maxListLimit)
	}

	jobs, err := s.jobs.ListJobs(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []queue.JobSummary{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleGetJob(c echo.Context) error {
	id := c.Param("id")
	st, err := s.ingester.GetJobStatus(c.Request().Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		return newNotFound("job", id)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleCancelJob(c echo.Context) error {
	id := c.Param("id")
	ok, err := s.ingester.CancelJob(c.Request().Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		return newNotFound("job", id)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CancelResult{JobID: id, Cancelled: ok})
}

// handleJobEvents streams the events of one job. A job that already
// finished gets its final state and the connection is closed.
func (s *Server) handleJobEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.ingester.GetJobStatus(c.Request().Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return newNotFound("job", id)
		}
		return err
	}

	sub := relay.Subscription{
		JobID: id,
		Final: func() *queue.Event { return s.finalEvent(id) },
	}
	if err := s.hub.ServeWS(c.Response(), c.Request(), sub); err != nil {
		// The upgrader already answered the client.
		s.logger.Debug("server.ws.upgrade_failed", "job_id", id, "err", err)
	}
	return nil
}

// handleSessionEvents streams the events of every job of one session.
func (s *Server) handleSessionEvents(c echo.Context) error {
	id := c.Param("id")
	if err := s.hub.ServeWS(c.Response(), c.Request(), relay.Subscription{SessionID: id}); err != nil {
		s.logger.Debug("server.ws.upgrade_failed", "session_id", id, "err", err)
	}
	return nil
}

// finalEvent returns the job-completed event of a finished job, or nil.
func (s *Server) finalEvent(id string) *queue.Event {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := s.ingester.GetJobStatus(ctx, id)
	if err != nil || !st.State.Terminal() {
		return nil
	}
	at := time.Now().UTC()
	if st.FinishedAt != nil {
		at = *st.FinishedAt
	}
	counts := st.Counts
	return &queue.Event{
		Type:      queue.EventJobCompleted,
		JobID:     st.ID,
		SessionID: st.Options.SessionID,
		UserID:    st.Options.UserID,
		Time:      at,
		State:     st.State,
		Counts:    &counts,
		Error:     st.Error,
	}
}
