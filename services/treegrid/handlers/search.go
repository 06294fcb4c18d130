// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/AleutianAI/treegrid/services/treegrid/datatypes"
	"github.com/AleutianAI/treegrid/services/treegrid/grid"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// HandleStartSearch finds or creates the job for a term set.
//
// # Response
//
//   - 200 with skip_polling true when the job already completed
//   - 202 when the job is running; poll status or open the watch socket
func HandleStartSearch(svc SearchService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body", err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, "invalid request", err)
			return
		}

		job, skip, err := svc.StartSearch(c.Request.Context(), req.Terms)
		if err != nil {
			respondError(c, err)
			return
		}
		status := http.StatusAccepted
		if skip {
			status = http.StatusOK
		}
		c.JSON(status, datatypes.SearchStartResponse{
			JobID:       job.ID,
			Status:      string(job.Status),
			SkipPolling: skip,
		})
	}
}

// HandleSearchStatus returns a job's current state.
func HandleSearchStatus(svc SearchService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := jobID(c)
		if !ok {
			return
		}
		job, err := svc.SearchStatus(c.Request.Context(), id)
		if err != nil {
			respondError(c, err, "job_id", id)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// HandleSearchResults returns the nodes a job matched. Results of a job
// that has not completed are empty.
func HandleSearchResults(svc SearchService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := jobID(c)
		if !ok {
			return
		}
		hits, err := svc.SearchResults(c.Request.Context(), id)
		if err != nil {
			respondError(c, err, "job_id", id)
			return
		}
		if hits == nil {
			hits = []store.SearchHit{}
		}
		c.JSON(http.StatusOK, gin.H{"job_id": id, "results": hits})
	}
}

// =============================================================================
// Watch
// =============================================================================

// NewUpgrader returns the websocket upgrader for search watches. An empty
// allowedOrigins accepts every origin; requests without an Origin header
// (non-browser clients) are always accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			return slices.Contains(allowedOrigins, origin) || slices.Contains(allowedOrigins, "*")
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
}

// HandleWatchSearch pushes a job's status over a websocket.
//
// # Description
//
// The job is looked up before the upgrade so that a bad or unknown id gets
// a normal HTTP error. After the upgrade the current status is sent, then
// every change seen at each poll, until the job is terminal. The server
// then closes the socket normally. Messages from the client are ignored;
// a read error (the client left) stops the watch.
//
// # Inputs
//
//   - svc: Search service.
//   - upgrader: From NewUpgrader.
//   - interval: Poll period. Must be positive.
func HandleWatchSearch(svc SearchService, upgrader *websocket.Upgrader, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := jobID(c)
		if !ok {
			return
		}
		job, err := svc.SearchStatus(c.Request.Context(), id)
		if err != nil {
			respondError(c, err, "job_id", id)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "job_id", id, "error", err)
			return
		}
		defer ws.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := ws.NextReader(); err != nil {
					return
				}
			}
		}()

		if err := watchJob(ctx, ws, svc, job, interval); err != nil {
			slog.Info("search watch ended", "job_id", id, "error", err)
		}
	}
}

func watchJob(ctx context.Context, ws *websocket.Conn, svc SearchService, job store.SearchJob, interval time.Duration) error {
	if err := ws.WriteJSON(job); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := job
	for !last.Status.Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		next, err := svc.SearchStatus(ctx, job.ID)
		if err != nil {
			_ = ws.WriteJSON(datatypes.ErrorResponse{Error: "status unavailable", Code: grid.Code(err)})
			return err
		}
		if next.Status == last.Status && next.Matches == last.Matches {
			continue
		}
		if err := ws.WriteJSON(next); err != nil {
			return err
		}
		last = next
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(last.Status))
	return ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func jobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("jobId"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid job id", fmt.Errorf("%w: %q", grid.ErrValidation, c.Param("jobId")))
		return 0, false
	}
	return id, true
}
