// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers of the tree grid API.
//
// Every handler is a factory closing over the dependencies it needs. The
// dependencies are small interfaces that *grid.Engine satisfies, so tests
// can substitute them.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/AleutianAI/treegrid/services/treegrid/datatypes"
	"github.com/AleutianAI/treegrid/services/treegrid/grid"
	"github.com/AleutianAI/treegrid/services/treegrid/middleware"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// Dependencies
// =============================================================================

// TreeService runs viewport operations on session indexes.
type TreeService interface {
	LoadRoot(ctx context.Context, key string, vp grid.Viewport) (grid.Result, error)
	Expand(ctx context.Context, key string, node grid.NodeRef, vp grid.Viewport) (grid.Result, error)
	Collapse(ctx context.Context, key string, node grid.NodeRef, vp grid.Viewport) (grid.Result, error)
	Refresh(ctx context.Context, key string, node grid.NodeRef, vp grid.Viewport) (grid.Result, error)
	Scroll(ctx context.Context, key string, vp grid.Viewport) (grid.Result, error)
	Session(ctx context.Context, key string) (grid.SessionView, error)
	DropSession(ctx context.Context, key string) error
}

// RecordService mutates tree nodes.
type RecordService interface {
	InsertRecord(ctx context.Context, in store.NodeInput) (store.Row, error)
	UpdateRecord(ctx context.Context, in store.NodeUpdate) (store.Row, error)
	DeleteRecord(ctx context.Context, id int64, gen civil.Date) error
}

// SearchService runs global search jobs.
type SearchService interface {
	StartSearch(ctx context.Context, terms []string) (store.SearchJob, bool, error)
	SearchStatus(ctx context.Context, jobID int64) (store.SearchJob, error)
	SearchResults(ctx context.Context, jobID int64) ([]store.SearchHit, error)
}

var (
	_ TreeService   = (*grid.Engine)(nil)
	_ RecordService = (*grid.Engine)(nil)
	_ SearchService = (*grid.Engine)(nil)
)

// =============================================================================
// Error Responses
// =============================================================================

// StatusClientClosedRequest is the nginx status for a client that went
// away before the reply was written.
const StatusClientClosedRequest = 499

// statusFor maps a grid error code to an HTTP status.
//
// # Description
//
//   - validation: 400
//   - state_not_found: 410, the session expired and the root must be reloaded
//   - segment_not_found, already_expanded: 409, the client's view is stale
//   - not_found: 404
//   - unavailable: 503, the service is shutting down
//   - canceled: 499, or 504 when a deadline expired
//   - invariant_violation, store_error, internal: 500
func statusFor(err error) (int, string) {
	code := grid.Code(err)
	switch code {
	case grid.CodeValidation:
		return http.StatusBadRequest, code
	case grid.CodeStateNotFound:
		return http.StatusGone, code
	case grid.CodeSegmentNotFound, grid.CodeAlreadyExpanded:
		return http.StatusConflict, code
	case grid.CodeNotFound:
		return http.StatusNotFound, code
	case grid.CodeUnavailable:
		return http.StatusServiceUnavailable, code
	case grid.CodeCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, code
		}
		return StatusClientClosedRequest, code
	default:
		return http.StatusInternalServerError, code
	}
}

// respondError writes the error reply for err. Server-side failures are
// logged and their details withheld from the client.
func respondError(c *gin.Context, err error, attrs ...any) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			append([]any{"path", c.FullPath(), "code", code, "error", err,
				"request_id", middleware.GetRequestID(c)}, attrs...)...)
		msg = "internal error"
	} else {
		slog.Debug("request rejected",
			append([]any{"path", c.FullPath(), "code", code, "error", err}, attrs...)...)
	}
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: middleware.GetRequestID(c),
	})
}

// badRequest replies 400 for a body or parameter that failed to parse.
func badRequest(c *gin.Context, msg string, err error) {
	slog.Debug("bad request", "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(http.StatusBadRequest, datatypes.ErrorResponse{
		Error:     msg + ": " + err.Error(),
		Code:      grid.CodeValidation,
		RequestID: middleware.GetRequestID(c),
	})
}

// HealthCheck reports liveness.
func HealthCheck(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version})
	}
}
