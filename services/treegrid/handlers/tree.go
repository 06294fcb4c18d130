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
	"net/http"

	"github.com/AleutianAI/treegrid/services/treegrid/datatypes"
	"github.com/AleutianAI/treegrid/services/treegrid/grid"
	"github.com/AleutianAI/treegrid/services/treegrid/sessions"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// nodeOp is the shape shared by Expand, Collapse and Refresh.
type nodeOp func(ctx context.Context, key string, node grid.NodeRef, vp grid.Viewport) (grid.Result, error)

// HandleLoadRoot builds a fresh index for the session and returns the
// first viewport. Any previous index of the session is replaced.
//
// # Request
//
//	POST /v1/tree/load
//	{"session_key": "...", "first_visible_row": 1, "rows_per_viewport": 40}
//
// # Response
//
//	200 {"tree_row_count": 5, "rows": [...]}
func HandleLoadRoot(svc TreeService) gin.HandlerFunc {
	return handleTree(svc.LoadRoot)
}

// HandleScroll resolves a viewport against the existing index.
func HandleScroll(svc TreeService) gin.HandlerFunc {
	return handleTree(svc.Scroll)
}

// HandleExpand opens a node.
//
// # Request
//
//	POST /v1/tree/expand
//	{"session_key": "...", "first_visible_row": 1, "rows_per_viewport": 40,
//	 "parent_node_id": 0, "node_id": 6, "stage_date": "1900-01-01",
//	 "sort_id": 2, "child_count": 2, "depth": 1}
//
// # Errors
//
//   - 409 segment_not_found: the node is not where the client saw it
//   - 409 already_expanded
//   - 410 state_not_found: reload the root
func HandleExpand(svc TreeService) gin.HandlerFunc {
	return handleNode(svc.Expand)
}

// HandleCollapse closes a node. Collapsing a closed node is a no-op.
func HandleCollapse(svc TreeService) gin.HandlerFunc {
	return handleNode(svc.Collapse)
}

// HandleRefresh re-reads a node's children after they changed.
func HandleRefresh(svc TreeService) gin.HandlerFunc {
	return handleNode(svc.Refresh)
}

func handleTree(op func(context.Context, string, grid.Viewport) (grid.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.TreeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body", err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, "invalid request", err)
			return
		}
		keyHash := annotate(c, req.SessionKey)

		res, err := op(c.Request.Context(), req.SessionKey, toViewport(req.ViewportRequest))
		if err != nil {
			respondError(c, err, "session_key_hash", keyHash)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func handleNode(op nodeOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.NodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body", err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, "invalid request", err)
			return
		}
		node, err := toNodeRef(req)
		if err != nil {
			badRequest(c, "invalid request", err)
			return
		}
		keyHash := annotate(c, req.SessionKey)

		res, err := op(c.Request.Context(), req.SessionKey, node, toViewport(req.ViewportRequest))
		if err != nil {
			respondError(c, err, "session_key_hash", keyHash, "node_id", req.NodeID)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// annotate tags the server span with the hashed session key and returns
// the hash for logging.
func annotate(c *gin.Context, key string) string {
	h := sessions.KeyHash(key)
	trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("session.key_hash", h))
	return h
}

func toViewport(r datatypes.ViewportRequest) grid.Viewport {
	return grid.Viewport{
		FirstRow:    r.FirstVisibleRow,
		RowCount:    r.RowsPerViewport,
		FirstColumn: r.FirstVisibleColumn,
		ColumnCount: r.ColumnsPerViewport,
		SearchJobID: r.SearchJobID,
	}
}

func toNodeRef(r datatypes.NodeRequest) (grid.NodeRef, error) {
	gen, err := datatypes.ParseStageDate(r.StageDate)
	if err != nil {
		return grid.NodeRef{}, err
	}
	return grid.NodeRef{
		ParentNodeID: r.ParentNodeID,
		Generation:   gen,
		SortID:       r.SortID,
		NodeID:       r.NodeID,
		ChildCount:   r.ChildCount,
		Depth:        r.Depth,
	}, nil
}
