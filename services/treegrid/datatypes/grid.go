// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request and response bodies of the tree grid
// HTTP API.
//
// Dates travel as "YYYY-MM-DD" strings. Processed rows carry the date
// 1900-01-01; clients echo back whatever stage_date a row came with.
package datatypes

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// gridValidate is the validator instance for grid datatypes.
var gridValidate *validator.Validate

func init() {
	gridValidate = validator.New()
}

const (
	// MaxRowsPerViewport bounds rows_per_viewport.
	MaxRowsPerViewport = 1000

	// MaxColumnsPerViewport bounds columns_per_viewport.
	MaxColumnsPerViewport = 200
)

// ParseStageDate parses a "YYYY-MM-DD" stage date.
func ParseStageDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("stage_date %q: %w", s, err)
	}
	return d, nil
}

// =============================================================================
// Tree Requests
// =============================================================================

// ViewportRequest is the visible rectangle of the grid.
//
// # Fields
//
//   - FirstVisibleRow: Required. 1-based first row.
//   - RowsPerViewport: Required. 1 to MaxRowsPerViewport.
//   - FirstVisibleColumn: 0-based first cell column.
//   - ColumnsPerViewport: 0 to MaxColumnsPerViewport. 0 returns no cells.
//   - SearchJobID: Optional. Rows matched by this job get is_match.
type ViewportRequest struct {
	FirstVisibleRow    int   `json:"first_visible_row" validate:"required,gte=1"`
	RowsPerViewport    int   `json:"rows_per_viewport" validate:"required,gte=1,lte=1000"`
	FirstVisibleColumn int   `json:"first_visible_column" validate:"gte=0"`
	ColumnsPerViewport int   `json:"columns_per_viewport" validate:"gte=0,lte=200"`
	SearchJobID        int64 `json:"search_job_id" validate:"gte=0"`
}

// TreeRequest is the body of load and scroll.
type TreeRequest struct {
	SessionKey string `json:"session_key" validate:"required,max=128"`
	ViewportRequest
}

// Validate validates the TreeRequest fields.
func (r *TreeRequest) Validate() error {
	return gridValidate.Struct(r)
}

// NodeRequest is the body of expand, collapse and refresh. The node is
// addressed the way the client sees it: its parent, generation and sort
// id, plus its own id and displayed depth.
type NodeRequest struct {
	TreeRequest
	ParentNodeID int64  `json:"parent_node_id" validate:"gte=0"`
	NodeID       int64  `json:"node_id" validate:"required,gt=0"`
	StageDate    string `json:"stage_date" validate:"required,datetime=2006-01-02"`
	SortID       int    `json:"sort_id" validate:"required,gte=1"`
	ChildCount   int    `json:"child_count" validate:"gte=0"`
	Depth        int    `json:"depth" validate:"gte=0"`
}

// Validate validates the NodeRequest fields.
func (r *NodeRequest) Validate() error {
	return gridValidate.Struct(r)
}

// =============================================================================
// Record Requests
// =============================================================================

// InsertRecordRequest is the body of POST /v1/records.
type InsertRecordRequest struct {
	ParentID    int64  `json:"parent_id" validate:"gte=0"`
	StageDate   string `json:"stage_date" validate:"required,datetime=2006-01-02"`
	Name        string `json:"name" validate:"required,max=512"`
	HasChildren bool   `json:"has_children"`
	ChildCount  int    `json:"child_count" validate:"gte=0"`
}

// Validate validates the InsertRecordRequest fields.
func (r *InsertRecordRequest) Validate() error {
	return gridValidate.Struct(r)
}

// UpdateRecordRequest is the body of PUT /v1/records/:id. A non-zero
// NewParentID different from the current parent moves the node.
type UpdateRecordRequest struct {
	StageDate   string `json:"stage_date" validate:"required,datetime=2006-01-02"`
	NewParentID int64  `json:"new_parent_id" validate:"gte=0"`
	Name        string `json:"name" validate:"max=512"`
	HasChildren bool   `json:"has_children"`
	ChildCount  int    `json:"child_count" validate:"gte=0"`
}

// Validate validates the UpdateRecordRequest fields.
func (r *UpdateRecordRequest) Validate() error {
	return gridValidate.Struct(r)
}

// =============================================================================
// Search
// =============================================================================

// SearchRequest is the body of POST /v1/search.
type SearchRequest struct {
	Terms []string `json:"terms" validate:"required,min=1,max=20,dive,max=200"`
}

// Validate validates the SearchRequest fields.
func (r *SearchRequest) Validate() error {
	return gridValidate.Struct(r)
}

// SearchStartResponse answers POST /v1/search. SkipPolling is true when the
// results are already available.
type SearchStartResponse struct {
	JobID       int64  `json:"job_id"`
	Status      string `json:"status"`
	SkipPolling bool   `json:"skip_polling"`
}

// =============================================================================
// Misc Responses
// =============================================================================

// SessionResponse answers POST /v1/sessions.
type SessionResponse struct {
	SessionKey       string `json:"session_key"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}
