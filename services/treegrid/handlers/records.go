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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/treegrid/pkg/extensions"
	"github.com/AleutianAI/treegrid/services/treegrid/datatypes"
	"github.com/AleutianAI/treegrid/services/treegrid/grid"
	"github.com/AleutianAI/treegrid/services/treegrid/middleware"
	"github.com/AleutianAI/treegrid/services/treegrid/sessions"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
	"github.com/gin-gonic/gin"
)

// SessionKeyHeader names the session a record mutation is made from.
const SessionKeyHeader = "X-Session-Key"

// RecordDeps are the collaborators of the record handlers.
type RecordDeps struct {
	Records RecordService
	Authz   extensions.AuthzProvider
	Audit   extensions.AuditLogger
}

// recordCall is what every record handler shares: the session check, the
// authorization check and the audit event.
type recordCall struct {
	deps       RecordDeps
	c          *gin.Context
	action     string
	resourceID string
	keyHash    string
}

// begin checks the session header and authorization. It writes the reply
// and returns false when the call must not proceed.
func (rc *recordCall) begin() bool {
	key := rc.c.GetHeader(SessionKeyHeader)
	if key == "" {
		badRequest(rc.c, "missing header", fmt.Errorf("%s is required", SessionKeyHeader))
		return false
	}
	rc.keyHash = sessions.KeyHash(key)

	err := rc.deps.Authz.Authorize(rc.c.Request.Context(), extensions.AuthzRequest{
		User:         middleware.GetAuthInfo(rc.c),
		Action:       rc.action,
		ResourceType: "record",
		ResourceID:   rc.resourceID,
	})
	if err == nil {
		return true
	}
	if errors.Is(err, extensions.ErrUnauthorized) {
		rc.audit("denied", err)
		rc.c.AbortWithStatusJSON(http.StatusForbidden, datatypes.ErrorResponse{
			Error:     "forbidden",
			Code:      "forbidden",
			RequestID: middleware.GetRequestID(rc.c),
		})
		return false
	}
	rc.audit("error", err)
	respondError(rc.c, err)
	return false
}

// finish audits the outcome and writes the error reply when err is set.
func (rc *recordCall) finish(err error) bool {
	if err != nil {
		rc.audit("error", err)
		respondError(rc.c, err, "session_key_hash", rc.keyHash)
		return false
	}
	rc.audit("success", nil)
	return true
}

func (rc *recordCall) audit(outcome string, cause error) {
	user := ""
	if info := middleware.GetAuthInfo(rc.c); info != nil {
		user = info.UserID
	}
	meta := map[string]any{
		"request_id":       middleware.GetRequestID(rc.c),
		"session_key_hash": rc.keyHash,
	}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	err := rc.deps.Audit.Log(rc.c.Request.Context(), extensions.AuditEvent{
		EventType:    "record." + rc.action,
		UserID:       user,
		Action:       rc.action,
		ResourceType: "record",
		ResourceID:   rc.resourceID,
		Outcome:      outcome,
		Metadata:     meta,
	})
	if err != nil {
		slog.Warn("audit log failed", "action", rc.action, "error", err)
	}
}

// HandleInsertRecord appends a node to its parent's run.
//
// # Request
//
//	POST /v1/records
//	X-Session-Key: <key>
//	{"parent_id": 6, "stage_date": "1900-01-01", "name": "Node 2.3"}
//
// # Response
//
//	201 with the stored row. The client refreshes the parent to show it.
func HandleInsertRecord(deps RecordDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.InsertRecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body", err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, "invalid request", err)
			return
		}
		gen, err := datatypes.ParseStageDate(req.StageDate)
		if err != nil {
			badRequest(c, "invalid request", err)
			return
		}

		rc := &recordCall{deps: deps, c: c, action: "insert"}
		if !rc.begin() {
			return
		}
		row, err := deps.Records.InsertRecord(c.Request.Context(), store.NodeInput{
			ParentID:    req.ParentID,
			Generation:  gen,
			Name:        req.Name,
			HasChildren: req.HasChildren,
			ChildCount:  req.ChildCount,
		})
		if err == nil {
			rc.resourceID = strconv.FormatInt(row.ID, 10)
		}
		if !rc.finish(err) {
			return
		}
		c.JSON(http.StatusCreated, row)
	}
}

// HandleUpdateRecord changes a node and optionally moves it.
func HandleUpdateRecord(deps RecordDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := recordID(c)
		if !ok {
			return
		}
		var req datatypes.UpdateRecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body", err)
			return
		}
		if err := req.Validate(); err != nil {
			badRequest(c, "invalid request", err)
			return
		}
		gen, err := datatypes.ParseStageDate(req.StageDate)
		if err != nil {
			badRequest(c, "invalid request", err)
			return
		}

		rc := &recordCall{deps: deps, c: c, action: "update", resourceID: c.Param("id")}
		if !rc.begin() {
			return
		}
		row, err := deps.Records.UpdateRecord(c.Request.Context(), store.NodeUpdate{
			ID:          id,
			Generation:  gen,
			NewParentID: req.NewParentID,
			Name:        req.Name,
			HasChildren: req.HasChildren,
			ChildCount:  req.ChildCount,
		})
		if !rc.finish(err) {
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

// HandleDeleteRecord removes a node and its subtree. The node's generation
// comes from the stage_date query parameter.
//
//	DELETE /v1/records/7?stage_date=1900-01-01
func HandleDeleteRecord(deps RecordDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := recordID(c)
		if !ok {
			return
		}
		gen, err := datatypes.ParseStageDate(c.Query("stage_date"))
		if err != nil {
			badRequest(c, "invalid query", err)
			return
		}

		rc := &recordCall{deps: deps, c: c, action: "delete", resourceID: c.Param("id")}
		if !rc.begin() {
			return
		}
		if !rc.finish(deps.Records.DeleteRecord(c.Request.Context(), id, gen)) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
	}
}

func recordID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid record id", fmt.Errorf("%w: %q", grid.ErrValidation, c.Param("id")))
		return 0, false
	}
	return id, true
}
