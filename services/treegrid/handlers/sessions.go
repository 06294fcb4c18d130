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
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/treegrid/pkg/extensions"
	"github.com/AleutianAI/treegrid/services/treegrid/datatypes"
	"github.com/AleutianAI/treegrid/services/treegrid/middleware"
	"github.com/AleutianAI/treegrid/services/treegrid/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HandleNewSession hands out a fresh session key. Nothing is stored until
// the client loads the root with it.
func HandleNewSession(ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusCreated, datatypes.SessionResponse{
			SessionKey:       uuid.NewString(),
			ExpiresInSeconds: int(ttl.Seconds()),
		})
	}
}

// HandleDeleteSession drops a session's index. Deleting an unknown
// session succeeds.
func HandleDeleteSession(svc TreeService, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		keyHash := sessions.KeyHash(key)

		err := svc.DropSession(c.Request.Context(), key)
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		user := ""
		if info := middleware.GetAuthInfo(c); info != nil {
			user = info.UserID
		}
		if aerr := audit.Log(c.Request.Context(), extensions.AuditEvent{
			EventType:    "session.delete",
			UserID:       user,
			Action:       "delete",
			ResourceType: "session",
			ResourceID:   keyHash,
			Outcome:      outcome,
			Metadata:     map[string]any{"request_id": middleware.GetRequestID(c)},
		}); aerr != nil {
			slog.Warn("audit log failed", "action", "session.delete", "error", aerr)
		}

		if err != nil {
			respondError(c, err, "session_key_hash", keyHash)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_key_hash": keyHash})
	}
}

// HandleGetSegments returns a session's raw segment index.
func HandleGetSegments(svc TreeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		view, err := svc.Session(c.Request.Context(), key)
		if err != nil {
			respondError(c, err, "session_key_hash", sessions.KeyHash(key))
			return
		}
		c.JSON(http.StatusOK, view)
	}
}
