// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the tree grid service.
//
// # Chain
//
// Routes install the middleware in this order:
//
//	Request
//	   │
//	   ▼
//	RequestID ──► RateLimit ──► Auth ──► Handler
//
// RequestID runs first so that rejections by the later stages still carry
// an id the client can quote.
//
// # Open Source Behavior
//
// With extensions.NopAuthProvider (the default) every request is the
// "local-user" with admin privileges, so the grid works without any
// identity infrastructure.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/treegrid/pkg/extensions"
	"github.com/AleutianAI/treegrid/services/treegrid/datatypes"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// authInfoKey is the gin context key for the authenticated AuthInfo.
const authInfoKey = "treegrid_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// # Description
//
// Called by AuthMiddleware after successful authentication. Overwrites any
// previously stored value.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil when AuthMiddleware did not
//     run for this request.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// with provider and stores the resulting AuthInfo for downstream handlers.
// A missing or malformed header yields an empty token, which
// NopAuthProvider accepts.
//
//	Authorization: Bearer <token>
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware aborting with 401 on failure.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
//
// # Limitations
//
//   - Only Bearer tokens are supported
//   - Validation results are not cached
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			msg := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				msg = "unauthorized"
			} else {
				slog.Warn("auth provider failed", "error", err, "request_id", GetRequestID(c))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
				Error:     msg,
				Code:      "unauthorized",
				RequestID: GetRequestID(c),
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "" when the header is missing or uses another scheme. The
// scheme is matched case-insensitively per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
