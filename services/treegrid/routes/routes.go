// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"
	"time"

	"github.com/AleutianAI/treegrid/pkg/extensions"
	"github.com/AleutianAI/treegrid/services/treegrid/handlers"
	"github.com/AleutianAI/treegrid/services/treegrid/middleware"
	"github.com/gin-gonic/gin"
)

// Deps are everything the routes hand to their handlers.
type Deps struct {
	Tree    handlers.TreeService
	Records handlers.RecordService
	Search  handlers.SearchService

	// Options supplies auth, authz and audit. Nil fields take no-op
	// defaults.
	Options extensions.ServiceOptions

	// Limiter throttles /v1 per client. Nil disables throttling.
	Limiter *middleware.RateLimiter

	// AllowedOrigins restricts websocket upgrades. Empty allows all.
	AllowedOrigins []string

	SessionTTL    time.Duration
	WatchInterval time.Duration
	Version       string

	// Metrics serves /metrics. Nil leaves the route out.
	Metrics http.Handler
}

// SetupRoutes registers the tree grid API on router.
func SetupRoutes(router *gin.Engine, d Deps) {
	opts := d.Options.Normalize()
	if d.WatchInterval <= 0 {
		d.WatchInterval = 500 * time.Millisecond
	}
	recordDeps := handlers.RecordDeps{Records: d.Records, Authz: opts.AuthzProvider, Audit: opts.AuditLogger}

	router.Use(middleware.RequestID())
	router.GET("/health", handlers.HealthCheck(d.Version))
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	if d.Limiter != nil {
		v1.Use(middleware.RateLimit(d.Limiter))
	}
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handlers.HandleNewSession(d.SessionTTL))
			sessions.DELETE("/:key", handlers.HandleDeleteSession(d.Tree, opts.AuditLogger))
			sessions.GET("/:key/segments", handlers.HandleGetSegments(d.Tree))
		}

		tree := v1.Group("/tree")
		{
			tree.POST("/load", handlers.HandleLoadRoot(d.Tree))
			tree.POST("/expand", handlers.HandleExpand(d.Tree))
			tree.POST("/collapse", handlers.HandleCollapse(d.Tree))
			tree.POST("/refresh", handlers.HandleRefresh(d.Tree))
			tree.POST("/scroll", handlers.HandleScroll(d.Tree))
		}

		records := v1.Group("/records")
		{
			records.POST("", handlers.HandleInsertRecord(recordDeps))
			records.PUT("/:id", handlers.HandleUpdateRecord(recordDeps))
			records.DELETE("/:id", handlers.HandleDeleteRecord(recordDeps))
		}

		search := v1.Group("/search")
		{
			search.POST("", handlers.HandleStartSearch(d.Search))
			search.GET("/:jobId/status", handlers.HandleSearchStatus(d.Search))
			search.GET("/:jobId/results", handlers.HandleSearchResults(d.Search))
			search.GET("/:jobId/watch", handlers.HandleWatchSearch(d.Search,
				handlers.NewUpgrader(d.AllowedOrigins), d.WatchInterval))
		}
	}
}
