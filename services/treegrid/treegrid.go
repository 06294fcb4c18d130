// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package treegrid assembles the tree grid service.
//
// The service owns the relational store, the session state store and the
// grid engine, and serves them over HTTP:
//
//	HTTP ──► cors ──► gin (otelgin, request id, rate limit, auth)
//	                   │
//	                   ▼
//	              handlers ──► grid.Engine ──► store.SQLiteStore
//	                                     └──► sessions.Store (badger)
//
// # Usage
//
// Open source (no-op auth, authz and audit):
//
//	svc, err := treegrid.New(cfg, nil, logger)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
//
// With custom security hooks:
//
//	opts := extensions.DefaultOptions().WithAudit(myAudit)
//	svc, err := treegrid.New(cfg, &opts, logger)
package treegrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/treegrid/pkg/extensions"
	"github.com/AleutianAI/treegrid/services/treegrid/grid"
	"github.com/AleutianAI/treegrid/services/treegrid/handlers"
	"github.com/AleutianAI/treegrid/services/treegrid/middleware"
	"github.com/AleutianAI/treegrid/services/treegrid/observability"
	"github.com/AleutianAI/treegrid/services/treegrid/routes"
	"github.com/AleutianAI/treegrid/services/treegrid/sessions"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Version is reported by /health. Set at build time with
// -ldflags "-X github.com/AleutianAI/treegrid/services/treegrid.Version=...".
var Version = "dev"

const serviceName = "treegrid"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is a running tree grid server.
//
// # Thread Safety
//
// Run must be called at most once. Close is safe to call more than once
// and from any goroutine.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the listener fails, then
	// shuts down gracefully and releases every resource.
	Run(ctx context.Context) error

	// Handler returns the full HTTP handler, CORS included.
	Handler() http.Handler

	// Router returns the gin engine, for tests.
	Router() *gin.Engine

	// Close releases resources without serving. Run calls it on exit.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config  Config
	opts    extensions.ServiceOptions
	logger  *slog.Logger
	db      *store.SQLiteStore
	states  *sessions.Store
	engine  *grid.Engine
	router  *gin.Engine
	handler http.Handler

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// New builds the service.
//
// # Description
//
// Applies defaults to cfg, opens the SQLite store (creating the schema)
// and the session store, then wires the engine and router. When
// cfg.AuthToken is set and opts supplies no AuthProvider, bearer token
// auth with that token is enabled.
//
// # Inputs
//
//   - cfg: Configuration. Zero values take defaults.
//   - opts: Security hooks. Nil uses no-op defaults.
//   - logger: Nil uses slog.Default().
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Invalid configuration or a store that failed to open.
func New(cfg Config, opts *extensions.ServiceOptions, logger *slog.Logger) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &service{config: cfg, logger: logger}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.AuthProvider == nil && cfg.AuthToken != "" {
		s.opts.AuthProvider = extensions.NewStaticTokenProvider(cfg.AuthToken)
	}
	s.opts = s.opts.Normalize()

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metrics *observability.GridMetrics
	if !cfg.DisableMetrics {
		metrics = observability.InitMetrics()
	}

	ctx := context.Background()
	s.db, err = store.OpenSQLite(ctx, cfg.DatabasePath, logger)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open tree store: %w", err)
	}

	s.states, err = sessions.Open(sessions.Config{
		Dir:            cfg.Sessions.Dir,
		InMemory:       cfg.Sessions.InMemory,
		SyncWrites:     cfg.Sessions.SyncWrites,
		TTL:            cfg.Sessions.TTL,
		GCInterval:     cfg.Sessions.GCInterval,
		GCDiscardRatio: 0.5,
		Logger:         logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	s.engine = grid.NewEngine(s.db, s.states, grid.Config{
		RootNodeID:            cfg.RootNodeID,
		MaxViewportRows:       cfg.MaxViewportRows,
		MaxViewportColumns:    cfg.MaxViewportColumns,
		MaxConcurrentSearches: cfg.MaxConcurrentSearches,
		Logger:                logger,
		Metrics:               metrics,
	})

	s.initRouter(metrics != nil)
	return s, nil
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	addr := net.JoinHostPort("", strconv.Itoa(s.config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting treegrid server", "port", s.config.Port, "database", s.config.DatabasePath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Join(fmt.Errorf("server stopped: %w", err), s.Close())
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down treegrid server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	errs = append(errs, s.Close())
	return errors.Join(errs...)
}

func (s *service) Handler() http.Handler {
	return s.handler
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// Close implements Service.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.engine != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
			if err := s.engine.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("search shutdown: %w", err))
			}
			cancel()
		}
		if err := s.opts.AuditLogger.Flush(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flush audit log: %w", err))
		}
		errs = append(errs, s.cleanup())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// =============================================================================
// Initialization Helpers
// =============================================================================

// initTracer installs the global tracer provider for cfg.Tracing.
//
// # Description
//
// "none" leaves the global no-op provider in place. "stdout" pretty-prints
// spans to stderr. "otlp" exports over an insecure gRPC connection to the
// collector at cfg.Tracing.Endpoint.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var (
		exporter sdktrace.SpanExporter
		conn     *grpc.ClientConn
	)
	switch s.config.Tracing.Exporter {
	case ExporterNone:
		return nil, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp
	case ExporterOTLP:
		var err error
		conn, err = grpc.NewClient(s.config.Tracing.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(Version),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.config.Tracing.SampleRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
		if conn != nil {
			_ = conn.Close()
		}
	}, nil
}

func (s *service) initRouter(withMetrics bool) {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(serviceName))

	deps := routes.Deps{
		Tree:           s.engine,
		Records:        s.engine,
		Search:         s.engine,
		Options:        s.opts,
		AllowedOrigins: s.config.CORSOrigins,
		SessionTTL:     s.config.Sessions.TTL,
		WatchInterval:  s.config.WatchInterval,
		Version:        Version,
	}
	if s.config.RateLimit.PerSecond > 0 {
		deps.Limiter = middleware.NewRateLimiter(s.config.RateLimit.PerSecond, s.config.RateLimit.Burst)
	}
	if withMetrics {
		deps.Metrics = promhttp.Handler()
	}
	routes.SetupRoutes(s.router, deps)

	s.handler = cors.New(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", handlers.SessionKeyHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}).Handler(s.router)
}

// cleanup closes whatever New managed to open.
func (s *service) cleanup() error {
	var errs []error
	if s.states != nil {
		if err := s.states.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tree store: %w", err))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	return errors.Join(errs...)
}

// Compile-time interface check
var _ Service = (*service)(nil)
