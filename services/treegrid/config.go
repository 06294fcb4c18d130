// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package treegrid

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds treegrid service configuration.
//
// # Description
//
// Values come from, in increasing precedence: defaults, a YAML file
// (LoadConfig), TREEGRID_* environment variables (ApplyEnv), then command
// line flags set by the caller.
//
// # Examples
//
//	# treegrid.yaml
//	port: 12300
//	database_path: /var/lib/treegrid/tree.db
//	sessions:
//	  dir: /var/lib/treegrid/sessions
//	  ttl: 20m
//	cors_origins: ["https://grid.example.com"]
//	rate_limit:
//	  per_second: 50
//	  burst: 100
//	tracing:
//	  exporter: otlp
//	  endpoint: otel-collector:4317
type Config struct {
	// Port is the HTTP server port. Default: 12300
	Port int `yaml:"port"`

	// DatabasePath is the SQLite file holding the tree. Default: treegrid.db
	DatabasePath string `yaml:"database_path"`

	// RootNodeID is the parent id of the top level. Default: 0
	RootNodeID int64 `yaml:"root_node_id"`

	Sessions  SessionsConfig  `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`

	// CORSOrigins are the browser origins allowed to call the API. They
	// also restrict websocket upgrades. Default: http://localhost:8080
	CORSOrigins []string `yaml:"cors_origins"`

	// MaxViewportRows and MaxViewportColumns bound one viewport.
	MaxViewportRows    int `yaml:"max_viewport_rows"`
	MaxViewportColumns int `yaml:"max_viewport_columns"`

	// MaxConcurrentSearches bounds search jobs running at once. Default: 4
	MaxConcurrentSearches int `yaml:"max_concurrent_searches"`

	// AuthToken, when set, requires "Authorization: Bearer <token>" on /v1.
	AuthToken string `yaml:"auth_token"`

	// DisableMetrics removes /metrics.
	DisableMetrics bool `yaml:"disable_metrics"`

	// GinMode is "debug", "release" or "test". Default: release
	GinMode string `yaml:"gin_mode"`

	// WatchInterval is the poll period of search watch sockets. Default: 500ms
	WatchInterval time.Duration `yaml:"watch_interval"`

	// ShutdownTimeout bounds the graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionsConfig configures the session state store.
type SessionsConfig struct {
	// Dir holds the badger files. Ignored when InMemory is set.
	// Default: treegrid-sessions
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`

	// TTL is the sliding expiry of a session. Default: 20m
	TTL time.Duration `yaml:"ttl"`

	// GCInterval is the badger value log GC period. Default: 5m
	GCInterval time.Duration `yaml:"gc_interval"`

	SyncWrites bool `yaml:"sync_writes"`
}

// RateLimitConfig configures per-client throttling. PerSecond 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter is "none", "stdout" or "otlp". Default: none
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP gRPC collector address. Default: localhost:4317
	Endpoint string `yaml:"endpoint"`

	// SampleRatio is the fraction of traces kept. Default: 1
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"`
}

// Tracing exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// =============================================================================
// Loading
// =============================================================================

// LoadConfig reads a YAML config file. Unknown keys are rejected. Defaults
// are not applied.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from TREEGRID_* variables looked up with lookup
// (os.LookupEnv in production).
//
// # Variables
//
//   - TREEGRID_PORT, TREEGRID_DB, TREEGRID_ROOT_NODE_ID
//   - TREEGRID_SESSION_DIR, TREEGRID_SESSION_IN_MEMORY, TREEGRID_SESSION_TTL
//   - TREEGRID_CORS_ORIGINS (comma separated)
//   - TREEGRID_RATE_LIMIT, TREEGRID_RATE_BURST, TREEGRID_MAX_SEARCHES
//   - TREEGRID_TRACING_EXPORTER, TREEGRID_OTLP_ENDPOINT
//   - TREEGRID_LOG_LEVEL, TREEGRID_LOG_DIR, TREEGRID_LOG_FORMAT
//   - TREEGRID_AUTH_TOKEN, TREEGRID_GIN_MODE
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, parse func(string) error) {
		if v, ok := lookup(name); ok {
			if err := parse(v); err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: %w", name, v, err))
			}
		}
	}

	num("TREEGRID_PORT", func(v string) (err error) { cfg.Port, err = strconv.Atoi(v); return })
	str("TREEGRID_DB", &cfg.DatabasePath)
	num("TREEGRID_ROOT_NODE_ID", func(v string) (err error) {
		cfg.RootNodeID, err = strconv.ParseInt(v, 10, 64)
		return
	})
	str("TREEGRID_SESSION_DIR", &cfg.Sessions.Dir)
	num("TREEGRID_SESSION_IN_MEMORY", func(v string) (err error) {
		cfg.Sessions.InMemory, err = strconv.ParseBool(v)
		return
	})
	num("TREEGRID_SESSION_TTL", func(v string) (err error) {
		cfg.Sessions.TTL, err = time.ParseDuration(v)
		return
	})
	if v, ok := lookup("TREEGRID_CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitList(v)
	}
	num("TREEGRID_RATE_LIMIT", func(v string) (err error) {
		cfg.RateLimit.PerSecond, err = strconv.ParseFloat(v, 64)
		return
	})
	num("TREEGRID_RATE_BURST", func(v string) (err error) { cfg.RateLimit.Burst, err = strconv.Atoi(v); return })
	num("TREEGRID_MAX_SEARCHES", func(v string) (err error) {
		cfg.MaxConcurrentSearches, err = strconv.Atoi(v)
		return
	})
	str("TREEGRID_TRACING_EXPORTER", &cfg.Tracing.Exporter)
	str("TREEGRID_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	str("TREEGRID_LOG_LEVEL", &cfg.Log.Level)
	str("TREEGRID_LOG_DIR", &cfg.Log.Dir)
	str("TREEGRID_LOG_FORMAT", &cfg.Log.Format)
	str("TREEGRID_AUTH_TOKEN", &cfg.AuthToken)
	str("TREEGRID_GIN_MODE", &cfg.GinMode)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyConfigDefaults fills zero values with defaults.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12300
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "treegrid.db"
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = "treegrid-sessions"
	}
	if cfg.Sessions.TTL <= 0 {
		cfg.Sessions.TTL = 20 * time.Minute
	}
	if cfg.Sessions.GCInterval <= 0 {
		cfg.Sessions.GCInterval = 5 * time.Minute
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:8080"}
	}
	if cfg.RateLimit.PerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = max(1, int(cfg.RateLimit.PerSecond)*2)
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = ExporterNone
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = "localhost:4317"
	}
	if cfg.Tracing.SampleRatio <= 0 || cfg.Tracing.SampleRatio > 1 {
		cfg.Tracing.SampleRatio = 1
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 500 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return cfg
}

// validate rejects settings New cannot honor.
func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter)
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit.per_second must not be negative")
	}
	return nil
}
