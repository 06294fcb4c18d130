// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultTTL is how long an untouched session survives.
const DefaultTTL = 20 * time.Minute

// Config holds configuration for the session state database.
type Config struct {
	// Dir is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Dir string

	// InMemory keeps session state in RAM only. Useful for tests and for
	// single-process deployments that can afford to lose sessions on restart.
	InMemory bool

	// SyncWrites makes every commit durable before returning.
	SyncWrites bool

	// TTL is the sliding expiry of a session. Every read or write
	// pushes expiry out by TTL. Default: DefaultTTL.
	TTL time.Duration

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites a file.
	GCDiscardRatio float64

	// Logger receives BadgerDB's own messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration for dir.
//
// Description:
//
//	Returns a Config with:
//	- on-disk storage under dir
//	- async writes (session state is reconstructible by reloading the root)
//	- 20 minute sliding TTL
//	- 5 minute GC interval at a 0.5 discard ratio
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		TTL:            DefaultTTL,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
		TTL:      DefaultTTL,
	}
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.GCDiscardRatio <= 0 || c.GCDiscardRatio > 1 {
		c.GCDiscardRatio = 0.5
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openBadger opens the database described by cfg.
func openBadger(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("session dir is required for persistent session state")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create session directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	return db, nil
}

// gcRunner periodically reclaims value log space left by expired sessions.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func startGC(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

// stop halts the runner and waits for an in-flight GC pass. Idempotent.
func (r *gcRunner) stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		<-r.done
	})
}

func (r *gcRunner) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.collect()
		}
	}
}

func (r *gcRunner) collect() {
	// One call rewrites at most one file; keep going while it finds work.
	for {
		err := r.db.RunValueLogGC(r.ratio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) && r.logger != nil {
			r.logger.Warn("session value log GC error", slog.String("error", err.Error()))
		}
		return
	}
}
