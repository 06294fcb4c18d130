// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions persists each grid session's segment index in BadgerDB.
//
// A session is two entries: "segments:<key>" holds the encoded index and
// "rowcount:<key>" the grid's total row count. Both are written together
// and expire together; every read pushes the expiry out again, so a
// session lives until it has been idle for the configured TTL.
//
// There is no in-process cache. Callers construct one Store and share it.
package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/AleutianAI/treegrid/services/treegrid/segment"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const (
	segmentsPrefix = "segments:"
	rowCountPrefix = "rowcount:"
)

var (
	// ErrStateNotFound is returned when a session has no stored index,
	// either because it was never loaded or because it expired.
	ErrStateNotFound = errors.New("session state not found")

	// ErrEmptyKey is returned for an empty session key.
	ErrEmptyKey = errors.New("session key is required")
)

// Store reads and writes session indexes.
//
// Thread Safety: Safe for concurrent use. Store does not serialize
// operations on one session; use a Locker for that.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	gc     *gcRunner
	logger *slog.Logger
}

// Open opens the session database described by cfg.
//
// Description:
//
//	Opens BadgerDB in memory or under cfg.Dir and starts value log GC when
//	cfg.GCInterval is positive and the database is on disk.
//
// Inputs:
//
//	cfg - Database configuration. Zero TTL means DefaultTTL.
//
// Outputs:
//
//	*Store - The store. Call Close() when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, ttl: cfg.TTL, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// TTL returns the sliding session lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Load returns the session's index and refreshes its expiry.
//
// Description:
//
//	Reads both session entries in one transaction. When either is missing
//	the session is treated as absent. The decoded index is verified before
//	it is returned, so a corrupt entry surfaces as an invariant error
//	rather than as wrong rows later.
//
// Outputs:
//
//	*segment.Index - A private copy the caller may mutate.
//	error - ErrEmptyKey, ErrStateNotFound, a context error, or a decode or
//	        invariant error.
func (s *Store) Load(ctx context.Context, key string) (*segment.Index, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segKey, countKey := entryKeys(key)
	var segBlob, countBlob []byte
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if segBlob, err = getValue(txn, segKey); err != nil {
			return err
		}
		if countBlob, err = getValue(txn, countKey); err != nil {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(segKey, segBlob).WithTTL(s.ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(countKey, countBlob).WithTTL(s.ttl))
	})
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load session %s: %w", KeyHash(key), err)
	}

	var snap segment.Snapshot
	if err := json.Unmarshal(segBlob, &snap); err != nil {
		return nil, fmt.Errorf("decode segments of session %s: %w", KeyHash(key), err)
	}
	total, err := strconv.Atoi(string(countBlob))
	if err != nil {
		return nil, fmt.Errorf("decode row count of session %s: %w", KeyHash(key), err)
	}

	idx, err := segment.Restore(snap, total)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", KeyHash(key), err)
	}
	return idx, nil
}

// Save writes both session entries in one transaction with a fresh TTL.
func (s *Store) Save(ctx context.Context, key string, idx *segment.Index) error {
	if key == "" {
		return ErrEmptyKey
	}
	if idx == nil {
		return errors.New("index is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	segBlob, err := json.Marshal(idx.Snapshot())
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}
	countBlob := []byte(strconv.Itoa(idx.TotalRows()))

	segKey, countKey := entryKeys(key)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(segKey, segBlob).WithTTL(s.ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(countKey, countBlob).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", KeyHash(key), err)
	}

	s.logger.Debug("session saved",
		slog.String("session_key_hash", KeyHash(key)),
		slog.Int("segments", idx.Len()),
		slog.Int("total_rows", idx.TotalRows()))
	return nil
}

// Delete removes the session. Deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	segKey, countKey := entryKeys(key)
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(segKey); err != nil {
			return err
		}
		return txn.Delete(countKey)
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", KeyHash(key), err)
	}
	return nil
}

// KeyHash returns a short stable digest of a session key for logs and
// traces. Raw keys are bearer secrets and are never logged.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

func entryKeys(key string) (segKey, countKey []byte) {
	return []byte(segmentsPrefix + key), []byte(rowCountPrefix + key)
}

func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
