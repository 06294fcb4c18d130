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
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/AleutianAI/treegrid/services/treegrid/segment"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleIndex(t *testing.T) *segment.Index {
	t.Helper()
	may1 := civil.Date{Year: 2025, Month: time.May, Day: 1}
	idx := segment.LoadRoot(0, []segment.StagedGeneration{{Generation: may1, Count: 2}}, 5)
	_, err := idx.Expand(segment.ExpandRequest{
		ParentNodeID: 0, Generation: segment.ProcessedGeneration, SortID: 2, NodeID: 42, ChildCount: 3,
	}, nil)
	require.NoError(t, err)
	return idx
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t, InMemoryConfig())
	ctx := context.Background()
	idx := sampleIndex(t)

	require.NoError(t, s.Save(ctx, "abc", idx))

	got, err := s.Load(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, idx.Segments(), got.Segments())
	assert.Equal(t, idx.TotalRows(), got.TotalRows())
	assert.Equal(t, idx.Snapshot().NextID, got.Snapshot().NextID)
}

func TestStore_LoadMissing(t *testing.T) {
	s := openTestStore(t, InMemoryConfig())

	_, err := s.Load(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrStateNotFound)

	_, err = s.Load(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestStore_LoadRequiresBothEntries(t *testing.T) {
	s := openTestStore(t, InMemoryConfig())
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "half", sampleIndex(t)))

	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(rowCountPrefix + "half"))
	}))

	_, err := s.Load(ctx, "half")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestStore_LoadRejectsCorruptRowCount(t *testing.T) {
	s := openTestStore(t, InMemoryConfig())
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "bad", sampleIndex(t)))

	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(rowCountPrefix+"bad"), []byte("999"))
	}))

	_, err := s.Load(ctx, "bad")
	assert.ErrorIs(t, err, segment.ErrInvariantViolation)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t, InMemoryConfig())
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "gone", sampleIndex(t)))

	require.NoError(t, s.Delete(ctx, "gone"))
	_, err := s.Load(ctx, "gone")
	assert.ErrorIs(t, err, ErrStateNotFound)

	assert.NoError(t, s.Delete(ctx, "never-existed"))
}

func TestStore_CancelledContext(t *testing.T) {
	s := openTestStore(t, InMemoryConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Save(ctx, "k", sampleIndex(t)), context.Canceled)
	_, err := s.Load(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_LoadSlidesExpiry(t *testing.T) {
	cfg := InMemoryConfig()
	cfg.TTL = time.Minute
	s := openTestStore(t, cfg)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "slide", sampleIndex(t)))

	s.ttl = time.Hour
	_, err := s.Load(ctx, "slide")
	require.NoError(t, err)

	floor := uint64(time.Now().Add(30 * time.Minute).Unix())
	require.NoError(t, s.db.View(func(txn *badger.Txn) error {
		for _, k := range []string{segmentsPrefix + "slide", rowCountPrefix + "slide"} {
			item, err := txn.Get([]byte(k))
			if err != nil {
				return err
			}
			assert.Greater(t, item.ExpiresAt(), floor, k)
		}
		return nil
	}))
}

func TestStore_Expiry(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a TTL to lapse")
	}
	cfg := InMemoryConfig()
	cfg.TTL = time.Second
	s := openTestStore(t, cfg)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "brief", sampleIndex(t)))

	time.Sleep(2100 * time.Millisecond)

	_, err := s.Load(ctx, "brief")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestStore_PersistentReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	idx := sampleIndex(t)

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "durable", idx))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, cfg)
	got, err := s2.Load(context.Background(), "durable")
	require.NoError(t, err)
	assert.Equal(t, idx.Segments(), got.Segments())
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestKeyHash(t *testing.T) {
	assert.Len(t, KeyHash("a"), 12)
	assert.Equal(t, KeyHash("a"), KeyHash("a"))
	assert.NotEqual(t, KeyHash("a"), KeyHash("b"))
}
