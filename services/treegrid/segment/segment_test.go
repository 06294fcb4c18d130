// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package segment

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func day(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

var (
	may1 = day(2025, time.May, 1)
	may2 = day(2025, time.May, 2)
	may3 = day(2025, time.May, 3)
)

// span is the part of a segment the tests care about.
type span struct {
	parent    int64
	depth     int
	gen       civil.Date
	rows      [2]int
	sortRange [2]int
}

func spans(x *Index) []span {
	out := make([]span, 0, x.Len())
	for _, s := range x.Segments() {
		out = append(out, span{
			parent:    s.ParentNodeID,
			depth:     s.Depth,
			gen:       s.Generation,
			rows:      [2]int{s.FirstTreeRow, s.LastTreeRow},
			sortRange: [2]int{s.FirstSortID, s.LastSortID},
		})
	}
	return out
}

func processedRoot(t *testing.T, root int64, count int) *Index {
	t.Helper()
	x := LoadRoot(root, nil, count)
	require.NoError(t, x.Verify())
	return x
}

// =============================================================================
// Segment
// =============================================================================

func TestSegment_Contains(t *testing.T) {
	s := Segment{RecordCount: 3, FirstSortID: 4, LastSortID: 6}
	assert.False(t, s.Contains(3))
	assert.True(t, s.Contains(4))
	assert.True(t, s.Contains(6))
	assert.False(t, s.Contains(7))

	empty := Segment{RecordCount: 0, FirstSortID: 7, LastSortID: 6}
	assert.False(t, empty.Contains(6))
	assert.False(t, empty.Contains(7))
}

func TestSegment_Overlaps(t *testing.T) {
	s := Segment{RecordCount: 5, FirstTreeRow: 6, LastTreeRow: 10}
	assert.True(t, s.Overlaps(1, 6))
	assert.True(t, s.Overlaps(10, 20))
	assert.True(t, s.Overlaps(7, 8))
	assert.False(t, s.Overlaps(1, 5))
	assert.False(t, s.Overlaps(11, 12))

	empty := Segment{RecordCount: 0, FirstTreeRow: 6, LastTreeRow: 5}
	assert.False(t, empty.Overlaps(1, 100))
}

func TestIsProcessed(t *testing.T) {
	assert.True(t, IsProcessed(day(1900, time.January, 1)))
	assert.False(t, IsProcessed(may1))
}

// =============================================================================
// Snapshot / Restore
// =============================================================================

func TestRestore_RoundTrip(t *testing.T) {
	x := processedRoot(t, 7, 10)
	_, err := x.Expand(ExpandRequest{ParentNodeID: 7, Generation: ProcessedGeneration, SortID: 4, NodeID: 42, ChildCount: 5}, nil)
	require.NoError(t, err)

	got, err := Restore(x.Snapshot(), x.TotalRows())
	require.NoError(t, err)
	assert.Equal(t, x.Segments(), got.Segments())
	assert.Equal(t, x.TotalRows(), got.TotalRows())

	// The id counter survives, so new segments never reuse ids.
	res, err := got.Expand(ExpandRequest{ParentNodeID: 7, Generation: ProcessedGeneration, SortID: 1, NodeID: 41, ChildCount: 1}, nil)
	require.NoError(t, err)
	for _, s := range x.Segments() {
		assert.NotEqual(t, s.ID, res.Children[0].ID)
	}
}

func TestRestore_RejectsMismatchedRowCount(t *testing.T) {
	x := processedRoot(t, 7, 10)
	_, err := Restore(x.Snapshot(), 11)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))

	var inv *InvariantError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, "row-count", inv.Rule)
}

func TestRestore_BumpsStaleIDCounter(t *testing.T) {
	x := processedRoot(t, 7, 3)
	snap := x.Snapshot()
	snap.NextID = 0

	got, err := Restore(snap, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Snapshot().NextID)
}

func TestClone_IsIndependent(t *testing.T) {
	x := processedRoot(t, 7, 10)
	c := x.Clone()
	_, err := c.Expand(ExpandRequest{ParentNodeID: 7, Generation: ProcessedGeneration, SortID: 2, NodeID: 9, ChildCount: 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, x.Len())
	assert.Equal(t, 10, x.TotalRows())
	assert.Equal(t, 3, c.Len())
}

// =============================================================================
// Verify
// =============================================================================

func TestVerify_DetectsBrokenState(t *testing.T) {
	base := func() Snapshot {
		x := LoadRoot(7, []StagedGeneration{{Generation: may1, Count: 3}}, 5)
		return x.Snapshot()
	}

	tests := []struct {
		name   string
		mutate func(*Snapshot)
		total  int
		rule   string
	}{
		{
			name:   "position gap",
			mutate: func(s *Snapshot) { s.Segments[1].Position = 3 },
			total:  8,
			rule:   "dense-positions",
		},
		{
			name:   "row gap",
			mutate: func(s *Snapshot) { s.Segments[1].FirstTreeRow++; s.Segments[1].LastTreeRow++ },
			total:  8,
			rule:   "row-partition",
		},
		{
			name:   "count mismatch",
			mutate: func(s *Snapshot) { s.Segments[0].RecordCount = 2 },
			total:  8,
			rule:   "record-count",
		},
		{
			name:   "sort ids not starting at one",
			mutate: func(s *Snapshot) { s.Segments[1].FirstSortID = 2; s.Segments[1].LastSortID = 6 },
			total:  8,
			rule:   "sibling-sort-ranges",
		},
		{
			name:   "duplicate id",
			mutate: func(s *Snapshot) { s.Segments[1].ID = s.Segments[0].ID },
			total:  8,
			rule:   "segment-ids",
		},
		{
			name:   "depth jump",
			mutate: func(s *Snapshot) { s.Segments[1].Depth = 3 },
			total:  8,
			rule:   "depth",
		},
		{
			name:   "wrong parent segment",
			mutate: func(s *Snapshot) { s.Segments[1].ParentSegmentID = 1 },
			total:  8,
			rule:   "parent-segment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := base()
			tt.mutate(&snap)
			_, err := Restore(snap, tt.total)
			require.Error(t, err)

			var inv *InvariantError
			require.True(t, errors.As(err, &inv), "got %v", err)
			assert.Equal(t, tt.rule, inv.Rule)
		})
	}
}

func TestInvariantError_Message(t *testing.T) {
	err := invariantf("depth", 4, "depth %d", 3)
	assert.Contains(t, err.Error(), "depth")
	assert.Contains(t, err.Error(), "segment 4")
	assert.ErrorIs(t, err, ErrInvariantViolation)
}
