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
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// =============================================================================
// Index
// =============================================================================

// Index is the ordered segment list of one session.
//
// # Description
//
// Segments are stored by value in flattened-tree order. Operations build a
// new slice and swap it in only after the result passes Verify, so a failed
// operation leaves the receiver exactly as it was. No pointer into the slice
// survives an operation.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Index struct {
	segments []Segment
	total    int
	nextID   int
}

// Snapshot is the serializable form of an Index minus its row count, which
// is stored under its own key.
type Snapshot struct {
	Segments []Segment `json:"segments"`
	NextID   int       `json:"next_id"`
}

// Restore rebuilds an Index from a snapshot and its stored row count.
//
// # Description
//
// The restored index is verified before it is returned, so corrupted or
// mismatched state is reported instead of being operated on.
//
// # Inputs
//
//   - snap: Segments and id counter as produced by Snapshot.
//   - totalRows: The row count stored alongside the snapshot.
//
// # Outputs
//
//   - *Index: The restored index.
//   - error: *InvariantError if the state is inconsistent.
func Restore(snap Snapshot, totalRows int) (*Index, error) {
	x := &Index{
		segments: append([]Segment(nil), snap.Segments...),
		total:    totalRows,
		nextID:   snap.NextID,
	}
	for _, s := range x.segments {
		if s.ID >= x.nextID {
			x.nextID = s.ID + 1
		}
	}
	if x.nextID < 1 {
		x.nextID = 1
	}
	if err := x.Verify(); err != nil {
		return nil, err
	}
	return x, nil
}

// Snapshot returns a copy of the index's segments and id counter.
func (x *Index) Snapshot() Snapshot {
	return Snapshot{Segments: x.Segments(), NextID: x.nextID}
}

// Clone returns an independent copy of the index.
func (x *Index) Clone() *Index {
	return &Index{
		segments: append([]Segment(nil), x.segments...),
		total:    x.total,
		nextID:   x.nextID,
	}
}

// Len returns the number of segments.
func (x *Index) Len() int { return len(x.segments) }

// TotalRows returns the number of rows in the flattened tree.
func (x *Index) TotalRows() int { return x.total }

// Segments returns a copy of the segments in position order.
func (x *Index) Segments() []Segment {
	return append([]Segment(nil), x.segments...)
}

// Lookup returns the segment holding the given node.
//
// # Description
//
// A node is addressed the way the grid shows it: by its parent, its
// generation, and its sort id within that parent and generation.
//
// # Outputs
//
//   - Segment: A copy of the holding segment.
//   - error: ErrSegmentNotFound if no segment holds the node.
func (x *Index) Lookup(parentNodeID int64, gen civil.Date, sortID int) (Segment, error) {
	i, err := x.locate(parentNodeID, gen, sortID)
	if err != nil {
		return Segment{}, err
	}
	return x.segments[i], nil
}

// IsExpanded reports whether the node's children are currently in the index.
func (x *Index) IsExpanded(parentNodeID int64, gen civil.Date, sortID int) bool {
	i, err := x.locate(parentNodeID, gen, sortID)
	if err != nil {
		return false
	}
	return x.expandedAt(i, sortID)
}

// ExpandedNodes returns the ids of every node whose children are in the
// index. Child segments carry their expanded node as ParentNodeID.
func (x *Index) ExpandedNodes() *roaring64.Bitmap {
	bm := roaring64.New()
	for _, s := range x.segments {
		if s.Depth > 1 {
			bm.Add(uint64(s.ParentNodeID))
		}
	}
	return bm
}

// locate returns the slice index of the segment holding the node.
func (x *Index) locate(parentNodeID int64, gen civil.Date, sortID int) (int, error) {
	for i, s := range x.segments {
		if s.ParentNodeID == parentNodeID && s.Generation == gen && s.Contains(sortID) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: parent %d generation %s sort id %d",
		ErrSegmentNotFound, parentNodeID, gen, sortID)
}

// lastSibling returns the slice index of the last segment with the given
// parent node, or -1.
func (x *Index) lastSibling(parentNodeID int64) int {
	for i := len(x.segments) - 1; i >= 0; i-- {
		if x.segments[i].ParentNodeID == parentNodeID {
			return i
		}
	}
	return -1
}

// expandedAt reports whether the row with sortID in segment i has its
// children directly after it.
func (x *Index) expandedAt(i, sortID int) bool {
	s := x.segments[i]
	return sortID == s.LastSortID &&
		i+1 < len(x.segments) &&
		x.segments[i+1].Depth > s.Depth
}

// commit verifies a candidate segment list and installs it on success.
func (x *Index) commit(segments []Segment, total, nextID int) error {
	for i := range segments {
		segments[i].Position = i + 1
	}
	next := &Index{segments: segments, total: total, nextID: nextID}
	if err := next.Verify(); err != nil {
		return err
	}
	*x = *next
	return nil
}
