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

import "cloud.google.com/go/civil"

type runKey struct {
	parent int64
	gen    civil.Date
}

// Verify checks every structural invariant of the index.
//
// # Description
//
// The checks are:
//
//   - positions run 1..N with no gaps
//   - tree-row ranges tile 1..TotalRows in order with no gaps
//   - each segment's row and sort ranges have RecordCount entries
//   - under one parent and generation, sort ranges start at 1 and
//     continue without gaps in position order
//   - segment ids are unique and below the id counter
//   - depth starts at 1 and grows by at most one per segment
//   - a segment's parent segment is the nearest earlier one a level up
//
// # Outputs
//
//   - error: nil, or the first *InvariantError found.
func (x *Index) Verify() error {
	row := 1
	prevDepth := 0
	var ancestors []int
	seen := make(map[int]struct{}, len(x.segments))
	nextSort := make(map[runKey]int)

	for k, s := range x.segments {
		if s.Position != k+1 {
			return invariantf("dense-positions", s.ID, "position %d at rank %d", s.Position, k+1)
		}
		if s.ID < 1 || s.ID >= x.nextID {
			return invariantf("segment-ids", s.ID, "id outside 1..%d", x.nextID-1)
		}
		if _, dup := seen[s.ID]; dup {
			return invariantf("segment-ids", s.ID, "duplicate id")
		}
		seen[s.ID] = struct{}{}

		if s.RecordCount < 0 {
			return invariantf("record-count", s.ID, "negative record count %d", s.RecordCount)
		}
		if s.FirstTreeRow != row {
			return invariantf("row-partition", s.ID, "starts at row %d, want %d", s.FirstTreeRow, row)
		}
		if s.LastTreeRow-s.FirstTreeRow+1 != s.RecordCount {
			return invariantf("record-count", s.ID, "rows %d..%d for %d records",
				s.FirstTreeRow, s.LastTreeRow, s.RecordCount)
		}
		if s.LastSortID-s.FirstSortID+1 != s.RecordCount {
			return invariantf("record-count", s.ID, "sort ids %d..%d for %d records",
				s.FirstSortID, s.LastSortID, s.RecordCount)
		}
		row = s.LastTreeRow + 1

		if s.Depth < 1 || (k == 0 && s.Depth != 1) || s.Depth > prevDepth+1 {
			return invariantf("depth", s.ID, "depth %d after depth %d", s.Depth, prevDepth)
		}
		prevDepth = s.Depth

		wantParent := 0
		if s.Depth > 1 {
			wantParent = ancestors[s.Depth-2]
		}
		if s.ParentSegmentID != wantParent {
			return invariantf("parent-segment", s.ID, "parent segment %d, want %d", s.ParentSegmentID, wantParent)
		}
		ancestors = append(ancestors[:s.Depth-1], s.ID)

		key := runKey{parent: s.ParentNodeID, gen: s.Generation}
		want, ok := nextSort[key]
		if !ok {
			want = 1
		}
		if s.FirstSortID != want {
			return invariantf("sibling-sort-ranges", s.ID, "sort ids start at %d, want %d", s.FirstSortID, want)
		}
		nextSort[key] = s.LastSortID + 1
	}

	if row-1 != x.total {
		return invariantf("row-count", 0, "segments cover %d rows, index holds %d", row-1, x.total)
	}
	return nil
}
