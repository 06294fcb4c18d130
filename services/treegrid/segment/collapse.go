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
)

// CollapseRequest identifies the node to collapse.
type CollapseRequest struct {
	ParentNodeID int64
	Generation   civil.Date
	SortID       int

	// NodeID, when non-zero, must match the parent of the first child segment.
	NodeID int64

	// Depth is the node's tree level as the caller sees it. 0 skips the check.
	Depth int
}

// CollapseResult reports what a collapse changed.
type CollapseResult struct {
	// DeletedRows is the number of descendant rows removed from the grid.
	DeletedRows int

	// RemovedSegments counts descendant segments plus a re-joined tail.
	RemovedSegments int

	// Merged is true when the node's segment was re-joined with its tail.
	Merged bool
}

// Collapse removes every descendant of a node from the index.
//
// # Description
//
// All segments directly after the node that are deeper than it are removed.
// Unless the node is the last row of its parent's last segment, the segment
// that follows the descendants is the tail split off by Expand and is folded
// back into the node's segment. Later segments shift up by the removed rows.
//
// Collapsing a node that is not expanded is a no-op and returns a zero result.
//
// # Outputs
//
//   - CollapseResult: What was removed.
//   - error: ErrInvalidRequest, ErrSegmentNotFound, or an *InvariantError.
//     The index is unchanged on any error.
func (x *Index) Collapse(req CollapseRequest) (CollapseResult, error) {
	if req.SortID < 1 || req.Depth < 0 {
		return CollapseResult{}, fmt.Errorf("%w: sort id %d, depth %d",
			ErrInvalidRequest, req.SortID, req.Depth)
	}

	i, err := x.locate(req.ParentNodeID, req.Generation, req.SortID)
	if err != nil {
		return CollapseResult{}, err
	}
	target := x.segments[i]
	if req.Depth != 0 && req.Depth != target.Depth {
		return CollapseResult{}, fmt.Errorf("%w: node at depth %d, request says %d",
			ErrSegmentNotFound, target.Depth, req.Depth)
	}
	if !x.expandedAt(i, req.SortID) {
		return CollapseResult{}, nil
	}
	if req.NodeID != 0 && x.segments[i+1].ParentNodeID != req.NodeID {
		return CollapseResult{}, fmt.Errorf("%w: node %d is not the expanded row",
			ErrSegmentNotFound, req.NodeID)
	}

	res := CollapseResult{}
	end := i + 1
	for end < len(x.segments) && x.segments[end].Depth > target.Depth {
		res.DeletedRows += x.segments[end].RecordCount
		end++
	}
	res.RemovedSegments = end - i - 1

	merged := target
	foldedID := 0
	tail := end
	if i != x.lastSibling(target.ParentNodeID) {
		if end >= len(x.segments) {
			return CollapseResult{}, invariantf("split-tail", target.ID,
				"no segment after descendants to re-join")
		}
		next := x.segments[end]
		if next.ParentNodeID != target.ParentNodeID ||
			next.Generation != target.Generation ||
			next.Depth != target.Depth ||
			next.FirstSortID != target.LastSortID+1 {
			return CollapseResult{}, invariantf("split-tail", target.ID,
				"segment after descendants is not the split tail: %s", next)
		}
		merged.RecordCount += next.RecordCount
		merged.LastSortID = next.LastSortID
		foldedID = next.ID
		tail = end + 1
		res.Merged = true
		res.RemovedSegments++
	}
	merged.placeAt(target.FirstTreeRow)

	out := make([]Segment, 0, len(x.segments)-res.RemovedSegments)
	out = append(out, x.segments[:i]...)
	out = append(out, merged)
	for _, s := range x.segments[tail:] {
		s.FirstTreeRow -= res.DeletedRows
		s.LastTreeRow -= res.DeletedRows
		if foldedID != 0 && s.ParentSegmentID == foldedID {
			s.ParentSegmentID = merged.ID
		}
		out = append(out, s)
	}

	if err := x.commit(out, x.total-res.DeletedRows, x.nextID); err != nil {
		return CollapseResult{}, err
	}
	return res, nil
}
