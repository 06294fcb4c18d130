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

// ExpandRequest identifies the node to expand.
type ExpandRequest struct {
	// ParentNodeID, Generation and SortID address the node's row.
	ParentNodeID int64
	Generation   civil.Date
	SortID       int

	// NodeID is the node being expanded. Its children use it as parent.
	NodeID int64

	// ChildCount is the number of processed children.
	ChildCount int

	// Depth is the node's tree level as the caller sees it. 0 skips the check.
	Depth int
}

// ExpandResult reports what an expansion changed.
type ExpandResult struct {
	// Target is the segment that held the node, after any split.
	Target Segment

	// Children are the segments inserted for the node's children.
	Children []Segment

	// Remainder is the split-off tail of the target, nil when no split happened.
	Remainder *Segment

	// InsertedRows is the number of rows the children added to the grid.
	InsertedRows int
}

// Expand inserts the children of a node directly after the node's row.
//
// # Description
//
// The segment holding the node is cut after the node unless the node is
// the last row of its parent's last segment. Child segments follow: one
// per staged generation (oldest first), then one processed segment sized
// by ChildCount, which is created even when empty. The cut-off tail of
// the target comes after the children. Later segments shift down by the
// inserted rows.
//
// # Inputs
//
//   - req: The node to expand.
//   - staged: Staged generation sizes under the node, in any order.
//
// # Outputs
//
//   - ExpandResult: The segments created.
//   - error: ErrInvalidRequest, ErrSegmentNotFound, ErrAlreadyExpanded, or
//     an *InvariantError. The index is unchanged on any error.
//
// # Examples
//
//	// rows 1..10 hold sort ids 1..10 under node 7; node 42 is sort id 4
//	res, err := idx.Expand(ExpandRequest{ParentNodeID: 7, Generation: ProcessedGeneration,
//	    SortID: 4, NodeID: 42, ChildCount: 5}, nil)
//	// rows 1..4 sort 1..4, rows 5..9 children of 42, rows 10..15 sort 5..10
//
// # Assumptions
//
//   - staged was read from the store for NodeID just before the call.
func (x *Index) Expand(req ExpandRequest, staged []StagedGeneration) (ExpandResult, error) {
	if req.SortID < 1 || req.ChildCount < 0 || req.Depth < 0 {
		return ExpandResult{}, fmt.Errorf("%w: sort id %d, child count %d, depth %d",
			ErrInvalidRequest, req.SortID, req.ChildCount, req.Depth)
	}

	i, err := x.locate(req.ParentNodeID, req.Generation, req.SortID)
	if err != nil {
		return ExpandResult{}, err
	}
	target := x.segments[i]
	if req.Depth != 0 && req.Depth != target.Depth {
		return ExpandResult{}, fmt.Errorf("%w: node at depth %d, request says %d",
			ErrSegmentNotFound, target.Depth, req.Depth)
	}
	if x.expandedAt(i, req.SortID) {
		return ExpandResult{}, fmt.Errorf("%w: node %d", ErrAlreadyExpanded, req.NodeID)
	}

	split := !(i == x.lastSibling(target.ParentNodeID) && req.SortID == target.LastSortID)
	nextID := x.nextID

	head := target
	if split {
		head.RecordCount = req.SortID - target.FirstSortID + 1
		head.LastSortID = req.SortID
		head.placeAt(target.FirstTreeRow)
	}

	out := make([]Segment, 0, len(x.segments)+len(staged)+2)
	out = append(out, x.segments[:i]...)
	out = append(out, head)

	row := head.LastTreeRow + 1
	child := func(gen civil.Date, count int) Segment {
		c := Segment{
			ID:              nextID,
			ParentSegmentID: target.ID,
			ParentNodeID:    req.NodeID,
			Depth:           target.Depth + 1,
			Generation:      gen,
			RecordCount:     count,
			FirstSortID:     1,
			LastSortID:      count,
		}
		c.placeAt(row)
		row += count
		nextID++
		return c
	}

	res := ExpandResult{}
	for _, g := range orderStaged(staged) {
		res.Children = append(res.Children, child(g.Generation, g.Count))
	}
	res.Children = append(res.Children, child(ProcessedGeneration, req.ChildCount))
	for _, c := range res.Children {
		res.InsertedRows += c.RecordCount
	}
	out = append(out, res.Children...)

	if split {
		rem := Segment{
			ID:              nextID,
			ParentSegmentID: target.ParentSegmentID,
			ParentNodeID:    target.ParentNodeID,
			Depth:           target.Depth,
			Generation:      target.Generation,
			RecordCount:     target.LastSortID - req.SortID,
			FirstSortID:     req.SortID + 1,
			LastSortID:      target.LastSortID,
		}
		rem.placeAt(row)
		nextID++
		out = append(out, rem)
	}

	remID := nextID - 1
	for _, s := range x.segments[i+1:] {
		s.FirstTreeRow += res.InsertedRows
		s.LastTreeRow += res.InsertedRows
		// Children of the target's old last row now hang off the tail.
		if split && s.ParentSegmentID == target.ID {
			s.ParentSegmentID = remID
		}
		out = append(out, s)
	}

	if err := x.commit(out, x.total+res.InsertedRows, nextID); err != nil {
		return ExpandResult{}, err
	}

	// Report positions as committed.
	res.Target = x.segments[i]
	for k := range res.Children {
		res.Children[k] = x.segments[i+1+k]
	}
	if split {
		rem := x.segments[i+1+len(res.Children)]
		res.Remainder = &rem
	}
	return res, nil
}
