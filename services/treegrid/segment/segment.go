// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package segment implements the per-session segment index of the tree grid.
//
// The grid shows a flattened view of a hierarchical dataset: every visible
// node occupies one "tree row", numbered from 1. The dataset itself is
// addressed by (parent node, generation, sort id). A Segment maps a
// contiguous run of tree rows onto a contiguous run of sibling sort ids
// under one parent for one generation. The Index is the ordered list of
// segments that together cover every tree row exactly once.
//
// # Operations
//
//	LoadRoot   builds the root-level index from per-generation counts
//	Expand     splits the segment holding a node and inserts its children
//	Collapse   removes a node's descendants and re-joins its segment
//	Resolve    turns a row window into a fetch plan of sort-id ranges
//
// The index never talks to a store. Callers fetch the counts it needs
// first and hand them in, so a failed round-trip can never leave the
// index half mutated.
//
// # Generations
//
// Staged data is grouped by the date it arrived (its generation).
// Finalized data uses the fixed ProcessedGeneration date. Within a parent,
// staged generations sort ascending and the processed generation comes last.
//
// # Thread Safety
//
// An Index is not safe for concurrent use. Each session owns its own Index
// and callers serialize access per session.
package segment

import (
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// =============================================================================
// Generations
// =============================================================================

// ProcessedGeneration is the generation key of finalized rows.
var ProcessedGeneration = civil.Date{Year: 1900, Month: time.January, Day: 1}

// IsProcessed reports whether d is the processed generation.
func IsProcessed(d civil.Date) bool {
	return d == ProcessedGeneration
}

// StagedGeneration is the size of one staged generation under a parent.
//
// Count is the highest sort id assigned in that generation. Sort ids are
// dense, so it is also the number of rows.
type StagedGeneration struct {
	Generation civil.Date `json:"generation"`
	Count      int        `json:"count"`
}

// orderStaged returns the usable staged generations in ascending date order.
// Empty generations and stray processed entries are dropped.
func orderStaged(staged []StagedGeneration) []StagedGeneration {
	out := make([]StagedGeneration, 0, len(staged))
	for _, g := range staged {
		if g.Count <= 0 || IsProcessed(g.Generation) {
			continue
		}
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Generation.Before(out[j].Generation)
	})
	return out
}

// =============================================================================
// Segment
// =============================================================================

// Segment maps a run of tree rows onto a run of sibling sort ids.
//
// # Description
//
// Rows FirstTreeRow..LastTreeRow of the flattened grid show the children of
// ParentNodeID in Generation whose sort ids are FirstSortID..LastSortID,
// in that order. RecordCount is the length of both ranges. A segment with
// RecordCount 0 is legal; it is left behind when a node at the very end of
// a run is expanded and keeps the run joinable on collapse.
//
// # Fields
//
//   - ID: Unique within the session, never reused.
//   - ParentSegmentID: Segment whose row was expanded to produce this one, 0 at root level.
//   - Position: 1-based rank in the index.
//   - Depth: Tree level, 1 at root level.
type Segment struct {
	ID              int        `json:"id"`
	ParentSegmentID int        `json:"parent_segment_id"`
	Position        int        `json:"position"`
	ParentNodeID    int64      `json:"parent_node_id"`
	Depth           int        `json:"depth"`
	Generation      civil.Date `json:"generation"`
	RecordCount     int        `json:"record_count"`
	FirstTreeRow    int        `json:"first_tree_row"`
	LastTreeRow     int        `json:"last_tree_row"`
	FirstSortID     int        `json:"first_sort_id"`
	LastSortID      int        `json:"last_sort_id"`
}

// Contains reports whether sortID falls inside the segment's sort range.
func (s Segment) Contains(sortID int) bool {
	return s.RecordCount > 0 && sortID >= s.FirstSortID && sortID <= s.LastSortID
}

// Overlaps reports whether the segment shares at least one tree row with
// the inclusive range [first, last].
func (s Segment) Overlaps(first, last int) bool {
	return s.RecordCount > 0 && first <= s.LastTreeRow && last >= s.FirstTreeRow
}

// rowOffset is the distance between a tree row and the sort id shown on it.
func (s Segment) rowOffset() int {
	return s.FirstTreeRow - s.FirstSortID
}

// placeAt sets the tree-row range to start at row.
func (s *Segment) placeAt(row int) {
	s.FirstTreeRow = row
	s.LastTreeRow = row + s.RecordCount - 1
}

func (s Segment) String() string {
	return fmt.Sprintf("segment{id=%d pos=%d parent=%d depth=%d gen=%s rows=%d..%d sort=%d..%d}",
		s.ID, s.Position, s.ParentNodeID, s.Depth, s.Generation,
		s.FirstTreeRow, s.LastTreeRow, s.FirstSortID, s.LastSortID)
}
