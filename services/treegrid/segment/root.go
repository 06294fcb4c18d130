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

// LoadRoot builds a fresh index for the children of the root node.
//
// # Description
//
// One depth-1 segment is created per staged generation, oldest first, then
// one for the processed generation when processedCount is positive. Every
// segment starts at sort id 1; tree rows run on consecutively across them.
//
// # Inputs
//
//   - rootNodeID: The node whose children form the top level of the grid.
//   - staged: Staged generation sizes under the root, in any order.
//   - processedCount: Highest processed sort id under the root, 0 if none.
//
// # Outputs
//
//   - *Index: The new index. It is empty when the root has no children.
//
// # Examples
//
//	staged := []StagedGeneration{{Generation: d1, Count: 3}, {Generation: d2, Count: 2}}
//	idx := LoadRoot(7, staged, 10)
//	// segments: d1 rows 1..3, d2 rows 4..5, processed rows 6..15
func LoadRoot(rootNodeID int64, staged []StagedGeneration, processedCount int) *Index {
	x := &Index{nextID: 1}
	row := 1
	add := func(s Segment) {
		s.ID = x.nextID
		s.Position = len(x.segments) + 1
		s.ParentNodeID = rootNodeID
		s.Depth = 1
		s.FirstSortID = 1
		s.LastSortID = s.RecordCount
		s.placeAt(row)
		row += s.RecordCount
		x.total += s.RecordCount
		x.nextID++
		x.segments = append(x.segments, s)
	}

	for _, g := range orderStaged(staged) {
		add(Segment{Generation: g.Generation, RecordCount: g.Count})
	}
	if processedCount > 0 {
		add(Segment{Generation: ProcessedGeneration, RecordCount: processedCount})
	}
	return x
}
