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

// Window is a run of visible tree rows.
type Window struct {
	FirstRow int
	RowCount int
}

// LastRow returns the last row of the window.
func (w Window) LastRow() int {
	return w.FirstRow + w.RowCount - 1
}

// FetchRange asks the store for one run of sibling rows.
type FetchRange struct {
	RowNumber    int        `json:"row_number"`
	Generation   civil.Date `json:"generation"`
	ParentNodeID int64      `json:"parent_node_id"`
	FirstSortID  int        `json:"first_sort_id"`
	LastSortID   int        `json:"last_sort_id"`
	Depth        int        `json:"depth"`
}

// FetchPlan is the ordered list of ranges covering a window.
type FetchPlan struct {
	Window Window       `json:"-"`
	Ranges []FetchRange `json:"ranges"`
}

// Rows returns the number of rows the plan fetches.
func (p FetchPlan) Rows() int {
	n := 0
	for _, r := range p.Ranges {
		n += r.LastSortID - r.FirstSortID + 1
	}
	return n
}

// Resolve translates a window of tree rows into a fetch plan.
//
// # Description
//
// Every non-empty segment sharing a row with the window contributes one
// range. The first range is trimmed to start at the window's first row and
// the last to end at the window's last row, using the segment's row-to-sort
// offset (FirstTreeRow - FirstSortID). Ranges are numbered from 1 in grid
// order. A window past the end of the grid gives an empty plan.
//
// # Outputs
//
//   - FetchPlan: The ranges to fetch, in display order.
//   - error: ErrInvalidRequest if the window is empty or starts before row 1.
//
// # Thread Safety
//
// Resolve only reads the index.
func (x *Index) Resolve(w Window) (FetchPlan, error) {
	if w.FirstRow < 1 || w.RowCount < 1 {
		return FetchPlan{}, fmt.Errorf("%w: window first row %d, row count %d",
			ErrInvalidRequest, w.FirstRow, w.RowCount)
	}
	first, last := w.FirstRow, w.LastRow()

	var hits []Segment
	for _, s := range x.segments {
		if s.Overlaps(first, last) {
			hits = append(hits, s)
		}
	}

	plan := FetchPlan{Window: w, Ranges: make([]FetchRange, 0, len(hits))}
	for k, s := range hits {
		r := FetchRange{
			RowNumber:    k + 1,
			Generation:   s.Generation,
			ParentNodeID: s.ParentNodeID,
			FirstSortID:  s.FirstSortID,
			LastSortID:   s.LastSortID,
			Depth:        s.Depth,
		}
		if k == 0 && first > s.FirstTreeRow {
			r.FirstSortID = first - s.rowOffset()
		}
		if k == len(hits)-1 && last < s.LastTreeRow {
			r.LastSortID = last - s.rowOffset()
		}
		plan.Ranges = append(plan.Ranges, r)
	}
	return plan, nil
}
