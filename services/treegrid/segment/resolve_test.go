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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_TrimsFirstAndLastRanges(t *testing.T) {
	tests := []struct {
		name   string
		parent int64
		window Window
		want   []FetchRange
	}{
		{
			name:   "cut one row into the second run",
			parent: 1,
			window: Window{FirstRow: 3, RowCount: 4},
			want: []FetchRange{
				{RowNumber: 1, Generation: may1, ParentNodeID: 1, FirstSortID: 3, LastSortID: 5, Depth: 1},
				{RowNumber: 2, Generation: ProcessedGeneration, ParentNodeID: 1, FirstSortID: 1, LastSortID: 1, Depth: 1},
			},
		},
		{
			name:   "cut two rows into the second run",
			parent: 7,
			window: Window{FirstRow: 3, RowCount: 5},
			want: []FetchRange{
				{RowNumber: 1, Generation: may1, ParentNodeID: 7, FirstSortID: 3, LastSortID: 5, Depth: 1},
				{RowNumber: 2, Generation: ProcessedGeneration, ParentNodeID: 7, FirstSortID: 1, LastSortID: 2, Depth: 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Two root runs of five rows each.
			x := LoadRoot(tt.parent, []StagedGeneration{{Generation: may1, Count: 5}}, 5)

			plan, err := x.Resolve(tt.window)
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Ranges)
			assert.Equal(t, tt.window.RowCount, plan.Rows())
		})
	}
}

func TestResolve_AfterSplitUsesRowOffset(t *testing.T) {
	x := processedRoot(t, 7, 10)
	_, err := x.Expand(ExpandRequest{ParentNodeID: 7, Generation: ProcessedGeneration, SortID: 4, NodeID: 42, ChildCount: 5}, nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		window Window
		want   []FetchRange
	}{
		{
			name:   "inside the tail",
			window: Window{FirstRow: 11, RowCount: 3},
			want: []FetchRange{
				{RowNumber: 1, Generation: ProcessedGeneration, ParentNodeID: 7, FirstSortID: 6, LastSortID: 8, Depth: 1},
			},
		},
		{
			name:   "across head and children",
			window: Window{FirstRow: 3, RowCount: 5},
			want: []FetchRange{
				{RowNumber: 1, Generation: ProcessedGeneration, ParentNodeID: 7, FirstSortID: 3, LastSortID: 4, Depth: 1},
				{RowNumber: 2, Generation: ProcessedGeneration, ParentNodeID: 42, FirstSortID: 1, LastSortID: 3, Depth: 2},
			},
		},
		{
			name:   "spanning all three",
			window: Window{FirstRow: 4, RowCount: 8},
			want: []FetchRange{
				{RowNumber: 1, Generation: ProcessedGeneration, ParentNodeID: 7, FirstSortID: 4, LastSortID: 4, Depth: 1},
				{RowNumber: 2, Generation: ProcessedGeneration, ParentNodeID: 42, FirstSortID: 1, LastSortID: 5, Depth: 2},
				{RowNumber: 3, Generation: ProcessedGeneration, ParentNodeID: 7, FirstSortID: 5, LastSortID: 6, Depth: 1},
			},
		},
		{
			name:   "past the end is clipped",
			window: Window{FirstRow: 14, RowCount: 50},
			want: []FetchRange{
				{RowNumber: 1, Generation: ProcessedGeneration, ParentNodeID: 7, FirstSortID: 9, LastSortID: 10, Depth: 1},
			},
		},
		{
			name:   "entirely past the end",
			window: Window{FirstRow: 16, RowCount: 5},
			want:   []FetchRange{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := x.Resolve(tt.window)
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Ranges)
		})
	}
}

func TestResolve_SkipsEmptySegments(t *testing.T) {
	x := LoadRoot(7, []StagedGeneration{{Generation: may1, Count: 3}}, 4)
	_, err := x.Expand(ExpandRequest{ParentNodeID: 7, Generation: may1, SortID: 3, NodeID: 33}, nil)
	require.NoError(t, err)

	plan, err := x.Resolve(Window{FirstRow: 1, RowCount: 100})
	require.NoError(t, err)
	require.Len(t, plan.Ranges, 2)
	assert.Equal(t, may1, plan.Ranges[0].Generation)
	assert.Equal(t, ProcessedGeneration, plan.Ranges[1].Generation)
	assert.Equal(t, 7, plan.Rows())
}

func TestResolve_DoesNotMutateIndex(t *testing.T) {
	x := processedRoot(t, 7, 10)
	before := x.Segments()

	_, err := x.Resolve(Window{FirstRow: 2, RowCount: 3})
	require.NoError(t, err)
	assert.Equal(t, before, x.Segments())
}

func TestResolve_InvalidWindow(t *testing.T) {
	x := processedRoot(t, 7, 10)

	_, err := x.Resolve(Window{FirstRow: 0, RowCount: 3})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = x.Resolve(Window{FirstRow: 1, RowCount: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
