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
	"math/rand"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Reference tree
// =============================================================================

// treeModel is a naive flattened tree used to check the index against.
// Children of every node are a pure function of the node id.
type treeModel struct {
	ids      map[rowAddr]int64
	nextNode int64
	expanded map[int64]bool
}

type rowAddr struct {
	parent int64
	gen    civil.Date
	sortID int
}

type modelRow struct {
	addr  rowAddr
	id    int64
	depth int
}

func newTreeModel() *treeModel {
	return &treeModel{ids: map[rowAddr]int64{}, nextNode: 1000, expanded: map[int64]bool{}}
}

func (m *treeModel) staged(node int64) []StagedGeneration {
	n := int(node % 3)
	out := make([]StagedGeneration, 0, n)
	for k := 0; k < n; k++ {
		out = append(out, StagedGeneration{
			Generation: civil.Date{Year: 2025, Month: time.March, Day: 10 - k},
			Count:      int(node+int64(k))%3 + 1,
		})
	}
	return out
}

func (m *treeModel) processed(node int64) int {
	return int(node % 5)
}

func (m *treeModel) nodeID(a rowAddr) int64 {
	if id, ok := m.ids[a]; ok {
		return id
	}
	m.nextNode++
	m.ids[a] = m.nextNode
	return m.nextNode
}

func (m *treeModel) flatten(node int64, depth int, out []modelRow) []modelRow {
	emit := func(gen civil.Date, count int) {
		for s := 1; s <= count; s++ {
			a := rowAddr{parent: node, gen: gen, sortID: s}
			id := m.nodeID(a)
			out = append(out, modelRow{addr: a, id: id, depth: depth})
			if m.expanded[id] {
				out = m.flatten(id, depth+1, out)
			}
		}
	}
	for _, g := range orderStaged(m.staged(node)) {
		emit(g.Generation, g.Count)
	}
	emit(ProcessedGeneration, m.processed(node))
	return out
}

func (m *treeModel) forget(node int64, depth int) {
	for _, r := range m.flatten(node, depth, nil) {
		delete(m.expanded, r.id)
	}
	delete(m.expanded, node)
}

// rowsFromPlan expands a fetch plan into the rows it addresses.
func rowsFromPlan(plan FetchPlan) []rowAddr {
	var out []rowAddr
	for _, r := range plan.Ranges {
		for s := r.FirstSortID; s <= r.LastSortID; s++ {
			out = append(out, rowAddr{parent: r.ParentNodeID, gen: r.Generation, sortID: s})
		}
	}
	return out
}

// =============================================================================
// Random walk
// =============================================================================

func TestIndex_MatchesReferenceTreeUnderRandomOps(t *testing.T) {
	const root = int64(4)
	rng := rand.New(rand.NewSource(20250501))

	for walk := 0; walk < 20; walk++ {
		m := newTreeModel()
		x := LoadRoot(root, m.staged(root), m.processed(root)+6)
		rootProcessed := m.processed(root) + 6
		flatten := func() []modelRow {
			out := []modelRow{}
			emit := func(gen civil.Date, count int) {
				for s := 1; s <= count; s++ {
					a := rowAddr{parent: root, gen: gen, sortID: s}
					id := m.nodeID(a)
					out = append(out, modelRow{addr: a, id: id, depth: 1})
					if m.expanded[id] {
						out = m.flatten(id, 2, out)
					}
				}
			}
			for _, g := range orderStaged(m.staged(root)) {
				emit(g.Generation, g.Count)
			}
			emit(ProcessedGeneration, rootProcessed)
			return out
		}

		for step := 0; step < 60; step++ {
			rows := flatten()
			require.Equal(t, len(rows), x.TotalRows(), "walk %d step %d", walk, step)
			require.NoError(t, x.Verify())

			// Full-window resolve must reproduce the flattened tree.
			if len(rows) > 0 {
				plan, err := x.Resolve(Window{FirstRow: 1, RowCount: len(rows)})
				require.NoError(t, err)
				got := rowsFromPlan(plan)
				require.Len(t, got, len(rows))
				for k := range rows {
					require.Equal(t, rows[k].addr, got[k], "walk %d step %d row %d", walk, step, k+1)
				}

				// A random sub-window must be the matching slice.
				first := rng.Intn(len(rows)) + 1
				count := rng.Intn(8) + 1
				plan, err = x.Resolve(Window{FirstRow: first, RowCount: count})
				require.NoError(t, err)
				end := first - 1 + count
				if end > len(rows) {
					end = len(rows)
				}
				sub := rowsFromPlan(plan)
				require.Len(t, sub, end-(first-1))
				for k := range sub {
					require.Equal(t, rows[first-1+k].addr, sub[k])
				}
				for k, r := range plan.Ranges {
					require.Equal(t, k+1, r.RowNumber)
				}
			}

			if len(rows) == 0 {
				break
			}
			pick := rows[rng.Intn(len(rows))]
			if m.expanded[pick.id] {
				res, err := x.Collapse(CollapseRequest{
					ParentNodeID: pick.addr.parent,
					Generation:   pick.addr.gen,
					SortID:       pick.addr.sortID,
					NodeID:       pick.id,
					Depth:        pick.depth,
				})
				require.NoError(t, err)
				m.forget(pick.id, pick.depth+1)
				require.Equal(t, len(rows)-len(flatten()), res.DeletedRows)
			} else {
				res, err := x.Expand(ExpandRequest{
					ParentNodeID: pick.addr.parent,
					Generation:   pick.addr.gen,
					SortID:       pick.addr.sortID,
					NodeID:       pick.id,
					ChildCount:   m.processed(pick.id),
					Depth:        pick.depth,
				}, m.staged(pick.id))
				require.NoError(t, err)
				m.expanded[pick.id] = true
				require.Equal(t, len(flatten())-len(rows), res.InsertedRows)
			}
		}
	}
}
