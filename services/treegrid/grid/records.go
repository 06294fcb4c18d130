// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grid

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/AleutianAI/treegrid/services/treegrid/observability"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
	"go.opentelemetry.io/otel/attribute"
)

// Record mutations go straight to the store. Session indexes are not
// touched: a client that changed rows under an expanded parent refreshes
// that parent, or reloads the root for top-level changes.

// InsertRecord appends a node to the end of its parent's run.
func (e *Engine) InsertRecord(ctx context.Context, in store.NodeInput) (row store.Row, err error) {
	ctx, span := gridTracer.Start(ctx, "Engine.insert")
	defer span.End()
	start := time.Now()
	defer func() { e.observe(span, observability.OpInsert, start, err) }()

	if in.ParentID < 0 || !in.Generation.IsValid() || in.ChildCount < 0 {
		return store.Row{}, validationf("insert needs parent_id >= 0, a stage_date and child_count >= 0")
	}
	span.SetAttributes(attribute.Int64("node.parent_id", in.ParentID))

	row, err = e.store.InsertNode(ctx, in)
	if err != nil {
		return store.Row{}, storeErr("insert_node", err)
	}
	span.SetAttributes(attribute.Int64("node.id", row.ID))
	return row, nil
}

// UpdateRecord changes a node's fields and optionally moves it under
// another parent.
func (e *Engine) UpdateRecord(ctx context.Context, in store.NodeUpdate) (row store.Row, err error) {
	ctx, span := gridTracer.Start(ctx, "Engine.update")
	defer span.End()
	start := time.Now()
	defer func() { e.observe(span, observability.OpUpdate, start, err) }()

	if in.ID <= 0 || !in.Generation.IsValid() || in.NewParentID < 0 || in.ChildCount < 0 {
		return store.Row{}, validationf("update needs id > 0, a stage_date, new_parent_id >= 0 and child_count >= 0")
	}
	span.SetAttributes(attribute.Int64("node.id", in.ID))

	row, err = e.store.UpdateNode(ctx, in)
	if err != nil {
		return store.Row{}, storeErr("update_node", err)
	}
	return row, nil
}

// DeleteRecord removes a node and its subtree.
func (e *Engine) DeleteRecord(ctx context.Context, id int64, gen civil.Date) (err error) {
	ctx, span := gridTracer.Start(ctx, "Engine.delete")
	defer span.End()
	start := time.Now()
	defer func() { e.observe(span, observability.OpDelete, start, err) }()

	if id <= 0 || !gen.IsValid() {
		return validationf("delete needs id > 0 and a stage_date")
	}
	span.SetAttributes(attribute.Int64("node.id", id))

	return storeErr("delete_node", e.store.DeleteNode(ctx, id, gen))
}
