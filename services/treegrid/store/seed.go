// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/AleutianAI/treegrid/services/treegrid/segment"
)

// SeedConfig shapes a synthetic tree.
type SeedConfig struct {
	// RootID is the parent of the top level. Default 0.
	RootID int64

	// Roots is the number of processed nodes at the top level.
	Roots int

	// Fanout is the number of processed children per inner node.
	Fanout int

	// Depth is the number of processed levels, counting the top level.
	Depth int

	// StagedDays adds this many staged generations under every parent,
	// each with max(1, Fanout/2) leaf rows, dated from StagedFrom.
	StagedDays int
	StagedFrom civil.Date

	// Columns is the number of cells written per node.
	Columns int
}

// SeedStats reports what Seed wrote.
type SeedStats struct {
	Processed int
	Staged    int
	Cells     int
}

// Seed writes a deterministic synthetic tree in one transaction.
//
// # Description
//
// Node names are "Node <path>" for processed rows (e.g. "Node 3.1.2") and
// "Staged <date> <parent>.<n>" for staged rows, so search terms and row
// positions are easy to predict in tests and demos.
func (s *SQLiteStore) Seed(ctx context.Context, cfg SeedConfig) (SeedStats, error) {
	if cfg.Roots < 0 || cfg.Fanout < 0 || cfg.Depth < 1 || cfg.StagedDays < 0 || cfg.Columns < 0 {
		return SeedStats{}, fmt.Errorf("%w: seed config %+v", ErrInvalidInput, cfg)
	}
	if cfg.StagedDays > 0 && !cfg.StagedFrom.IsValid() {
		return SeedStats{}, fmt.Errorf("%w: staged_from is required with staged days", ErrInvalidInput)
	}

	var stats SeedStats
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		node, err := tx.PrepareContext(ctx, `
			INSERT INTO tree_nodes (parent_id, stage_date, sort_id, name, has_children, child_count)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare node insert: %w", err)
		}
		defer node.Close()

		cell, err := tx.PrepareContext(ctx, `INSERT INTO node_cells (node_id, col, value) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare cell insert: %w", err)
		}
		defer cell.Close()

		insert := func(parent int64, gen civil.Date, sortID int, name string, hasChildren bool, kids int) (int64, error) {
			res, err := node.ExecContext(ctx, parent, dateText(gen), sortID, name, hasChildren, kids)
			if err != nil {
				return 0, fmt.Errorf("insert %s: %w", name, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return 0, err
			}
			for c := 0; c < cfg.Columns; c++ {
				if _, err := cell.ExecContext(ctx, id, c, fmt.Sprintf("r%dc%d", id, c)); err != nil {
					return 0, fmt.Errorf("insert cell %d of %s: %w", c, name, err)
				}
				stats.Cells++
			}
			return id, nil
		}

		perDay := max(1, cfg.Fanout/2)
		var fill func(parent int64, path string, level int) error
		fill = func(parent int64, path string, level int) error {
			n := cfg.Fanout
			if level == 1 {
				n = cfg.Roots
			}
			inner := level < cfg.Depth
			hasChildren := inner && (cfg.Fanout > 0 || cfg.StagedDays > 0)
			for sortID := 1; sortID <= n; sortID++ {
				p := fmt.Sprintf("%d", sortID)
				if path != "" {
					p = path + "." + p
				}
				kids := 0
				if inner {
					kids = cfg.Fanout
				}
				id, err := insert(parent, segment.ProcessedGeneration, sortID, "Node "+p, hasChildren, kids)
				if err != nil {
					return err
				}
				stats.Processed++
				if inner {
					if err := fill(id, p, level+1); err != nil {
						return err
					}
				}
			}
			owner := path
			if owner == "" {
				owner = "root"
			}
			for d := 0; d < cfg.StagedDays; d++ {
				gen := cfg.StagedFrom.AddDays(d)
				for sortID := 1; sortID <= perDay; sortID++ {
					name := fmt.Sprintf("Staged %s %s.%d", gen, owner, sortID)
					if _, err := insert(parent, gen, sortID, name, false, 0); err != nil {
						return err
					}
					stats.Staged++
				}
			}
			return nil
		}
		return fill(cfg.RootID, "", 1)
	})
	if err != nil {
		return SeedStats{}, err
	}

	s.logger.Info("seeded tree", "processed", stats.Processed, "staged", stats.Staged, "cells", stats.Cells)
	return stats, nil
}
