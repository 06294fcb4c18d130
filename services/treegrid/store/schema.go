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

// stage_date holds YYYY-MM-DD text so generations order lexically.
// (parent_id, stage_date, sort_id) is indexed but not unique: sort-id
// renumbering updates rows one at a time and would trip a unique check.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tree_nodes (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id    INTEGER NOT NULL,
	stage_date   TEXT    NOT NULL,
	sort_id      INTEGER NOT NULL,
	name         TEXT    NOT NULL DEFAULT '',
	has_children INTEGER NOT NULL DEFAULT 0,
	child_count  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tree_nodes_run ON tree_nodes(parent_id, stage_date, sort_id);

CREATE TABLE IF NOT EXISTS node_cells (
	node_id INTEGER NOT NULL,
	col     INTEGER NOT NULL,
	value   TEXT    NOT NULL,
	PRIMARY KEY (node_id, col)
);

CREATE TABLE IF NOT EXISTS search_jobs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	terms_key    TEXT    NOT NULL UNIQUE,
	terms        TEXT    NOT NULL,
	status       TEXT    NOT NULL,
	matches      INTEGER NOT NULL DEFAULT 0,
	error        TEXT    NOT NULL DEFAULT '',
	created_at   TEXT    NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS search_results (
	job_id  INTEGER NOT NULL,
	node_id INTEGER NOT NULL,
	PRIMARY KEY (job_id, node_id)
);
`
