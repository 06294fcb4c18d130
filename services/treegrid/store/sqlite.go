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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/AleutianAI/treegrid/services/treegrid/segment"
	"github.com/goccy/go-json"

	_ "modernc.org/sqlite"
)

// cellChunk bounds the number of bound parameters in one IN list.
const cellChunk = 500

// SQLiteStore implements Store on an embedded SQLite database.
//
// # Description
//
// All nodes live in one table keyed by (parent_id, stage_date, sort_id).
// Processed nodes carry the processed generation date. The database uses a
// single connection, so every transaction is serialized.
//
// # Thread Safety
//
// Safe for concurrent use.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
//
// # Inputs
//
//   - ctx: Bounds schema creation.
//   - path: Database file. Its directory is created if missing.
//   - logger: Optional; slog.Default() when nil.
//
// # Outputs
//
//   - *SQLiteStore: Ready store. Caller must Close it.
//   - error: Non-nil if the file cannot be opened or the schema applied.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("sqlite store opened", "path", path)
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func dateText(d civil.Date) string {
	return d.String()
}

func parseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("parse stage date %q: %w", s, err)
	}
	return d, nil
}

// =============================================================================
// TreeReader
// =============================================================================

// StagedGenerations implements TreeReader.
func (s *SQLiteStore) StagedGenerations(ctx context.Context, parentID int64) ([]segment.StagedGeneration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_date, MAX(sort_id)
		FROM tree_nodes
		WHERE parent_id = ? AND stage_date <> ?
		GROUP BY stage_date
		ORDER BY stage_date`,
		parentID, dateText(segment.ProcessedGeneration))
	if err != nil {
		return nil, fmt.Errorf("query staged generations: %w", err)
	}
	defer rows.Close()

	var out []segment.StagedGeneration
	for rows.Next() {
		var (
			stage string
			count int
		)
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, fmt.Errorf("scan staged generation: %w", err)
		}
		gen, err := parseDate(stage)
		if err != nil {
			return nil, err
		}
		out = append(out, segment.StagedGeneration{Generation: gen, Count: count})
	}
	return out, rows.Err()
}

// ProcessedCount implements TreeReader.
func (s *SQLiteStore) ProcessedCount(ctx context.Context, parentID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sort_id), 0)
		FROM tree_nodes
		WHERE parent_id = ? AND stage_date = ?`,
		parentID, dateText(segment.ProcessedGeneration)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query processed count: %w", err)
	}
	return n, nil
}

// FetchRows implements TreeReader.
func (s *SQLiteStore) FetchRows(ctx context.Context, req FetchRequest) ([]Row, error) {
	out := []Row{}
	if len(req.Plan.Ranges) == 0 {
		return out, nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			SELECT n.id, n.parent_id, n.sort_id, n.has_children, n.child_count, n.stage_date, n.name,
			       EXISTS (SELECT 1 FROM search_results r WHERE r.job_id = ? AND r.node_id = n.id)
			FROM tree_nodes n
			WHERE n.parent_id = ? AND n.stage_date = ? AND n.sort_id BETWEEN ? AND ?
			ORDER BY n.sort_id`)
		if err != nil {
			return fmt.Errorf("prepare fetch: %w", err)
		}
		defer stmt.Close()

		for _, r := range req.Plan.Ranges {
			rows, err := stmt.QueryContext(ctx, req.SearchJobID, r.ParentNodeID,
				dateText(r.Generation), r.FirstSortID, r.LastSortID)
			if err != nil {
				return fmt.Errorf("fetch range %d: %w", r.RowNumber, err)
			}
			for rows.Next() {
				var (
					row   Row
					stage string
				)
				if err := rows.Scan(&row.ID, &row.ParentID, &row.SortID, &row.HasChildren,
					&row.ChildCount, &stage, &row.Name, &row.IsMatch); err != nil {
					rows.Close()
					return fmt.Errorf("scan row: %w", err)
				}
				if row.Generation, err = parseDate(stage); err != nil {
					rows.Close()
					return err
				}
				row.Depth = r.Depth
				out = append(out, row)
			}
			if err := rows.Close(); err != nil {
				return err
			}
		}

		if req.ColumnCount > 0 {
			return loadCells(ctx, tx, out, req.FirstColumn, req.ColumnCount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// loadCells fills Cells for the visible column window. Missing cells are "".
func loadCells(ctx context.Context, tx *sql.Tx, rows []Row, first, count int) error {
	at := make(map[int64]int, len(rows))
	for i := range rows {
		rows[i].Cells = make([]string, count)
		at[rows[i].ID] = i
	}

	for start := 0; start < len(rows); start += cellChunk {
		end := min(start+cellChunk, len(rows))
		args := []any{first, first + count}
		marks := make([]string, 0, end-start)
		for _, r := range rows[start:end] {
			args = append(args, r.ID)
			marks = append(marks, "?")
		}

		q := `SELECT node_id, col, value FROM node_cells
		      WHERE col >= ? AND col < ? AND node_id IN (` + strings.Join(marks, ",") + `)`
		res, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("query cells: %w", err)
		}
		for res.Next() {
			var (
				id    int64
				col   int
				value string
			)
			if err := res.Scan(&id, &col, &value); err != nil {
				res.Close()
				return fmt.Errorf("scan cell: %w", err)
			}
			if i, ok := at[id]; ok {
				rows[i].Cells[col-first] = value
			}
		}
		if err := res.Close(); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// RecordWriter
// =============================================================================

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getNode(ctx context.Context, q querier, id int64, gen *civil.Date) (Row, error) {
	query := `SELECT id, parent_id, sort_id, has_children, child_count, stage_date, name
	          FROM tree_nodes WHERE id = ?`
	args := []any{id}
	if gen != nil {
		query += ` AND stage_date = ?`
		args = append(args, dateText(*gen))
	}

	var (
		row   Row
		stage string
	)
	err := q.QueryRowContext(ctx, query, args...).Scan(&row.ID, &row.ParentID, &row.SortID,
		&row.HasChildren, &row.ChildCount, &stage, &row.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, fmt.Errorf("%w: node %d", ErrNotFound, id)
	}
	if err != nil {
		return Row{}, fmt.Errorf("load node %d: %w", id, err)
	}
	if row.Generation, err = parseDate(stage); err != nil {
		return Row{}, err
	}
	return row, nil
}

func nextSortID(ctx context.Context, tx *sql.Tx, parentID int64, gen civil.Date) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sort_id), 0) + 1 FROM tree_nodes
		WHERE parent_id = ? AND stage_date = ?`, parentID, dateText(gen)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next sort id: %w", err)
	}
	return n, nil
}

// closeGap renumbers the siblings after sortID so the run stays dense.
func closeGap(ctx context.Context, tx *sql.Tx, parentID int64, gen civil.Date, sortID int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tree_nodes SET sort_id = sort_id - 1
		WHERE parent_id = ? AND stage_date = ? AND sort_id > ?`, parentID, dateText(gen), sortID)
	if err != nil {
		return fmt.Errorf("renumber siblings: %w", err)
	}
	return nil
}

// refreshParent recomputes a parent's child flags from its actual children.
// child_count counts processed children only.
func refreshParent(ctx context.Context, tx *sql.Tx, parentID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tree_nodes SET
			child_count  = (SELECT COUNT(*) FROM tree_nodes c WHERE c.parent_id = ? AND c.stage_date = ?),
			has_children = EXISTS (SELECT 1 FROM tree_nodes c WHERE c.parent_id = ?)
		WHERE id = ?`,
		parentID, dateText(segment.ProcessedGeneration), parentID, parentID)
	if err != nil {
		return fmt.Errorf("refresh parent %d: %w", parentID, err)
	}
	return nil
}

func subtreeIDs(ctx context.Context, tx *sql.Tx, id int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE sub(id) AS (
			SELECT ?
			UNION ALL
			SELECT n.id FROM tree_nodes n JOIN sub ON n.parent_id = sub.id
		)
		SELECT id FROM sub`, id)
	if err != nil {
		return nil, fmt.Errorf("walk subtree of %d: %w", id, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		ids = append(ids, n)
	}
	return ids, rows.Err()
}

// InsertNode implements RecordWriter. The node is appended to the end of
// its parent's run for its generation.
func (s *SQLiteStore) InsertNode(ctx context.Context, in NodeInput) (Row, error) {
	if in.ParentID < 0 || in.ChildCount < 0 || !in.Generation.IsValid() {
		return Row{}, fmt.Errorf("%w: parent %d, child count %d, generation %s",
			ErrInvalidInput, in.ParentID, in.ChildCount, in.Generation)
	}

	var out Row
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sortID, err := nextSortID(ctx, tx, in.ParentID, in.Generation)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tree_nodes (parent_id, stage_date, sort_id, name, has_children, child_count)
			VALUES (?, ?, ?, ?, ?, ?)`,
			in.ParentID, dateText(in.Generation), sortID, in.Name, in.HasChildren, in.ChildCount)
		if err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert node id: %w", err)
		}
		if err := refreshParent(ctx, tx, in.ParentID); err != nil {
			return err
		}
		out, err = getNode(ctx, tx, id, nil)
		return err
	})
	if err != nil {
		return Row{}, err
	}
	return out, nil
}

// UpdateNode implements RecordWriter.
func (s *SQLiteStore) UpdateNode(ctx context.Context, in NodeUpdate) (Row, error) {
	if in.ID <= 0 || in.NewParentID < 0 || in.ChildCount < 0 || in.NewParentID == in.ID {
		return Row{}, fmt.Errorf("%w: node %d, new parent %d, child count %d",
			ErrInvalidInput, in.ID, in.NewParentID, in.ChildCount)
	}

	var out Row
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getNode(ctx, tx, in.ID, &in.Generation)
		if err != nil {
			return err
		}

		parentID, sortID := cur.ParentID, cur.SortID
		moved := in.NewParentID != 0 && in.NewParentID != cur.ParentID
		if moved {
			sub, err := subtreeIDs(ctx, tx, in.ID)
			if err != nil {
				return err
			}
			for _, id := range sub {
				if id == in.NewParentID {
					return fmt.Errorf("%w: node %d cannot move under its own descendant %d",
						ErrInvalidInput, in.ID, in.NewParentID)
				}
			}
			if err := closeGap(ctx, tx, cur.ParentID, cur.Generation, cur.SortID); err != nil {
				return err
			}
			if sortID, err = nextSortID(ctx, tx, in.NewParentID, cur.Generation); err != nil {
				return err
			}
			parentID = in.NewParentID
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tree_nodes
			SET parent_id = ?, sort_id = ?, name = ?, has_children = ?, child_count = ?
			WHERE id = ?`,
			parentID, sortID, in.Name, in.HasChildren, in.ChildCount, in.ID)
		if err != nil {
			return fmt.Errorf("update node %d: %w", in.ID, err)
		}

		if moved {
			if err := refreshParent(ctx, tx, cur.ParentID); err != nil {
				return err
			}
			if err := refreshParent(ctx, tx, parentID); err != nil {
				return err
			}
		}
		out, err = getNode(ctx, tx, in.ID, nil)
		return err
	})
	if err != nil {
		return Row{}, err
	}
	return out, nil
}

// DeleteNode implements RecordWriter. The node's whole subtree is removed
// and later siblings move up one sort id.
func (s *SQLiteStore) DeleteNode(ctx context.Context, id int64, gen civil.Date) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getNode(ctx, tx, id, &gen)
		if err != nil {
			return err
		}
		ids, err := subtreeIDs(ctx, tx, id)
		if err != nil {
			return err
		}

		for _, q := range []string{
			`DELETE FROM node_cells WHERE node_id = ?`,
			`DELETE FROM search_results WHERE node_id = ?`,
			`DELETE FROM tree_nodes WHERE id = ?`,
		} {
			stmt, err := tx.PrepareContext(ctx, q)
			if err != nil {
				return fmt.Errorf("prepare delete: %w", err)
			}
			for _, n := range ids {
				if _, err := stmt.ExecContext(ctx, n); err != nil {
					stmt.Close()
					return fmt.Errorf("delete node %d: %w", n, err)
				}
			}
			stmt.Close()
		}

		if err := closeGap(ctx, tx, cur.ParentID, cur.Generation, cur.SortID); err != nil {
			return err
		}
		s.logger.Debug("node deleted", "node_id", id, "subtree_size", len(ids))
		return refreshParent(ctx, tx, cur.ParentID)
	})
}

// =============================================================================
// SearchStore
// =============================================================================

// normalizeTerms lower-cases, trims, de-duplicates and sorts terms so that
// the same search always maps to the same job.
func normalizeTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CreateOrFindSearchJob implements SearchStore. A failed job for the same
// terms is reset and reported as created so it runs again.
func (s *SQLiteStore) CreateOrFindSearchJob(ctx context.Context, terms []string) (SearchJob, bool, error) {
	norm := normalizeTerms(terms)
	if len(norm) == 0 {
		return SearchJob{}, false, fmt.Errorf("%w: no search terms", ErrInvalidInput)
	}
	encoded, err := json.Marshal(norm)
	if err != nil {
		return SearchJob{}, false, fmt.Errorf("encode terms: %w", err)
	}
	key := string(encoded)

	var (
		job     SearchJob
		created bool
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO search_jobs (terms_key, terms, status, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(terms_key) DO NOTHING`,
			key, key, string(JobPending), s.now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert search job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1

		var id int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM search_jobs WHERE terms_key = ?`, key).Scan(&id); err != nil {
			return fmt.Errorf("find search job: %w", err)
		}
		if job, err = loadJob(ctx, tx, id); err != nil {
			return err
		}

		if job.Status == JobFailed {
			_, err := tx.ExecContext(ctx, `
				UPDATE search_jobs SET status = ?, error = '', matches = 0, completed_at = NULL
				WHERE id = ?`, string(JobPending), id)
			if err != nil {
				return fmt.Errorf("reset search job %d: %w", id, err)
			}
			created = true
			job, err = loadJob(ctx, tx, id)
			return err
		}
		return nil
	})
	if err != nil {
		return SearchJob{}, false, err
	}
	return job, created, nil
}

// RunSearchJob implements SearchStore. It matches every term as a
// case-insensitive substring of node names and records the hits.
func (s *SQLiteStore) RunSearchJob(ctx context.Context, jobID int64) error {
	job, err := s.SearchJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.setJobStatus(ctx, jobID, JobRunning, 0, ""); err != nil {
		return err
	}

	var matches int
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM search_results WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("clear results: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO search_results (job_id, node_id)
			SELECT ?, id FROM tree_nodes WHERE instr(lower(name), ?) > 0`)
		if err != nil {
			return fmt.Errorf("prepare search: %w", err)
		}
		defer stmt.Close()

		for _, term := range job.Terms {
			if _, err := stmt.ExecContext(ctx, jobID, term); err != nil {
				return fmt.Errorf("search term %q: %w", term, err)
			}
		}
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_results WHERE job_id = ?`, jobID).Scan(&matches)
	})
	if err != nil {
		// The request context may be gone; the failure still has to be recorded.
		if serr := s.setJobStatus(context.WithoutCancel(ctx), jobID, JobFailed, 0, err.Error()); serr != nil {
			s.logger.Error("failed to record search job failure", "job_id", jobID, "error", serr)
		}
		return err
	}
	return s.setJobStatus(ctx, jobID, JobCompleted, matches, "")
}

func (s *SQLiteStore) setJobStatus(ctx context.Context, jobID int64, status JobStatus, matches int, msg string) error {
	var completed any
	if status.Terminal() {
		completed = s.now().UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE search_jobs SET status = ?, matches = ?, error = ?, completed_at = ?
		WHERE id = ?`, string(status), matches, msg, completed, jobID)
	if err != nil {
		return fmt.Errorf("set search job %d status: %w", jobID, err)
	}
	return nil
}

func loadJob(ctx context.Context, q querier, jobID int64) (SearchJob, error) {
	var (
		job       SearchJob
		terms     string
		status    string
		created   string
		completed sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, terms, status, matches, error, created_at, completed_at
		FROM search_jobs WHERE id = ?`, jobID).
		Scan(&job.ID, &terms, &status, &job.Matches, &job.Error, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return SearchJob{}, fmt.Errorf("%w: search job %d", ErrNotFound, jobID)
	}
	if err != nil {
		return SearchJob{}, fmt.Errorf("load search job %d: %w", jobID, err)
	}

	job.Status = JobStatus(status)
	if err := json.Unmarshal([]byte(terms), &job.Terms); err != nil {
		return SearchJob{}, fmt.Errorf("decode terms of job %d: %w", jobID, err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return SearchJob{}, fmt.Errorf("parse created_at of job %d: %w", jobID, err)
	}
	if completed.Valid {
		t, err := time.Parse(time.RFC3339Nano, completed.String)
		if err != nil {
			return SearchJob{}, fmt.Errorf("parse completed_at of job %d: %w", jobID, err)
		}
		job.CompletedAt = &t
	}
	return job, nil
}

// SearchJob implements SearchStore.
func (s *SQLiteStore) SearchJob(ctx context.Context, jobID int64) (SearchJob, error) {
	return loadJob(ctx, s.db, jobID)
}

// SearchResults implements SearchStore.
func (s *SQLiteStore) SearchResults(ctx context.Context, jobID int64) ([]SearchHit, error) {
	if _, err := s.SearchJob(ctx, jobID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.parent_id, n.sort_id, n.stage_date, n.has_children, n.child_count, n.name
		FROM search_results r JOIN tree_nodes n ON n.id = r.node_id
		WHERE r.job_id = ?
		ORDER BY n.id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query search results: %w", err)
	}
	defer rows.Close()

	out := []SearchHit{}
	for rows.Next() {
		var (
			h     SearchHit
			stage string
		)
		if err := rows.Scan(&h.NodeID, &h.ParentID, &h.SortID, &stage, &h.HasChildren, &h.ChildCount, &h.Name); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		if h.Generation, err = parseDate(stage); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
