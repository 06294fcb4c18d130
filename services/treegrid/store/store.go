// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the relational data source behind the tree grid and
// provides a SQLite implementation of it.
//
// # Description
//
// The grid needs three things from its data source:
//
//   - sizes: how many staged rows per generation and how many processed rows
//     sit under a parent (TreeReader)
//   - rows: the node rows for a fetch plan produced by the segment index
//   - mutations and search: record CRUD and global search jobs
//
// Tree rows are keyed by (parent id, generation, sort id). Sort ids are
// dense from 1 within a parent and generation; every mutation here keeps
// them dense, because the segment index relies on it.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/AleutianAI/treegrid/services/treegrid/segment"
)

var (
	// ErrNotFound is returned when a node or search job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for arguments the store cannot act on.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// Row Types
// =============================================================================

// Row is one node as shown in the grid.
type Row struct {
	ID          int64      `json:"id"`
	ParentID    int64      `json:"parent_id"`
	SortID      int        `json:"sort_id"`
	Depth       int        `json:"depth"`
	HasChildren bool       `json:"has_children"`
	ChildCount  int        `json:"child_count"`
	Generation  civil.Date `json:"stage_date"`
	IsExpanded  bool       `json:"is_expanded"`
	Name        string     `json:"name"`
	Cells       []string   `json:"cells,omitempty"`
	IsMatch     bool       `json:"is_match,omitempty"`
}

// FetchRequest asks for the rows of a fetch plan.
type FetchRequest struct {
	Plan segment.FetchPlan

	// FirstColumn and ColumnCount select the visible cell columns.
	// ColumnCount 0 fetches no cells.
	FirstColumn int
	ColumnCount int

	// SearchJobID flags rows matched by that job. 0 disables matching.
	SearchJobID int64
}

// NodeInput describes a node to insert.
type NodeInput struct {
	ParentID    int64
	Generation  civil.Date
	Name        string
	HasChildren bool
	ChildCount  int
}

// NodeUpdate describes changes to an existing node.
type NodeUpdate struct {
	ID         int64
	Generation civil.Date

	// NewParentID moves the node to the end of another parent's run when
	// non-zero and different from the current parent.
	NewParentID int64

	Name        string
	HasChildren bool
	ChildCount  int
}

// =============================================================================
// Search Types
// =============================================================================

// JobStatus is the lifecycle state of a search job.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
)

// Terminal reports whether the job will not change status again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// SearchJob is a global search over node names.
type SearchJob struct {
	ID          int64      `json:"job_id"`
	Terms       []string   `json:"terms"`
	Status      JobStatus  `json:"status"`
	Matches     int        `json:"matches"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SearchHit is one node matched by a search job.
type SearchHit struct {
	NodeID      int64      `json:"id"`
	ParentID    int64      `json:"parent_id"`
	SortID      int        `json:"sort_id"`
	Generation  civil.Date `json:"stage_date"`
	HasChildren bool       `json:"has_children"`
	ChildCount  int        `json:"child_count"`
	Name        string     `json:"name"`
}

// =============================================================================
// Interfaces
// =============================================================================

// TreeReader supplies generation sizes and rows to the grid engine.
type TreeReader interface {
	// StagedGenerations returns the staged generations under parentID,
	// oldest first, each with its highest sort id.
	StagedGenerations(ctx context.Context, parentID int64) ([]segment.StagedGeneration, error)

	// ProcessedCount returns the highest processed sort id under parentID,
	// 0 when there are none.
	ProcessedCount(ctx context.Context, parentID int64) (int, error)

	// FetchRows returns the rows of every range in the plan, in plan order
	// and ascending sort id within a range. Depth is taken from the range.
	FetchRows(ctx context.Context, req FetchRequest) ([]Row, error)
}

// RecordWriter mutates tree nodes.
type RecordWriter interface {
	InsertNode(ctx context.Context, in NodeInput) (Row, error)
	UpdateNode(ctx context.Context, in NodeUpdate) (Row, error)
	DeleteNode(ctx context.Context, id int64, gen civil.Date) error
}

// SearchStore runs global search jobs.
type SearchStore interface {
	// CreateOrFindSearchJob returns the job for this term set, creating it
	// when none exists. created reports whether the job is new.
	CreateOrFindSearchJob(ctx context.Context, terms []string) (job SearchJob, created bool, err error)
	RunSearchJob(ctx context.Context, jobID int64) error
	SearchJob(ctx context.Context, jobID int64) (SearchJob, error)
	SearchResults(ctx context.Context, jobID int64) ([]SearchHit, error)
}

// Store is the full data source.
type Store interface {
	TreeReader
	RecordWriter
	SearchStore
	Close() error
}
