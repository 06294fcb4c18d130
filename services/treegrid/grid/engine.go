// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grid runs tree grid operations for a session.
//
// # Description
//
// The Engine ties the pieces together. For every operation it:
//
//  1. serializes on the session key
//  2. loads the session's segment index (except for a root load)
//  3. asks the relational store for the generation sizes it needs
//  4. mutates the index
//  5. resolves the viewport into a fetch plan and fetches the rows
//  6. writes the index back
//
// Nothing is written when any step fails, so the stored index is always
// the one from the last successful operation.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Operations on one session run one at
// a time; different sessions run in parallel.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/AleutianAI/treegrid/services/treegrid/observability"
	"github.com/AleutianAI/treegrid/services/treegrid/segment"
	"github.com/AleutianAI/treegrid/services/treegrid/sessions"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var gridTracer = otel.Tracer("treegrid.grid")

const (
	// DefaultMaxViewportRows bounds RowCount of a viewport.
	DefaultMaxViewportRows = 1000

	// DefaultMaxViewportColumns bounds ColumnCount of a viewport.
	DefaultMaxViewportColumns = 200

	// DefaultMaxConcurrentSearches bounds search jobs running at once.
	DefaultMaxConcurrentSearches = 4
)

// StateStore persists session indexes. *sessions.Store implements it.
type StateStore interface {
	Load(ctx context.Context, key string) (*segment.Index, error)
	Save(ctx context.Context, key string, idx *segment.Index) error
	Delete(ctx context.Context, key string) error
}

var _ StateStore = (*sessions.Store)(nil)

// Config configures an Engine.
type Config struct {
	// RootNodeID is the parent id of the top level of the tree. Default 0.
	RootNodeID int64

	// MaxViewportRows and MaxViewportColumns bound a viewport.
	MaxViewportRows    int
	MaxViewportColumns int

	// MaxConcurrentSearches bounds background search runs. Jobs beyond it
	// wait for a slot. Default DefaultMaxConcurrentSearches.
	MaxConcurrentSearches int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observability.GridMetrics
}

// =============================================================================
// Request and Result Types
// =============================================================================

// Viewport is the visible rectangle of the grid.
type Viewport struct {
	// FirstRow is 1-based.
	FirstRow int
	RowCount int

	// FirstColumn is 0-based. ColumnCount 0 returns rows without cells.
	FirstColumn int
	ColumnCount int

	// SearchJobID flags rows matched by that job. 0 disables matching.
	SearchJobID int64
}

// NodeRef addresses a node the client sees in its current view.
type NodeRef struct {
	// ParentNodeID, Generation and SortID locate the node's row.
	ParentNodeID int64
	Generation   civil.Date
	SortID       int

	// NodeID is the node's own id.
	NodeID int64

	// ChildCount sizes the processed child segment on expand and refresh.
	ChildCount int

	// Depth is the node's level as displayed. 0 skips the stale-view check.
	Depth int
}

// Result is what every viewport operation returns.
type Result struct {
	TreeRowCount int         `json:"tree_row_count"`
	Rows         []store.Row `json:"rows"`
}

// SessionView is the raw index of a session, for inspection.
type SessionView struct {
	TreeRowCount int               `json:"tree_row_count"`
	Segments     []segment.Segment `json:"segments"`
}

// =============================================================================
// Engine
// =============================================================================

// Engine executes grid operations.
type Engine struct {
	store   store.Store
	states  StateStore
	locks   *sessions.Locker
	cfg     Config
	logger  *slog.Logger
	metrics *observability.GridMetrics

	jobsCtx     context.Context
	cancelJobs  context.CancelFunc
	searchSlots *semaphore.Weighted
	jobs        sync.WaitGroup
	jobsMu      sync.Mutex
	running     map[int64]struct{}
	closed      bool
}

// NewEngine creates an Engine.
//
// # Inputs
//
//   - st: Relational store. Must not be nil.
//   - states: Session state store. Must not be nil.
//   - cfg: Engine configuration; zero values take defaults.
//
// # Outputs
//
//   - *Engine: Ready engine. Call Shutdown to drain background search jobs.
func NewEngine(st store.Store, states StateStore, cfg Config) *Engine {
	if cfg.MaxViewportRows <= 0 {
		cfg.MaxViewportRows = DefaultMaxViewportRows
	}
	if cfg.MaxViewportColumns <= 0 {
		cfg.MaxViewportColumns = DefaultMaxViewportColumns
	}
	if cfg.MaxConcurrentSearches <= 0 {
		cfg.MaxConcurrentSearches = DefaultMaxConcurrentSearches
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jobsCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:       st,
		states:      states,
		locks:       sessions.NewLocker(),
		cfg:         cfg,
		logger:      logger.With("component", "grid"),
		metrics:     cfg.Metrics,
		jobsCtx:     jobsCtx,
		cancelJobs:  cancel,
		searchSlots: semaphore.NewWeighted(int64(cfg.MaxConcurrentSearches)),
		running:     make(map[int64]struct{}),
	}
}

// operation describes one session-scoped call for run.
type operation struct {
	op   observability.Op
	key  string
	vp   Viewport
	node *NodeRef

	// load reads the stored index first; write saves the result.
	load  bool
	write bool

	// apply returns the index to serve. It receives nil when load is false.
	apply func(ctx context.Context, idx *segment.Index) (*segment.Index, error)
}

// LoadRoot builds a fresh index for the top level of the tree, replacing
// whatever the session held, and returns the viewport.
//
// # Description
//
// The staged generations and the processed count of the root are fetched
// concurrently. One segment is created per staged generation, oldest
// first, followed by the processed segment.
//
// # Outputs
//
//   - Result: Row count of the collapsed tree and the visible rows.
//   - error: ErrValidation or a *StoreError.
func (e *Engine) LoadRoot(ctx context.Context, key string, vp Viewport) (Result, error) {
	return e.run(ctx, operation{
		op:    observability.OpLoad,
		key:   key,
		vp:    vp,
		write: true,
		apply: func(ctx context.Context, _ *segment.Index) (*segment.Index, error) {
			staged, processed, err := e.generationSizes(ctx, e.cfg.RootNodeID)
			if err != nil {
				return nil, err
			}
			idx := segment.LoadRoot(e.cfg.RootNodeID, staged, processed)
			if err := idx.Verify(); err != nil {
				return nil, err
			}
			return idx, nil
		},
	})
}

// Expand inserts the children of node below it.
//
// # Outputs
//
//   - error: ErrValidation, ErrStateNotFound, segment.ErrSegmentNotFound
//     (stale view), segment.ErrAlreadyExpanded, an invariant violation, or
//     a *StoreError.
func (e *Engine) Expand(ctx context.Context, key string, node NodeRef, vp Viewport) (Result, error) {
	return e.run(ctx, operation{
		op:    observability.OpExpand,
		key:   key,
		vp:    vp,
		node:  &node,
		load:  true,
		write: true,
		apply: func(ctx context.Context, idx *segment.Index) (*segment.Index, error) {
			if _, err := idx.Lookup(node.ParentNodeID, node.Generation, node.SortID); err != nil {
				return nil, err
			}
			staged, err := e.stagedChildren(ctx, node.NodeID)
			if err != nil {
				return nil, err
			}
			if _, err := idx.Expand(expandRequest(node), staged); err != nil {
				return nil, err
			}
			return idx, nil
		},
	})
}

// Collapse removes every descendant row of node. Collapsing a node that
// is not expanded changes nothing.
func (e *Engine) Collapse(ctx context.Context, key string, node NodeRef, vp Viewport) (Result, error) {
	return e.run(ctx, operation{
		op:    observability.OpCollapse,
		key:   key,
		vp:    vp,
		node:  &node,
		load:  true,
		write: true,
		apply: func(ctx context.Context, idx *segment.Index) (*segment.Index, error) {
			if _, err := idx.Collapse(collapseRequest(node)); err != nil {
				return nil, err
			}
			return idx, nil
		},
	})
}

// Refresh collapses node and expands it again with the request's child
// count and the store's current staged generations.
// The session is only written when both steps succeed.
func (e *Engine) Refresh(ctx context.Context, key string, node NodeRef, vp Viewport) (Result, error) {
	return e.run(ctx, operation{
		op:    observability.OpRefresh,
		key:   key,
		vp:    vp,
		node:  &node,
		load:  true,
		write: true,
		apply: func(ctx context.Context, idx *segment.Index) (*segment.Index, error) {
			if _, err := idx.Lookup(node.ParentNodeID, node.Generation, node.SortID); err != nil {
				return nil, err
			}
			staged, err := e.stagedChildren(ctx, node.NodeID)
			if err != nil {
				return nil, err
			}
			if _, err := idx.Collapse(collapseRequest(node)); err != nil {
				return nil, fmt.Errorf("refresh collapse: %w", err)
			}
			if _, err := idx.Expand(expandRequest(node), staged); err != nil {
				return nil, fmt.Errorf("refresh expand: %w", err)
			}
			return idx, nil
		},
	})
}

// Scroll returns the rows of a viewport without changing the index.
func (e *Engine) Scroll(ctx context.Context, key string, vp Viewport) (Result, error) {
	return e.run(ctx, operation{
		op:   observability.OpScroll,
		key:  key,
		vp:   vp,
		load: true,
		apply: func(_ context.Context, idx *segment.Index) (*segment.Index, error) {
			return idx, nil
		},
	})
}

// Session returns the stored index of a session.
func (e *Engine) Session(ctx context.Context, key string) (SessionView, error) {
	if key == "" {
		return SessionView{}, sessions.ErrEmptyKey
	}
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return SessionView{}, err
	}
	defer unlock()

	idx, err := e.loadState(ctx, key)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{TreeRowCount: idx.TotalRows(), Segments: idx.Segments()}, nil
}

// DropSession deletes a session's index.
func (e *Engine) DropSession(ctx context.Context, key string) error {
	if key == "" {
		return sessions.ErrEmptyKey
	}
	unlock, err := e.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	return storeErr("delete_session", e.states.Delete(ctx, key))
}

// =============================================================================
// Internals
// =============================================================================

func (e *Engine) run(ctx context.Context, o operation) (res Result, err error) {
	ctx, span := gridTracer.Start(ctx, "Engine."+string(o.op), trace.WithAttributes(
		attribute.String("session.key_hash", sessions.KeyHash(o.key)),
		attribute.Int("viewport.first_row", o.vp.FirstRow),
		attribute.Int("viewport.row_count", o.vp.RowCount),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		e.observe(span, o.op, start, err)
	}()

	if err := e.checkRequest(o); err != nil {
		return Result{}, err
	}

	unlock, err := e.locks.Lock(ctx, o.key)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	res, ranges, idx, err := e.execute(ctx, o)
	if err != nil {
		if errors.Is(err, segment.ErrInvariantViolation) {
			e.dropState(ctx, o, err)
		}
		return Result{}, err
	}

	e.metrics.RecordShape(idx.Len(), ranges, len(res.Rows))
	span.SetAttributes(
		attribute.Int("grid.segments", idx.Len()),
		attribute.Int("grid.tree_row_count", res.TreeRowCount),
		attribute.Int("grid.rows", len(res.Rows)),
	)
	return res, nil
}

// execute does the locked part of run.
func (e *Engine) execute(ctx context.Context, o operation) (Result, int, *segment.Index, error) {
	var (
		idx *segment.Index
		err error
	)
	if o.load {
		if idx, err = e.loadState(ctx, o.key); err != nil {
			return Result{}, 0, nil, err
		}
	}

	if idx, err = o.apply(ctx, idx); err != nil {
		return Result{}, 0, nil, err
	}

	res, ranges, err := e.view(ctx, idx, o.vp)
	if err != nil {
		return Result{}, 0, nil, err
	}

	if o.write {
		// A caller that gave up must not see its change applied later.
		if err := ctx.Err(); err != nil {
			return Result{}, 0, nil, err
		}
		if err := e.states.Save(ctx, o.key, idx); err != nil {
			return Result{}, 0, nil, storeErr("save_session", err)
		}
	}
	return res, ranges, idx, nil
}

func (e *Engine) loadState(ctx context.Context, key string) (*segment.Index, error) {
	idx, err := e.states.Load(ctx, key)
	switch {
	case err == nil:
		return idx, nil
	case errors.Is(err, ErrStateNotFound), errors.Is(err, segment.ErrInvariantViolation):
		return nil, err
	default:
		return nil, storeErr("load_session", err)
	}
}

// view resolves vp against idx and fetches the rows.
func (e *Engine) view(ctx context.Context, idx *segment.Index, vp Viewport) (Result, int, error) {
	plan, err := idx.Resolve(segment.Window{FirstRow: vp.FirstRow, RowCount: vp.RowCount})
	if err != nil {
		return Result{}, 0, err
	}

	rows, err := e.store.FetchRows(ctx, store.FetchRequest{
		Plan:        plan,
		FirstColumn: vp.FirstColumn,
		ColumnCount: vp.ColumnCount,
		SearchJobID: vp.SearchJobID,
	})
	if err != nil {
		return Result{}, 0, storeErr("fetch_rows", err)
	}
	if rows == nil {
		rows = []store.Row{}
	}

	expanded := idx.ExpandedNodes()
	for i := range rows {
		rows[i].IsExpanded = rows[i].ID > 0 && expanded.Contains(uint64(rows[i].ID))
	}
	return Result{TreeRowCount: idx.TotalRows(), Rows: rows}, len(plan.Ranges), nil
}

// generationSizes fetches the staged generations and processed count under
// parentID concurrently.
func (e *Engine) generationSizes(ctx context.Context, parentID int64) ([]segment.StagedGeneration, int, error) {
	var (
		staged    []segment.StagedGeneration
		processed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		staged, err = e.store.StagedGenerations(gctx, parentID)
		return storeErr("staged_generations", err)
	})
	g.Go(func() error {
		var err error
		processed, err = e.store.ProcessedCount(gctx, parentID)
		return storeErr("processed_count", err)
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return staged, processed, nil
}

// stagedChildren fetches the staged generations under nodeID. The
// processed child count comes from the request.
func (e *Engine) stagedChildren(ctx context.Context, nodeID int64) ([]segment.StagedGeneration, error) {
	staged, err := e.store.StagedGenerations(ctx, nodeID)
	if err != nil {
		return nil, storeErr("staged_generations", err)
	}
	return staged, nil
}

func (e *Engine) checkRequest(o operation) error {
	if o.key == "" {
		return sessions.ErrEmptyKey
	}
	vp := o.vp
	if vp.FirstRow < 1 {
		return validationf("first_row must be >= 1, got %d", vp.FirstRow)
	}
	if vp.RowCount < 1 || vp.RowCount > e.cfg.MaxViewportRows {
		return validationf("row_count must be in [1, %d], got %d", e.cfg.MaxViewportRows, vp.RowCount)
	}
	if vp.FirstColumn < 0 {
		return validationf("first_column must be >= 0, got %d", vp.FirstColumn)
	}
	if vp.ColumnCount < 0 || vp.ColumnCount > e.cfg.MaxViewportColumns {
		return validationf("column_count must be in [0, %d], got %d", e.cfg.MaxViewportColumns, vp.ColumnCount)
	}
	if vp.SearchJobID < 0 {
		return validationf("search_job_id must be >= 0, got %d", vp.SearchJobID)
	}

	if n := o.node; n != nil {
		switch {
		case n.NodeID <= 0:
			return validationf("node_id must be positive, got %d", n.NodeID)
		case n.ParentNodeID < 0:
			return validationf("parent_node_id must be >= 0, got %d", n.ParentNodeID)
		case n.SortID < 1:
			return validationf("sort_id must be >= 1, got %d", n.SortID)
		case n.ChildCount < 0:
			return validationf("child_count must be >= 0, got %d", n.ChildCount)
		case n.Depth < 0:
			return validationf("depth must be >= 0, got %d", n.Depth)
		case !n.Generation.IsValid():
			return validationf("stage_date is required")
		}
	}
	return nil
}

// dropState discards a session whose index broke an invariant. Serving
// from it again would return wrong rows; the client reloads the root.
func (e *Engine) dropState(ctx context.Context, o operation, cause error) {
	e.metrics.RecordInvariantViolation(o.op)
	e.logger.Error("segment index invariant violated, dropping session state",
		"op", string(o.op),
		"session_key_hash", sessions.KeyHash(o.key),
		"error", cause)

	if err := e.states.Delete(context.WithoutCancel(ctx), o.key); err != nil {
		e.logger.Error("failed to drop session state",
			"session_key_hash", sessions.KeyHash(o.key), "error", err)
	}
}

func (e *Engine) observe(span trace.Span, op observability.Op, start time.Time, err error) {
	status := observability.StatusSuccess
	if err != nil {
		status = Code(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, status)

		switch status {
		case CodeStoreError, CodeInternal:
			e.logger.Error("grid operation failed", "op", string(op), "code", status, "error", err)
		case CodeInvariantViolation:
			// logged by dropState
		default:
			e.logger.Debug("grid operation rejected", "op", string(op), "code", status, "error", err)
		}
	}
	e.metrics.RecordOperation(op, status, time.Since(start).Seconds())
}

func expandRequest(node NodeRef) segment.ExpandRequest {
	return segment.ExpandRequest{
		ParentNodeID: node.ParentNodeID,
		Generation:   node.Generation,
		SortID:       node.SortID,
		NodeID:       node.NodeID,
		ChildCount:   node.ChildCount,
		Depth:        node.Depth,
	}
}

func collapseRequest(node NodeRef) segment.CollapseRequest {
	return segment.CollapseRequest{
		ParentNodeID: node.ParentNodeID,
		Generation:   node.Generation,
		SortID:       node.SortID,
		NodeID:       node.NodeID,
		Depth:        node.Depth,
	}
}
