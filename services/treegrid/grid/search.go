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
	"errors"
	"time"

	"github.com/AleutianAI/treegrid/services/treegrid/observability"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrShuttingDown is returned by StartSearch once Shutdown has begun.
var ErrShuttingDown = errors.New("engine is shutting down")

// StartSearch finds or creates the search job for terms and makes sure it
// runs.
//
// # Description
//
// Jobs are shared by normalized term set. A completed job is returned as
// is with skipPolling set, since its results are already available. A new
// job, or one left pending or running by an earlier process, is started in
// the background; the caller polls or watches its status.
//
// # Outputs
//
//   - store.SearchJob: The job as it was when found or created.
//   - bool: skipPolling, true when results can be fetched right away.
//   - error: A validation error for empty terms, ErrShuttingDown, or a
//     *StoreError.
func (e *Engine) StartSearch(ctx context.Context, terms []string) (job store.SearchJob, skipPolling bool, err error) {
	ctx, span := gridTracer.Start(ctx, "Engine.search")
	defer span.End()
	start := time.Now()
	defer func() { e.observe(span, observability.OpSearch, start, err) }()

	job, created, err := e.store.CreateOrFindSearchJob(ctx, terms)
	if err != nil {
		return store.SearchJob{}, false, storeErr("create_search_job", err)
	}
	span.SetAttributes(
		attribute.Int64("search.job_id", job.ID),
		attribute.Bool("search.created", created),
		attribute.String("search.status", string(job.Status)),
	)

	if job.Status == store.JobCompleted {
		e.metrics.RecordSearch(observability.SearchReused)
		return job, true, nil
	}

	started, err := e.launch(job.ID)
	if err != nil {
		return store.SearchJob{}, false, err
	}
	if started {
		e.metrics.RecordSearch(observability.SearchStarted)
	} else {
		e.metrics.RecordSearch(observability.SearchReused)
	}
	return job, false, nil
}

// SearchStatus returns the current state of a job.
func (e *Engine) SearchStatus(ctx context.Context, jobID int64) (store.SearchJob, error) {
	if jobID <= 0 {
		return store.SearchJob{}, validationf("job id must be positive, got %d", jobID)
	}
	job, err := e.store.SearchJob(ctx, jobID)
	if err != nil {
		return store.SearchJob{}, storeErr("search_job", err)
	}
	return job, nil
}

// SearchResults returns the nodes a job matched.
func (e *Engine) SearchResults(ctx context.Context, jobID int64) ([]store.SearchHit, error) {
	if jobID <= 0 {
		return nil, validationf("job id must be positive, got %d", jobID)
	}
	hits, err := e.store.SearchResults(ctx, jobID)
	if err != nil {
		return nil, storeErr("search_results", err)
	}
	return hits, nil
}

// launch runs the job in the background unless this process already runs
// it. At most Config.MaxConcurrentSearches runs execute at once; the rest
// wait for a slot. It reports whether a run was started.
func (e *Engine) launch(jobID int64) (bool, error) {
	e.jobsMu.Lock()
	defer e.jobsMu.Unlock()

	if e.closed {
		return false, ErrShuttingDown
	}
	if _, ok := e.running[jobID]; ok {
		return false, nil
	}
	e.running[jobID] = struct{}{}
	e.jobs.Add(1)

	go func() {
		defer e.jobs.Done()
		defer func() {
			e.jobsMu.Lock()
			delete(e.running, jobID)
			e.jobsMu.Unlock()
		}()

		if err := e.searchSlots.Acquire(e.jobsCtx, 1); err != nil {
			e.logger.Warn("search job abandoned before it ran", "job_id", jobID, "error", err)
			return
		}
		defer e.searchSlots.Release(1)

		e.metrics.SearchStarted()
		defer e.metrics.SearchEnded()

		ctx, span := gridTracer.Start(e.jobsCtx, "Engine.runSearch")
		defer span.End()
		span.SetAttributes(attribute.Int64("search.job_id", jobID))

		if err := e.store.RunSearchJob(ctx, jobID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search failed")
			e.metrics.RecordSearch(observability.SearchFailed)
			e.logger.Error("search job failed", "job_id", jobID, "error", err)
			return
		}
		e.metrics.RecordSearch(observability.SearchCompleted)
		e.logger.Debug("search job completed", "job_id", jobID)
	}()
	return true, nil
}

// Shutdown stops accepting searches and waits for running ones. When ctx
// ends first, running jobs are cancelled (and recorded as failed) before
// Shutdown returns ctx.Err().
func (e *Engine) Shutdown(ctx context.Context) error {
	e.jobsMu.Lock()
	e.closed = true
	e.jobsMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancelJobs()
		return nil
	case <-ctx.Done():
		e.cancelJobs()
		<-done
		return ctx.Err()
	}
}
