// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the tree grid service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring grid operations.
// Metrics include:
//   - Operation counters and latency (by operation and outcome)
//   - Index shape (segments per session, ranges per fetch plan, rows served)
//   - Invariant violations, which should always be zero
//   - Search job starts and in-flight jobs
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is safe to call on a nil *GridMetrics.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "treegrid"

// Subsystem for grid engine metrics
const gridSubsystem = "grid"

// GridMetrics holds all Prometheus metrics for grid operations.
//
// # Fields
//
//   - OperationsTotal: Counter of operations by op and status
//   - OperationDurationSeconds: Histogram of operation latency by op
//   - SegmentsPerSession: Histogram of index size after each operation
//   - FetchPlanRanges: Histogram of ranges in each resolved plan
//   - RowsReturned: Histogram of rows sent to the client per operation
//   - InvariantViolationsTotal: Counter of broken index invariants by op
//   - SearchJobsTotal: Counter of search job requests by outcome
//   - SearchJobsRunning: Gauge of search jobs executing now
type GridMetrics struct {
	// Labels: op (load, expand, collapse, refresh, scroll, insert, update, delete, search),
	// status (success, error code)
	OperationsTotal *prometheus.CounterVec

	// Labels: op
	OperationDurationSeconds *prometheus.HistogramVec

	SegmentsPerSession prometheus.Histogram
	FetchPlanRanges    prometheus.Histogram
	RowsReturned       prometheus.Histogram

	// Labels: op
	InvariantViolationsTotal *prometheus.CounterVec

	// Labels: outcome (started, reused, completed, failed)
	SearchJobsTotal *prometheus.CounterVec

	SearchJobsRunning prometheus.Gauge
}

// DefaultMetrics is the singleton instance of GridMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GridMetrics

var initOnce sync.Once

// InitMetrics creates the default metrics on the default Prometheus
// registry. Later calls return the same instance.
func InitMetrics() *GridMetrics {
	initOnce.Do(func() {
		DefaultMetrics = NewGridMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewGridMetrics creates and registers grid metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register with. Tests pass prometheus.NewRegistry().
//
// # Outputs
//
//   - *GridMetrics: Ready metrics.
func NewGridMetrics(reg prometheus.Registerer) *GridMetrics {
	factory := promauto.With(reg)
	return &GridMetrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gridSubsystem,
				Name:      "operations_total",
				Help:      "Total grid operations by operation and status",
			},
			[]string{"op", "status"},
		),

		OperationDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gridSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Grid operation latency in seconds, store round-trips included",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"op"},
		),

		SegmentsPerSession: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gridSubsystem,
				Name:      "segments_per_session",
				Help:      "Number of segments in a session index after an operation",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),

		FetchPlanRanges: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gridSubsystem,
				Name:      "fetch_plan_ranges",
				Help:      "Number of ranges in a resolved fetch plan",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
			},
		),

		RowsReturned: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gridSubsystem,
				Name:      "rows_returned",
				Help:      "Rows returned to the client per operation",
				Buckets:   []float64{0, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		InvariantViolationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gridSubsystem,
				Name:      "invariant_violations_total",
				Help:      "Segment index invariant violations by operation",
			},
			[]string{"op"},
		),

		SearchJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "search",
				Name:      "jobs_total",
				Help:      "Search job requests by outcome",
			},
			[]string{"outcome"},
		),

		SearchJobsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "search",
				Name:      "jobs_running",
				Help:      "Search jobs currently executing",
			},
		),
	}
}

// =============================================================================
// Labels
// =============================================================================

// Op names a grid operation for metrics labeling.
type Op string

const (
	OpLoad     Op = "load"
	OpExpand   Op = "expand"
	OpCollapse Op = "collapse"
	OpRefresh  Op = "refresh"
	OpScroll   Op = "scroll"
	OpInsert   Op = "insert"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpSearch   Op = "search"
)

// SearchOutcome labels a search job event.
type SearchOutcome string

const (
	SearchStarted   SearchOutcome = "started"
	SearchReused    SearchOutcome = "reused"
	SearchCompleted SearchOutcome = "completed"
	SearchFailed    SearchOutcome = "failed"
)

// StatusSuccess is the status label of a successful operation.
const StatusSuccess = "success"

// =============================================================================
// Helper Methods
// =============================================================================

// RecordOperation records one finished operation.
//
// # Inputs
//
//   - op: The operation.
//   - status: StatusSuccess or an error code.
//   - seconds: Wall time of the operation.
func (m *GridMetrics) RecordOperation(op Op, status string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(string(op), status).Inc()
	m.OperationDurationSeconds.WithLabelValues(string(op)).Observe(seconds)
}

// RecordShape records the index and plan size of a successful operation.
func (m *GridMetrics) RecordShape(segments, ranges, rows int) {
	if m == nil {
		return
	}
	m.SegmentsPerSession.Observe(float64(segments))
	m.FetchPlanRanges.Observe(float64(ranges))
	m.RowsReturned.Observe(float64(rows))
}

// RecordInvariantViolation counts a broken index invariant.
func (m *GridMetrics) RecordInvariantViolation(op Op) {
	if m == nil {
		return
	}
	m.InvariantViolationsTotal.WithLabelValues(string(op)).Inc()
}

// RecordSearch counts a search job event.
func (m *GridMetrics) RecordSearch(outcome SearchOutcome) {
	if m == nil {
		return
	}
	m.SearchJobsTotal.WithLabelValues(string(outcome)).Inc()
}

// SearchStarted increments the running search jobs gauge.
func (m *GridMetrics) SearchStarted() {
	if m == nil {
		return
	}
	m.SearchJobsRunning.Inc()
}

// SearchEnded decrements the running search jobs gauge.
func (m *GridMetrics) SearchEnded() {
	if m == nil {
		return
	}
	m.SearchJobsRunning.Dec()
}
