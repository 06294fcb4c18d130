// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	m := NewGridMetrics(prometheus.NewRegistry())

	m.RecordOperation(OpExpand, StatusSuccess, 0.01)
	m.RecordOperation(OpExpand, StatusSuccess, 0.02)
	m.RecordOperation(OpExpand, "segment_not_found", 0.001)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("expand", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("expand", "segment_not_found")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("collapse", "success")))
}

func TestRecordShape(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGridMetrics(reg)

	m.RecordShape(3, 2, 40)

	count, err := testutil.GatherAndCount(reg,
		"treegrid_grid_segments_per_session",
		"treegrid_grid_fetch_plan_ranges",
		"treegrid_grid_rows_returned")
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRecordInvariantViolation(t *testing.T) {
	m := NewGridMetrics(prometheus.NewRegistry())

	m.RecordInvariantViolation(OpCollapse)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvariantViolationsTotal.WithLabelValues("collapse")))
}

func TestSearchMetrics(t *testing.T) {
	m := NewGridMetrics(prometheus.NewRegistry())

	m.RecordSearch(SearchStarted)
	m.RecordSearch(SearchReused)
	m.RecordSearch(SearchReused)
	m.SearchStarted()
	m.SearchStarted()
	m.SearchEnded()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchJobsTotal.WithLabelValues("started")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SearchJobsTotal.WithLabelValues("reused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchJobsRunning))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *GridMetrics
	assert.NotPanics(t, func() {
		m.RecordOperation(OpLoad, StatusSuccess, 1)
		m.RecordShape(1, 1, 1)
		m.RecordInvariantViolation(OpLoad)
		m.RecordSearch(SearchFailed)
		m.SearchStarted()
		m.SearchEnded()
	})
}

func TestNewGridMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewGridMetrics(reg)
	assert.Panics(t, func() { NewGridMetrics(reg) })
}

func TestInitMetrics_Idempotent(t *testing.T) {
	first := InitMetrics()
	require.NotNil(t, first)
	assert.Same(t, first, InitMetrics())
	assert.Same(t, first, DefaultMetrics)
}
