// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/AleutianAI/treegrid/pkg/extensions"
	"github.com/AleutianAI/treegrid/services/treegrid/datatypes"
	"github.com/AleutianAI/treegrid/services/treegrid/grid"
	"github.com/AleutianAI/treegrid/services/treegrid/middleware"
	"github.com/AleutianAI/treegrid/services/treegrid/segment"
	"github.com/AleutianAI/treegrid/services/treegrid/sessions"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingAudit keeps every event.
type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, e extensions.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) Flush(context.Context) error { return nil }

func (r *recordingAudit) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType+":"+e.Outcome)
	}
	return out
}

// denyDeletes refuses every delete.
type denyDeletes struct{}

func (denyDeletes) Authorize(_ context.Context, req extensions.AuthzRequest) error {
	if req.Action == "delete" {
		return fmt.Errorf("role missing: %w", extensions.ErrUnauthorized)
	}
	return nil
}

type fixture struct {
	router *gin.Engine
	engine *grid.Engine
	audit  *recordingAudit
}

// newFixture serves the seeded tree
//
//	root 0: 2 staged rows, then Node 1 (id 1), Node 2 (id 6), Node 3 (id 11)
//
// where every processed node has 2 staged and 2 processed children.
func newFixture(t *testing.T, authz extensions.AuthzProvider) *fixture {
	t.Helper()
	ctx := context.Background()

	sq, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "tree.db"), discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	_, err = sq.Seed(ctx, store.SeedConfig{
		Roots: 3, Fanout: 2, Depth: 2, StagedDays: 2,
		StagedFrom: civil.Date{Year: 2025, Month: time.May, Day: 1}, Columns: 2,
	})
	require.NoError(t, err)

	states, err := sessions.Open(sessions.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	engine := grid.NewEngine(sq, states, grid.Config{Logger: discard})
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	audit := &recordingAudit{}
	deps := RecordDeps{Records: engine, Authz: authz, Audit: audit}

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.AuthMiddleware(&extensions.NopAuthProvider{}))
	r.GET("/health", HealthCheck("test"))
	r.POST("/v1/sessions", HandleNewSession(20*time.Minute))
	r.DELETE("/v1/sessions/:key", HandleDeleteSession(engine, audit))
	r.GET("/v1/sessions/:key/segments", HandleGetSegments(engine))
	r.POST("/v1/tree/load", HandleLoadRoot(engine))
	r.POST("/v1/tree/expand", HandleExpand(engine))
	r.POST("/v1/tree/collapse", HandleCollapse(engine))
	r.POST("/v1/tree/refresh", HandleRefresh(engine))
	r.POST("/v1/tree/scroll", HandleScroll(engine))
	r.POST("/v1/records", HandleInsertRecord(deps))
	r.PUT("/v1/records/:id", HandleUpdateRecord(deps))
	r.DELETE("/v1/records/:id", HandleDeleteRecord(deps))
	r.POST("/v1/search", HandleStartSearch(engine))
	r.GET("/v1/search/:jobId/status", HandleSearchStatus(engine))
	r.GET("/v1/search/:jobId/results", HandleSearchResults(engine))
	r.GET("/v1/search/:jobId/watch", HandleWatchSearch(engine, NewUpgrader(nil), 10*time.Millisecond))

	return &fixture{router: r, engine: engine, audit: audit}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func treeBody(key string) map[string]any {
	return map[string]any{"session_key": key, "first_visible_row": 1, "rows_per_viewport": 50}
}

func node2Body(key string) map[string]any {
	b := treeBody(key)
	b["parent_node_id"] = 0
	b["node_id"] = 6
	b["stage_date"] = "1900-01-01"
	b["sort_id"] = 2
	b["child_count"] = 2
	b["depth"] = 1
	return b
}

// =============================================================================
// Tree Tests
// =============================================================================

func TestTree_LoadExpandCollapse(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})

	w := f.do(t, http.MethodPost, "/v1/tree/load", treeBody("s1"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[grid.Result](t, w)
	assert.Equal(t, 5, res.TreeRowCount)
	require.Len(t, res.Rows, 5)
	assert.Equal(t, "Node 2", res.Rows[3].Name)

	w = f.do(t, http.MethodPost, "/v1/tree/expand", node2Body("s1"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res = decode[grid.Result](t, w)
	assert.Equal(t, 9, res.TreeRowCount)
	assert.True(t, res.Rows[3].IsExpanded)
	assert.Equal(t, "Node 2.1", res.Rows[6].Name)

	w = f.do(t, http.MethodPost, "/v1/tree/expand", node2Body("s1"), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, grid.CodeAlreadyExpanded, decode[datatypes.ErrorResponse](t, w).Code)

	w = f.do(t, http.MethodPost, "/v1/tree/refresh", node2Body("s1"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 9, decode[grid.Result](t, w).TreeRowCount)

	w = f.do(t, http.MethodPost, "/v1/tree/collapse", node2Body("s1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, decode[grid.Result](t, w).TreeRowCount)
}

func TestTree_ScrollWindow(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/tree/load", treeBody("s1"), nil).Code)

	body := map[string]any{
		"session_key": "s1", "first_visible_row": 3, "rows_per_viewport": 2,
		"first_visible_column": 1, "columns_per_viewport": 1,
	}
	w := f.do(t, http.MethodPost, "/v1/tree/scroll", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[grid.Result](t, w)
	assert.Equal(t, 5, res.TreeRowCount)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "Node 1", res.Rows[0].Name)
	assert.Len(t, res.Rows[0].Cells, 1)
}

func TestTree_Errors(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"scroll without load", "/v1/tree/scroll", treeBody("nobody"), http.StatusGone, grid.CodeStateNotFound},
		{"missing session key", "/v1/tree/load", treeBody(""), http.StatusBadRequest, grid.CodeValidation},
		{"malformed body", "/v1/tree/load", "not an object", http.StatusBadRequest, grid.CodeValidation},
		{"bad stage date", "/v1/tree/expand", func() map[string]any {
			b := node2Body("s1")
			b["stage_date"] = "01/05/2025"
			return b
		}(), http.StatusBadRequest, grid.CodeValidation},
		{"expand without load", "/v1/tree/expand", node2Body("nobody"), http.StatusGone, grid.CodeStateNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, tt.body, nil)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			body := decode[datatypes.ErrorResponse](t, w)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestTree_StaleNode(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/tree/load", treeBody("s1"), nil).Code)

	b := node2Body("s1")
	b["sort_id"] = 9
	w := f.do(t, http.MethodPost, "/v1/tree/expand", b, nil)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, grid.CodeSegmentNotFound, decode[datatypes.ErrorResponse](t, w).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{grid.ErrValidation, http.StatusBadRequest},
		{grid.ErrStateNotFound, http.StatusGone},
		{segment.ErrSegmentNotFound, http.StatusConflict},
		{&grid.StoreError{Op: "x", Err: store.ErrNotFound}, http.StatusNotFound},
		{&grid.StoreError{Op: "x", Err: context.Canceled}, StatusClientClosedRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{grid.ErrShuttingDown, http.StatusServiceUnavailable},
		{&segment.InvariantError{Rule: "r"}, http.StatusInternalServerError},
		{&grid.StoreError{Op: "x", Err: errors.New("boom")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

// =============================================================================
// Session Tests
// =============================================================================

func TestSessions(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})

	w := f.do(t, http.MethodPost, "/v1/sessions", nil, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	sess := decode[datatypes.SessionResponse](t, w)
	require.Len(t, sess.SessionKey, 36)
	assert.Equal(t, 1200, sess.ExpiresInSeconds)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/tree/load", treeBody(sess.SessionKey), nil).Code)

	w = f.do(t, http.MethodGet, "/v1/sessions/"+sess.SessionKey+"/segments", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[grid.SessionView](t, w)
	assert.Equal(t, 5, view.TreeRowCount)
	assert.Len(t, view.Segments, 3)

	w = f.do(t, http.MethodDelete, "/v1/sessions/"+sess.SessionKey, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), sess.SessionKey)
	assert.Equal(t, []string{"session.delete:success"}, f.audit.outcomes())

	w = f.do(t, http.MethodGet, "/v1/sessions/"+sess.SessionKey+"/segments", nil, nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})

	w := f.do(t, http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

// =============================================================================
// Record Tests
// =============================================================================

func TestRecords_InsertThenRefresh(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})
	hdr := map[string]string{SessionKeyHeader: "s1"}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/tree/load", treeBody("s1"), nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/tree/expand", node2Body("s1"), nil).Code)

	w := f.do(t, http.MethodPost, "/v1/records", map[string]any{
		"parent_id": 6, "stage_date": "1900-01-01", "name": "Node 2.3",
	}, hdr)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	row := decode[store.Row](t, w)
	assert.Equal(t, 3, row.SortID)
	assert.Equal(t, int64(6), row.ParentID)

	refresh := node2Body("s1")
	refresh["child_count"] = 3
	w = f.do(t, http.MethodPost, "/v1/tree/refresh", refresh, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 10, decode[grid.Result](t, w).TreeRowCount)

	assert.Equal(t, []string{"record.insert:success"}, f.audit.outcomes())
}

func TestRecords_UpdateAndDelete(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})
	hdr := map[string]string{SessionKeyHeader: "s1"}

	w := f.do(t, http.MethodPut, "/v1/records/7", map[string]any{
		"stage_date": "1900-01-01", "name": "renamed",
	}, hdr)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "renamed", decode[store.Row](t, w).Name)

	w = f.do(t, http.MethodDelete, "/v1/records/7?stage_date=1900-01-01", nil, hdr)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodDelete, "/v1/records/7?stage_date=1900-01-01", nil, hdr)
	require.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, []string{
		"record.update:success",
		"record.delete:success",
		"record.delete:error",
	}, f.audit.outcomes())
}

func TestRecords_RequestErrors(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})
	hdr := map[string]string{SessionKeyHeader: "s1"}

	w := f.do(t, http.MethodPost, "/v1/records", map[string]any{
		"parent_id": 6, "stage_date": "1900-01-01", "name": "x",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/records/abc?stage_date=1900-01-01", nil, hdr)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/v1/records/7", nil, hdr)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, f.audit.outcomes())
}

func TestRecords_Forbidden(t *testing.T) {
	f := newFixture(t, denyDeletes{})
	hdr := map[string]string{SessionKeyHeader: "s1"}

	w := f.do(t, http.MethodDelete, "/v1/records/7?stage_date=1900-01-01", nil, hdr)

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode[datatypes.ErrorResponse](t, w).Code)

	w = f.do(t, http.MethodPut, "/v1/records/7", map[string]any{"stage_date": "1900-01-01", "name": "kept"}, hdr)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, []string{"record.delete:denied", "record.update:success"}, f.audit.outcomes())
}

// =============================================================================
// Search Tests
// =============================================================================

func TestSearch_Lifecycle(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})

	w := f.do(t, http.MethodPost, "/v1/search", map[string]any{"terms": []string{"Node 2"}}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	start := decode[datatypes.SearchStartResponse](t, w)
	require.Positive(t, start.JobID)
	assert.False(t, start.SkipPolling)

	statusPath := fmt.Sprintf("/v1/search/%d/status", start.JobID)
	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, statusPath, nil, nil)
		return w.Code == http.StatusOK && strings.Contains(w.Body.String(), string(store.JobCompleted))
	}, 5*time.Second, 10*time.Millisecond)

	w = f.do(t, http.MethodPost, "/v1/search", map[string]any{"terms": []string{"node 2"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[datatypes.SearchStartResponse](t, w).SkipPolling)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/v1/search/%d/results", start.JobID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var results struct {
		Results []store.SearchHit `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	assert.Len(t, results.Results, 3)
}

func TestSearch_Errors(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/search", map[string]any{"terms": []string{}}, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/search/zero/status", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/search/99/status", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/search/99/watch", nil, nil).Code)
}

func TestSearch_Watch(t *testing.T) {
	f := newFixture(t, &extensions.NopAuthzProvider{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	job, _, err := f.engine.StartSearch(context.Background(), []string{"Node 3"})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/v1/search/%d/watch", job.ID)
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	var last store.SearchJob
	for {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg store.SearchJob
		if err := ws.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		assert.Equal(t, job.ID, msg.ID)
		last = msg
	}
	assert.Equal(t, store.JobCompleted, last.Status)
	assert.Equal(t, 3, last.Matches)
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	up := NewUpgrader([]string{"http://localhost:8080"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "http://localhost:8080")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, up.CheckOrigin(req))

	assert.True(t, NewUpgrader(nil).CheckOrigin(req))
}
