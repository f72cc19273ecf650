// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/patchengine/services/patch"
	"github.com/AleutianAI/patchengine/services/patch/config"
	"github.com/AleutianAI/patchengine/services/patch/events"
	"github.com/AleutianAI/patchengine/services/patch/orchestrator"
)

// -----------------------------------------------------------------------------
// Test doubles
// -----------------------------------------------------------------------------

type mockEngine struct {
	applyResult    *orchestrator.Result
	applyErr       error
	statusResult   *orchestrator.StatusResult
	rollbackResult *orchestrator.RollbackResult
	rollbackErr    error

	lastBatch   *patch.Batch
	lastOptions orchestrator.Options
}

func (m *mockEngine) ApplyPatches(_ context.Context, batch *patch.Batch, opts orchestrator.Options) (*orchestrator.Result, error) {
	m.lastBatch = batch
	m.lastOptions = opts
	return m.applyResult, m.applyErr
}

func (m *mockEngine) PatchStatus(_ context.Context, patchID string) (*orchestrator.StatusResult, error) {
	if m.statusResult != nil && m.statusResult.BatchID == patchID {
		return m.statusResult, nil
	}
	return nil, nil
}

func (m *mockEngine) RollbackPatch(_ context.Context, req orchestrator.RollbackRequest) (*orchestrator.RollbackResult, error) {
	if req.PatchID == "" {
		return nil, &patch.ValidationError{Reason: "patchId must not be empty"}
	}
	return m.rollbackResult, m.rollbackErr
}

type mockReader struct {
	events  []*events.Event
	stats   *events.Stats
	deleted int64

	lastFilter events.Filter
}

func (m *mockReader) QueryEvents(_ context.Context, f events.Filter) ([]*events.Event, error) {
	m.lastFilter = f
	return m.events, nil
}

func (m *mockReader) Stats(_ context.Context, _ int) (*events.Stats, error) {
	return m.stats, nil
}

func (m *mockReader) CleanupOldEvents(_ context.Context, _ int) (int64, error) {
	return m.deleted, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func newTestServer(t *testing.T, engine *mockEngine, reader *mockReader, b *events.Broadcaster, root string) *Server {
	t.Helper()

	handlers, err := NewHandlers(HandlersConfig{
		Engine:      engine,
		Events:      reader,
		Broadcaster: b,
		ProjectRoot: root,
	})
	if err != nil {
		t.Fatalf("NewHandlers: %v", err)
	}
	return NewServer(config.Default().Server, handlers, nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestHandleApply(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		engine := &mockEngine{applyResult: &orchestrator.Result{
			Success:           true,
			AppliedOperations: 1,
			Errors:            []string{},
		}}
		srv := newTestServer(t, engine, &mockReader{}, nil, "")

		w := doJSON(t, srv, http.MethodPost, "/v1/patches/apply", ApplyRequest{
			PatchID: "b1",
			Operations: []patch.Operation{{
				Op:    patch.OpAdd,
				Path:  "/users/1",
				File:  "db.json",
				Value: json.RawMessage(`{"name":"A"}`),
			}},
			Options: orchestrator.Options{DryRun: true},
		})

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var res orchestrator.Result
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !res.Success || res.AppliedOperations != 1 {
			t.Errorf("result = %+v", res)
		}
		if engine.lastBatch.PatchID != "b1" {
			t.Errorf("batch id = %q, want b1", engine.lastBatch.PatchID)
		}
		if !engine.lastOptions.DryRun {
			t.Error("DryRun option not forwarded")
		}
	})

	t.Run("missing patch id", func(t *testing.T) {
		srv := newTestServer(t, &mockEngine{}, &mockReader{}, nil, "")

		w := doJSON(t, srv, http.MethodPost, "/v1/patches/apply",
			map[string]any{"operations": []any{}})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("logging failure maps to 500", func(t *testing.T) {
		engine := &mockEngine{applyErr: patch.ErrBatchFailed}
		srv := newTestServer(t, engine, &mockReader{}, nil, "")

		w := doJSON(t, srv, http.MethodPost, "/v1/patches/apply", ApplyRequest{
			PatchID: "b1",
		})
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
		var er ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if er.Code != "LOGGING_FAILED" {
			t.Errorf("code = %q, want LOGGING_FAILED", er.Code)
		}
	})

	t.Run("failed batch is still 200", func(t *testing.T) {
		engine := &mockEngine{applyResult: &orchestrator.Result{
			Success:          false,
			FailedOperations: 1,
			Errors:           []string{"operation 0: boom"},
		}}
		srv := newTestServer(t, engine, &mockReader{}, nil, "")

		w := doJSON(t, srv, http.MethodPost, "/v1/patches/apply", ApplyRequest{PatchID: "b2"})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
}

func TestHandleStatus(t *testing.T) {
	engine := &mockEngine{statusResult: &orchestrator.StatusResult{
		BatchID: "b1",
		Status:  "COMPLETED",
	}}
	srv := newTestServer(t, engine, &mockReader{}, nil, "")

	t.Run("found", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/v1/patches/status/b1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var st orchestrator.StatusResult
		if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if st.Status != "COMPLETED" {
			t.Errorf("Status = %q, want COMPLETED", st.Status)
		}
	})

	t.Run("unknown patch is 404", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/v1/patches/status/ghost", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestHandleRollback(t *testing.T) {
	engine := &mockEngine{rollbackResult: &orchestrator.RollbackResult{
		Success:              true,
		RolledBackOperations: 2,
		RollbackID:           "rb1",
	}}
	srv := newTestServer(t, engine, &mockReader{}, nil, "")

	t.Run("success", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/patches/rollback", RollbackBody{
			PatchID: "b1",
			Reason:  "bad deploy",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		var rb orchestrator.RollbackResult
		if err := json.Unmarshal(w.Body.Bytes(), &rb); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rb.RolledBackOperations != 2 {
			t.Errorf("RolledBackOperations = %d, want 2", rb.RolledBackOperations)
		}
	})

	t.Run("missing patch id is 400", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/patches/rollback", map[string]any{})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHandleEvents(t *testing.T) {
	reader := &mockReader{events: []*events.Event{
		{ID: 1, PatchID: "b1", EventType: events.TypeProcessingStarted, Status: events.StatusReceived, CreatedAt: time.Now().UTC()},
	}}
	srv := newTestServer(t, &mockEngine{}, reader, nil, "")

	w := doJSON(t, srv, http.MethodGet,
		"/v1/patches/events?patchId=b1&eventType=PATCH_PROCESSING_STARTED&limit=10&order=desc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	if reader.lastFilter.PatchID != "b1" {
		t.Errorf("filter PatchID = %q", reader.lastFilter.PatchID)
	}
	if reader.lastFilter.EventType != events.TypeProcessingStarted {
		t.Errorf("filter EventType = %q", reader.lastFilter.EventType)
	}
	if reader.lastFilter.Limit != 10 || !reader.lastFilter.Descending {
		t.Errorf("filter = %+v", reader.lastFilter)
	}

	var body struct {
		Count  int             `json:"count"`
		Events []*events.Event `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("count = %d, want 1", body.Count)
	}
}

func TestHandleEvents_BadTimestamp(t *testing.T) {
	srv := newTestServer(t, &mockEngine{}, &mockReader{}, nil, "")

	w := doJSON(t, srv, http.MethodGet, "/v1/patches/events?since=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleStats(t *testing.T) {
	reader := &mockReader{stats: &events.Stats{TotalEvents: 7}}
	srv := newTestServer(t, &mockEngine{}, reader, nil, "")

	w := doJSON(t, srv, http.MethodGet, "/v1/patches/events/stats?windowHours=48", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats events.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalEvents != 7 {
		t.Errorf("TotalEvents = %d, want 7", stats.TotalEvents)
	}
}

func TestHandleCleanup(t *testing.T) {
	reader := &mockReader{deleted: 12}
	srv := newTestServer(t, &mockEngine{}, reader, nil, "")

	w := doJSON(t, srv, http.MethodPost, "/v1/patches/events/cleanup",
		map[string]any{"retentionDays": 30})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		DeletedCount int64 `json:"deletedCount"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.DeletedCount != 12 {
		t.Errorf("deletedCount = %d, want 12", body.DeletedCount)
	}
}

func TestHandleMarkers(t *testing.T) {
	root := t.TempDir()
	src := "package main\n\n// SENTINEL: INJECT_HERE\nfunc main() {}\n"
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte(src), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	srv := newTestServer(t, &mockEngine{}, &mockReader{}, nil, root)

	w := doJSON(t, srv, http.MethodGet, "/v1/patches/markers?pattern=*.go", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res MarkersResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("Count = %d, want 1", res.Count)
	}
	if !strings.Contains(w.Body.String(), "INJECT_HERE") {
		t.Errorf("body missing marker name: %s", w.Body.String())
	}
}

func TestHandleMarkers_MissingPattern(t *testing.T) {
	srv := newTestServer(t, &mockEngine{}, &mockReader{}, nil, "")

	w := doJSON(t, srv, http.MethodGet, "/v1/patches/markers", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, &mockEngine{}, &mockReader{}, nil, "")

	w := doJSON(t, srv, http.MethodGet, "/v1/patches/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var hr HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &hr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", hr.Status)
	}
}

func TestHandleEventStream(t *testing.T) {
	t.Run("disabled without broadcaster", func(t *testing.T) {
		srv := newTestServer(t, &mockEngine{}, &mockReader{}, nil, "")

		w := doJSON(t, srv, http.MethodGet, "/v1/patches/stream", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("forwards published events", func(t *testing.T) {
		b := events.NewBroadcaster(nil)
		defer b.Close()
		srv := newTestServer(t, &mockEngine{}, &mockReader{}, b, "")

		ts := httptest.NewServer(srv.Router())
		defer ts.Close()

		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/patches/stream"
		ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()
		if resp != nil {
			resp.Body.Close()
		}

		// Give the handler time to subscribe before publishing.
		deadline := time.Now().Add(2 * time.Second)
		for b.SubscriptionCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		b.Publish(&events.Event{
			ID:        1,
			PatchID:   "b1",
			EventType: events.TypeProcessingStarted,
			Status:    events.StatusReceived,
			CreatedAt: time.Now().UTC(),
		})

		ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		var e events.Event
		if err := ws.ReadJSON(&e); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if e.PatchID != "b1" || e.EventType != events.TypeProcessingStarted {
			t.Errorf("event = %+v", e)
		}
	})
}
