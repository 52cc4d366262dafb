// Package handlers tests for sync REST API endpoints.
// These tests verify HTTP request handling, status codes, and responses.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/tempo/backend/internal/app"
	"github.com/kimhsiao/tempo/backend/internal/config"
	"github.com/kimhsiao/tempo/backend/internal/models"
	"github.com/kimhsiao/tempo/backend/internal/notify"
	"github.com/kimhsiao/tempo/backend/internal/remote/remotetest"
)

// setupTestApp creates an app whose API is a fake REST server.
func setupTestApp(t *testing.T) (*app.App, *remotetest.Server, *http.ServeMux) {
	t.Helper()

	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.APIBaseURL = srv.URL
	cfg.DataDir = t.TempDir()
	cfg.UserID = "user-1"
	cfg.RequestTimeout = 2 * time.Second

	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })

	mux := http.NewServeMux()
	Register(mux, a)
	return a, srv, mux
}

func do(t *testing.T, mux *http.ServeMux, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	_, _, mux := setupTestApp(t)

	w := do(t, mux, http.MethodGet, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("Health check returned status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}
	if body := decode(t, w); body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}

	if w := do(t, mux, http.MethodPost, "/api/health"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestGetStatus_PendingChanges(t *testing.T) {
	a, _, mux := setupTestApp(t)
	if err := a.Repo.CreateLocal(context.Background(), &models.Task{Title: "Book flights"}); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}

	w := do(t, mux, http.MethodGet, "/api/sync/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status returned %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["pending_changes"] != float64(1) {
		t.Errorf("pending_changes = %v, want 1", body["pending_changes"])
	}
	if body["status"] != "idle" {
		t.Errorf("status = %v, want idle", body["status"])
	}
	if _, ok := body["last_sync"]; ok {
		t.Error("last_sync present before any sync")
	}
}

func TestTriggerSync_Blocking(t *testing.T) {
	a, srv, mux := setupTestApp(t)
	if err := a.Repo.CreateLocal(context.Background(), &models.Task{Title: "Book flights"}); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}

	w := do(t, mux, http.MethodPost, "/api/sync/now")
	if w.Code != http.StatusOK {
		t.Fatalf("sync returned %d: %s", w.Code, w.Body.String())
	}
	if body := decode(t, w); body["outcome"] != "synced" {
		t.Errorf("outcome = %v, want synced", body["outcome"])
	}
	if n := srv.Count("tasks"); n != 1 {
		t.Errorf("server has %d tasks, want 1", n)
	}

	status := decode(t, do(t, mux, http.MethodGet, "/api/sync/status"))
	if status["pending_changes"] != float64(0) {
		t.Errorf("pending_changes = %v after sync, want 0", status["pending_changes"])
	}
	if _, ok := status["last_sync"]; !ok {
		t.Error("last_sync missing after sync")
	}
}

// TestTriggerSync_Silent verifies a silent sync keeps running after the
// request that started it has completed.
func TestTriggerSync_Silent(t *testing.T) {
	a, srv, mux := setupTestApp(t)
	if err := a.Repo.CreateLocal(context.Background(), &models.Task{Title: "Renew passport"}); err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/sync/now?silent=true", "application/json", nil)
	if err != nil {
		t.Fatalf("POST sync error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("silent sync returned %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.Engine.LastSync() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.Engine.LastSync() == nil {
		t.Fatalf("background sync did not complete: %v", a.Engine.LastError())
	}
	if n := srv.Count("tasks"); n != 1 {
		t.Errorf("server has %d tasks, want 1", n)
	}
}

func TestTriggerSync_BadRequest(t *testing.T) {
	_, _, mux := setupTestApp(t)

	if w := do(t, mux, http.MethodPost, "/api/sync/now?silent=maybe"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if w := do(t, mux, http.MethodGet, "/api/sync/now"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestTriggerSync_AuthFailure(t *testing.T) {
	_, srv, mux := setupTestApp(t)
	srv.RequireToken("someone-else")

	w := do(t, mux, http.MethodPost, "/api/sync/now")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["kind"] != "auth" {
		t.Errorf("kind = %v, want auth", body["kind"])
	}

	history := do(t, mux, http.MethodGet, "/api/sync/errors")
	var records []map[string]interface{}
	if err := json.Unmarshal(history.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode errors: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("error history has %d records, want 1", len(records))
	}

	if w := do(t, mux, http.MethodDelete, "/api/sync/errors"); w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if body := strings.TrimSpace(do(t, mux, http.MethodGet, "/api/sync/errors").Body.String()); body != "[]" && body != "null" {
		t.Errorf("error history = %s after clear", body)
	}
}

func TestMetrics(t *testing.T) {
	_, _, mux := setupTestApp(t)
	if w := do(t, mux, http.MethodPost, "/api/sync/now"); w.Code != http.StatusOK {
		t.Fatalf("sync returned %d", w.Code)
	}

	body := decode(t, do(t, mux, http.MethodGet, "/api/metrics"))
	counters, _ := body["counters"].(map[string]interface{})
	if n, _ := counters["sync.runs{outcome=synced}"].(float64); n < 1 {
		t.Errorf("sync.runs{outcome=synced} = %v, want at least 1", counters["sync.runs{outcome=synced}"])
	}
}

func TestConflicts(t *testing.T) {
	a, _, mux := setupTestApp(t)
	ctx := context.Background()

	w := do(t, mux, http.MethodGet, "/api/sync/conflicts")
	if w.Code != http.StatusOK {
		t.Fatalf("conflicts returned %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", w.Body.String())
	}

	for i, id := range []models.UUID{"t-1", "t-2"} {
		log := &models.ConflictLog{RecordID: id, Kind: models.KindTask, DetectedAt: int64(1000 + i)}
		if err := a.Repo.CreateConflictLog(ctx, log); err != nil {
			t.Fatalf("CreateConflictLog() error = %v", err)
		}
	}

	w = do(t, mux, http.MethodGet, "/api/sync/conflicts?limit=1")
	var logs []models.ConflictLog
	if err := json.Unmarshal(w.Body.Bytes(), &logs); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
	if len(logs) != 1 || logs[0].RecordID != "t-2" {
		t.Errorf("logs = %+v, want newest only", logs)
	}

	if w := do(t, mux, http.MethodGet, "/api/sync/conflicts?limit=zero"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if w := do(t, mux, http.MethodPost, "/api/sync/conflicts"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestRetryFailed(t *testing.T) {
	_, _, mux := setupTestApp(t)

	w := do(t, mux, http.MethodPost, "/api/sync/retry-failed")
	if w.Code != http.StatusOK {
		t.Fatalf("retry-failed returned %d", w.Code)
	}
	if body := decode(t, w); body["requeued"] != float64(0) {
		t.Errorf("requeued = %v, want 0", body["requeued"])
	}
}

func TestQueueEndpoints(t *testing.T) {
	a, srv, mux := setupTestApp(t)
	ctx := context.Background()
	if _, err := a.Queue.Enqueue(ctx, models.ActionCreateTask, map[string]interface{}{"id": "t1", "title": "Pack bags"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	list := decode(t, do(t, mux, http.MethodGet, "/api/queue"))
	items, _ := list["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("queue has %d items, want 1", len(items))
	}

	w := do(t, mux, http.MethodPost, "/api/queue/replay")
	if w.Code != http.StatusOK {
		t.Fatalf("replay returned %d: %s", w.Code, w.Body.String())
	}
	if srv.Record("tasks", "t1") == nil {
		t.Error("queued task was not sent")
	}

	if _, err := a.Queue.Enqueue(ctx, models.ActionDeleteTask, map[string]interface{}{"id": "t1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if w := do(t, mux, http.MethodDelete, "/api/queue"); w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if n, _ := a.Queue.Size(ctx); n != 0 {
		t.Errorf("queue size = %d after clear", n)
	}
}

func TestSetNetwork(t *testing.T) {
	a, _, mux := setupTestApp(t)

	w := do(t, mux, http.MethodPost, "/api/network?online=false")
	if w.Code != http.StatusOK {
		t.Fatalf("network returned %d", w.Code)
	}
	if body := decode(t, w); body["online"] != false {
		t.Errorf("online = %v, want false", body["online"])
	}
	if a.Monitor.Online() {
		t.Error("monitor still online")
	}

	if w := do(t, mux, http.MethodPost, "/api/network?online=yes"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestWebSocketReceivesSyncEvents(t *testing.T) {
	_, _, mux := setupTestApp(t)
	server := httptest.NewServer(mux)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// the hub registers the connection asynchronously
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Post(server.URL+"/api/sync/now", "application/json", nil)
	if err != nil {
		t.Fatalf("POST sync error = %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env notify.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if env.Type != notify.EventSyncStarted {
		t.Errorf("first event = %q, want %q", env.Type, notify.EventSyncStarted)
	}
}
