// Package handlers provides REST API handlers for sync status and operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/kimhsiao/tempo/backend/internal/app"
	"github.com/kimhsiao/tempo/backend/internal/db"
	apperrors "github.com/kimhsiao/tempo/backend/internal/errors"
	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/models"
	"github.com/kimhsiao/tempo/backend/internal/network"
	syncpkg "github.com/kimhsiao/tempo/backend/internal/sync"
	"github.com/kimhsiao/tempo/backend/internal/sync/queue"
	"github.com/kimhsiao/tempo/backend/internal/sync/scheduler"
	"github.com/kimhsiao/tempo/backend/internal/telemetry"
)

// defaultConflictLimit caps GET /api/sync/conflicts without ?limit.
const defaultConflictLimit = 50

// SyncHandler handles sync, queue and connectivity endpoints.
type SyncHandler struct {
	repo      *db.Repository
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	queue     *queue.OfflineQueue
	monitor   *network.Monitor
}

// NewSyncHandler creates a new SyncHandler over the assembled app.
func NewSyncHandler(a *app.App) *SyncHandler {
	return &SyncHandler{
		repo:      a.Repo,
		engine:    a.Engine,
		scheduler: a.Scheduler,
		queue:     a.Queue,
		monitor:   a.Monitor,
	}
}

// Register mounts every endpoint, including the notification socket, on mux.
func Register(mux *http.ServeMux, a *app.App) {
	h := NewSyncHandler(a)

	mux.HandleFunc("/api/health", Health)
	mux.HandleFunc("/api/sync/status", h.GetStatus)
	mux.HandleFunc("/api/sync/now", h.TriggerSync)
	mux.HandleFunc("/api/sync/retry-failed", h.RetryFailed)
	mux.HandleFunc("/api/sync/errors", h.Errors)
	mux.HandleFunc("/api/sync/conflicts", h.Conflicts)
	mux.HandleFunc("/api/queue", h.ListQueue)
	mux.HandleFunc("/api/queue/replay", h.ReplayQueue)
	mux.HandleFunc("/api/network", h.SetNetwork)
	mux.HandleFunc("/api/metrics", Metrics)
	mux.HandleFunc("/ws", a.Hub.HandleWebSocket())
}

// Health handles GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "tempo-desktop",
	})
}

// GetStatus handles GET /api/sync/status
// Returns engine state, record counts and scheduler state.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := h.engine.Counts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"status":          h.engine.Status(),
		"running":         h.engine.Running(),
		"pending_changes": counts.Pending,
		"failed_changes":  counts.Failed,
		"counts":          counts.ByKind,
		"scheduler":       h.scheduler.GetStatus(r.Context()),
	}
	if lastSync := h.engine.LastSync(); lastSync != nil {
		response["last_sync"] = lastSync.Unix()
	}
	if err := h.engine.LastError(); err != nil {
		response["last_error"] = err.Error()
	}

	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /api/sync/now
// A silent request starts a background sync and returns 202; otherwise the
// sync runs to completion and its result is returned.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	silent, err := boolParam(r, "silent", false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if silent {
		if !h.scheduler.TriggerSync(r.Context()) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"outcome": syncpkg.OutcomeInFlight,
				"code":    apperrors.ErrSyncInProgress,
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "started"})
		return
	}

	result, err := h.scheduler.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == syncpkg.OutcomeInFlight {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// RetryFailed handles POST /api/sync/retry-failed
// Moves sync_failed records back into the push set.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n, err := h.engine.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
}

// Errors handles GET and DELETE /api/sync/errors
func (h *SyncHandler) Errors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.engine.ErrorHistory())
	case http.MethodDelete:
		h.engine.ClearErrorHistory()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Conflicts handles GET /api/sync/conflicts
// Returns the most recent server-wins resolutions, newest first.
func (h *SyncHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultConflictLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := h.repo.ListConflictLogs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// ListQueue handles GET and DELETE /api/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := h.queue.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		stats, err := h.queue.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"items": items,
			"stats": stats,
		})
	case http.MethodDelete:
		if err := h.queue.Clear(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ReplayQueue handles POST /api/queue/replay
func (h *SyncHandler) ReplayQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := h.queue.Replay(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SetNetwork handles GET and POST /api/network
// POST records connectivity reported by the platform (?online=true|false).
func (h *SyncHandler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		online, err := boolParam(r, "online", true)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.monitor.Set(online)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": h.monitor.Online()})
}

// Metrics handles GET /api/metrics
// Returns the in-process sync counters and timings.
func Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, telemetry.Default.Snapshot())
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps err onto a status code and a JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]interface{}{"error": err.Error()}

	var se *apperrors.SyncError
	var ae *apperrors.AppError
	switch {
	case errors.Is(err, queue.ErrReplayInProgress):
		status = http.StatusConflict
	case errors.As(err, &se):
		status = http.StatusBadGateway
		body["code"] = se.Code
		body["kind"] = se.Kind.String()
		body["message"] = se.Kind.UserMessage()
	case errors.As(err, &ae):
		body["code"] = ae.Code
	}
	writeJSON(w, status, body)
}
