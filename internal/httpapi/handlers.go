// Package httpapi implements the thin demo REST surface (SPEC_FULL.md §2/§4):
// dispatch/cancel/status/logs/stats plus health/ready/live, enough to drive
// the core over HTTP for local testing and the end-to-end smoke test. The
// full monitoring/query REST API is out of scope (spec §1 Non-goals).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/evertask/evertask/internal/dispatcher"
	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/storage"
	"github.com/evertask/evertask/internal/task"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handlers wires the storage/dispatcher/queue dependencies each route needs.
type Handlers struct {
	dispatcher *dispatcher.Dispatcher
	storage    storage.TaskStorage
	queue      *queue.Manager
	handlers   *task.Registry
	startedAt  time.Time
}

func NewHandlers(d *dispatcher.Dispatcher, st storage.TaskStorage, qm *queue.Manager, reg *task.Registry) *Handlers {
	return &Handlers{dispatcher: d, storage: st, queue: qm, handlers: reg, startedAt: time.Now()}
}

type dispatchRequest struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	DelaySeconds int             `json:"delay_seconds,omitempty"`
	TaskKey      string          `json:"task_key,omitempty"`
	QueueName    string          `json:"queue_name,omitempty"`
}

type dispatchResponse struct {
	ID uuid.UUID `json:"id"`
}

// Dispatch handles POST /api/v1/tasks: decode the request's declared type via
// the handler registry, then submit it through the dispatcher, optionally
// delayed (spec §4.6).
func (h *Handlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	reg, err := h.handlers.Lookup(req.Type)
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	t, err := reg.Decode(req.Payload)
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}

	opts := dispatcher.SubmitOptions{TaskKey: req.TaskKey, QueueName: req.QueueName}
	if req.DelaySeconds > 0 {
		at := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		opts.ExecutionTime = &at
	}
	id, err := h.dispatcher.Dispatch(r.Context(), t, opts)
	if err != nil {
		fail(w, http.StatusUnprocessableEntity, err)
		return
	}
	created(w, dispatchResponse{ID: id})
}

// Cancel handles DELETE /api/v1/tasks/{id} (spec §4.6 Cancel).
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	if err := h.dispatcher.Cancel(r.Context(), id); err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	ok(w, map[string]interface{}{"id": id, "status": models.StatusCancelled})
}

// Status handles GET /api/v1/tasks/{id}.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	t, err := h.storage.GetByID(r.Context(), id)
	if err != nil {
		fail(w, http.StatusNotFound, err)
		return
	}
	ok(w, t)
}

// Logs handles GET /api/v1/tasks/{id}/logs?skip=&take=.
func (h *Handlers) Logs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	skip := queryInt(r, "skip", 0)
	take := queryInt(r, "take", 100)
	logs, err := h.storage.GetExecutionLogs(r.Context(), id, skip, take)
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	ok(w, logs)
}

// Stats handles GET /api/v1/stats: per-status task counts plus per-queue
// depth, mirroring the teacher's job/execution aggregate endpoint
// (SPEC_FULL.md §4).
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.storage.Stats(r.Context())
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	ok(w, map[string]interface{}{
		"status_counts":  counts,
		"queue_depth":    h.queue.Stats(),
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// Health handles GET /health: the process is up and serving requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]interface{}{"status": "ok"})
}

// Ready handles GET /ready: readiness requires storage to answer, directly
// useful for the "host restart" recovery story (spec §4.8) — a fresh
// instance isn't ready until its persistence layer is reachable.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.storage.Stats(r.Context()); err != nil {
		fail(w, http.StatusServiceUnavailable, err)
		return
	}
	ok(w, map[string]interface{}{"status": "ready"})
}

// Live handles GET /live: process liveness, kept distinct from Health so a
// liveness probe and a readiness probe can target different paths.
func (h *Handlers) Live(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]interface{}{"status": "alive"})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
