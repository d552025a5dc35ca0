package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evertask/evertask/internal/dispatcher"
	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/registry"
	"github.com/evertask/evertask/internal/storage"
	"github.com/evertask/evertask/internal/task"
	"github.com/evertask/evertask/internal/timer"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetTask struct {
	Name string `json:"name"`
}

func (greetTask) TaskTypeName() string { return "demo.Greet" }

type greetHandler struct{}

func (greetHandler) Handle(ctx context.Context, t task.Task, logger task.Logger) error { return nil }

func testApp(t *testing.T) *chi.Mux {
	t.Helper()
	st := storage.NewMemoryStorage()
	bl := registry.NewBlacklist()
	cancels := registry.NewCancellationRegistry()
	discard := log.New(io.Discard, "", 0)
	qm := queue.NewManager(st, bl, discard, queue.Config{Capacity: 16, MaxDegreeOfParallelism: 1})
	sched := timer.New(qm, st, discard)

	reg := task.NewRegistry()
	reg.Register(task.Registration{
		TypeName: "demo.Greet",
		Decode: func(b []byte) (task.Task, error) {
			var g greetTask
			err := json.Unmarshal(b, &g)
			return g, err
		},
		Handler: greetHandler{},
	})

	d := dispatcher.New(reg, st, qm, sched, bl, cancels, dispatcher.Options{}, discard)
	h := NewHandlers(d, st, qm, reg)
	return NewRouter(h)
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(body, &env))
	return env
}

func doRequest(app *chi.Mux, req *http.Request) *http.Response {
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	return rec.Result()
}

func TestDispatch_ValidTask_Returns201(t *testing.T) {
	app := testApp(t)
	payload := []byte(`{"type":"demo.Greet","payload":{"name":"ada"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp := doRequest(app, req)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	env := decodeEnvelope(t, resp)
	assert.True(t, env.Success)
}

func TestDispatch_UnregisteredType_Returns400(t *testing.T) {
	app := testApp(t)
	payload := []byte(`{"type":"demo.Unknown","payload":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp := doRequest(app, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatus_UnknownID_Returns404(t *testing.T) {
	app := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/00000000-0000-0000-0000-000000000000", nil)

	resp := doRequest(app, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatchThenStatus_RoundTrips(t *testing.T) {
	app := testApp(t)
	payload := []byte(`{"type":"demo.Greet","payload":{"name":"grace"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := doRequest(app, req)
	env := decodeEnvelope(t, resp)
	data := env.Data.(map[string]interface{})
	id := data["id"].(string)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+id, nil)
	statusResp := doRequest(app, statusReq)
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)

	statusEnv := decodeEnvelope(t, statusResp)
	taskData := statusEnv.Data.(map[string]interface{})
	assert.Equal(t, string(models.StatusQueued), taskData["status"])
}

func TestHealthReadyLive_Return200(t *testing.T) {
	app := testApp(t)
	for _, path := range []string{"/health", "/ready", "/live"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := doRequest(app, req)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestStats_ReturnsCounts(t *testing.T) {
	app := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	resp := doRequest(app, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
