package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evertask/evertask/internal/execution"
	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/monitor"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/recurrence"
	"github.com/evertask/evertask/internal/registry"
	"github.com/evertask/evertask/internal/storage"
	"github.com/evertask/evertask/internal/task"
	"github.com/evertask/evertask/internal/timer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTask struct{ name string }

func (stubTask) TaskTypeName() string { return "demo.Stub" }

type stubHandler struct {
	handle      func(ctx context.Context, t task.Task, logger task.Logger) error
	started     atomic.Bool
	completed   atomic.Bool
	errored     atomic.Bool
	errorMsg    string
}

func (h *stubHandler) Handle(ctx context.Context, t task.Task, logger task.Logger) error {
	return h.handle(ctx, t, logger)
}
func (h *stubHandler) OnStarted(context.Context) error   { h.started.Store(true); return nil }
func (h *stubHandler) OnCompleted(context.Context) error { h.completed.Store(true); return nil }
func (h *stubHandler) OnError(_ context.Context, err error, message string) error {
	h.errored.Store(true)
	h.errorMsg = message
	return nil
}

func testExecutor(t *testing.T, defaults Defaults) (*Executor, *storage.MemoryStorage, *registry.Blacklist, *registry.CancellationRegistry, *timer.Scheduler) {
	t.Helper()
	st := storage.NewMemoryStorage()
	bl := registry.NewBlacklist()
	cancels := registry.NewCancellationRegistry()
	discard := log.New(io.Discard, "", 0)
	qm := queue.NewManager(st, bl, discard, queue.Config{Capacity: 16, MaxDegreeOfParallelism: 1})
	sched := timer.New(qm, st, discard)
	bus := monitor.NewBus(nil, discard)
	ex := New(st, bl, cancels, sched, bus, context.Background(), defaults, nil, discard)
	return ex, st, bl, cancels, sched
}

func persistExec(t *testing.T, st *storage.MemoryStorage, id uuid.UUID) {
	t.Helper()
	require.NoError(t, st.Persist(context.Background(), &models.QueuedTask{
		ID:         id,
		Type:       "demo.Stub",
		Handler:    "demo.Stub",
		Status:     models.StatusQueued,
		AuditLevel: models.AuditFull,
	}))
}

func TestExecutor_BlacklistedTask_IsCancelledAndSkipsHandler(t *testing.T) {
	ex, st, bl, _, _ := testExecutor(t, Defaults{})
	id := uuid.New()
	persistExec(t, st, id)
	bl.Add(id)

	var called atomic.Bool
	h := &stubHandler{handle: func(ctx context.Context, t task.Task, logger task.Logger) error {
		called.Store(true)
		return nil
	}}

	ex.Handle(context.Background(), &execution.Execution{ID: id, Task: stubTask{}, Handler: h, AuditLevel: models.AuditFull})

	assert.False(t, called.Load())
	stored, err := st.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.False(t, bl.Contains(id))
}

func TestExecutor_Success_MarksCompletedAndCallsOnCompleted(t *testing.T) {
	ex, st, _, _, _ := testExecutor(t, Defaults{})
	id := uuid.New()
	persistExec(t, st, id)

	h := &stubHandler{handle: func(ctx context.Context, t task.Task, logger task.Logger) error { return nil }}
	ex.Handle(context.Background(), &execution.Execution{ID: id, Task: stubTask{}, Handler: h, AuditLevel: models.AuditFull})

	stored, err := st.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.True(t, h.started.Load())
	assert.True(t, h.completed.Load())
}

func TestExecutor_HandlerFailure_MarksFailedAndCallsOnError(t *testing.T) {
	ex, st, _, _, _ := testExecutor(t, Defaults{})
	id := uuid.New()
	persistExec(t, st, id)

	h := &stubHandler{handle: func(ctx context.Context, t task.Task, logger task.Logger) error {
		return errors.New("boom")
	}}
	ex.Handle(context.Background(), &execution.Execution{ID: id, Task: stubTask{}, Handler: h, AuditLevel: models.AuditFull})

	stored, err := st.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.True(t, h.errored.Load())
}

func TestExecutor_Timeout_MarksFailedWithTimeoutMessage(t *testing.T) {
	ex, st, _, _, _ := testExecutor(t, Defaults{Timeout: 10 * time.Millisecond})
	id := uuid.New()
	persistExec(t, st, id)

	h := &stubHandler{handle: func(ctx context.Context, t task.Task, logger task.Logger) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}}
	ex.Handle(context.Background(), &execution.Execution{ID: id, Task: stubTask{}, Handler: h, AuditLevel: models.AuditFull})

	stored, err := st.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, "execution timed out", h.errorMsg)
}

func TestExecutor_Recurring_ReschedulesNextOccurrence(t *testing.T) {
	ex, st, _, _, sched := testExecutor(t, Defaults{})
	id := uuid.New()
	require.NoError(t, st.Persist(context.Background(), &models.QueuedTask{
		ID:              id,
		Type:            "demo.Stub",
		Handler:         "demo.Stub",
		Status:          models.StatusQueued,
		AuditLevel:      models.AuditFull,
		IsRecurring:     true,
		CurrentRunCount: 0,
	}))

	h := &stubHandler{handle: func(ctx context.Context, t task.Task, logger task.Logger) error { return nil }}
	spec := recurrence.Spec{Kind: recurrence.KindSecond, Every: 5}
	ex.Handle(context.Background(), &execution.Execution{
		ID: id, Task: stubTask{}, Handler: h, AuditLevel: models.AuditFull, Recurrence: &spec,
	})

	count, err := st.GetCurrentRunCount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, sched.Len())
}

func TestExecutor_RetryPolicy_RetriesUntilSuccess(t *testing.T) {
	ex, st, _, _, _ := testExecutor(t, Defaults{RetryPolicy: task.NewLinearRetry(3, time.Millisecond)})
	id := uuid.New()
	persistExec(t, st, id)

	var attempts atomic.Int32
	h := &stubHandler{handle: func(ctx context.Context, t task.Task, logger task.Logger) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}}
	ex.Handle(context.Background(), &execution.Execution{ID: id, Task: stubTask{}, Handler: h, AuditLevel: models.AuditFull})

	assert.Equal(t, int32(3), attempts.Load())
	stored, err := st.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}
