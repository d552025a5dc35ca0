package queue

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/evertask/evertask/internal/execution"
	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/registry"
	"github.com/evertask/evertask/internal/storage"
	"github.com/evertask/evertask/internal/task"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, cfg Config) (*Manager, *storage.MemoryStorage, *registry.Blacklist) {
	t.Helper()
	st := storage.NewMemoryStorage()
	bl := registry.NewBlacklist()
	m := NewManager(st, bl, log.New(io.Discard, "", 0), cfg)
	return m, st, bl
}

func newExec(id uuid.UUID) *execution.Execution {
	return &execution.Execution{ID: id}
}

func queuedTaskFixture(id uuid.UUID) *models.QueuedTask {
	return &models.QueuedTask{
		ID:         id,
		Type:       "demo.Task",
		Handler:    "demo.Handler",
		Status:     models.StatusWaitingQueue,
		AuditLevel: models.AuditFull,
	}
}

func TestManager_EnqueueUnknownQueue_Fails(t *testing.T) {
	m, _, _ := testManager(t, Config{Capacity: 4, MaxDegreeOfParallelism: 1})
	err := m.Enqueue(context.Background(), "nope", newExec(uuid.New()))
	assert.ErrorIs(t, err, task.ErrQueueNotFound)
}

func TestManager_Enqueue_BlacklistedTaskIsDiscarded(t *testing.T) {
	m, _, bl := testManager(t, Config{Capacity: 4, MaxDegreeOfParallelism: 1})
	id := uuid.New()
	bl.Add(id)

	require.NoError(t, m.Enqueue(context.Background(), "default", newExec(id)))
	assert.False(t, bl.Contains(id), "blacklist entry should be consumed on discard")
	assert.Equal(t, 0, m.Stats()["default"])
}

func TestManager_Enqueue_SetsQueuedStatus(t *testing.T) {
	m, st, _ := testManager(t, Config{Capacity: 4, MaxDegreeOfParallelism: 1})
	id := uuid.New()
	require.NoError(t, st.Persist(context.Background(), queuedTaskFixture(id)))

	require.NoError(t, m.Enqueue(context.Background(), "default", newExec(id)))

	got, err := st.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "queued", string(got.Status))
}

func TestManager_DropWrite_DiscardsWhenFull(t *testing.T) {
	m, _, _ := testManager(t, Config{Capacity: 1, MaxDegreeOfParallelism: 1, FullMode: DropWrite})
	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, "default", newExec(uuid.New())))
	require.NoError(t, m.Enqueue(ctx, "default", newExec(uuid.New())))
	assert.Equal(t, 1, m.Stats()["default"])
}

func TestManager_DropOldest_AdmitsNewest(t *testing.T) {
	m, _, _ := testManager(t, Config{Capacity: 1, MaxDegreeOfParallelism: 1, FullMode: DropOldest})
	ctx := context.Background()
	first := uuid.New()
	second := uuid.New()
	require.NoError(t, m.Enqueue(ctx, "default", newExec(first)))
	require.NoError(t, m.Enqueue(ctx, "default", newExec(second)))

	q, _ := m.get("default")
	got := <-q.ch
	assert.Equal(t, second, got.ID)
}

func TestManager_FallbackToDefault_SpillsOver(t *testing.T) {
	m, _, _ := testManager(t, Config{Capacity: 1, MaxDegreeOfParallelism: 1})
	m.Register(Config{Name: "custom", Capacity: 1, MaxDegreeOfParallelism: 1, FullMode: FallbackToDefault})
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, "custom", newExec(uuid.New())))
	require.NoError(t, m.Enqueue(ctx, "custom", newExec(uuid.New())))

	assert.Equal(t, 1, m.Stats()["custom"])
	assert.Equal(t, 1, m.Stats()["default"])
}

func TestManager_StartWorkerPool_DispatchesAndDrainsOnShutdown(t *testing.T) {
	m, _, _ := testManager(t, Config{Capacity: 4, MaxDegreeOfParallelism: 2})
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen []uuid.UUID
	require.NoError(t, m.StartWorkerPool(ctx, "default", func(_ context.Context, e *execution.Execution) {
		mu.Lock()
		seen = append(seen, e.ID)
		mu.Unlock()
	}))

	id := uuid.New()
	require.NoError(t, m.Enqueue(ctx, "default", newExec(id)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == id
	}, time.Second, 10*time.Millisecond)

	cancel()
}
