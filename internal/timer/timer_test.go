package timer

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/evertask/evertask/internal/execution"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/registry"
	"github.com/evertask/evertask/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScheduler(t *testing.T) (*Scheduler, *queue.Manager) {
	t.Helper()
	st := storage.NewMemoryStorage()
	bl := registry.NewBlacklist()
	qm := queue.NewManager(st, bl, log.New(io.Discard, "", 0), queue.Config{Capacity: 16, MaxDegreeOfParallelism: 1})
	s := New(qm, st, log.New(io.Discard, "", 0))
	return s, qm
}

func TestScheduler_DispatchesDueItem(t *testing.T) {
	s, qm := testScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	due := time.Now().Add(20 * time.Millisecond)
	e := &execution.Execution{ID: uuid.New(), ExecutionTime: &due, QueueName: "default"}
	s.Schedule(e)

	require.Eventually(t, func() bool {
		return qm.Stats()["default"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestScheduler_EarlierEnqueueWakesSleeper(t *testing.T) {
	s, qm := testScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	far := time.Now().Add(time.Hour)
	s.Schedule(&execution.Execution{ID: uuid.New(), ExecutionTime: &far, QueueName: "default"})

	go s.Run(ctx)

	near := time.Now().Add(20 * time.Millisecond)
	soonID := uuid.New()
	s.Schedule(&execution.Execution{ID: soonID, ExecutionTime: &near, QueueName: "default"})

	require.Eventually(t, func() bool {
		return qm.Stats()["default"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestScheduler_Len(t *testing.T) {
	s, _ := testScheduler(t)
	future := time.Now().Add(time.Hour)
	s.Schedule(&execution.Execution{ID: uuid.New(), ExecutionTime: &future, QueueName: "default"})
	assert.Equal(t, 1, s.Len())
}
