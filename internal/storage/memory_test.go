package storage

import (
	"context"
	"testing"
	"time"

	"github.com/evertask/evertask/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(key string) *models.QueuedTask {
	return &models.QueuedTask{
		ID:           uuid.New(),
		CreatedAtUtc: time.Now().UTC(),
		Type:         "demo.Task",
		Handler:      "demo.Handler",
		Status:       models.StatusQueued,
		TaskKey:      key,
		AuditLevel:   models.AuditFull,
	}
}

func TestMemoryStorage_PersistAndGet(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	task := newTask("key-1")

	require.NoError(t, s.Persist(ctx, task))

	got, err := s.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Type, got.Type)

	byKey, err := s.GetByTaskKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, byKey.ID)
}

func TestMemoryStorage_GetByID_MissingReturnsError(t *testing.T) {
	s := NewMemoryStorage()
	_, err := s.GetByID(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestMemoryStorage_SetStatus_RespectsAuditLevel(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	task := newTask("")
	task.AuditLevel = models.AuditErrorsOnly
	require.NoError(t, s.Persist(ctx, task))

	require.NoError(t, s.SetCompleted(ctx, task.ID, task.AuditLevel))
	assert.Empty(t, s.StatusAudits(task.ID), "errors-only level should not record a completed transition")

	require.NoError(t, s.SetStatus(ctx, task.ID, models.StatusFailed, "boom", task.AuditLevel))
	assert.Len(t, s.StatusAudits(task.ID), 1)
}

func TestMemoryStorage_RetrievePending_PaginatesInOrder(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	base := time.Now().UTC()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		tk := newTask("")
		tk.CreatedAtUtc = base.Add(time.Duration(i) * time.Second)
		tk.Status = models.StatusQueued
		require.NoError(t, s.Persist(ctx, tk))
		ids = append(ids, tk.ID)
	}

	page1, err := s.RetrievePending(ctx, nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[0], page1[0].ID)
	assert.Equal(t, ids[1], page1[1].ID)

	last := page1[len(page1)-1]
	page2, err := s.RetrievePending(ctx, &last.CreatedAtUtc, &last.ID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[2], page2[0].ID)
	assert.Equal(t, ids[3], page2[1].ID)
}

func TestMemoryStorage_UpdateCurrentRun_IncrementsAndRecords(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	tk := newTask("")
	require.NoError(t, s.Persist(ctx, tk))

	next := time.Now().Add(time.Minute)
	require.NoError(t, s.UpdateCurrentRun(ctx, tk.ID, &next, models.AuditFull))

	count, err := s.GetCurrentRunCount(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Len(t, s.RunsAudits(tk.ID), 1)
}

func TestMemoryStorage_RecordSkippedOccurrences(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	tk := newTask("")
	require.NoError(t, s.Persist(ctx, tk))

	require.NoError(t, s.RecordSkippedOccurrences(ctx, tk.ID, 3))
	audits := s.RunsAudits(tk.ID)
	require.Len(t, audits, 1)
	assert.Equal(t, 3, audits[0].SkippedCount)
}

func TestMemoryStorage_ExecutionLogs_SaveAndPage(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	tk := newTask("")
	require.NoError(t, s.Persist(ctx, tk))

	logs := []models.TaskExecutionLog{
		{TaskID: tk.ID, Message: "one", SequenceNumber: 1},
		{TaskID: tk.ID, Message: "two", SequenceNumber: 2},
		{TaskID: tk.ID, Message: "three", SequenceNumber: 3},
	}
	require.NoError(t, s.SaveExecutionLogs(ctx, tk.ID, logs))

	page, err := s.GetExecutionLogs(ctx, tk.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "two", page[0].Message)
}

func TestMemoryStorage_Stats(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	a := newTask("")
	a.Status = models.StatusCompleted
	b := newTask("")
	b.Status = models.StatusCompleted
	c := newTask("")
	c.Status = models.StatusFailed
	require.NoError(t, s.Persist(ctx, a))
	require.NoError(t, s.Persist(ctx, b))
	require.NoError(t, s.Persist(ctx, c))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[models.StatusCompleted])
	assert.Equal(t, int64(1), stats[models.StatusFailed])
}
