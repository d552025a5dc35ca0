// Package storage defines the persistence contract (spec §4.2) consumed by
// the dispatcher, worker and recovery service, plus an in-memory and a
// pgx/Postgres implementation.
package storage

import (
	"context"
	"time"

	"github.com/evertask/evertask/internal/models"
	"github.com/google/uuid"
)

// TaskStorage is the persistence contract the core depends on. Operations
// must be individually atomic. One TaskStorage instance is shared by the
// dispatcher, queue manager, timer scheduler, worker executor and recovery
// service, and is called from concurrent executions; no per-task client is
// created. Both implementations here are safe for concurrent use
// (MemoryStorage holds a mutex, PostgresStorage a connection pool).
type TaskStorage interface {
	Persist(ctx context.Context, t *models.QueuedTask) error
	GetByTaskKey(ctx context.Context, key string) (*models.QueuedTask, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.QueuedTask, error)
	UpdateTask(ctx context.Context, t *models.QueuedTask) error
	Remove(ctx context.Context, id uuid.UUID) error

	// RetrievePending returns up to take tasks in {Queued, Pending,
	// InProgress, ServiceStopped}, ordered by (CreatedAtUtc, Id), keyset
	// paginated from the last page's (lastCreatedAt, lastID).
	RetrievePending(ctx context.Context, lastCreatedAt *time.Time, lastID *uuid.UUID, take int) ([]models.QueuedTask, error)

	SetQueued(ctx context.Context, id uuid.UUID, level models.AuditLevel) error
	SetInProgress(ctx context.Context, id uuid.UUID, level models.AuditLevel) error
	SetCompleted(ctx context.Context, id uuid.UUID, level models.AuditLevel) error
	SetCancelledByUser(ctx context.Context, id uuid.UUID, level models.AuditLevel) error
	SetCancelledByService(ctx context.Context, id uuid.UUID, level models.AuditLevel) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.Status, exception string, level models.AuditLevel) error

	GetCurrentRunCount(ctx context.Context, id uuid.UUID) (int64, error)
	UpdateCurrentRun(ctx context.Context, id uuid.UUID, nextRun *time.Time, level models.AuditLevel) error
	RecordSkippedOccurrences(ctx context.Context, id uuid.UUID, skipped int) error

	SaveExecutionLogs(ctx context.Context, id uuid.UUID, logs []models.TaskExecutionLog) error
	GetExecutionLogs(ctx context.Context, id uuid.UUID, skip, take int) ([]models.TaskExecutionLog, error)

	// Stats is an operational read used by the demo HTTP surface
	// (SPEC_FULL.md §4), not part of the specified core contract.
	Stats(ctx context.Context) (map[models.Status]int64, error)
}
