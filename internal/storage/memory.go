package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/task"
	"github.com/google/uuid"
)

// MemoryStorage is a mutex-guarded in-memory TaskStorage, the default for
// tests and for hosts that don't need durability across restarts.
type MemoryStorage struct {
	mu            sync.Mutex
	tasks         map[uuid.UUID]*models.QueuedTask
	byTaskKey     map[string]uuid.UUID
	statusAudits  map[uuid.UUID][]models.StatusAudit
	runsAudits    map[uuid.UUID][]models.RunsAudit
	logs          map[uuid.UUID][]models.TaskExecutionLog
	nextAuditID   int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks:        make(map[uuid.UUID]*models.QueuedTask),
		byTaskKey:    make(map[string]uuid.UUID),
		statusAudits: make(map[uuid.UUID][]models.StatusAudit),
		runsAudits:   make(map[uuid.UUID][]models.RunsAudit),
		logs:         make(map[uuid.UUID][]models.TaskExecutionLog),
	}
}

func (s *MemoryStorage) Persist(_ context.Context, t *models.QueuedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	if t.TaskKey != "" {
		s.byTaskKey[t.TaskKey] = t.ID
	}
	return nil
}

func (s *MemoryStorage) GetByTaskKey(_ context.Context, key string) (*models.QueuedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTaskKey[key]
	if !ok {
		return nil, nil
	}
	cp := *s.tasks[id]
	return &cp, nil
}

func (s *MemoryStorage) GetByID(_ context.Context, id uuid.UUID) (*models.QueuedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrPersistence)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStorage) UpdateTask(_ context.Context, t *models.QueuedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, task.ErrPersistence)
	}
	cp := *t
	s.tasks[t.ID] = &cp
	if t.TaskKey != "" {
		s.byTaskKey[t.TaskKey] = t.ID
	}
	return nil
}

func (s *MemoryStorage) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	delete(s.statusAudits, id)
	delete(s.runsAudits, id)
	delete(s.logs, id)
	return nil
}

func (s *MemoryStorage) RetrievePending(_ context.Context, lastCreatedAt *time.Time, lastID *uuid.UUID, take int) ([]models.QueuedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.QueuedTask
	for _, t := range s.tasks {
		switch t.Status {
		case models.StatusQueued, models.StatusPending, models.StatusInProgress, models.StatusServiceStopped:
			pending = append(pending, *t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAtUtc.Equal(pending[j].CreatedAtUtc) {
			return pending[i].ID.String() < pending[j].ID.String()
		}
		return pending[i].CreatedAtUtc.Before(pending[j].CreatedAtUtc)
	})

	if lastCreatedAt != nil && lastID != nil {
		cut := 0
		for i, t := range pending {
			if t.CreatedAtUtc.After(*lastCreatedAt) || (t.CreatedAtUtc.Equal(*lastCreatedAt) && t.ID.String() > lastID.String()) {
				cut = i
				break
			}
			cut = i + 1
		}
		pending = pending[cut:]
	}
	if take > 0 && len(pending) > take {
		pending = pending[:take]
	}
	return pending, nil
}

func (s *MemoryStorage) appendStatusAudit(id uuid.UUID, status models.Status, exception string, level models.AuditLevel) {
	if !level.ShouldRecordStatus(status) {
		return
	}
	s.nextAuditID++
	s.statusAudits[id] = append(s.statusAudits[id], models.StatusAudit{
		ID:           s.nextAuditID,
		QueuedTaskID: id,
		UpdatedAtUtc: time.Now().UTC(),
		NewStatus:    status,
		Exception:    exception,
	})
}

func (s *MemoryStorage) setStatus(id uuid.UUID, status models.Status, exception string, level models.AuditLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, task.ErrPersistence)
	}
	t.Status = status
	t.Exception = exception
	s.appendStatusAudit(id, status, exception, level)
	return nil
}

func (s *MemoryStorage) SetQueued(_ context.Context, id uuid.UUID, level models.AuditLevel) error {
	return s.setStatus(id, models.StatusQueued, "", level)
}

func (s *MemoryStorage) SetInProgress(_ context.Context, id uuid.UUID, level models.AuditLevel) error {
	return s.setStatus(id, models.StatusInProgress, "", level)
}

func (s *MemoryStorage) SetCompleted(_ context.Context, id uuid.UUID, level models.AuditLevel) error {
	return s.setStatus(id, models.StatusCompleted, "", level)
}

func (s *MemoryStorage) SetCancelledByUser(_ context.Context, id uuid.UUID, level models.AuditLevel) error {
	return s.setStatus(id, models.StatusCancelled, "", level)
}

func (s *MemoryStorage) SetCancelledByService(_ context.Context, id uuid.UUID, level models.AuditLevel) error {
	return s.setStatus(id, models.StatusServiceStopped, "", level)
}

func (s *MemoryStorage) SetStatus(_ context.Context, id uuid.UUID, status models.Status, exception string, level models.AuditLevel) error {
	return s.setStatus(id, status, exception, level)
}

func (s *MemoryStorage) GetCurrentRunCount(_ context.Context, id uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, fmt.Errorf("task %s: %w", id, task.ErrPersistence)
	}
	return t.CurrentRunCount, nil
}

func (s *MemoryStorage) UpdateCurrentRun(_ context.Context, id uuid.UUID, nextRun *time.Time, level models.AuditLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, task.ErrPersistence)
	}
	t.CurrentRunCount++
	t.NextRunUtc = nextRun
	now := time.Now().UTC()
	t.LastExecutionUtc = &now
	if level.ShouldRecordRun(false) {
		s.nextAuditID++
		s.runsAudits[id] = append(s.runsAudits[id], models.RunsAudit{
			ID:           s.nextAuditID,
			QueuedTaskID: id,
			ExecutedAt:   now,
			Status:       models.StatusCompleted,
		})
	}
	return nil
}

func (s *MemoryStorage) RecordSkippedOccurrences(_ context.Context, id uuid.UUID, skipped int) error {
	if skipped <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, task.ErrPersistence)
	}
	s.nextAuditID++
	s.runsAudits[id] = append(s.runsAudits[id], models.RunsAudit{
		ID:           s.nextAuditID,
		QueuedTaskID: id,
		ExecutedAt:   time.Now().UTC(),
		Status:       models.StatusPending,
		SkippedCount: skipped,
	})
	return nil
}

func (s *MemoryStorage) SaveExecutionLogs(_ context.Context, id uuid.UUID, logs []models.TaskExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = append(s.logs[id], logs...)
	return nil
}

func (s *MemoryStorage) GetExecutionLogs(_ context.Context, id uuid.UUID, skip, take int) ([]models.TaskExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.logs[id]
	if skip >= len(all) {
		return nil, nil
	}
	end := len(all)
	if take > 0 && skip+take < end {
		end = skip + take
	}
	out := make([]models.TaskExecutionLog, end-skip)
	copy(out, all[skip:end])
	return out, nil
}

func (s *MemoryStorage) Stats(_ context.Context) (map[models.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.Status]int64)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}

// StatusAudits is a test/debug accessor not part of TaskStorage.
func (s *MemoryStorage) StatusAudits(id uuid.UUID) []models.StatusAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StatusAudit(nil), s.statusAudits[id]...)
}

// RunsAudits is a test/debug accessor not part of TaskStorage.
func (s *MemoryStorage) RunsAudits(id uuid.UUID) []models.RunsAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RunsAudit(nil), s.runsAudits[id]...)
}
