// Package recovery implements the startup recovery service (C8, spec §4.8):
// it walks every non-terminal task storage still has on record and
// re-dispatches it through the same Dispatcher new tasks use, preserving the
// original Id, CreatedAtUtc and CurrentRunCount.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/evertask/evertask/internal/dispatcher"
	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/recurrence"
	"github.com/evertask/evertask/internal/storage"
	"github.com/evertask/evertask/internal/task"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPageSize = 100
	lockKey         = "evertask:recovery:lock"
	lockTTL         = 30 * time.Second
)

// releaseScript deletes the lock only if the caller still holds it, the same
// compare-and-delete idiom as a Redlock unlock (spec §2 "does not reintroduce
// cross-process task coordination").
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Service drives one recovery pass at host start.
type Service struct {
	storage    storage.TaskStorage
	dispatcher *dispatcher.Dispatcher
	handlers   *task.Registry
	lockClient *redis.Client
	pageSize   int
	logger     *log.Logger
}

// New constructs a Service. lockClient may be nil, in which case recovery
// always runs without coordinating against other instances.
func New(st storage.TaskStorage, d *dispatcher.Dispatcher, handlers *task.Registry, lockClient *redis.Client, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		storage:    st,
		dispatcher: d,
		handlers:   handlers,
		lockClient: lockClient,
		pageSize:   defaultPageSize,
		logger:     logger,
	}
}

// Run performs one full recovery pass over storage.RetrievePending, keyset
// paginating until a short page signals the end (spec §4.8). With a Redis
// client configured it first tries a short-lived advisory lock so that two
// instances starting at once don't both resume the same rows; failure to
// acquire the lock is not an error, it just skips this instance's pass.
func (s *Service) Run(ctx context.Context) error {
	token, held := s.acquireLock(ctx)
	if s.lockClient != nil && !held {
		s.logger.Printf("evertask: recovery: another instance holds the recovery lock, skipping")
		return nil
	}
	if held {
		defer s.releaseLock(context.Background(), token)
	}

	var lastCreatedAt *time.Time
	var lastID *uuid.UUID
	resumed, failed := 0, 0
	for {
		page, err := s.storage.RetrievePending(ctx, lastCreatedAt, lastID, s.pageSize)
		if err != nil {
			return fmt.Errorf("retrieve pending tasks: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			if s.resumeOne(ctx, &page[i]) {
				resumed++
			} else {
				failed++
			}
		}
		last := page[len(page)-1]
		lastCreatedAt = &last.CreatedAtUtc
		lastID = &last.ID
		if len(page) < s.pageSize {
			break
		}
	}
	s.logger.Printf("evertask: recovery: resumed %d task(s), %d failed to deserialise", resumed, failed)
	return nil
}

func (s *Service) resumeOne(ctx context.Context, row *models.QueuedTask) bool {
	reg, err := s.handlers.Lookup(row.Type)
	if err != nil {
		s.markFailed(ctx, row, fmt.Errorf("recovery: handler not registered for %s: %w", row.Type, err))
		return false
	}
	t, err := reg.Decode(row.Request)
	if err != nil {
		s.markFailed(ctx, row, fmt.Errorf("recovery: failed to deserialise request for %s: %w", row.Type, err))
		return false
	}

	var spec *recurrence.Spec
	if row.IsRecurring {
		var decoded recurrence.Spec
		if err := json.Unmarshal([]byte(row.RecurringInfo), &decoded); err != nil {
			s.markFailed(ctx, row, fmt.Errorf("recovery: failed to deserialise recurrence spec for %s: %w", row.Type, err))
			return false
		}
		spec = &decoded
	}

	id := row.ID
	if _, err := s.dispatcher.Dispatch(ctx, t, dispatcher.SubmitOptions{
		ExecutionTime:   row.ScheduledExecutionUtc,
		Recurrence:      spec,
		QueueName:       row.QueueName,
		TaskKey:         row.TaskKey,
		AuditLevel:      row.AuditLevel,
		ExistingID:      &id,
		CreatedAtUtc:    row.CreatedAtUtc,
		CurrentRunCount: row.CurrentRunCount,
	}); err != nil {
		s.logger.Printf("evertask: recovery: failed to re-dispatch task %s: %v", row.ID, err)
		return false
	}
	return true
}

func (s *Service) markFailed(ctx context.Context, row *models.QueuedTask, err error) {
	s.logger.Printf("evertask: %v", err)
	if setErr := s.storage.SetStatus(ctx, row.ID, models.StatusFailed, err.Error(), row.AuditLevel); setErr != nil {
		s.logger.Printf("evertask: recovery: failed to mark task %s failed: %v", row.ID, setErr)
	}
}

func (s *Service) acquireLock(ctx context.Context) (string, bool) {
	if s.lockClient == nil {
		return "", true
	}
	token := uuid.New().String()
	ok, err := s.lockClient.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		s.logger.Printf("evertask: recovery: lock acquisition failed, proceeding without it: %v", err)
		return "", true
	}
	return token, ok
}

func (s *Service) releaseLock(ctx context.Context, token string) {
	if s.lockClient == nil || token == "" {
		return
	}
	if err := releaseScript.Run(ctx, s.lockClient, []string{lockKey}, token).Err(); err != nil && err != redis.Nil {
		s.logger.Printf("evertask: recovery: lock release failed: %v", err)
	}
}
