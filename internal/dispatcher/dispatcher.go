// Package dispatcher implements the public dispatch entry point (C6, spec
// §4.6): validate, resolve handler, honour TaskKey idempotency, persist, and
// route to the timer scheduler or the run queue.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/evertask/evertask/internal/execution"
	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/recurrence"
	"github.com/evertask/evertask/internal/registry"
	"github.com/evertask/evertask/internal/storage"
	"github.com/evertask/evertask/internal/task"
	"github.com/evertask/evertask/internal/timer"
	"github.com/google/uuid"
)

// Options carries the dispatcher's global defaults (spec §6 configuration
// table, the subset that affects dispatch itself).
type Options struct {
	ThrowIfUnableToPersist bool
	DefaultAuditLevel      models.AuditLevel
}

// Dispatcher is the single public entry point for task submission.
type Dispatcher struct {
	handlers  *task.Registry
	storage   storage.TaskStorage
	queue     *queue.Manager
	timer     *timer.Scheduler
	blacklist *registry.Blacklist
	cancelTok *registry.CancellationRegistry
	opts      Options
	logger    *log.Logger
}

func New(handlers *task.Registry, st storage.TaskStorage, qm *queue.Manager, sched *timer.Scheduler, bl *registry.Blacklist, cancels *registry.CancellationRegistry, opts Options, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if opts.DefaultAuditLevel == "" {
		opts.DefaultAuditLevel = models.AuditFull
	}
	return &Dispatcher{
		handlers:  handlers,
		storage:   st,
		queue:     qm,
		timer:     sched,
		blacklist: bl,
		cancelTok: cancels,
		opts:      opts,
		logger:    logger,
	}
}

// SubmitOptions customizes a single Dispatch call.
type SubmitOptions struct {
	ExecutionTime *time.Time
	Recurrence    *recurrence.Spec
	QueueName     string
	TaskKey       string
	AuditLevel    models.AuditLevel

	// ExistingID re-dispatches a previously-persisted task rather than
	// creating a new row — used only by startup recovery (spec §4.6).
	ExistingID *uuid.UUID

	// CreatedAtUtc and CurrentRunCount are preserved verbatim on a recovery
	// re-dispatch (spec §4.8); zero value otherwise.
	CreatedAtUtc    time.Time
	CurrentRunCount int64
}

// Dispatch submits t for execution per spec §4.6's algorithm.
func (d *Dispatcher) Dispatch(ctx context.Context, t task.Task, opts SubmitOptions) (uuid.UUID, error) {
	if t == nil {
		return uuid.Nil, fmt.Errorf("task is nil: %w", task.ErrArgumentInvalid)
	}
	typeName := t.TaskTypeName()
	reg, err := d.handlers.Lookup(typeName)
	if err != nil {
		return uuid.Nil, err
	}

	auditLevel := opts.AuditLevel
	if auditLevel == "" {
		auditLevel = d.opts.DefaultAuditLevel
	}

	var id uuid.UUID
	if opts.ExistingID != nil {
		id = *opts.ExistingID
	} else if id, err = uuid.NewV7(); err != nil {
		return uuid.Nil, fmt.Errorf("generate task id: %w", err)
	}

	if opts.TaskKey != "" && opts.ExistingID == nil {
		existing, err := d.storage.GetByTaskKey(ctx, opts.TaskKey)
		if err != nil {
			return uuid.Nil, fmt.Errorf("lookup task key %q: %w", opts.TaskKey, err)
		}
		if existing != nil {
			id = existing.ID
			opts.ExistingID = &id
		}
	}

	e := &execution.Execution{
		ID:              id,
		Task:            t,
		Handler:         reg.Handler,
		HandlerTypeName: typeName,
		ExecutionTime:   opts.ExecutionTime,
		Recurrence:      opts.Recurrence,
		QueueName:       opts.QueueName,
		AuditLevel:      auditLevel,
		TaskKey:         opts.TaskKey,
	}

	var recurringInfo []byte
	if opts.Recurrence != nil {
		next, ok, err := opts.Recurrence.NextRun(time.Now(), opts.CurrentRunCount)
		if err != nil {
			return uuid.Nil, err
		}
		if !ok {
			return uuid.Nil, fmt.Errorf("recurrence spec produced no first run: %w", task.ErrInvalidSpec)
		}
		e.NextRecurringRun = &next
		e.MaxRuns = opts.Recurrence.MaxRuns
		e.RunUntil = opts.Recurrence.RunUntil
		if recurringInfo, err = models.MarshalRecurring(opts.Recurrence); err != nil {
			return uuid.Nil, fmt.Errorf("marshal recurrence spec: %w", err)
		}
	}
	e.CurrentRunIndex = opts.CurrentRunCount

	requestBytes, err := json.Marshal(t)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal task %s payload: %w", typeName, err)
	}

	createdAt := opts.CreatedAtUtc
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := &models.QueuedTask{
		ID:                    id,
		CreatedAtUtc:          createdAt,
		ScheduledExecutionUtc: opts.ExecutionTime,
		NextRunUtc:            e.NextRecurringRun,
		Type:                  typeName,
		Request:               requestBytes,
		Handler:               typeName,
		Status:                models.StatusWaitingQueue,
		IsRecurring:           opts.Recurrence != nil,
		RecurringInfo:         string(recurringInfo),
		CurrentRunCount:       opts.CurrentRunCount,
		QueueName:             opts.QueueName,
		TaskKey:               opts.TaskKey,
		AuditLevel:            auditLevel,
	}
	if opts.Recurrence != nil {
		row.MaxRuns = opts.Recurrence.MaxRuns
		row.RunUntil = opts.Recurrence.RunUntil
	}

	if opts.ExistingID == nil {
		if err := d.storage.Persist(ctx, row); err != nil {
			if d.opts.ThrowIfUnableToPersist {
				return uuid.Nil, fmt.Errorf("persist task %s: %w", id, err)
			}
			d.logger.Printf("evertask: dispatcher: failed to persist task %s, continuing: %v", id, err)
		}
	} else if err := d.storage.UpdateTask(ctx, row); err != nil {
		if d.opts.ThrowIfUnableToPersist {
			return uuid.Nil, fmt.Errorf("update task %s: %w", id, err)
		}
		d.logger.Printf("evertask: dispatcher: failed to update task %s, continuing: %v", id, err)
	}

	now := time.Now()
	if e.Recurrence != nil || (e.ExecutionTime != nil && e.ExecutionTime.After(now)) {
		d.timer.Schedule(e)
		return id, nil
	}
	if err := d.queue.Enqueue(ctx, e.TargetQueue(), e); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Now submits t for immediate execution.
func (d *Dispatcher) Now(ctx context.Context, t task.Task) (uuid.UUID, error) {
	return d.Dispatch(ctx, t, SubmitOptions{})
}

// After submits t to execute once, after delay elapses.
func (d *Dispatcher) After(ctx context.Context, t task.Task, delay time.Duration) (uuid.UUID, error) {
	at := time.Now().Add(delay)
	return d.Dispatch(ctx, t, SubmitOptions{ExecutionTime: &at})
}

// At submits t to execute once, at the given instant.
func (d *Dispatcher) At(ctx context.Context, t task.Task, at time.Time) (uuid.UUID, error) {
	return d.Dispatch(ctx, t, SubmitOptions{ExecutionTime: &at})
}

// Recurring submits t to execute repeatedly per the given recurrence spec.
func (d *Dispatcher) Recurring(ctx context.Context, t task.Task, spec recurrence.Spec) (uuid.UUID, error) {
	return d.Dispatch(ctx, t, SubmitOptions{Recurrence: &spec})
}

// Cancel implements spec §4.6's Cancel(id): mark CancelledByUser, cancel any
// running execution, and blacklist the id so a queued copy is discarded.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) error {
	existing, err := d.storage.GetByID(ctx, id)
	auditLevel := models.AuditFull
	if err == nil && existing != nil {
		auditLevel = existing.AuditLevel
	}
	if err := d.storage.SetCancelledByUser(ctx, id, auditLevel); err != nil {
		d.logger.Printf("evertask: dispatcher: failed to record cancellation for %s: %v", id, err)
	}
	d.cancelTok.CancelRunning(id)
	d.blacklist.Add(id)
	return nil
}
