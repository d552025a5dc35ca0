// Package execution defines the in-memory value that flows from the
// dispatcher through the timer scheduler and bounded run queue to the worker
// executor — spec §4.6 step 4's "in-memory executor value".
package execution

import (
	"time"

	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/recurrence"
	"github.com/evertask/evertask/internal/task"
	"github.com/google/uuid"
)

// Execution is the unit of work handed between C5/C4/C7. It is never
// persisted directly; QueuedTask is the durable counterpart.
type Execution struct {
	ID              uuid.UUID
	Task            task.Task
	Handler         task.Handler
	HandlerTypeName string

	// ExecutionTime is the instant a non-recurring delayed/scheduled
	// execution is due. Nil for immediate or recurring executions (the
	// recurrence engine supplies the instant instead).
	ExecutionTime *time.Time

	// Recurrence is non-nil for recurring tasks.
	Recurrence *recurrence.Spec

	// NextRecurringRun is the instant computed for this occurrence; used as
	// the timer scheduler's priority key (spec §4.5).
	NextRecurringRun *time.Time

	QueueName  string
	AuditLevel models.AuditLevel

	TaskKey string

	CurrentRunIndex int64
	MaxRuns         *int64
	RunUntil        *time.Time
}

// Priority returns the instant this execution is due at the timer
// scheduler: NextRecurringRun if set, else ExecutionTime.
func (e *Execution) Priority() time.Time {
	if e.NextRecurringRun != nil {
		return *e.NextRecurringRun
	}
	if e.ExecutionTime != nil {
		return *e.ExecutionTime
	}
	return time.Time{}
}

// TargetQueue resolves the queue this execution routes to: QueueName if set,
// else "recurring" for recurring tasks, else "default" (spec §4.5 "on
// wake-up ... dispatch to the queue manager on the task's QueueName,
// defaulting to recurring for recurring tasks, else default").
func (e *Execution) TargetQueue() string {
	if e.QueueName != "" {
		return e.QueueName
	}
	if e.Recurrence != nil {
		return "recurring"
	}
	return "default"
}
