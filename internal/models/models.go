// Package models defines the persisted data model shared by the dispatcher, the
// scheduler, the worker executor and the storage layer.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a QueuedTask.
type Status string

const (
	StatusWaitingQueue   Status = "waiting_queue"
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusPending        Status = "pending"
	StatusCancelled      Status = "cancelled"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusServiceStopped Status = "service_stopped"
)

// IsTerminal reports whether status is terminal for a non-recurring task.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AuditLevel controls how much status/run history is written per task.
type AuditLevel string

const (
	AuditFull       AuditLevel = "full"
	AuditMinimal    AuditLevel = "minimal"
	AuditErrorsOnly AuditLevel = "errors_only"
	AuditNone       AuditLevel = "none"
)

// ShouldRecordStatus reports whether a StatusAudit row should be appended for
// a transition into newStatus under this audit level.
func (l AuditLevel) ShouldRecordStatus(newStatus Status) bool {
	switch l {
	case AuditFull:
		return true
	case AuditMinimal:
		return newStatus == StatusFailed || newStatus == StatusServiceStopped
	case AuditErrorsOnly:
		return newStatus == StatusFailed
	default:
		return false
	}
}

// ShouldRecordRun reports whether a RunsAudit row should be appended.
func (l AuditLevel) ShouldRecordRun(failed bool) bool {
	switch l {
	case AuditFull, AuditMinimal:
		return true
	case AuditErrorsOnly:
		return failed
	default:
		return false
	}
}

// QueuedTask is the persisted record for a single submitted task, recurring or not.
type QueuedTask struct {
	ID                     uuid.UUID `json:"id"`
	CreatedAtUtc           time.Time `json:"created_at_utc"`
	LastExecutionUtc       *time.Time `json:"last_execution_utc,omitempty"`
	ScheduledExecutionUtc  *time.Time `json:"scheduled_execution_utc,omitempty"`
	NextRunUtc             *time.Time `json:"next_run_utc,omitempty"`

	Type    string `json:"type"`
	Request []byte `json:"request"`
	Handler string `json:"handler"`

	Status    Status `json:"status"`
	Exception string `json:"exception,omitempty"`

	IsRecurring   bool    `json:"is_recurring"`
	RecurringTask []byte  `json:"recurring_task,omitempty"`
	RecurringInfo string  `json:"recurring_info,omitempty"`
	CurrentRunCount int64 `json:"current_run_count"`
	MaxRuns       *int64  `json:"max_runs,omitempty"`
	RunUntil      *time.Time `json:"run_until,omitempty"`

	QueueName string `json:"queue_name,omitempty"`
	TaskKey   string `json:"task_key,omitempty"`

	AuditLevel AuditLevel `json:"audit_level"`
}

// StatusAudit is an append-only status-transition history row.
type StatusAudit struct {
	ID           int64     `json:"id"`
	QueuedTaskID uuid.UUID `json:"queued_task_id"`
	UpdatedAtUtc time.Time `json:"updated_at_utc"`
	NewStatus    Status    `json:"new_status"`
	Exception    string    `json:"exception,omitempty"`
}

// RunsAudit is one row per recurring-run completion or recorded skip.
type RunsAudit struct {
	ID           int64     `json:"id"`
	QueuedTaskID uuid.UUID `json:"queued_task_id"`
	ExecutedAt   time.Time `json:"executed_at"`
	Status       Status    `json:"status"`
	Exception    string    `json:"exception,omitempty"`
	SkippedCount int       `json:"skipped_count,omitempty"`
}

// TaskExecutionLog is a single captured log line from one task execution.
type TaskExecutionLog struct {
	ID               int64     `json:"id"`
	TaskID           uuid.UUID `json:"task_id"`
	TimestampUtc     time.Time `json:"timestamp_utc"`
	Level            string    `json:"level"`
	Message          string    `json:"message"`
	ExceptionDetails string    `json:"exception_details,omitempty"`
	SequenceNumber   int64     `json:"sequence_number"`
}

// MarshalRecurring stores v as the task's serialised recurrence spec.
func MarshalRecurring(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
