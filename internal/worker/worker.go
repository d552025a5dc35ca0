// Package worker implements the worker executor (C7, spec §4.7): the
// per-dequeue pipeline driving a single execution from blacklist gate
// through outcome classification, recurring reschedule, and cleanup.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/evertask/evertask/internal/execution"
	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/monitor"
	"github.com/evertask/evertask/internal/registry"
	"github.com/evertask/evertask/internal/storage"
	"github.com/evertask/evertask/internal/task"
	"github.com/evertask/evertask/internal/timer"
)

// Defaults is the global fallback for retry/timeout/CPU-bound, the bottom of
// the "handler > queue > global" precedence chain (spec §4.7 step 4).
// QueueDefaults overrides Defaults per queue name; a handler override (via
// the task.*Override interfaces) wins over both. AuditLevel is not consulted
// for status writes, which use the execution's own AuditLevel.
type Defaults struct {
	RetryPolicy       task.RetryPolicy
	Timeout           time.Duration // zero means no timeout
	CPUBound          bool
	AuditLevel        models.AuditLevel
	PersistentLogging bool
	MaxLogsPerTask    int
}

// Executor drives executions dequeued from the run queue.
type Executor struct {
	storage     storage.TaskStorage
	blacklist   *registry.Blacklist
	cancelTok   *registry.CancellationRegistry
	scheduler   *timer.Scheduler
	bus         *monitor.Bus
	logger      *log.Logger
	shutdownCtx context.Context

	defaults      Defaults
	queueDefaults map[string]Defaults
}

func New(st storage.TaskStorage, bl *registry.Blacklist, cancels *registry.CancellationRegistry, sched *timer.Scheduler, bus *monitor.Bus, shutdownCtx context.Context, defaults Defaults, queueDefaults map[string]Defaults, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	if defaults.RetryPolicy == nil {
		defaults.RetryPolicy = task.NoRetry{}
	}
	if defaults.AuditLevel == "" {
		defaults.AuditLevel = models.AuditFull
	}
	if queueDefaults == nil {
		queueDefaults = map[string]Defaults{}
	}
	return &Executor{
		storage:       st,
		blacklist:     bl,
		cancelTok:     cancels,
		scheduler:     sched,
		bus:           bus,
		logger:        logger,
		shutdownCtx:   shutdownCtx,
		defaults:      defaults,
		queueDefaults: queueDefaults,
	}
}

// bufferedLogger fans log lines out to the process logger and an in-memory
// buffer that gets bulk-persisted after the run (spec §4.7 step 9).
type bufferedLogger struct {
	mu      sync.Mutex
	process *log.Logger
	taskID  func() string
	entries []models.TaskExecutionLog
	seq     int64
	maxLogs int
}

func (l *bufferedLogger) Log(level, msg string) {
	l.process.Printf("evertask: task %s [%s] %s", l.taskID(), level, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	entry := models.TaskExecutionLog{
		TimestampUtc:   time.Now().UTC(),
		Level:          level,
		Message:        msg,
		SequenceNumber: l.seq,
	}
	l.entries = append(l.entries, entry)
	if l.maxLogs > 0 && len(l.entries) > l.maxLogs {
		l.entries = l.entries[len(l.entries)-l.maxLogs:] // oldest-dropped cap
	}
}

func (l *bufferedLogger) drain() []models.TaskExecutionLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

func (e *Executor) effectiveDefaults(queueName string) Defaults {
	if qd, ok := e.queueDefaults[queueName]; ok {
		d := e.defaults
		if qd.RetryPolicy != nil {
			d.RetryPolicy = qd.RetryPolicy
		}
		if qd.Timeout != 0 {
			d.Timeout = qd.Timeout
		}
		d.CPUBound = qd.CPUBound
		if qd.AuditLevel != "" {
			d.AuditLevel = qd.AuditLevel
		}
		return d
	}
	return e.defaults
}

// resolve applies the handler > queue > global precedence chain (spec §4.7
// step 4) for retry policy, timeout, and CPU-bound dispatch.
func (e *Executor) resolve(ex *execution.Execution) (task.RetryPolicy, time.Duration, bool) {
	base := e.effectiveDefaults(ex.TargetQueue())
	retry, timeout, cpuBound := base.RetryPolicy, base.Timeout, base.CPUBound

	if h, ok := ex.Handler.(task.RetryOverride); ok {
		retry = h.RetryPolicy()
	}
	if h, ok := ex.Handler.(task.TimeoutOverride); ok {
		timeout = h.Timeout()
	}
	if h, ok := ex.Handler.(task.CPUBoundOverride); ok {
		cpuBound = h.CPUBound()
	}
	return retry, timeout, cpuBound
}

// Handle is the queue.Handler driving one dequeued execution end to end
// (spec §4.7 steps 1-11).
func (e *Executor) Handle(ctx context.Context, ex *execution.Execution) {
	// Step 1: blacklist gate.
	if e.blacklist.Contains(ex.ID) {
		e.blacklist.Remove(ex.ID)
		e.setStatus(ctx, ex, models.StatusCancelled, "")
		return
	}

	// Step 2: pre-flight.
	e.setStatus(ctx, ex, models.StatusInProgress, "")
	e.invokeOptional(func() error {
		if h, ok := ex.Handler.(task.OnStarted); ok {
			return h.OnStarted(ctx)
		}
		return nil
	}, ex.ID, "OnStarted")

	// Step 3: cancellation token composed from host shutdown + per-task cancel.
	runCtx, cancelRun := context.WithCancel(e.shutdownCtx)
	release := e.cancelTok.Track(ex.ID, cancelRun)
	defer release()
	defer cancelRun()

	logger := &bufferedLogger{process: e.logger, taskID: func() string { return ex.ID.String() }}
	defaults := e.effectiveDefaults(ex.TargetQueue())
	if defaults.MaxLogsPerTask > 0 {
		logger.maxLogs = defaults.MaxLogsPerTask
	}

	retryPolicy, timeout, cpuBound := e.resolve(ex)

	result := e.execute(runCtx, ex, retryPolicy, timeout, cpuBound, logger)

	// Step 6: dispose.
	e.invokeOptional(func() error {
		if d, ok := ex.Handler.(task.Disposer); ok {
			return d.DisposeAsync(ctx)
		}
		return nil
	}, ex.ID, "DisposeAsync")

	// Step 7: outcome classification.
	e.classify(ctx, ex, result, logger)

	// Step 8: recurring reschedule.
	if ex.Recurrence != nil && !result.fatal() {
		e.reschedule(ctx, ex)
	}

	// Step 9: log flush.
	if defaults.PersistentLogging {
		if entries := logger.drain(); len(entries) > 0 {
			for i := range entries {
				entries[i].TaskID = ex.ID
			}
			if err := e.storage.SaveExecutionLogs(ctx, ex.ID, entries); err != nil {
				e.logger.Printf("evertask: worker: failed to persist execution logs for %s: %v", ex.ID, err)
			}
		}
	} else {
		logger.drain()
	}

	// Step 10: monitoring event.
	if e.bus != nil {
		e.bus.Publish(ctx, e.buildEvent(ex, result))
	}

	// Step 11 (cancellation handle cleanup) happens via the deferred release above.
}

type outcome struct {
	kind outcomeKind
	err  error
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeServiceStopped
	outcomeCancelledByUser
	outcomeTimeout
	outcomeFailed
)

// fatal reports whether this outcome should block a recurring reschedule.
// Per spec §4.7 step 8, only non-fatal completions reschedule; a
// cancel-by-user or permanent failure still reschedules the *next*
// occurrence (a cancelled task's id stays blacklisted, so that occurrence
// is discarded when it reaches the run queue) — only a shutdown leaves
// rescheduling to the next host start via C8.
func (o outcome) fatal() bool {
	return o.kind == outcomeServiceStopped
}

func (e *Executor) execute(ctx context.Context, ex *execution.Execution, retry task.RetryPolicy, timeout time.Duration, cpuBound bool, logger task.Logger) outcome {
	invoke := func(attemptCtx context.Context) error {
		return ex.Handler.Handle(attemptCtx, ex.Task, logger)
	}
	if cpuBound {
		// CPU-bound handlers run on a dedicated goroutine rather than
		// whatever happens to be convenient, so they don't starve the
		// cooperative scheduler driving I/O-bound work elsewhere.
		wrapped := invoke
		invoke = func(attemptCtx context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- wrapped(attemptCtx) }()
			select {
			case err := <-errCh:
				return err
			case <-attemptCtx.Done():
				return attemptCtx.Err()
			}
		}
	}

	attempt := func(attemptCtx context.Context) error {
		runCtx := attemptCtx
		var cancel context.CancelFunc
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(attemptCtx, timeout)
			defer cancel()
		}
		err := invoke(runCtx)
		if err != nil && runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w", task.ErrTimeout)
		}
		return err
	}

	if retry == nil {
		retry = task.NoRetry{}
	}
	err := retry.Execute(ctx, logger, attempt)

	switch {
	case err == nil:
		return outcome{kind: outcomeSuccess}
	case errors.Is(err, task.ErrTimeout):
		return outcome{kind: outcomeTimeout, err: err}
	case e.shutdownCtx.Err() != nil && errors.Is(err, context.Canceled):
		return outcome{kind: outcomeServiceStopped, err: err}
	case errors.Is(err, context.Canceled):
		return outcome{kind: outcomeCancelledByUser, err: err}
	default:
		return outcome{kind: outcomeFailed, err: fmt.Errorf("%w: %v", task.ErrHandlerFailure, err)}
	}
}

func (e *Executor) classify(ctx context.Context, ex *execution.Execution, o outcome, logger task.Logger) {
	switch o.kind {
	case outcomeSuccess:
		e.setStatus(ctx, ex, models.StatusCompleted, "")
		e.invokeOptional(func() error {
			if h, ok := ex.Handler.(task.OnCompleted); ok {
				return h.OnCompleted(ctx)
			}
			return nil
		}, ex.ID, "OnCompleted")
	case outcomeServiceStopped:
		e.setStatus(ctx, ex, models.StatusServiceStopped, o.err.Error())
		e.onError(ctx, ex, o.err, "service stop")
	case outcomeCancelledByUser:
		e.setStatus(ctx, ex, models.StatusCancelled, o.err.Error())
		e.onError(ctx, ex, o.err, "cancelled by user")
	case outcomeTimeout:
		e.setStatus(ctx, ex, models.StatusFailed, o.err.Error())
		e.onError(ctx, ex, o.err, "execution timed out")
	default:
		e.setStatus(ctx, ex, models.StatusFailed, o.err.Error())
		e.onError(ctx, ex, o.err, "handler failed")
	}
}

func (e *Executor) onError(ctx context.Context, ex *execution.Execution, err error, message string) {
	e.invokeOptional(func() error {
		if h, ok := ex.Handler.(task.OnError); ok {
			return h.OnError(ctx, err, message)
		}
		return nil
	}, ex.ID, "OnError")
}

func (e *Executor) reschedule(ctx context.Context, ex *execution.Execution) {
	runCount, err := e.storage.GetCurrentRunCount(ctx, ex.ID)
	if err != nil {
		e.logger.Printf("evertask: worker: failed to read run count for %s: %v", ex.ID, err)
		return
	}
	next, skipped, err := ex.Recurrence.CalculateNextValidRun(time.Now(), runCount+1, time.Now())
	if err != nil {
		e.logger.Printf("evertask: worker: failed to compute next run for %s: %v", ex.ID, err)
		return
	}
	if skipped > 0 {
		if err := e.storage.RecordSkippedOccurrences(ctx, ex.ID, skipped); err != nil {
			e.logger.Printf("evertask: worker: failed to record skipped occurrences for %s: %v", ex.ID, err)
		}
	}
	if err := e.storage.UpdateCurrentRun(ctx, ex.ID, next, ex.AuditLevel); err != nil {
		e.logger.Printf("evertask: worker: failed to update current run for %s: %v", ex.ID, err)
		return
	}
	if next == nil {
		return
	}
	nextEx := *ex
	nextEx.NextRecurringRun = next
	nextEx.CurrentRunIndex = runCount + 1
	e.scheduler.Schedule(&nextEx)
}

func (e *Executor) setStatus(ctx context.Context, ex *execution.Execution, status models.Status, exception string) {
	var err error
	switch status {
	case models.StatusInProgress:
		err = e.storage.SetInProgress(ctx, ex.ID, ex.AuditLevel)
	case models.StatusCompleted:
		err = e.storage.SetCompleted(ctx, ex.ID, ex.AuditLevel)
	case models.StatusCancelled:
		err = e.storage.SetCancelledByUser(ctx, ex.ID, ex.AuditLevel)
	case models.StatusServiceStopped:
		err = e.storage.SetCancelledByService(ctx, ex.ID, ex.AuditLevel)
	default:
		err = e.storage.SetStatus(ctx, ex.ID, status, exception, ex.AuditLevel)
	}
	if err != nil {
		e.logger.Printf("evertask: worker: failed to set status %s for %s: %v", status, ex.ID, err)
	}
}

// invokeOptional runs fn, logging and swallowing any error — lifecycle
// callback failures never fail the task (spec §4.7 step 2, §7 "local
// recovery").
func (e *Executor) invokeOptional(fn func() error, id interface{ String() string }, name string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("evertask: worker: %s panicked for %s: %v", name, id, r)
		}
	}()
	if err := fn(); err != nil {
		e.logger.Printf("evertask: worker: %s failed for %s: %v", name, id, err)
	}
}

func (e *Executor) buildEvent(ex *execution.Execution, o outcome) monitor.TaskEventOccurred {
	severity := monitor.Information
	message := "task completed"
	var exceptionText string
	switch o.kind {
	case outcomeSuccess:
		severity, message = monitor.Information, "task completed"
	case outcomeServiceStopped:
		severity, message = monitor.Warning, "task interrupted by service shutdown"
		exceptionText = o.err.Error()
	case outcomeCancelledByUser:
		severity, message = monitor.Warning, "task cancelled by user"
		exceptionText = o.err.Error()
	case outcomeTimeout:
		severity, message = monitor.Error, "task timed out"
		exceptionText = o.err.Error()
	case outcomeFailed:
		severity, message = monitor.Error, "task failed"
		exceptionText = o.err.Error()
	}
	return monitor.TaskEventOccurred{
		TaskID:          ex.ID,
		EventDateUtc:    time.Now().UTC(),
		Severity:        severity,
		TaskType:        ex.Task.TaskTypeName(),
		TaskHandlerType: ex.HandlerTypeName,
		Message:         message,
		Exception:       exceptionText,
	}
}
