// Package timer implements the timer scheduler (C5, spec §4.5): a single
// coordinator holding a priority queue of pending executions keyed by target
// instant, woken by a re-armed timer (Variant A).
package timer

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/evertask/evertask/internal/execution"
	"github.com/evertask/evertask/internal/models"
	"github.com/evertask/evertask/internal/queue"
	"github.com/evertask/evertask/internal/storage"
)

// maxWait caps how long the scheduler ever sleeps in one stretch, so a
// stored long delay is periodically re-evaluated (spec §4.5).
const maxWait = 90 * time.Minute

type item struct {
	exec     *execution.Execution
	priority time.Time
	index    int
}

type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool { return pq[i].priority.Before(pq[j].priority) }
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

// Scheduler is the single priority-queue coordinator.
type Scheduler struct {
	mu     sync.Mutex
	pq     priorityQueue
	wake   chan struct{}
	qm     *queue.Manager
	st     storage.TaskStorage
	logger *log.Logger
}

func New(qm *queue.Manager, st storage.TaskStorage, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		qm:     qm,
		st:     st,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
	heap.Init(&s.pq)
	return s
}

// Schedule enqueues e for dispatch at e.Priority() (spec §4.5 "items with
// nextRecurringRun use that instant as priority; otherwise ExecutionTime").
func (s *Scheduler) Schedule(e *execution.Execution) {
	s.mu.Lock()
	earliestBefore := s.pq.Len() == 0
	var oldEarliest time.Time
	if !earliestBefore {
		oldEarliest = s.pq[0].priority
	}
	heap.Push(&s.pq, &item{exec: e, priority: e.Priority()})
	needsWake := earliestBefore || e.Priority().Before(oldEarliest)
	s.mu.Unlock()

	if needsWake {
		s.signal()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the coordinator loop until ctx is cancelled (spec §4.5 "on
// wake-up: while peek().priority <= now, dequeue and dispatch").
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		wait := s.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}

		s.drainDue(ctx)
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pq.Len() == 0 {
		return maxWait
	}
	d := time.Until(s.pq[0].priority)
	if d <= 0 {
		return time.Millisecond
	}
	if d > maxWait {
		return maxWait
	}
	return d
}

func (s *Scheduler) drainDue(ctx context.Context) {
	now := time.Now()
	var due []*execution.Execution
	s.mu.Lock()
	for s.pq.Len() > 0 && !s.pq[0].priority.After(now) {
		it := heap.Pop(&s.pq).(*item)
		due = append(due, it.exec)
	}
	s.mu.Unlock()

	for _, e := range due {
		target := e.TargetQueue()
		if err := s.qm.Enqueue(ctx, target, e); err != nil {
			s.logger.Printf("evertask: timer: dispatch of %s to queue %q failed: %v", e.ID, target, err)
			if s.st != nil {
				if setErr := s.st.SetStatus(ctx, e.ID, models.StatusFailed, err.Error(), e.AuditLevel); setErr != nil {
					s.logger.Printf("evertask: timer: failed to record dispatch failure for %s: %v", e.ID, setErr)
				}
			}
		}
	}
}

// Len reports the number of pending items.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pq.Len()
}
