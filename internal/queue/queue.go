// Package queue implements the bounded run queue manager (C4, spec §4.4): a
// set of named, capacity-bounded channels, each drained by its own worker
// pool, with a configurable full-channel policy.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/evertask/evertask/internal/execution"
	"github.com/evertask/evertask/internal/registry"
	"github.com/evertask/evertask/internal/storage"
	"github.com/evertask/evertask/internal/task"
)

// FullMode selects the behaviour of Enqueue when a queue's channel is full.
type FullMode string

const (
	Wait              FullMode = "wait"
	DropWrite         FullMode = "drop_write"
	DropOldest        FullMode = "drop_oldest"
	FallbackToDefault FullMode = "fallback_to_default"
)

// Config describes one named queue.
type Config struct {
	Name                   string
	Capacity               int
	FullMode               FullMode
	MaxDegreeOfParallelism int
}

// Handler processes one dequeued execution; supplied by the worker executor
// (C7) when the manager is wired up.
type Handler func(ctx context.Context, e *execution.Execution)

type boundedQueue struct {
	cfg Config
	ch  chan *execution.Execution
	mu  sync.Mutex
}

// Manager owns the named queues; "default" and "recurring" always exist
// (spec §4.4).
type Manager struct {
	storage   storage.TaskStorage
	blacklist *registry.Blacklist
	logger    *log.Logger

	mu     sync.RWMutex
	queues map[string]*boundedQueue

	defaultCfg Config
}

// NewManager constructs a Manager. storage may be nil (no persistence). The
// "default" and "recurring" queues are registered here, both from
// defaultCfg; any other name must be added with Register, or Enqueue fails
// with ErrQueueNotFound.
func NewManager(st storage.TaskStorage, blacklist *registry.Blacklist, logger *log.Logger, defaultCfg Config) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		storage:    st,
		blacklist:  blacklist,
		logger:     logger,
		queues:     make(map[string]*boundedQueue),
		defaultCfg: defaultCfg,
	}
	m.Register(withName(defaultCfg, "default"))
	recurringCfg := defaultCfg
	recurringCfg.Name = "recurring"
	m.Register(recurringCfg)
	return m
}

func withName(cfg Config, name string) Config {
	cfg.Name = name
	return cfg
}

// Register adds or replaces a named queue's configuration. Safe to call
// before any worker pool has started consuming it.
func (m *Manager) Register(cfg Config) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.MaxDegreeOfParallelism <= 0 {
		cfg.MaxDegreeOfParallelism = 4
	}
	if cfg.FullMode == "" {
		cfg.FullMode = Wait
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[cfg.Name] = &boundedQueue{cfg: cfg, ch: make(chan *execution.Execution, cfg.Capacity)}
}

func (m *Manager) get(name string) (*boundedQueue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Enqueue implements spec §4.4's Enqueue contract.
func (m *Manager) Enqueue(ctx context.Context, queueName string, e *execution.Execution) error {
	if m.blacklist != nil && m.blacklist.Contains(e.ID) {
		m.blacklist.Remove(e.ID)
		return nil
	}

	q, ok := m.get(queueName)
	if !ok {
		return fmt.Errorf("queue %q: %w", queueName, task.ErrQueueNotFound)
	}

	if m.storage != nil {
		if err := m.storage.SetQueued(ctx, e.ID, e.AuditLevel); err != nil {
			m.logger.Printf("evertask: queue: failed to set status queued for %s: %v", e.ID, err)
		}
	}

	return m.write(ctx, q, e)
}

func (m *Manager) write(ctx context.Context, q *boundedQueue, e *execution.Execution) error {
	select {
	case q.ch <- e:
		return nil
	default:
	}

	switch q.cfg.FullMode {
	case Wait:
		select {
		case q.ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case DropWrite:
		m.logger.Printf("evertask: queue %q full, dropping write for task %s", q.cfg.Name, e.ID)
		return nil
	case DropOldest:
		select {
		case dropped := <-q.ch:
			m.logger.Printf("evertask: queue %q full, dropped oldest task %s to admit %s", q.cfg.Name, dropped.ID, e.ID)
		default:
		}
		select {
		case q.ch <- e:
		default:
			m.logger.Printf("evertask: queue %q still full after drop, dropping write for task %s", q.cfg.Name, e.ID)
		}
		return nil
	case FallbackToDefault:
		if q.cfg.Name == "default" {
			select {
			case q.ch <- e:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		def, ok := m.get("default")
		if !ok {
			return fmt.Errorf("queue %q: %w", "default", task.ErrQueueNotFound)
		}
		select {
		case def.ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("queue %q full: %w", q.cfg.Name, task.ErrQueueFull)
	}
}

// StartWorkerPool launches cfg.MaxDegreeOfParallelism goroutines draining
// queueName and dispatching each item to handle, until ctx is cancelled or
// the queue channel is closed (spec §4.4 "per-queue worker pool").
func (m *Manager) StartWorkerPool(ctx context.Context, queueName string, handle Handler) error {
	q, ok := m.get(queueName)
	if !ok {
		return fmt.Errorf("queue %q: %w", queueName, task.ErrQueueNotFound)
	}
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.MaxDegreeOfParallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case e, ok := <-q.ch:
					if !ok {
						return
					}
					handle(ctx, e)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		<-ctx.Done()
		wg.Wait()
	}()
	return nil
}

// Close closes every registered queue's channel, signalling worker pools to
// drain and exit.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		close(q.ch)
	}
}

// Stats reports the current depth of each queue, used by the demo stats
// endpoint (SPEC_FULL.md §4).
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.queues))
	for name, q := range m.queues {
		out[name] = len(q.ch)
	}
	return out
}
