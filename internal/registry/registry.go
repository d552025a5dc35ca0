// Package registry holds the blacklist of cancelled task ids and the live
// cancellation tokens for tasks currently executing (spec §4.3).
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Blacklist is a concurrent set of task ids that must not run. An entry is
// consumed by the first copy it discards: queue.Manager.Enqueue and the
// worker's blacklist gate both remove the id once they have dropped the
// execution (spec §4.3).
type Blacklist struct {
	mu  sync.RWMutex
	ids map[uuid.UUID]struct{}
}

func NewBlacklist() *Blacklist {
	return &Blacklist{ids: make(map[uuid.UUID]struct{})}
}

func (b *Blacklist) Add(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids[id] = struct{}{}
}

func (b *Blacklist) Contains(id uuid.UUID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[id]
	return ok
}

func (b *Blacklist) Remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ids, id)
}

// CancellationRegistry tracks the cancel func for each in-flight execution,
// so a service-level Cancel(id) can unblock a worker mid-run (spec §4.3).
// Cancellation is cooperative: the handler has to observe its context.
type CancellationRegistry struct {
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewCancellationRegistry() *CancellationRegistry {
	return &CancellationRegistry{cancels: make(map[uuid.UUID]context.CancelFunc)}
}

// Track registers cancel for id, to be invoked by CancelRunning, and returns a
// release func the worker must call when the execution finishes.
func (r *CancellationRegistry) Track(id uuid.UUID, cancel context.CancelFunc) (release func()) {
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.cancels, id)
		r.mu.Unlock()
	}
}

// CancelRunning invokes the tracked cancel func for id, if one is currently
// registered, and reports whether a running execution was found.
func (r *CancellationRegistry) CancelRunning(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[id]
	if !ok {
		return false
	}
	cancel()
	return true
}
