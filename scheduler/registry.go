package scheduler

import (
	"context"
	"sync"
)

// runnerRegistry tracks which task ids currently have an active runner
// and holds each run's cancel function. Reserving an id and installing
// its cancel func happen under one lock, so a cancel request can never
// race with registry cleanup.
type runnerRegistry struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func newRunnerRegistry() *runnerRegistry {
	return &runnerRegistry{active: make(map[string]context.CancelFunc)}
}

// Reserve marks the task id active and returns a context for the run.
// Returns ok=false when a runner already holds the id.
func (r *runnerRegistry) Reserve(parent context.Context, id string) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[id]; exists {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	r.active[id] = cancel
	return ctx, true
}

// Release frees the id after its runner has persisted a terminal state
func (r *runnerRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.active[id]; ok {
		cancel()
		delete(r.active, id)
	}
}

// Cancel fires the cancellation signal of an active run. Returns false
// when no runner holds the id.
func (r *runnerRegistry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.active[id]
	if ok {
		cancel()
	}
	return ok
}

// Active reports whether a runner currently holds the id
func (r *runnerRegistry) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Count returns the number of active runners
func (r *runnerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
