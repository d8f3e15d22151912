package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ProgressFunc reports a step's progress (0-100) and an optional message
// back to the runner. Workers call it at step boundaries.
type ProgressFunc func(progress int, message string)

// Worker is one registered unit of work, e.g. "train_model". It must
// check ctx at step boundaries and return ctx.Err() once cancellation
// is observed; the payload is the task's full payload document.
type Worker interface {
	Run(ctx context.Context, payload json.RawMessage, report ProgressFunc) (json.RawMessage, error)
}

// WorkerFunc adapts a plain function to the Worker interface
type WorkerFunc func(ctx context.Context, payload json.RawMessage, report ProgressFunc) (json.RawMessage, error)

func (f WorkerFunc) Run(ctx context.Context, payload json.RawMessage, report ProgressFunc) (json.RawMessage, error) {
	return f(ctx, payload, report)
}

// WorkerRegistry maps payload type tags to workers
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewWorkerRegistry returns an empty worker registry
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[string]Worker)}
}

// Register installs a worker under the given payload type tag
func (r *WorkerRegistry) Register(taskType string, worker Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[taskType] = worker
}

// Get returns the worker for a payload type tag
func (r *WorkerRegistry) Get(taskType string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	worker, ok := r.workers[taskType]
	if !ok {
		return nil, fmt.Errorf("no worker registered for task type %q", taskType)
	}
	return worker, nil
}

// Has reports whether a worker is registered for the type tag
func (r *WorkerRegistry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[taskType]
	return ok
}
