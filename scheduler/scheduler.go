// Package scheduler turns persisted task descriptions into running,
// observable, cancellable units of work. A single polling loop picks up
// due pending tasks and hands each to a runner goroutine; at most one
// runner is ever active per task id. Cancellation is cooperative via a
// per-run context checked by workers at step boundaries.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"pricelab-backend/models"
	"pricelab-backend/services"
	"pricelab-backend/store"
)

var (
	// ErrValidation marks task descriptions rejected at creation time
	ErrValidation = errors.New("invalid task")

	// ErrTaskActive is returned when an operation is refused because a
	// runner currently holds the task id
	ErrTaskActive = errors.New("task already has an active runner")

	// ErrNotPending is returned by CancelPending for tasks past pending
	ErrNotPending = errors.New("task is not pending")
)

// Config tunes the polling loop
type Config struct {
	PollInterval      time.Duration // between cycles, default 10s
	ErrorBackoff      time.Duration // after a failed cycle, default 30s
	MaxConcurrentRuns int           // 0 = unbounded
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 30 * time.Second
	}
	return c
}

// Scheduler owns the task store, the notifier, the worker registry and
// the active-runner registry, all injected at construction
type Scheduler struct {
	store    store.TaskStore
	notifier Notifier
	workers  *WorkerRegistry
	registry *runnerRegistry
	cfg      Config

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	loopDone  chan struct{}
	runnersWG sync.WaitGroup
}

// New creates a scheduler over the given collaborators
func New(taskStore store.TaskStore, notifier Notifier, workers *WorkerRegistry, cfg Config) *Scheduler {
	return &Scheduler{
		store:    taskStore,
		notifier: notifier,
		workers:  workers,
		registry: newRunnerRegistry(),
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the background polling loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		log.Println("Scheduler already started")
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(s.stopCh, s.loopDone)
	log.Println("Scheduler started")
}

// Stop shuts the polling loop down gracefully. In-flight runners are
// not canceled; cancel them explicitly with RequestCancel if needed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	done := s.loopDone
	s.mu.Unlock()

	<-done
	log.Println("Scheduler stopped")
}

// WaitForRunners blocks until every in-flight runner has finished.
// Intended for clean process shutdown and tests.
func (s *Scheduler) WaitForRunners() {
	s.runnersWG.Wait()
}

func (s *Scheduler) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	delay := time.Duration(0) // first cycle runs immediately
	for {
		timer := time.NewTimer(delay)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.cycle(); err != nil {
			log.Printf("Scheduler: cycle failed: %v", err)
			delay = s.cfg.ErrorBackoff
		} else {
			delay = s.cfg.PollInterval
		}
	}
}

// cycle lists pending tasks and starts a runner for each task that is
// due and not already active
func (s *Scheduler) cycle() error {
	tasks, _, err := s.store.List(context.Background(),
		store.TaskFilter{Status: models.TaskStatusPending}, store.Page{})
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}

	now := time.Now()
	for i := range tasks {
		task := tasks[i]
		if task.NextRunTime == nil || task.NextRunTime.After(now) {
			continue
		}
		if s.cfg.MaxConcurrentRuns > 0 && s.registry.Count() >= s.cfg.MaxConcurrentRuns {
			log.Printf("Scheduler: concurrent run cap (%d) reached, deferring remaining due tasks", s.cfg.MaxConcurrentRuns)
			break
		}
		s.startRun(task)
	}
	return nil
}

// startRun reserves the task id and launches a runner goroutine. The
// reservation fails silently when a runner is already active for the id.
func (s *Scheduler) startRun(task models.Task) {
	ctx, ok := s.registry.Reserve(context.Background(), task.ID)
	if !ok {
		return
	}

	// Recurrence counts from the run the task was scheduled for
	rearmBase := task.ScheduledTime
	if task.NextRunTime != nil {
		rearmBase = *task.NextRunTime
	}

	s.runnersWG.Add(1)
	go func() {
		defer s.runnersWG.Done()
		defer s.registry.Release(task.ID)

		r := &runner{store: s.store, notifier: s.notifier, workers: s.workers}
		final := r.run(ctx, &task)

		if final == models.TaskStatusCompleted && task.Frequency != models.FrequencyOnce {
			s.rearm(&task, rearmBase)
		}
	}()
}

// rearm returns a successfully completed recurring task to pending with
// its next run time computed from the run it just finished
func (s *Scheduler) rearm(task *models.Task, base time.Time) {
	next, err := NextRunTime(task.Frequency, base)
	if err != nil {
		log.Printf("Scheduler: cannot re-arm task %s: %v", task.ID, err)
		return
	}
	// A schedule that has fallen far behind catches up to the future
	// instead of replaying every missed occurrence
	now := time.Now()
	for !next.After(now) {
		next, err = NextRunTime(task.Frequency, next)
		if err != nil {
			return
		}
	}

	task.Status = models.TaskStatusPending
	task.Progress = 0
	task.NextRunTime = &next
	task.AppendLog(fmt.Sprintf("re-armed, next run at %s", next.Format(time.RFC3339)))
	if err := s.store.Update(context.Background(), task); err != nil {
		log.Printf("Scheduler: failed to re-arm task %s: %v", task.ID, err)
		return
	}
	s.notifier.Publish(services.TaskEvent{
		TaskID:   task.ID,
		Status:   task.Status,
		Progress: task.Progress,
		Message:  "re-armed",
	})
}

// CreateTask validates a task description and persists it as pending.
// The payload must carry a "type" field naming a registered worker.
func (s *Scheduler) CreateTask(ctx context.Context, task *models.Task) error {
	if strings.TrimSpace(task.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if task.Frequency == "" {
		task.Frequency = models.FrequencyOnce
	}
	if !models.ValidFrequency(task.Frequency) {
		return fmt.Errorf("%w: unknown frequency %q", ErrValidation, task.Frequency)
	}
	if task.ScheduledTime.IsZero() {
		return fmt.Errorf("%w: scheduled time is required", ErrValidation)
	}
	if len(task.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}
	if !json.Valid(task.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	taskType := task.PayloadType()
	if taskType == "" {
		return fmt.Errorf("%w: payload is missing the type field", ErrValidation)
	}
	if !s.workers.Has(taskType) {
		return fmt.Errorf("%w: unknown task type %q", ErrValidation, taskType)
	}
	if task.Priority == 0 {
		task.Priority = 5
	}

	task.Status = models.TaskStatusPending
	task.Progress = 0
	next := task.ScheduledTime
	task.NextRunTime = &next

	if err := s.store.Create(ctx, task); err != nil {
		return err
	}
	log.Printf("Created task %q (%s), first run at %s", task.Name, task.ID, next.Format(time.RFC3339))
	return nil
}

// RunNow makes a task eligible immediately: the next scheduler cycle
// picks it up. Fails when the id is unknown or a runner is active.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	if s.registry.Active(id) {
		return ErrTaskActive
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusRunning {
		return ErrTaskActive
	}

	now := time.Now()
	task.Status = models.TaskStatusPending
	task.Progress = 0
	task.NextRunTime = &now
	task.AppendLog("run requested")
	return s.store.Update(ctx, task)
}

// CancelPending transitions a pending task directly to canceled. Tasks
// in any other state are refused; use RequestCancel for running ones.
func (s *Scheduler) CancelPending(ctx context.Context, id string) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPending {
		return ErrNotPending
	}

	task.Status = models.TaskStatusCanceled
	task.NextRunTime = nil
	task.AppendLog("canceled before run")
	if err := s.store.Update(ctx, task); err != nil {
		return err
	}
	s.notifier.Publish(services.TaskEvent{
		TaskID:  task.ID,
		Status:  task.Status,
		Message: "canceled",
	})
	return nil
}

// RequestCancel raises the cancellation signal of a running task. The
// runner observes it at its next step boundary, so cancellation may
// take up to one step to take effect. Returns false when no runner is
// active for the id.
func (s *Scheduler) RequestCancel(id string) bool {
	return s.registry.Cancel(id)
}

// DeleteTask removes a task; running tasks are refused
func (s *Scheduler) DeleteTask(ctx context.Context, id string) (bool, error) {
	if s.registry.Active(id) {
		return false, store.ErrTaskRunning
	}
	return s.store.Delete(ctx, id)
}

// Active reports whether a runner currently holds the task id
func (s *Scheduler) Active(id string) bool {
	return s.registry.Active(id)
}

// ActiveCount returns the number of in-flight runners
func (s *Scheduler) ActiveCount() int {
	return s.registry.Count()
}
