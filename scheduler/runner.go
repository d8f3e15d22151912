package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"pricelab-backend/models"
	"pricelab-backend/services"
	"pricelab-backend/store"
)

// Notifier publishes task status/progress events to live observers
type Notifier interface {
	Publish(event services.TaskEvent)
}

// runner carries one task through one run. It owns the task record for
// the duration of the run: every mutation is persisted through the
// store and published through the notifier.
type runner struct {
	store    store.TaskStore
	notifier Notifier
	workers  *WorkerRegistry
}

// run executes the task's unit of work and returns the terminal status.
// A store failure mid-run is logged and not retried; the run continues
// so the in-memory state stays authoritative for the final persist.
func (r *runner) run(ctx context.Context, task *models.Task) (final models.TaskStatus) {
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Runner: panic in task %s: %v", task.ID, rec)
			r.finish(task, started, models.TaskStatusFailed, nil, fmt.Errorf("worker panic: %v", rec))
			final = models.TaskStatusFailed
		}
	}()

	task.Status = models.TaskStatusRunning
	task.Progress = 0
	task.StartTime = &started
	task.EndTime = nil
	task.Result = nil
	task.Duration = 0
	task.AppendLog("run started")
	r.persist(task)
	r.publish(task, "run started")

	worker, err := r.workers.Get(task.PayloadType())
	if err != nil {
		r.finish(task, started, models.TaskStatusFailed, nil, err)
		return models.TaskStatusFailed
	}

	report := func(progress int, message string) {
		if ctx.Err() != nil {
			// Cancellation observed: no further progress updates
			return
		}
		if progress < task.Progress {
			progress = task.Progress
		}
		if progress > 100 {
			progress = 100
		}
		task.Progress = progress
		if message != "" {
			task.AppendLog(message)
		}
		r.persist(task)
		r.publish(task, message)
	}

	result, err := worker.Run(ctx, task.Payload, report)

	switch {
	case err == nil:
		r.finish(task, started, models.TaskStatusCompleted, result, nil)
		return models.TaskStatusCompleted
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		r.finish(task, started, models.TaskStatusCanceled, nil, nil)
		return models.TaskStatusCanceled
	default:
		r.finish(task, started, models.TaskStatusFailed, nil, err)
		return models.TaskStatusFailed
	}
}

// finish persists the terminal state of a run and publishes it
func (r *runner) finish(task *models.Task, started time.Time, status models.TaskStatus, result json.RawMessage, runErr error) {
	now := time.Now()
	task.Status = status
	task.EndTime = &now
	task.Duration = now.Sub(started).Seconds()
	// The next run time is re-armed by the scheduler only after a
	// successful recurring run
	task.NextRunTime = nil

	var message string
	switch status {
	case models.TaskStatusCompleted:
		task.Progress = 100
		task.Result = result
		message = "run completed"
	case models.TaskStatusCanceled:
		message = "run canceled"
	case models.TaskStatusFailed:
		message = fmt.Sprintf("run failed: %v", runErr)
		errResult, err := json.Marshal(map[string]string{"error": runErr.Error()})
		if err == nil {
			task.Result = errResult
		}
	}
	task.AppendLog(message)
	r.persist(task)
	r.publish(task, message)
}

func (r *runner) persist(task *models.Task) {
	if err := r.store.Update(context.Background(), task); err != nil {
		log.Printf("Runner: failed to persist task %s: %v", task.ID, err)
	}
}

func (r *runner) publish(task *models.Task, message string) {
	r.notifier.Publish(services.TaskEvent{
		TaskID:   task.ID,
		Status:   task.Status,
		Progress: task.Progress,
		Message:  message,
	})
}
