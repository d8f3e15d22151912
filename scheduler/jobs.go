package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"pricelab-backend/models"
	"pricelab-backend/store"
)

// Housekeeper runs periodic maintenance around the task store:
// a daily prune of terminal one-shot tasks past the retention window,
// and an hourly sweep marking tasks stuck "running" with no live
// runner (leftovers of a crashed process) as failed.
type Housekeeper struct {
	cron      *gocron.Scheduler
	store     store.TaskStore
	scheduler *Scheduler
	retention time.Duration
}

// NewHousekeeper creates a housekeeper. A non-positive retention keeps
// terminal one-shot tasks for 30 days.
func NewHousekeeper(taskStore store.TaskStore, sched *Scheduler, retention time.Duration) *Housekeeper {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Housekeeper{
		cron:      gocron.NewScheduler(time.UTC),
		store:     taskStore,
		scheduler: sched,
		retention: retention,
	}
}

// Start schedules the maintenance jobs
func (h *Housekeeper) Start() {
	h.cron.Every(1).Day().At("03:00").Do(func() {
		if err := h.pruneOldTasks(); err != nil {
			log.Printf("Housekeeper: prune failed: %v", err)
		}
	})

	h.cron.Every(1).Hour().StartImmediately().Do(func() {
		if err := h.sweepStaleRunning(); err != nil {
			log.Printf("Housekeeper: stale-running sweep failed: %v", err)
		}
	})

	h.cron.StartAsync()
	log.Println("Housekeeper started")
}

// Stop stops the maintenance jobs
func (h *Housekeeper) Stop() {
	h.cron.Stop()
	log.Println("Housekeeper stopped")
}

// pruneOldTasks deletes terminal one-shot tasks whose run ended before
// the retention window. Recurring tasks are kept, they re-arm.
func (h *Housekeeper) pruneOldTasks() error {
	ctx := context.Background()
	tasks, _, err := h.store.List(ctx, store.TaskFilter{Frequency: models.FrequencyOnce}, store.Page{})
	if err != nil {
		return fmt.Errorf("failed to list one-shot tasks: %w", err)
	}

	cutoff := time.Now().Add(-h.retention)
	pruned := 0
	for i := range tasks {
		task := tasks[i]
		if !task.Status.IsTerminal() || task.EndTime == nil || task.EndTime.After(cutoff) {
			continue
		}
		if _, err := h.store.Delete(ctx, task.ID); err != nil {
			log.Printf("Housekeeper: failed to prune task %s: %v", task.ID, err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		log.Printf("Housekeeper: pruned %d old tasks", pruned)
	}
	return nil
}

// sweepStaleRunning fails tasks persisted as running that no runner in
// this process holds. Happens after a crash or unclean restart.
func (h *Housekeeper) sweepStaleRunning() error {
	ctx := context.Background()
	tasks, _, err := h.store.List(ctx, store.TaskFilter{Status: models.TaskStatusRunning}, store.Page{})
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}

	for i := range tasks {
		task := tasks[i]
		if h.scheduler.Active(task.ID) {
			continue
		}
		now := time.Now()
		task.Status = models.TaskStatusFailed
		task.EndTime = &now
		task.NextRunTime = nil
		task.AppendLog("marked failed: no active runner for this task (process restart?)")
		if err := h.store.Update(ctx, &task); err != nil {
			log.Printf("Housekeeper: failed to mark stale task %s: %v", task.ID, err)
			continue
		}
		log.Printf("Housekeeper: marked stale running task %s as failed", task.ID)
	}
	return nil
}
