// Package store provides durable persistence for scheduled tasks.
//
// Three backings implement the same TaskStore contract: a gorm-backed
// relational store (the default), a one-JSON-file-per-task store and a
// MongoDB document store. All of them are last-write-wins on concurrent
// updates to the same task; callers read-modify-write full records.
package store

import (
	"context"
	"errors"

	"pricelab-backend/models"
)

var (
	// ErrTaskNotFound is returned when no task exists for the given id
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskRunning is returned when an operation is refused because the
	// task is currently running (e.g. delete)
	ErrTaskRunning = errors.New("task is running")
)

// TaskFilter narrows List results. Zero values mean "no constraint".
type TaskFilter struct {
	Status    models.TaskStatus
	Frequency models.TaskFrequency
	Priority  *int
}

// Page selects one page of List results
type Page struct {
	Offset int
	Limit  int
}

// TaskStore is the durable record of task descriptions and their mutable
// run state. Update is a full-record replace. List returns tasks ordered
// by (next_run_time, created_at) ascending, tasks without a next run time
// last, together with the total count before pagination.
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, filter TaskFilter, page Page) ([]models.Task, int64, error)
}
