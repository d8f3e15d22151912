package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pricelab-backend/models"
)

// GormStore persists tasks through a gorm database (Postgres in
// production, SQLite in development and tests).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a task store backed by db and runs migrations
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := models.MigrateTaskModels(db); err != nil {
		return nil, fmt.Errorf("failed to migrate task models: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Create inserts a new task, assigning an id if none is set
func (s *GormStore) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns the task with the given id
func (s *GormStore) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &task, nil
}

// Update replaces the stored record with the given task
func (s *GormStore) Update(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now()
	res := s.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", task.ID).
		Select("*").Omit("id", "created_at").Updates(task)
	if res.Error != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Delete removes a task. Running tasks are refused.
func (s *GormStore) Delete(ctx context.Context, id string) (bool, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return false, ErrTaskNotFound
		}
		return false, err
	}
	if task.Status == models.TaskStatusRunning {
		return false, ErrTaskRunning
	}

	if err := s.db.WithContext(ctx).Delete(&models.Task{}, "id = ?", id).Error; err != nil {
		return false, fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return true, nil
}

// List returns tasks matching the filter, ordered by (next_run_time,
// created_at) ascending with tasks lacking a next run time last
func (s *GormStore) List(ctx context.Context, filter TaskFilter, page Page) ([]models.Task, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Task{})

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Frequency != "" {
		query = query.Where("frequency = ?", filter.Frequency)
	}
	if filter.Priority != nil {
		query = query.Where("priority = ?", *filter.Priority)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	query = query.Order("next_run_time IS NULL").Order("next_run_time ASC").Order("created_at ASC")
	if page.Limit > 0 {
		query = query.Offset(page.Offset).Limit(page.Limit)
	}

	var tasks []models.Task
	if err := query.Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}
