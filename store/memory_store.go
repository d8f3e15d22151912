package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricelab-backend/models"
)

// MemoryStore keeps tasks in a map. Used by tests and as a lightweight
// dev backing; contents are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]models.Task
}

// NewMemoryStore returns an empty in-memory task store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]models.Task)}
}

// Create inserts a new task, assigning an id if none is set
func (s *MemoryStore) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

// Get returns the task with the given id
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copy := task
	return &copy, nil
}

// Update replaces the stored record with the given task
func (s *MemoryStore) Update(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	task.UpdatedAt = time.Now()
	s.tasks[task.ID] = *task
	return nil
}

// Delete removes a task. Running tasks are refused.
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if task.Status == models.TaskStatusRunning {
		return false, ErrTaskRunning
	}
	delete(s.tasks, id)
	return true, nil
}

// List filters, sorts and paginates the stored tasks
func (s *MemoryStore) List(ctx context.Context, filter TaskFilter, page Page) ([]models.Task, int64, error) {
	s.mu.RLock()
	var tasks []models.Task
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Frequency != "" && task.Frequency != filter.Frequency {
			continue
		}
		if filter.Priority != nil && task.Priority != *filter.Priority {
			continue
		}
		tasks = append(tasks, task)
	}
	s.mu.RUnlock()

	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i].NextRunTime, tasks[j].NextRunTime
		switch {
		case a == nil && b == nil:
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		default:
			return a.Before(*b)
		}
	})

	total := int64(len(tasks))
	if page.Limit > 0 {
		start := page.Offset
		if start > len(tasks) {
			start = len(tasks)
		}
		end := start + page.Limit
		if end > len(tasks) {
			end = len(tasks)
		}
		tasks = tasks[start:end]
	}
	return tasks, total, nil
}
