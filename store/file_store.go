package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricelab-backend/models"
)

// FileStore persists one JSON file per task under a directory, the way
// the dashboard originally stored its training tasks. Writes go through
// a temp file plus rename so readers never observe a partial record.
// Concurrent updates to the same task are last-write-wins.
type FileStore struct {
	dir string
	mu  sync.Mutex // serializes writes within this process only
}

// NewFileStore creates the directory if needed and returns the store
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) write(task *models.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, task.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(task.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace task file %s: %w", task.ID, err)
	}
	return nil
}

func (s *FileStore) read(id string) (*models.Task, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", id, err)
	}
	if task.ID == "" {
		task.ID = id
	}
	return &task, nil
}

// Create writes a new task file, assigning an id if none is set
func (s *FileStore) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(task.ID)); err == nil {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	return s.write(task)
}

// Get returns the task with the given id
func (s *FileStore) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.read(id)
}

// Update replaces the stored record with the given task
func (s *FileStore) Update(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(task.ID)); err != nil {
		if os.IsNotExist(err) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("failed to stat task file %s: %w", task.ID, err)
	}
	task.UpdatedAt = time.Now()
	return s.write(task)
}

// Delete removes a task file. Running tasks are refused.
func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.read(id)
	if err != nil {
		return false, err
	}
	if task.Status == models.TaskStatusRunning {
		return false, ErrTaskRunning
	}
	if err := os.Remove(s.path(id)); err != nil {
		return false, fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return true, nil
}

// List loads every task file, filters, sorts and paginates in memory
func (s *FileStore) List(ctx context.Context, filter TaskFilter, page Page) ([]models.Task, int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	var tasks []models.Task
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		task, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// Skip unreadable files rather than failing the whole listing
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Frequency != "" && task.Frequency != filter.Frequency {
			continue
		}
		if filter.Priority != nil && task.Priority != *filter.Priority {
			continue
		}
		tasks = append(tasks, *task)
	}

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
