package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// TaskStatus represents the lifecycle state of a scheduled task
type TaskStatus string

// TaskFrequency represents how often a task repeats
type TaskFrequency string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"

	FrequencyOnce    TaskFrequency = "once"
	FrequencyDaily   TaskFrequency = "daily"
	FrequencyWeekly  TaskFrequency = "weekly"
	FrequencyMonthly TaskFrequency = "monthly"
)

// ValidStatus reports whether s is a known task status
func ValidStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

// ValidFrequency reports whether f is a known task frequency
func ValidFrequency(f TaskFrequency) bool {
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends a run
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCanceled
}

// TaskLogEntry is one timestamped message in a task's execution log
type TaskLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Task represents a schedulable unit of work (model training, backtest, ...)
// together with its mutable run state. Payload carries a "type" field naming
// the registered worker plus worker-specific parameters.
type Task struct {
	ID          string        `gorm:"primaryKey" json:"id"`
	Name        string        `gorm:"not null" json:"name"`
	Description string        `json:"description"`
	Status      TaskStatus    `gorm:"index;default:'pending'" json:"status"`
	Frequency   TaskFrequency `gorm:"index;default:'once'" json:"frequency"`
	Priority    int           `gorm:"default:5" json:"priority"` // lower = higher, display ordering only

	ScheduledTime time.Time  `json:"scheduled_time"`
	NextRunTime   *time.Time `gorm:"index" json:"next_run_time,omitempty"`

	Progress int `json:"progress"` // 0-100, meaningful only while running

	Payload json.RawMessage `gorm:"type:jsonb" json:"payload,omitempty"`
	Result  json.RawMessage `gorm:"type:jsonb" json:"result,omitempty"`

	Logs []TaskLogEntry `gorm:"serializer:json" json:"logs"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Duration  float64    `json:"duration,omitempty"` // seconds of the last run

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendLog appends a timestamped message to the task's execution log
func (t *Task) AppendLog(message string) {
	t.Logs = append(t.Logs, TaskLogEntry{Timestamp: time.Now(), Message: message})
}

// PayloadType extracts the worker type tag from the payload
func (t *Task) PayloadType() string {
	if len(t.Payload) == 0 {
		return ""
	}
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(t.Payload, &tag); err != nil {
		return ""
	}
	return tag.Type
}

// MigrateTaskModels runs database migrations for task-related models
func MigrateTaskModels(db *gorm.DB) error {
	return db.AutoMigrate(&Task{})
}
