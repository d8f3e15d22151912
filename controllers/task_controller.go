package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pricelab-backend/models"
	"pricelab-backend/scheduler"
	"pricelab-backend/store"
)

// TaskController handles the task-scheduling endpoints
type TaskController struct {
	scheduler *scheduler.Scheduler
	store     store.TaskStore
}

// NewTaskController creates a new task controller
func NewTaskController(sched *scheduler.Scheduler, taskStore store.TaskStore) *TaskController {
	return &TaskController{scheduler: sched, store: taskStore}
}

// createTaskRequest is the body of POST /tasks
type createTaskRequest struct {
	Name          string          `json:"name" binding:"required"`
	Description   string          `json:"description"`
	ScheduledTime string          `json:"scheduled_time" binding:"required"`
	Frequency     string          `json:"frequency"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload" binding:"required"`
}

// parseTime accepts RFC3339 and the dashboard's legacy format
func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04:05", value, time.Local)
}

// CreateTask creates a new scheduled task
// POST /api/v1/tasks
func (ctrl *TaskController) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	scheduledTime, err := parseTime(req.ScheduledTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scheduled_time, use RFC3339 or '2006-01-02 15:04:05'"})
		return
	}

	task := &models.Task{
		Name:          req.Name,
		Description:   req.Description,
		ScheduledTime: scheduledTime,
		Frequency:     models.TaskFrequency(req.Frequency),
		Priority:      req.Priority,
		Payload:       req.Payload,
	}

	if err := ctrl.scheduler.CreateTask(c.Request.Context(), task); err != nil {
		if errors.Is(err, scheduler.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, task)
}

// GetTasks lists tasks with filtering and pagination
// GET /api/v1/tasks?status=&frequency=&priority=&page=&per_page=
func (ctrl *TaskController) GetTasks(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	filter := store.TaskFilter{
		Status:    models.TaskStatus(c.Query("status")),
		Frequency: models.TaskFrequency(c.Query("frequency")),
	}
	if filter.Status != "" && !models.ValidStatus(filter.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
		return
	}
	if filter.Frequency != "" && !models.ValidFrequency(filter.Frequency) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown frequency filter"})
		return
	}
	if p := c.Query("priority"); p != "" {
		priority, err := strconv.Atoi(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be an integer"})
			return
		}
		filter.Priority = &priority
	}

	tasks, total, err := ctrl.store.List(c.Request.Context(), filter, store.Page{
		Offset: (page - 1) * perPage,
		Limit:  perPage,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":    tasks,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// GetTask returns one task
// GET /api/v1/tasks/:id
func (ctrl *TaskController) GetTask(c *gin.Context) {
	task, err := ctrl.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetTaskStatus returns the minimal status view of one task
// GET /api/v1/tasks/:id/status
func (ctrl *TaskController) GetTaskStatus(c *gin.Context) {
	task, err := ctrl.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       task.ID,
		"status":   task.Status,
		"progress": task.Progress,
	})
}

// RunTask makes a task eligible to run immediately
// POST /api/v1/tasks/:id/run
func (ctrl *TaskController) RunTask(c *gin.Context) {
	err := ctrl.scheduler.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		case errors.Is(err, scheduler.ErrTaskActive):
			c.JSON(http.StatusConflict, gin.H{"error": "task is already running"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task queued for immediate run"})
}

// CancelTask cancels a pending task
// POST /api/v1/tasks/:id/cancel
func (ctrl *TaskController) CancelTask(c *gin.Context) {
	err := ctrl.scheduler.CancelPending(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		case errors.Is(err, scheduler.ErrNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": "only pending tasks can be canceled; use request-cancel for running tasks"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task canceled"})
}

// RequestCancelTask raises the cancellation signal of a running task.
// Cancellation is cooperative: the runner stops at its next step.
// POST /api/v1/tasks/:id/request-cancel
func (ctrl *TaskController) RequestCancelTask(c *gin.Context) {
	if !ctrl.scheduler.RequestCancel(c.Param("id")) {
		c.JSON(http.StatusConflict, gin.H{"error": "task has no active run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancellation requested"})
}

// DeleteTask deletes a task that is not running
// DELETE /api/v1/tasks/:id
func (ctrl *TaskController) DeleteTask(c *gin.Context) {
	ok, err := ctrl.scheduler.DeleteTask(c.Request.Context(), c.Param("id"))
	if err != nil || !ok {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		case errors.Is(err, store.ErrTaskRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "running tasks cannot be deleted"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task deleted"})
}

// calendarEvent is one entry of the dashboard calendar feed
type calendarEvent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Start       string `json:"start"`
	AllDay      bool   `json:"allDay"`
	Status      string `json:"status"`
	Frequency   string `json:"frequency"`
	Priority    int    `json:"priority"`
	Description string `json:"description"`
	Projected   bool   `json:"projected,omitempty"`
}

// GetCalendarEvents returns tasks as calendar events, projecting
// recurring tasks forward through the requested window
// GET /api/v1/tasks/calendar?start=&end=
func (ctrl *TaskController) GetCalendarEvents(c *gin.Context) {
	end := time.Now().AddDate(0, 1, 0)
	if v := c.Query("end"); v != "" {
		if t, err := parseTime(v); err == nil {
			end = t
		}
	}

	tasks, _, err := ctrl.store.List(c.Request.Context(), store.TaskFilter{}, store.Page{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	events := make([]calendarEvent, 0, len(tasks))
	for i := range tasks {
		task := tasks[i]

		base := task.CreatedAt
		switch {
		case task.NextRunTime != nil:
			base = *task.NextRunTime
		case task.StartTime != nil:
			base = *task.StartTime
		}

		events = append(events, calendarEvent{
			ID:          task.ID,
			Title:       task.Name,
			Start:       base.Format(time.RFC3339),
			Status:      string(task.Status),
			Frequency:   string(task.Frequency),
			Priority:    task.Priority,
			Description: task.Description,
		})

		// Project future occurrences of recurring tasks
		if task.Frequency == models.FrequencyOnce || task.Status == models.TaskStatusRunning {
			continue
		}
		current := base
		for {
			next, err := scheduler.NextRunTime(task.Frequency, current)
			if err != nil || next.After(end) {
				break
			}
			events = append(events, calendarEvent{
				ID:          task.ID,
				Title:       task.Name,
				Start:       next.Format(time.RFC3339),
				Status:      string(models.TaskStatusPending),
				Frequency:   string(task.Frequency),
				Priority:    task.Priority,
				Description: task.Description,
				Projected:   true,
			})
			current = next
		}
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
