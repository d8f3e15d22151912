package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pricelab-backend/models"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	gs, err := NewGormStore(db)
	require.NoError(t, err)
	return gs
}

func TestGormStoreCRUD(t *testing.T) {
	gs := newTestGormStore(t)
	ctx := context.Background()

	next := time.Now().Add(time.Hour).Truncate(time.Second)
	task := &models.Task{
		Name:          "nightly training",
		Description:   "train the VN30 model",
		Frequency:     models.FrequencyDaily,
		Status:        models.TaskStatusPending,
		ScheduledTime: next,
		NextRunTime:   &next,
		Payload:       json.RawMessage(`{"type":"train_model","model_id":"vn30"}`),
	}
	require.NoError(t, gs.Create(ctx, task))
	require.NotEmpty(t, task.ID)

	t.Run("get round-trips the record", func(t *testing.T) {
		retrieved, err := gs.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.Name, retrieved.Name)
		assert.Equal(t, models.FrequencyDaily, retrieved.Frequency)
		require.NotNil(t, retrieved.NextRunTime)
		assert.JSONEq(t, string(task.Payload), string(retrieved.Payload))
	})

	t.Run("get unknown id", func(t *testing.T) {
		_, err := gs.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("update persists cleared next run time", func(t *testing.T) {
		task.Status = models.TaskStatusCompleted
		task.Progress = 100
		task.NextRunTime = nil
		task.AppendLog("run completed")
		require.NoError(t, gs.Update(ctx, task))

		retrieved, err := gs.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCompleted, retrieved.Status)
		assert.Nil(t, retrieved.NextRunTime, "terminal tasks must not keep a next run time")
		require.Len(t, retrieved.Logs, 1)
		assert.Equal(t, "run completed", retrieved.Logs[0].Message)
	})

	t.Run("update unknown id", func(t *testing.T) {
		err := gs.Update(ctx, &models.Task{ID: "missing", Name: "x"})
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		ok, err := gs.Delete(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = gs.Get(ctx, task.ID)
		assert.ErrorIs(t, err, ErrTaskNotFound)

		_, err = gs.Delete(ctx, task.ID)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestGormStoreDeleteRefusesRunning(t *testing.T) {
	gs := newTestGormStore(t)
	ctx := context.Background()

	task := &models.Task{Name: "in flight", Status: models.TaskStatusRunning}
	require.NoError(t, gs.Create(ctx, task))

	_, err := gs.Delete(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskRunning)
}

func TestGormStoreList(t *testing.T) {
	gs := newTestGormStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	mk := func(id string, next *time.Time, status models.TaskStatus, priority int) {
		task := &models.Task{ID: id, Name: id, Status: status, NextRunTime: next, Priority: priority}
		require.NoError(t, gs.Create(ctx, task))
	}
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	mk("soon", at(time.Minute), models.TaskStatusPending, 1)
	mk("later", at(2*time.Hour), models.TaskStatusPending, 5)
	mk("done", nil, models.TaskStatusCompleted, 5)

	t.Run("ordering puts terminal tasks last", func(t *testing.T) {
		tasks, total, err := gs.List(ctx, TaskFilter{}, Page{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, tasks, 3)
		assert.Equal(t, "soon", tasks[0].ID)
		assert.Equal(t, "later", tasks[1].ID)
		assert.Equal(t, "done", tasks[2].ID)
	})

	t.Run("status filter", func(t *testing.T) {
		tasks, total, err := gs.List(ctx, TaskFilter{Status: models.TaskStatusPending}, Page{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		assert.Len(t, tasks, 2)
	})

	t.Run("priority filter", func(t *testing.T) {
		p := 1
		tasks, total, err := gs.List(ctx, TaskFilter{Priority: &p}, Page{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, tasks, 1)
		assert.Equal(t, "soon", tasks[0].ID)
	})

	t.Run("pagination", func(t *testing.T) {
		tasks, total, err := gs.List(ctx, TaskFilter{}, Page{Offset: 1, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, tasks, 1)
		assert.Equal(t, "later", tasks[0].ID)
	})
}
