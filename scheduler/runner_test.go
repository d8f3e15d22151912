package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricelab-backend/models"
	"pricelab-backend/services"
	"pricelab-backend/store"
)

// eventRecorder collects published events for assertions
type eventRecorder struct {
	mu     sync.Mutex
	events []services.TaskEvent
}

func (r *eventRecorder) Publish(event services.TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []services.TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]services.TaskEvent, len(r.events))
	copy(out, r.events)
	return out
}

func newRunTask(t *testing.T, taskStore store.TaskStore, payload string) *models.Task {
	t.Helper()
	task := &models.Task{
		Name:          "test task",
		Status:        models.TaskStatusPending,
		Frequency:     models.FrequencyOnce,
		ScheduledTime: time.Now(),
		Payload:       json.RawMessage(payload),
	}
	require.NoError(t, taskStore.Create(context.Background(), task))
	return task
}

func TestRunnerCompletesTask(t *testing.T) {
	taskStore := store.NewMemoryStore()
	recorder := &eventRecorder{}
	workers := NewWorkerRegistry()
	workers.Register("echo", WorkerFunc(func(ctx context.Context, payload json.RawMessage, report ProgressFunc) (json.RawMessage, error) {
		report(50, "halfway")
		return json.RawMessage(`{"ok":true}`), nil
	}))

	task := newRunTask(t, taskStore, `{"type":"echo"}`)
	r := &runner{store: taskStore, notifier: recorder, workers: workers}

	final := r.run(context.Background(), task)
	assert.Equal(t, models.TaskStatusCompleted, final)

	stored, err := taskStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(stored.Result))
	assert.Nil(t, stored.NextRunTime)
	require.NotNil(t, stored.StartTime)
	require.NotNil(t, stored.EndTime)
	assert.False(t, stored.EndTime.Before(*stored.StartTime))

	events := recorder.all()
	require.NotEmpty(t, events)
	assert.Equal(t, models.TaskStatusRunning, events[0].Status)
	assert.Equal(t, models.TaskStatusCompleted, events[len(events)-1].Status)
	assert.Equal(t, 100, events[len(events)-1].Progress)
}

func TestRunnerFailsTask(t *testing.T) {
	taskStore := store.NewMemoryStore()
	recorder := &eventRecorder{}
	workers := NewWorkerRegistry()
	workers.Register("boom", WorkerFunc(func(ctx context.Context, payload json.RawMessage, report ProgressFunc) (json.RawMessage, error) {
		report(33, "")
		return nil, errors.New("model diverged")
	}))

	task := newRunTask(t, taskStore, `{"type":"boom"}`)
	r := &runner{store: taskStore, notifier: recorder, workers: workers}

	final := r.run(context.Background(), task)
	assert.Equal(t, models.TaskStatusFailed, final)

	stored, err := taskStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.JSONEq(t, `{"error":"model diverged"}`, string(stored.Result))
	assert.Nil(t, stored.NextRunTime)
	assert.Equal(t, 33, stored.Progress, "progress freezes where the run failed")
}

func TestRunnerCancel(t *testing.T) {
	taskStore := store.NewMemoryStore()
	recorder := &eventRecorder{}

	stepReached := make(chan struct{})
	workers := NewWorkerRegistry()
	workers.Register("slow", WorkerFunc(func(ctx context.Context, payload json.RawMessage, report ProgressFunc) (json.RawMessage, error) {
		report(10, "step 1")
		close(stepReached)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	task := newRunTask(t, taskStore, `{"type":"slow"}`)
	r := &runner{store: taskStore, notifier: recorder, workers: workers}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan models.TaskStatus, 1)
	go func() { done <- r.run(ctx, task) }()

	<-stepReached
	cancel()

	select {
	case final := <-done:
		assert.Equal(t, models.TaskStatusCanceled, final)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not observe cancellation")
	}

	stored, err := taskStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCanceled, stored.Status)
	assert.Nil(t, stored.NextRunTime)
	assert.Equal(t, 10, stored.Progress, "progress stays where cancellation caught the run")
}

func TestRunnerProgressIsMonotonicAndClamped(t *testing.T) {
	taskStore := store.NewMemoryStore()
	recorder := &eventRecorder{}
	workers := NewWorkerRegistry()
	workers.Register("jitter", WorkerFunc(func(ctx context.Context, payload json.RawMessage, report ProgressFunc) (json.RawMessage, error) {
		report(40, "")
		report(20, "") // stale update, must not move progress backwards
		report(250, "")
		return json.RawMessage(`{}`), nil
	}))

	task := newRunTask(t, taskStore, `{"type":"jitter"}`)
	r := &runner{store: taskStore, notifier: recorder, workers: workers}
	r.run(context.Background(), task)

	var progress []int
	for _, e := range recorder.all() {
		progress = append(progress, e.Progress)
	}
	last := 0
	for _, p := range progress {
		assert.GreaterOrEqual(t, p, last, "progress went backwards: %v", progress)
		assert.LessOrEqual(t, p, 100)
		last = p
	}
}

func TestRunnerRecoversFromWorkerPanic(t *testing.T) {
	taskStore := store.NewMemoryStore()
	recorder := &eventRecorder{}
	workers := NewWorkerRegistry()
	workers.Register("panic", WorkerFunc(func(ctx context.Context, payload json.RawMessage, report ProgressFunc) (json.RawMessage, error) {
		panic("index out of range")
	}))

	task := newRunTask(t, taskStore, `{"type":"panic"}`)
	r := &runner{store: taskStore, notifier: recorder, workers: workers}

	final := r.run(context.Background(), task)
	assert.Equal(t, models.TaskStatusFailed, final)

	stored, err := taskStore.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	require.NotNil(t, stored.EndTime)
}

func TestRunnerFailsOnUnknownWorker(t *testing.T) {
	taskStore := store.NewMemoryStore()
	recorder := &eventRecorder{}
	workers := NewWorkerRegistry()

	task := newRunTask(t, taskStore, `{"type":"missing"}`)
	r := &runner{store: taskStore, notifier: recorder, workers: workers}

	final := r.run(context.Background(), task)
	assert.Equal(t, models.TaskStatusFailed, final)
}
