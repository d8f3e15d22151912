package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricelab-backend/models"
)

func TestTaskNotifierDeliversInOrder(t *testing.T) {
	n := NewTaskNotifier()
	ch, cancel := n.Subscribe(16)
	defer cancel()

	for i := 1; i <= 5; i++ {
		n.Publish(TaskEvent{TaskID: "t1", Status: models.TaskStatusRunning, Progress: i * 20})
	}

	for i := 1; i <= 5; i++ {
		select {
		case event := <-ch:
			assert.Equal(t, i*20, event.Progress, "events must arrive in publish order")
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestTaskNotifierFanOut(t *testing.T) {
	n := NewTaskNotifier()
	ch1, cancel1 := n.Subscribe(4)
	ch2, cancel2 := n.Subscribe(4)
	defer cancel1()
	defer cancel2()

	assert.Equal(t, 2, n.SubscriberCount())

	n.Publish(TaskEvent{TaskID: "t1", Status: models.TaskStatusCompleted, Progress: 100})

	for _, ch := range []<-chan TaskEvent{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, "t1", event.TaskID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestTaskNotifierNeverBlocksOnSlowSubscriber(t *testing.T) {
	n := NewTaskNotifier()
	_, cancelSlow := n.Subscribe(1) // nobody reads this one
	defer cancelSlow()
	fast, cancelFast := n.Subscribe(32)
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			n.Publish(TaskEvent{TaskID: fmt.Sprintf("t%d", i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	// The fast subscriber still got every event
	for i := 0; i < 10; i++ {
		select {
		case event := <-fast:
			assert.Equal(t, fmt.Sprintf("t%d", i), event.TaskID)
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber missing event %d", i)
		}
	}
}

func TestTaskNotifierCancel(t *testing.T) {
	n := NewTaskNotifier()
	ch, cancel := n.Subscribe(0)
	require.Equal(t, 1, n.SubscriberCount())

	cancel()
	cancel() // idempotent

	assert.Equal(t, 0, n.SubscriberCount())

	// The channel is closed so readers drain and stop
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic or deliver
	n.Publish(TaskEvent{TaskID: "t1"})
}
