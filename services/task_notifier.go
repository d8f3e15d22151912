package services

import (
	"log"
	"sync"

	"pricelab-backend/models"
)

// TaskEvent is one status/progress update published during a task run
type TaskEvent struct {
	TaskID   string            `json:"task_id"`
	Status   models.TaskStatus `json:"status"`
	Progress int               `json:"progress"`
	Message  string            `json:"message,omitempty"`
}

// DefaultSubscriberBuffer is the event buffer used when a subscriber
// does not ask for a specific size
const DefaultSubscriberBuffer = 64

// TaskNotifier fans task events out to live observers. Publishing never
// blocks: a subscriber whose buffer is full loses the event, which is
// logged and otherwise ignored. Each subscriber receives the events it
// does get in publish order.
type TaskNotifier struct {
	mu          sync.RWMutex
	subscribers map[chan TaskEvent]struct{}
}

// NewTaskNotifier returns a notifier with no subscribers
func NewTaskNotifier() *TaskNotifier {
	return &TaskNotifier{subscribers: make(map[chan TaskEvent]struct{})}
}

// Subscribe registers an observer. The returned cancel function must be
// called when the observer goes away; it closes the channel.
func (n *TaskNotifier) Subscribe(buffer int) (<-chan TaskEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan TaskEvent, buffer)

	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subscribers, ch)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room
func (n *TaskNotifier) Publish(event TaskEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subscribers {
		select {
		case ch <- event:
		default:
			log.Printf("TaskNotifier: dropping event for task %s, slow subscriber", event.TaskID)
		}
	}
}

// SubscriberCount returns the number of live subscribers
func (n *TaskNotifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}
