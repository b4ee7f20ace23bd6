package queue

import (
	"sync"
	"time"

	"github.com/toolplane/toolplane/pkg/models"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes a task lifecycle transition.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetried   EventType = "retried"
	EventRecovered EventType = "recovered"
	EventRemoved   EventType = "removed"
)

// Event is one task lifecycle notification. Task is a snapshot taken at
// publish time; observers may keep it.
type Event struct {
	Type      EventType    `json:"type"`
	Task      *models.Task `json:"task"`
	Timestamp time.Time    `json:"timestamp"`
}

// Observer receives events synchronously on the publishing goroutine.
// Observers must not block; hand slow work to a channel or goroutine.
type Observer func(Event)

// notifier fans events out to registered observers.
type notifier struct {
	mu     sync.RWMutex
	typed  map[EventType][]Observer
	global []Observer
}

func newNotifier() *notifier {
	return &notifier{typed: make(map[EventType][]Observer)}
}

func (n *notifier) observe(t EventType, fn Observer) {
	n.mu.Lock()
	n.typed[t] = append(n.typed[t], fn)
	n.mu.Unlock()
}

func (n *notifier) observeAll(fn Observer) {
	n.mu.Lock()
	n.global = append(n.global, fn)
	n.mu.Unlock()
}

func (n *notifier) publish(t EventType, task *models.Task) {
	if task == nil {
		return
	}
	snapshot := *task
	evt := Event{Type: t, Task: &snapshot, Timestamp: time.Now().UTC()}

	n.mu.RLock()
	observers := make([]Observer, 0, len(n.typed[t])+len(n.global))
	observers = append(observers, n.typed[t]...)
	observers = append(observers, n.global...)
	n.mu.RUnlock()

	for _, fn := range observers {
		fn(evt)
	}
}
