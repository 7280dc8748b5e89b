package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mousehunter/crawler/pkg/types"
)

// EventType identifies what happened.
type EventType string

const (
	EventTaskDequeued  EventType = "task.dequeued"
	EventTaskStarted   EventType = "task.started"
	EventTaskSucceeded EventType = "task.succeeded"
	EventTaskFailed    EventType = "task.failed"
	EventTaskTimeout   EventType = "task.timeout"
	EventTaskRetried   EventType = "task.retried"
	EventTaskRequeued  EventType = "task.requeued"
	EventTaskRejected  EventType = "task.rejected"

	EventWorkerRegistered EventType = "worker.registered"
	EventWorkerDraining   EventType = "worker.draining"
	EventWorkerStopped    EventType = "worker.stopped"

	EventScaleUp   EventType = "scale.up"
	EventScaleDown EventType = "scale.down"
)

// Event is one lifecycle occurrence.
type Event struct {
	ID        string
	Type      EventType
	TaskID    string
	TaskType  string
	Market    types.Market
	Priority  types.Priority
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewTaskEvent builds an event carrying the task's identity fields.
func NewTaskEvent(eventType EventType, task *types.Task, message string) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		TaskID:   task.TaskID,
		TaskType: task.TaskType,
		Market:   task.Market,
		Priority: task.Priority,
		Message:  message,
	}
}

// NewWorkerEvent builds a worker-scoped event.
func NewWorkerEvent(eventType EventType, workerID, message string) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"worker_id": workerID},
	}
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans events out to subscribers.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a new buffered subscription channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish submits an event for distribution. Never blocks past broker
// shutdown.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, skip
		}
	}
}
