package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskTransitioned = "task.transitioned"
	TopicTaskRecurred     = "task.recurred"
)

// Notification topics.
const (
	TopicNotifyReminder   = "notify.reminder"
	TopicNotifyEscalation = "notify.escalation"
	TopicNotifyProbe      = "notify.probe"
)

// Triage topics.
const (
	TopicTriageEnqueued = "triage.enqueued"
	TopicTriageResolved = "triage.resolved"
)

// Brain topics.
const (
	TopicBrainCall = "brain.call"
)

// TaskEvent is published when a task is created or changes state.
type TaskEvent struct {
	TaskID    int64  // Task ID
	Type      string // task, promise_mine, promise_incoming
	OldStatus string // previous status (empty on create)
	NewStatus string // new status
}

// NotifyEvent is published when the scheduler emits an outbound action.
type NotifyEvent struct {
	TaskID int64  // Task ID the notification concerns
	Kind   string // reminder, escalation, probe
	Target string // notification channel target
}

// TriageEvent is published when a low-confidence entry is queued or resolved.
type TriageEvent struct {
	EntryID    int64  // confidence_queue row ID
	Predicted  string // predicted classification type
	Confidence int    // predicted confidence 0..100
	Urgent     bool   // urgent fast-path flag
}

// BrainEvent is published once a model call lands in the cost ledger.
type BrainEvent struct {
	Method    string  // classify, respond
	Model     string  // provider model name
	TokensIn  int     // prompt tokens
	TokensOut int     // completion tokens
	CostUSD   float64 // estimated cost
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
