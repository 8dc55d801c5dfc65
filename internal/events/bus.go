// Package events provides a publish/subscribe bus for client-side
// observability. The protocol client publishes connection state
// transitions, the repository publishes executed actions and task
// notifications, and consumers (the CLI watch loop, the MQTT relay)
// subscribe. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceConnection identifies events from the protocol client.
	SourceConnection = "connection"
	// SourceRepository identifies events from the task repository.
	SourceRepository = "repository"
	// SourceNotifications identifies server-pushed task notifications.
	SourceNotifications = "notifications"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChanged signals a connection state transition.
	// Data: state.
	KindStateChanged = "state_changed"

	// KindActionExecuted signals a repository action finished.
	// Data: seq, tool, ok, error (on failure), from_cache.
	KindActionExecuted = "action_executed"

	// KindTasksDue signals a notifications/tasks push from the server.
	// Data: message, task_count, timestamp.
	KindTasksDue = "tasks_due"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to callers back to
	// the channel stored in subs, so Unsubscribe can take the caller's view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers without blocking. A zero
// Timestamp is filled in. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown or
// already-removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
