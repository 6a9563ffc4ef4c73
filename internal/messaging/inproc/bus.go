// Package inproc carries coordinator notifications to in-process subscribers:
// the SSE endpoint and tests. Publishing never blocks; a slow subscriber
// drops events instead of stalling the response pipeline.
package inproc

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventMessageCreated EventKind = "message_created"
	EventMessageUpdated EventKind = "message_updated"
	EventDecision       EventKind = "decision"
	EventSchedulerArmed EventKind = "scheduler_armed"
	EventCancelled      EventKind = "cancelled"
)

type Event struct {
	Kind      EventKind `json:"kind"`
	GroupID   string    `json:"group_id"`
	TopicID   string    `json:"topic_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan Event),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(subscriberID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan Event, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

// Publish fans the event out to every subscriber. Full queues are skipped.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
