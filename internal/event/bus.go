// Package event carries session events from the pipelines to local consumers
// (the CLI progress display and the WebSocket hub).
package event

import (
	"sync"
	"time"
)

// Type tags an event.
type Type string

const (
	TypeWorkerState      Type = "worker_state"
	TypeModelProgress    Type = "model_progress"
	TypeCaptureAccepted  Type = "capture_accepted"
	TypeCaptureRejected  Type = "capture_rejected"
	TypeEnrollCompleted  Type = "enroll_completed"
	TypeIdentityVerified Type = "identity_verified"
	TypeSessionCompleted Type = "session_completed"
	TypePersistenceFault Type = "persistence_fault"
)

// Event is one session occurrence. Fields are populated per type; unused
// fields stay zero and are omitted on the wire.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`

	// Capture rejection reason (capture_rejected).
	Reason string `json:"reason,omitempty"`

	// Enrollment progress (capture_accepted, enroll_completed).
	Captured int `json:"captured,omitempty"`
	Target   int `json:"target,omitempty"`

	// Verification progress (identity_verified, session_completed).
	Verified int `json:"verified,omitempty"`
	Total    int `json:"total,omitempty"`

	// Model loading (model_progress) and worker lifecycle (worker_state).
	Stage    string  `json:"stage,omitempty"`
	Fraction float64 `json:"fraction,omitempty"`
	State    string  `json:"state,omitempty"`

	Message string `json:"message,omitempty"`
}

// Handler receives published events.
type Handler func(e *Event)

type subscription struct {
	handler Handler
	channel chan *Event
}

// Bus is a pub/sub fanout for session events. Handlers are invoked
// synchronously so consumers observe events in publish order; channel
// subscribers get buffered delivery with drop-on-full.
type Bus struct {
	subscribers map[*subscription]bool
	mu          sync.RWMutex
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*subscription]bool)}
}

// Subscribe registers a synchronous handler. Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler) func() {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered event channel and an unsubscribe
// function. Events are dropped rather than blocking a slow consumer.
func (b *Bus) SubscribeChannel(bufferSize int) (<-chan *Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	sub := &subscription{channel: make(chan *Event, bufferSize)}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(sub.channel)
		}
		b.mu.Unlock()
	}
	return sub.channel, unsubscribe
}

// Publish delivers the event to every subscriber. Handlers run synchronously
// to preserve event ordering.
func (b *Bus) Publish(e *Event) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler(e)
		} else if sub.channel != nil {
			select {
			case sub.channel <- e:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone and closes channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
