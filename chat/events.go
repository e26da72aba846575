package chat

import (
	"errors"
	"sync"

	"github.com/termchat/termchat/llm"
)

// EventType represents the type of event delivered to a subscriber.
type EventType string

const (
	EventToken        EventType = "token"
	EventDone         EventType = "done"
	EventError        EventType = "error"
	EventTitleUpdated EventType = "title_updated"
)

// Event is a single entry in a subscriber's event sequence. Each generation
// produces a finite sequence of Token events terminated by exactly one Done
// or Error; TitleUpdated arrives asynchronously when title inference
// resolves.
type Event struct {
	Type         EventType
	Text         string     // For token events
	FinishReason string     // For done events
	Err          *llm.Error // For error events
	Title        string     // For title updates
}

// ErrSlowConsumer terminates a subscription whose buffer overflowed. The
// generation itself and the conversation state are unaffected; tokens are
// never dropped from the message, only the delivery to this subscriber
// stops.
var ErrSlowConsumer = errors.New("subscriber buffer overflow: events not consumed fast enough")

// Subscription delivers coordinator events for one conversation. Events()
// is closed when the subscription ends; Err() reports why, if anything went
// wrong on the subscriber's side.
type Subscription struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscription(buffer int) *Subscription {
	return &Subscription{ch: make(chan Event, buffer)}
}

// Events returns the subscriber's event channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err returns the subscriber-side error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// publish delivers an event without blocking the stream. A full buffer is a
// caller-side error: the subscription is failed and closed, never silently
// lossy.
func (s *Subscription) publish(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- ev:
		s.mu.Unlock()
	default:
		s.err = ErrSlowConsumer
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	}
}

// close ends the subscription.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
