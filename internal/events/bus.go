// Package events is the in-process bus that fans transition, decision and
// reload notifications out to observers such as metrics and the CLI.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/phasegate/internal/logging"
)

// EventType names what happened.
type EventType string

const (
	// EventTransition is published after a transition is applied for an issue.
	EventTransition EventType = "transition"
	// EventDecision is published once per resolved dynamic decision.
	EventDecision EventType = "decision"
	// EventEscalation is published when an issue is handed to a human.
	EventEscalation EventType = "escalation"
	// EventReload is published after a configuration reload attempt.
	EventReload EventType = "config_reload"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	IssueID   string
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events asynchronously through one buffered channel per
// subscriber. Publish never blocks: when a subscriber's buffer is full the
// event is dropped for that subscriber and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	dropped     atomic.Uint64
	log         *logging.Logger
	now         func() time.Time
}

// NewBus creates a bus with bufferSize slots per subscriber (default 100).
func NewBus(bufferSize int, log *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		log:         log.With("events"),
		now:         time.Now,
	}
}

// Subscribe registers fn for eventType and returns the unsubscribe function.
// A panicking subscriber is logged and keeps receiving later events.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("subscriber panic on %s: %v", event.Type, r)
		}
	}()
	fn(event)
}

// Publish sends an event to every subscriber of eventType.
func (b *Bus) Publish(eventType EventType, issueID string, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: b.now().UTC(),
		IssueID:   issueID,
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops delivery and releases every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
