// Package events is the in-process event bus. Targets emit lifecycle and deployment
// events; the HTTP layer streams them to websocket clients.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	TargetCreated      EventType = "TARGET_CREATED"
	TargetInitFailed   EventType = "TARGET_INIT_FAILED"
	TargetDeleted      EventType = "TARGET_DELETED"
	DeploymentStarted  EventType = "DEPLOYMENT_STARTED"
	DeploymentFinished EventType = "DEPLOYMENT_FINISHED"

	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
)

// Event represents a system event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
	Module    string    `json:"module"`
}

// Handler receives events. Handlers run synchronously on the emitting goroutine and
// must not block.
type Handler func(*Event)

type subscription struct {
	id      uint64
	types   map[EventType]struct{}
	handler Handler
}

// Bus fans events out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	log    zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[uint64]*subscription),
		log:  log.With().Str("service", "events").Logger(),
	}
}

// Subscribe registers a handler for the given event types, or for every event when
// none are given. The returned function removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	sub := &subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
	}
}

// Emit emits an event
func (b *Bus) Emit(module string, data EventData) {
	event := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	if b.log.GetLevel() <= zerolog.DebugLevel {
		eventJSON, _ := json.Marshal(event)
		b.log.Debug().
			Str("event_type", string(event.Type)).
			Str("module", module).
			RawJSON("event", eventJSON).
			Msg("Event emitted")
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
