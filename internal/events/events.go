// Package events provides the in-process event bus for job lifecycle events.
// The dispatcher and producers publish; the SSE and WebSocket streams subscribe.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a class of event
type EventType string

const (
	JobEnqueued   EventType = "job_enqueued"
	JobStarted    EventType = "job_started"
	JobCompleted  EventType = "job_completed"
	JobRequeued   EventType = "job_requeued"
	JobFailed     EventType = "job_failed"
	ErrorOccurred EventType = "error_occurred"
)

// AllEventTypes returns every known event type, for subscribe-all consumers
func AllEventTypes() []EventType {
	return []EventType{
		JobEnqueued,
		JobStarted,
		JobCompleted,
		JobRequeued,
		JobFailed,
		ErrorOccurred,
	}
}

// Event is a single emitted event
type Event struct {
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`

	typedData EventData
}

// GetTypedData returns the typed payload if the event carries one
func (e *Event) GetTypedData() EventData {
	return e.typedData
}

// Handler processes one event. Handlers run on the publisher's goroutine
// and must not block.
type Handler func(*Event)

// Bus dispatches events to subscribers by type
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// Publish delivers the event to all subscribers of its type, synchronously.
// A panicking handler is recovered and logged so one bad subscriber cannot
// take down the publisher.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(handler, event)
	}
}

func (b *Bus) invoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

// Manager emits typed events onto the bus
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("component", "event_manager").Logger(),
	}
}

// Bus returns the underlying bus for subscribers
func (m *Manager) Bus() *Bus {
	return m.bus
}

// EmitTyped publishes a typed payload. The payload is mirrored into the
// generic Data map so stream consumers can serialize events uniformly.
func (m *Manager) EmitTyped(eventType EventType, module string, data EventData) {
	event := &Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now().UTC(),
		typedData: data,
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			m.log.Error().Err(err).
				Str("event_type", string(eventType)).
				Msg("Failed to marshal event data")
		} else {
			var asMap map[string]interface{}
			if err := json.Unmarshal(raw, &asMap); err == nil {
				event.Data = asMap
			}
		}
	}

	m.bus.Publish(event)
}

// Emit publishes an event with a generic map payload
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	m.bus.Publish(&Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
