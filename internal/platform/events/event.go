// Package events provides the event contracts used to observe transactions.
// Publishers do not know who handles their events.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a kind of event (e.g., "TransactionCompleted").
type EventType string

func (t EventType) String() string { return string(t) }

// Event is an immutable fact about something that happened.
type Event interface {
	// EventID returns the unique identifier for this event instance.
	EventID() string
	EventType() EventType
	OccurredAt() time.Time
	// AggregateID returns the ID of the entity the event is about.
	AggregateID() string
}

// BaseEvent provides common event fields. Embed this in concrete event types.
type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
}

func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
	}
}

func (e BaseEvent) EventID() string       { return e.ID }
func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.AggregateId }

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

// Handler handles a specific type of event.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// Subscriber subscribes handlers to event types.
type Subscriber interface {
	Subscribe(eventType EventType, handler Handler) error
}

// HandlerFunc is an adapter to use ordinary functions as event handlers.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}
