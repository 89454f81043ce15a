package eventbus

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rai/clean-txpropagation-go/internal/platform/events"
)

// ErrInvalidSubscription is returned for a subscription without event type or handler.
var ErrInvalidSubscription = errors.New("invalid event subscription")

// HandlerRegistry looks up the handlers subscribed to an event type.
type HandlerRegistry interface {
	HandlersFor(eventType events.EventType) []events.Handler
}

type handlerTable map[events.EventType][]events.Handler

// EventHandlerRegistry holds the subscriptions of a bus or a TransactionalPublisher.
// Lookups read an immutable snapshot, so a handler may subscribe further handlers
// while events are being dispatched; those see only later events.
type EventHandlerRegistry struct {
	mu       sync.Mutex // serializes writers
	snapshot atomic.Pointer[handlerTable]
	logger   *zap.Logger
}

func NewEventHandlerRegistry(logger *zap.Logger) *EventHandlerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &EventHandlerRegistry{logger: logger}
	r.snapshot.Store(&handlerTable{})
	return r
}

// Subscribe implements events.Subscriber.
func (r *EventHandlerRegistry) Subscribe(eventType events.EventType, handler events.Handler) error {
	if eventType == "" || handler == nil {
		return fmt.Errorf("%w: type %q, handler %v", ErrInvalidSubscription, eventType, handler)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := maps.Clone(*r.snapshot.Load())
	// Full slice expression: appends never share a backing array with older snapshots.
	current := next[eventType]
	next[eventType] = append(current[:len(current):len(current)], handler)
	r.snapshot.Store(&next)

	r.logger.Debug("subscribed to event",
		zap.Stringer("event_type", eventType),
		zap.Int("handler_count", len(next[eventType])))
	return nil
}

// HandlersFor implements HandlerRegistry. The returned slice must not be modified.
func (r *EventHandlerRegistry) HandlersFor(eventType events.EventType) []events.Handler {
	return (*r.snapshot.Load())[eventType]
}

var (
	_ events.Subscriber = (*EventHandlerRegistry)(nil)
	_ HandlerRegistry   = (*EventHandlerRegistry)(nil)
)
