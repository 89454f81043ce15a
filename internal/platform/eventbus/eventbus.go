// Package eventbus provides in-memory event delivery: an immediate bus for
// observers and a publisher that defers events until the surrounding transaction commits.
package eventbus

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rai/clean-txpropagation-go/internal/platform/events"
)

// InMemoryEventBus delivers every event to its subscribers as soon as it is published.
// Handlers of one event run concurrently; Publish waits for all of them.
type InMemoryEventBus struct {
	*EventHandlerRegistry
	logger *zap.Logger
}

func New(logger *zap.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventBus{
		EventHandlerRegistry: NewEventHandlerRegistry(logger),
		logger:               logger,
	}
}

// Publish implements events.Publisher. Handler failures are logged, never returned.
func (b *InMemoryEventBus) Publish(ctx context.Context, evts ...events.Event) error {
	for _, event := range evts {
		handlers := b.HandlersFor(event.EventType())

		b.logger.Debug("publishing event",
			zap.Stringer("event_type", event.EventType()),
			zap.String("event_id", event.EventID()),
			zap.Int("handler_count", len(handlers)))

		var g errgroup.Group
		for _, handler := range handlers {
			g.Go(func() error {
				if err := handler.Handle(ctx, event); err != nil {
					b.logger.Error("event handler failed",
						zap.Stringer("event_type", event.EventType()),
						zap.String("event_id", event.EventID()),
						zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

// Compile-time interface checks.
var (
	_ events.Publisher  = (*InMemoryEventBus)(nil)
	_ events.Subscriber = (*InMemoryEventBus)(nil)
)
