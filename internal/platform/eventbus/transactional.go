package eventbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rai/clean-txpropagation-go/internal/platform/events"
	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
)

type flushingKey struct{}

// txBuffer holds the events of one physical transaction.
// It is registered as a transaction.Synchronization of that transaction.
type txBuffer struct {
	publisher *TransactionalPublisher
	txID      string

	mu      sync.Mutex
	pending []events.Event
}

func (b *txBuffer) add(evts ...events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, evts...)
}

func (b *txBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *txBuffer) next() (events.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil, false
	}
	event := b.pending[0]
	b.pending = b.pending[1:]
	return event, true
}

// flush processes all buffered events synchronously.
// Handlers may publish additional events, which are processed in the same flush.
func (b *txBuffer) flush(ctx context.Context) error {
	ctx = context.WithValue(ctx, flushingKey{}, b)

	depth := 0
	for {
		event, ok := b.next()
		if !ok {
			return nil
		}
		if depth >= b.publisher.maxDepth {
			return ErrEventProcessingDepthExceeded
		}

		for _, handler := range b.publisher.registry.HandlersFor(event.EventType()) {
			if err := handler.Handle(ctx, event); err != nil {
				return fmt.Errorf("handler failed for event %s: %w", event.EventType().String(), err)
			}
		}
		depth++
	}
}

// BeforeCommit implements transaction.Synchronization.
func (b *txBuffer) BeforeCommit(ctx context.Context) error {
	return b.flush(ctx)
}

// AfterCompletion implements transaction.Synchronization.
func (b *txBuffer) AfterCompletion(_ context.Context, outcome transaction.Outcome) {
	b.publisher.release(b.txID)
	if outcome == transaction.OutcomeCommitted {
		return
	}
	if n := b.len(); n > 0 {
		b.publisher.logger.Debug("discarding events of rolled back transaction",
			zap.String("tx_id", b.txID), zap.Int("event_count", n))
	}
}

// Compile-time interface check.
var _ transaction.Synchronization = (*txBuffer)(nil)
