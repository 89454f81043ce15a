package eventbus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/rai/clean-txpropagation-go/internal/platform/events"
	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
)

// ErrEventProcessingDepthExceeded is returned when event handlers
// trigger too many nested events.
var ErrEventProcessingDepthExceeded = errors.New("event processing depth exceeded")

const defaultMaxDepth = 10

// TransactionalPublisher ties event delivery to the physical transaction bound to ctx.
//
// Inside a transaction, events are buffered and handled synchronously right before the
// physical commit; a handler error rolls the transaction back. Events of a transaction
// that rolls back are discarded. Outside a transaction, events are handled immediately.
//
// Participants joining a transaction share its buffer, and a REQUIRES_NEW transaction
// gets its own, so events follow the fate of the physical transaction they were published in.
type TransactionalPublisher struct {
	registry HandlerRegistry
	maxDepth int
	logger   *zap.Logger

	mu      sync.Mutex
	buffers map[string]*txBuffer
}

// NewTransactionalPublisher creates a TransactionalPublisher with the given registry.
// maxDepth limits nested event processing to prevent infinite loops (default: 10).
func NewTransactionalPublisher(registry HandlerRegistry, maxDepth int, logger *zap.Logger) *TransactionalPublisher {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionalPublisher{
		registry: registry,
		maxDepth: maxDepth,
		logger:   logger,
		buffers:  make(map[string]*txBuffer),
	}
}

// Publish implements events.Publisher.
func (p *TransactionalPublisher) Publish(ctx context.Context, evts ...events.Event) error {
	// Handlers publishing while a buffer is being flushed feed the same flush.
	if buf, ok := ctx.Value(flushingKey{}).(*txBuffer); ok {
		buf.add(evts...)
		return nil
	}

	txID, ok := transaction.CurrentTransactionID(ctx)
	if !ok {
		buf := &txBuffer{publisher: p}
		buf.add(evts...)
		return buf.flush(ctx)
	}

	buf, err := p.bufferFor(ctx, txID)
	if err != nil {
		return err
	}
	buf.add(evts...)
	return nil
}

// PendingCount returns the number of events buffered for the transaction bound to ctx.
func (p *TransactionalPublisher) PendingCount(ctx context.Context) int {
	txID, ok := transaction.CurrentTransactionID(ctx)
	if !ok {
		return 0
	}
	p.mu.Lock()
	buf := p.buffers[txID]
	p.mu.Unlock()
	if buf == nil {
		return 0
	}
	return buf.len()
}

func (p *TransactionalPublisher) bufferFor(ctx context.Context, txID string) (*txBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf, ok := p.buffers[txID]; ok {
		return buf, nil
	}
	buf := &txBuffer{publisher: p, txID: txID}
	if err := transaction.RegisterSynchronization(ctx, buf); err != nil {
		return nil, err
	}
	p.buffers[txID] = buf
	return buf, nil
}

func (p *TransactionalPublisher) release(txID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buffers, txID)
}

// Compile-time interface check.
var _ events.Publisher = (*TransactionalPublisher)(nil)
