package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Outcome is the physical result reported to synchronizations.
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeRolledBack
	// OutcomeUnknown is reported when the commit call itself failed.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Synchronization receives callbacks around the completion of a physical transaction.
type Synchronization interface {
	// BeforeCommit runs before the physical commit. An error rolls the transaction back
	// and is returned from Commit.
	BeforeCommit(ctx context.Context) error
	// AfterCompletion runs once the physical transaction has completed and the
	// execution context has been restored.
	AfterCompletion(ctx context.Context, outcome Outcome)
}

// SynchronizationFuncs adapts plain functions to Synchronization. Nil fields are skipped.
type SynchronizationFuncs struct {
	BeforeCommitFunc    func(ctx context.Context) error
	AfterCompletionFunc func(ctx context.Context, outcome Outcome)
}

func (f SynchronizationFuncs) BeforeCommit(ctx context.Context) error {
	if f.BeforeCommitFunc == nil {
		return nil
	}
	return f.BeforeCommitFunc(ctx)
}

func (f SynchronizationFuncs) AfterCompletion(ctx context.Context, outcome Outcome) {
	if f.AfterCompletionFunc != nil {
		f.AfterCompletionFunc(ctx, outcome)
	}
}

// RegisterSynchronization attaches sync to the physical transaction bound to ctx.
func RegisterSynchronization(ctx context.Context, s Synchronization) error {
	b := currentBinding(ctx)
	if b == nil {
		return fmt.Errorf("%w: transaction synchronization is not active", ErrIllegalState)
	}
	b.addSynchronization(s)
	return nil
}

// binding is one physical transaction bound to a session.
type binding struct {
	id        string
	name      string
	def       Definition
	tx        PhysicalTx
	span      trace.Span
	startedAt time.Time

	// scope is the current rollback authority for joining participants:
	// the owning status, or the innermost active savepoint status. Guarded by the session mutex.
	scope *Status

	mu    sync.Mutex
	syncs []Synchronization
}

func (b *binding) addSynchronization(s Synchronization) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncs = append(b.syncs, s)
}

// synchronization returns the i-th registered synchronization. Callbacks may register
// further synchronizations, so the slice is re-read on every step.
func (b *binding) synchronization(i int) (Synchronization, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.syncs) {
		return nil, false
	}
	return b.syncs[i], true
}
