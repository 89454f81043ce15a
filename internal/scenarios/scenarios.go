// Package scenarios is a catalogue of self-checking propagation scenarios.
// Each scenario drives a Coordinator through one nesting pattern and verifies
// both the logical outcome and the physical operations reaching the connection.
package scenarios

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rai/clean-txpropagation-go/internal/platform/eventbus"
	"github.com/rai/clean-txpropagation-go/internal/platform/events"
	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
)

var (
	// ErrExpectation is returned by a scenario whose observed behaviour differs from the expected one.
	ErrExpectation = errors.New("scenario expectation failed")
	// ErrSkipped is returned by a scenario the connection cannot support.
	ErrSkipped = errors.New("scenario skipped")
)

// Env is what a scenario runs against: a fresh coordinator over a fresh journal.
type Env struct {
	Coordinator *transaction.Coordinator
	Journal     *Journal
	Registry    *eventbus.EventHandlerRegistry
	Publisher   *eventbus.TransactionalPublisher

	mu    sync.Mutex
	begun []begunStatus
}

type begunStatus struct {
	ctx context.Context
	st  *transaction.Status
}

func (e *Env) track(ctx context.Context, st *transaction.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begun = append(e.begun, begunStatus{ctx: ctx, st: st})
}

// RollbackOpen rolls back, innermost first, every status begun through the env that a
// scenario left active by returning early. It returns how many it completed.
func (e *Env) RollbackOpen() int {
	e.mu.Lock()
	begun := e.begun
	e.begun = nil
	e.mu.Unlock()

	n := 0
	for i := len(begun) - 1; i >= 0; i-- {
		b := begun[i]
		if b.st.IsCompleted() {
			continue
		}
		_ = e.Coordinator.Rollback(context.WithoutCancel(b.ctx), b.st)
		n++
	}
	return n
}

type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env) error
}

var (
	required    = transaction.NewDefinition()
	requiresNew = transaction.NewDefinition(transaction.WithPropagation(transaction.PropagationRequiresNew))
	nested      = transaction.NewDefinition(transaction.WithPropagation(transaction.PropagationNested))
)

const concurrentChains = 8

// Catalogue returns all scenarios in a stable order.
func Catalogue() []Scenario {
	return []Scenario{
		{"commit", "REQUIRED without a binding starts and commits a new transaction", runCommit},
		{"rollback", "REQUIRED without a binding starts and rolls back a new transaction", runRollback},
		{"double_commit", "two sequential transactions are independent", runDoubleCommit},
		{"double_commit_rollback", "a commit followed by an independent rollback", runDoubleCommitRollback},
		{"inner_commit", "an inner REQUIRED commit has no physical effect", runInnerCommit},
		{"outer_rollback", "the owner's rollback discards a committed participant", runOuterRollback},
		{"inner_rollback", "a participant rollback makes the owner's commit an unexpected rollback", runInnerRollback},
		{"inner_rollback_requires_new", "an inner REQUIRES_NEW rollback leaves the suspended outer transaction intact", runInnerRollbackRequiresNew},
		{"external_call", "code called inside a boundary sees the active transaction", runExternalCall},
		{"nested_savepoint_rollback", "a NESTED rollback only undoes work since its savepoint", runNestedSavepointRollback},
		{"concurrent_isolation", "concurrent call chains never see each other's transactions", runConcurrentIsolation},
		{"event_delivery", "events follow the fate of the physical transaction they were published in", runEventDelivery},
	}
}

// Lookup finds a scenario by name.
func Lookup(name string) (Scenario, bool) {
	for _, s := range Catalogue() {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

func expect(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrExpectation, fmt.Sprintf(format, args...))
}

func expectOps(j *Journal, want ...string) error {
	got := j.Ops()
	return expect(slices.Equal(got, want), "physical operations %v, want %v", got, want)
}

func begin(ctx context.Context, env *Env, def transaction.Definition) (context.Context, *transaction.Status, error) {
	txCtx, st, err := env.Coordinator.Begin(ctx, def)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin %s: %w", def.Propagation, err)
	}
	env.track(txCtx, st)
	return txCtx, st, nil
}

func runCommit(ctx context.Context, env *Env) error {
	txCtx, st, err := begin(ctx, env, required)
	if err != nil {
		return err
	}
	if err := expect(st.IsNewTransaction(), "first REQUIRED must start a new transaction"); err != nil {
		return err
	}
	if err := env.Coordinator.Commit(txCtx, st); err != nil {
		return err
	}
	return errors.Join(
		expect(st.State() == transaction.StateCommitted, "state %s, want committed", st.State()),
		expect(!transaction.IsActualTransactionActive(txCtx), "binding must be cleared after commit"),
		expectOps(env.Journal, "begin#1", "commit#1"),
	)
}

func runRollback(ctx context.Context, env *Env) error {
	txCtx, st, err := begin(ctx, env, required)
	if err != nil {
		return err
	}
	if err := env.Coordinator.Rollback(txCtx, st); err != nil {
		return err
	}
	return errors.Join(
		expect(st.State() == transaction.StateRolledBack, "state %s, want rolled_back", st.State()),
		expectOps(env.Journal, "begin#1", "rollback#1"),
	)
}

func runDoubleCommit(ctx context.Context, env *Env) error {
	return sequential(ctx, env, true, "begin#1", "commit#1", "begin#2", "commit#2")
}

func runDoubleCommitRollback(ctx context.Context, env *Env) error {
	return sequential(ctx, env, false, "begin#1", "commit#1", "begin#2", "rollback#2")
}

func sequential(ctx context.Context, env *Env, commitSecond bool, want ...string) error {
	ctx = transaction.WithSession(ctx)

	firstCtx, first, err := begin(ctx, env, required)
	if err != nil {
		return err
	}
	if err := env.Coordinator.Commit(firstCtx, first); err != nil {
		return err
	}

	secondCtx, second, err := begin(ctx, env, required)
	if err != nil {
		return err
	}
	complete := env.Coordinator.Rollback
	if commitSecond {
		complete = env.Coordinator.Commit
	}
	if err := complete(secondCtx, second); err != nil {
		return err
	}

	return errors.Join(
		expect(first.IsNewTransaction() && second.IsNewTransaction(), "both transactions must be new"),
		expect(first.ID() != second.ID(), "transactions must be distinct"),
		expect(transaction.SuspendedCount(ctx) == 0, "no residual suspended state"),
		expectOps(env.Journal, want...),
	)
}

func runInnerCommit(ctx context.Context, env *Env) error {
	outerCtx, outer, err := begin(ctx, env, required)
	if err != nil {
		return err
	}
	innerCtx, inner, err := begin(outerCtx, env, required)
	if err != nil {
		return err
	}
	if err := expect(!inner.IsNewTransaction(), "inner REQUIRED must join"); err != nil {
		return err
	}
	if err := env.Coordinator.Commit(innerCtx, inner); err != nil {
		return err
	}
	if err := expectOps(env.Journal, "begin#1"); err != nil {
		return err
	}
	if err := env.Coordinator.Commit(outerCtx, outer); err != nil {
		return err
	}
	return expectOps(env.Journal, "begin#1", "commit#1")
}

func runOuterRollback(ctx context.Context, env *Env) error {
	outerCtx, outer, err := begin(ctx, env, required)
	if err != nil {
		return err
	}
	innerCtx, inner, err := begin(outerCtx, env, required)
	if err != nil {
		return err
	}
	if err := env.Coordinator.Commit(innerCtx, inner); err != nil {
		return err
	}
	if err := env.Coordinator.Rollback(outerCtx, outer); err != nil {
		return err
	}
	return expectOps(env.Journal, "begin#1", "rollback#1")
}

func runInnerRollback(ctx context.Context, env *Env) error {
	outerCtx, outer, err := begin(ctx, env, required)
	if err != nil {
		return err
	}
	innerCtx, inner, err := begin(outerCtx, env, required)
	if err != nil {
		return err
	}
	if err := env.Coordinator.Rollback(innerCtx, inner); err != nil {
		return err
	}
	if err := expect(outer.IsRollbackOnly(), "participant rollback must mark the owner rollback-only"); err != nil {
		return err
	}

	err = env.Coordinator.Commit(outerCtx, outer)
	return errors.Join(
		expect(errors.Is(err, transaction.ErrUnexpectedRollback), "outer commit returned %v, want unexpected rollback", err),
		expect(outer.State() == transaction.StateUnexpectedRollback, "state %s, want unexpected_rollback", outer.State()),
		expectOps(env.Journal, "begin#1", "rollback#1"),
	)
}

func runInnerRollbackRequiresNew(ctx context.Context, env *Env) error {
	outerCtx, outer, err := begin(ctx, env, required)
	if err != nil {
		return err
	}
	innerCtx, inner, err := begin(outerCtx, env, requiresNew)
	if err != nil {
		return err
	}
	if err := errors.Join(
		expect(inner.IsNewTransaction(), "REQUIRES_NEW must start a new transaction"),
		expect(transaction.SuspendedCount(innerCtx) == 1, "outer transaction must be suspended"),
	); err != nil {
		return err
	}
	if err := env.Coordinator.Rollback(innerCtx, inner); err != nil {
		return err
	}

	id, _ := transaction.CurrentTransactionID(outerCtx)
	if err := errors.Join(
		expect(id == outer.ID(), "outer transaction must be resumed"),
		expect(!outer.IsRollbackOnly(), "outer transaction must not be rollback-only"),
	); err != nil {
		return err
	}
	if err := env.Coordinator.Commit(outerCtx, outer); err != nil {
		return err
	}
	return expectOps(env.Journal, "begin#1", "begin#2", "rollback#2", "commit#1")
}

func runExternalCall(ctx context.Context, env *Env) error {
	ctx = transaction.WithSession(ctx)
	isActive := func(ctx context.Context) bool { return transaction.IsActualTransactionActive(ctx) }

	var inside bool
	err := env.Coordinator.Scope(transaction.WithName("external_call")).Execute(ctx, func(ctx context.Context) error {
		inside = isActive(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(
		expect(inside, "transaction must be active inside the boundary"),
		expect(!isActive(ctx), "transaction must not be active outside the boundary"),
	)
}

func runNestedSavepointRollback(ctx context.Context, env *Env) error {
	outerCtx, outer, err := begin(ctx, env, required)
	if err != nil {
		return err
	}
	nestedCtx, inner, err := begin(outerCtx, env, nested)
	if errors.Is(err, transaction.ErrNestedNotSupported) {
		return fmt.Errorf("%w: %w", ErrSkipped, err)
	}
	if err != nil {
		return err
	}
	if err := env.Coordinator.Rollback(nestedCtx, inner); err != nil {
		return err
	}
	if err := expect(!outer.IsRollbackOnly(), "a savepoint rollback must not doom the outer transaction"); err != nil {
		return err
	}
	if err := env.Coordinator.Commit(outerCtx, outer); err != nil {
		return err
	}
	return expectOps(env.Journal,
		"begin#1", "savepoint#1", "rollback_to_savepoint#1", "release_savepoint#1", "commit#1")
}

func runConcurrentIsolation(ctx context.Context, env *Env) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range concurrentChains {
		g.Go(func() error {
			chainCtx := transaction.WithSession(gctx)
			outerCtx, outer, err := begin(chainCtx, env, required)
			if err != nil {
				return err
			}
			innerCtx, inner, err := begin(outerCtx, env, required)
			if err != nil {
				return err
			}
			if err := expect(inner.ID() == outer.ID(), "chain %d joined a foreign transaction", i); err != nil {
				return err
			}
			if err := env.Coordinator.Commit(innerCtx, inner); err != nil {
				return err
			}
			return env.Coordinator.Commit(outerCtx, outer)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(
		expect(env.Journal.Count(transaction.OpBegin) == concurrentChains, "begins %d, want %d", env.Journal.Count(transaction.OpBegin), concurrentChains),
		expect(env.Journal.Count(transaction.OpCommit) == concurrentChains, "commits %d, want %d", env.Journal.Count(transaction.OpCommit), concurrentChains),
	)
}

const (
	orderPlacedEvent   events.EventType = "OrderPlaced"
	auditRecordedEvent events.EventType = "AuditRecorded"
)

type scenarioEvent struct {
	events.BaseEvent
}

func runEventDelivery(ctx context.Context, env *Env) error {
	var delivered []events.EventType
	record := events.HandlerFunc(func(_ context.Context, e events.Event) error {
		delivered = append(delivered, e.EventType())
		return nil
	})
	if err := errors.Join(
		env.Registry.Subscribe(orderPlacedEvent, record),
		env.Registry.Subscribe(auditRecordedEvent, record),
	); err != nil {
		return err
	}

	errDeclined := errors.New("payment declined")
	audit := env.Coordinator.Scope(transaction.WithPropagation(transaction.PropagationRequiresNew))
	err := env.Coordinator.Scope().Execute(ctx, func(ctx context.Context) error {
		if err := env.Publisher.Publish(ctx, scenarioEvent{events.NewBaseEvent(orderPlacedEvent, "order-1")}); err != nil {
			return err
		}
		if err := audit.Execute(ctx, func(ctx context.Context) error {
			return env.Publisher.Publish(ctx, scenarioEvent{events.NewBaseEvent(auditRecordedEvent, "order-1")})
		}); err != nil {
			return err
		}
		return errDeclined
	})
	return errors.Join(
		expect(errors.Is(err, errDeclined), "outer boundary returned %v, want the business error", err),
		expect(slices.Equal(delivered, []events.EventType{auditRecordedEvent}), "delivered %v, want only the audit event", delivered),
	)
}
