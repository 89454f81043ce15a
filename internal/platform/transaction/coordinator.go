package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/rai/clean-txpropagation-go/internal/platform/events"
	"github.com/rai/clean-txpropagation-go/internal/platform/events/contracts"
)

// Coordinator multiplexes logical transactions onto physical transactions of a single
// Connection. The binding between an execution context and its current physical
// transaction lives in the session carried by context.Context, never in the Coordinator,
// so one Coordinator serves any number of concurrent call chains.
type Coordinator struct {
	conn      Connection
	logger    *zap.Logger
	tracer    trace.Tracer
	meter     metric.Meter
	metrics   *instruments
	publisher events.Publisher
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(c *Coordinator) {
		if meter != nil {
			c.meter = meter
		}
	}
}

// WithEventPublisher publishes a contracts.TransactionCompletedEvent after every physical completion.
func WithEventPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// NewCoordinator creates a Coordinator opening physical transactions on conn.
func NewCoordinator(conn Connection, opts ...Option) *Coordinator {
	c := &Coordinator{
		conn:   conn,
		logger: zap.NewNop(),
		tracer: tracenoop.NewTracerProvider().Tracer(instrumentationName),
		meter:  metricnoop.NewMeterProvider().Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newInstruments(c.meter, c.logger)
	return c
}

// Begin starts a logical transaction according to def.Propagation.
//
// The returned context carries the execution context (created here when ctx has none)
// and, for a new physical transaction, its trace span. Code running inside the
// transaction must use the returned context; Commit and Rollback accept either.
func (c *Coordinator) Begin(ctx context.Context, def Definition) (context.Context, *Status, error) {
	ctx = WithSession(ctx)
	s := sessionFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.current
	action, err := Resolve(def.Propagation, current != nil)
	if err != nil {
		c.logger.Debug("transaction propagation rejected",
			zap.Stringer("propagation", def.Propagation), zap.Error(err))
		return ctx, nil, err
	}

	st := &Status{def: def, action: action, session: s, slotIndex: -1}
	switch action {
	case ActionJoin:
		st.binding = current
		st.owner = current.scope
		current.span.AddEvent("transaction.join", trace.WithAttributes(
			attribute.String("tx.propagation", def.Propagation.String())))
		c.logger.Debug("participating in existing transaction", c.fields(st)...)

	case ActionStartNew, ActionSuspendAndStartNew:
		txCtx, err := c.startNew(ctx, s, st)
		if err != nil {
			return ctx, nil, err
		}
		ctx = txCtx

	case ActionSavepoint:
		sp, ok := current.tx.(Savepointer)
		if !ok {
			return ctx, nil, fmt.Errorf("%w: %T cannot create savepoints", ErrNestedNotSupported, current.tx)
		}
		name, err := sp.CreateSavepoint(ctx)
		if err != nil {
			err = resourceError(OpSavepoint, current.id, err)
			c.logger.Error("failed to create savepoint", zap.String("tx_id", current.id), zap.Error(err))
			return ctx, nil, err
		}
		st.binding = current
		st.savepoint = name
		st.hasSavepoint = true
		st.owner = st
		st.prevScope = current.scope
		current.scope = st
		current.span.AddEvent("transaction.savepoint", trace.WithAttributes(
			attribute.String("tx.savepoint", string(name))))
		c.logger.Debug("creating nested transaction with savepoint", c.fields(st)...)

	case ActionNonTransactional:
		c.logger.Debug("running without transaction", c.fields(st)...)

	case ActionSuspendNonTransactional:
		st.slotIndex, _ = s.push(nil)
		c.logger.Debug("suspending current transaction, running without transaction",
			append(c.fields(st), zap.String("suspended_tx_id", current.id))...)
	}

	st.state.Store(int32(StateActive))
	c.metrics.recordBegin(ctx, def.Propagation, action)
	return ctx, st, nil
}

// startNew opens a physical transaction and binds it to s. Caller holds s.mu.
// Nothing is pushed when the resource fails to begin, so no cleanup is needed.
func (c *Coordinator) startNew(ctx context.Context, s *session, st *Status) (context.Context, error) {
	def := st.def
	id := uuid.NewString()
	name := def.Name
	if name == "" {
		name = "tx-" + id[:8]
	}

	spanCtx, span := c.tracer.Start(ctx, "transaction "+name, trace.WithAttributes(
		attribute.String("tx.id", id),
		attribute.String("tx.propagation", def.Propagation.String()),
		attribute.String("tx.isolation", def.Isolation.String()),
		attribute.Bool("tx.read_only", def.ReadOnly),
	))

	tx, err := c.conn.Begin(spanCtx, def.txOptions())
	if err != nil {
		err = resourceError(OpBegin, id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		span.End()
		c.logger.Error("failed to begin transaction", zap.String("tx_id", id), zap.Error(err))
		return ctx, err
	}

	b := &binding{
		id:        id,
		name:      name,
		def:       def,
		tx:        tx,
		span:      span,
		startedAt: time.Now(),
		scope:     st,
	}
	st.binding = b
	st.newTx = true
	st.owner = st

	idx, previous := s.push(b)
	st.slotIndex = idx
	if previous != nil {
		c.logger.Debug("suspending current transaction, creating new transaction",
			append(c.fields(st), zap.String("suspended_tx_id", previous.id))...)
	} else {
		c.logger.Debug("creating new transaction", c.fields(st)...)
	}
	return spanCtx, nil
}

// Commit completes st. A new transaction is committed physically unless it is
// rollback-only, in which case it is rolled back and ErrUnexpectedRollback is returned.
// A participant only records its outcome; its owner decides.
func (c *Coordinator) Commit(ctx context.Context, st *Status) error {
	if err := c.beginCompletion(st); err != nil {
		return err
	}
	switch {
	case st.newTx:
		return c.commitNew(ctx, st)
	case st.hasSavepoint:
		return c.commitSavepoint(ctx, st)
	case st.binding != nil:
		return c.commitParticipant(st)
	default:
		final := StateCommitted
		if st.IsRollbackOnly() {
			final = StateRolledBack
		}
		c.finish(st, final)
		return nil
	}
}

// Rollback completes st by undoing its work. A participant cannot roll back the
// shared physical transaction; it marks its owner rollback-only instead.
func (c *Coordinator) Rollback(ctx context.Context, st *Status) error {
	if err := c.beginCompletion(st); err != nil {
		return err
	}
	switch {
	case st.newTx:
		return c.rollbackNew(ctx, st)
	case st.hasSavepoint:
		return c.rollbackSavepoint(ctx, st)
	case st.binding != nil:
		st.owner.SetRollbackOnly()
		c.logger.Debug("participating transaction failed - marking existing transaction as rollback-only", c.fields(st)...)
		c.finish(st, StateRolledBack)
		return nil
	default:
		c.finish(st, StateRolledBack)
		return nil
	}
}

// beginCompletion moves st from active to completing, enforcing single completion
// and innermost-first ordering.
func (c *Coordinator) beginCompletion(st *Status) error {
	if st == nil {
		return errNilStatus
	}
	s := st.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.State() != StateActive {
		return errAlreadyCompleted
	}
	if st.ownsSlot() && st.slotIndex != len(s.suspended)-1 {
		return errNotInnermost
	}
	if st.hasSavepoint && (s.current != st.binding || st.binding.scope != st) {
		return errNotInnermost
	}
	if !st.newTx && !st.hasSavepoint && st.owner != nil && st.owner.IsCompleted() {
		return errOwnerCompleted
	}
	st.state.Store(int32(stateCompleting))
	return nil
}

// finish records the final state and restores the execution context: it resumes the
// binding suspended by st and, for a savepoint, hands rollback authority back.
func (c *Coordinator) finish(st *Status, final State) {
	s := st.session
	s.mu.Lock()
	if st.ownsSlot() {
		if resumed := s.pop(st.slotIndex); resumed != nil {
			c.logger.Debug("resuming suspended transaction after completion of inner transaction",
				zap.String("tx_id", resumed.id), zap.String("inner_tx_id", st.ID()))
		}
	}
	if st.hasSavepoint {
		st.binding.scope = st.prevScope
	}
	st.state.Store(int32(final))
	s.mu.Unlock()

	c.metrics.recordCompletion(context.Background(), st, final)
}

func (c *Coordinator) commitNew(ctx context.Context, st *Status) (err error) {
	b := st.binding
	final, outcome := StateRolledBack, OutcomeRolledBack
	defer func() { c.completePhysical(ctx, st, final, outcome, err) }()

	if st.IsRollbackOnly() {
		c.logger.Debug("transaction is marked as rollback-only but commit was requested", c.fields(st)...)
		final = StateUnexpectedRollback
		return c.unexpectedRollback(ctx, b)
	}

	if err := c.runBeforeCommit(ctx, st); err != nil {
		c.logger.Debug("before-commit synchronization failed, rolling back", append(c.fields(st), zap.Error(err))...)
		return errors.Join(err, resourceError(OpRollback, b.id, b.tx.Rollback(ctx)))
	}
	// Participants may have doomed the transaction from inside a synchronization.
	if st.IsRollbackOnly() {
		c.logger.Debug("transaction was marked as rollback-only during before-commit", c.fields(st)...)
		final = StateUnexpectedRollback
		return c.unexpectedRollback(ctx, b)
	}

	c.logger.Debug("initiating transaction commit", c.fields(st)...)
	if err := b.tx.Commit(ctx); err != nil {
		outcome = OutcomeUnknown
		err = resourceError(OpCommit, b.id, err)
		c.logger.Error("transaction commit failed", append(c.fields(st), zap.Error(err))...)
		return err
	}
	final, outcome = StateCommitted, OutcomeCommitted
	return nil
}

func (c *Coordinator) unexpectedRollback(ctx context.Context, b *binding) error {
	unexpected := fmt.Errorf("%w (tx %s)", ErrUnexpectedRollback, b.id)
	if err := b.tx.Rollback(ctx); err != nil {
		err = resourceError(OpRollback, b.id, err)
		c.logger.Error("rollback of rollback-only transaction failed", zap.String("tx_id", b.id), zap.Error(err))
		return errors.Join(unexpected, err)
	}
	return unexpected
}

func (c *Coordinator) rollbackNew(ctx context.Context, st *Status) (err error) {
	b := st.binding
	final, outcome := StateRolledBack, OutcomeRolledBack
	defer func() { c.completePhysical(ctx, st, final, outcome, err) }()

	c.logger.Debug("initiating transaction rollback", c.fields(st)...)
	if err := b.tx.Rollback(ctx); err != nil {
		outcome = OutcomeUnknown
		err = resourceError(OpRollback, b.id, err)
		c.logger.Error("transaction rollback failed", append(c.fields(st), zap.Error(err))...)
		return err
	}
	return nil
}

func (c *Coordinator) commitSavepoint(ctx context.Context, st *Status) (err error) {
	final := StateCommitted
	defer func() { c.finish(st, final) }()

	sp := st.binding.tx.(Savepointer)
	if st.IsRollbackOnly() {
		c.logger.Debug("nested transaction is marked as rollback-only, rolling back to savepoint", c.fields(st)...)
		final = StateUnexpectedRollback
		unexpected := fmt.Errorf("%w (tx %s, savepoint %s)", ErrUnexpectedRollback, st.ID(), st.savepoint)
		if err := c.rollbackToSavepoint(ctx, st, sp); err != nil {
			return errors.Join(unexpected, err)
		}
		return unexpected
	}

	c.logger.Debug("releasing transaction savepoint", c.fields(st)...)
	if err := sp.ReleaseSavepoint(ctx, st.savepoint); err != nil {
		final = StateRolledBack
		err = resourceError(OpReleaseSavepoint, st.ID(), err)
		c.logger.Error("savepoint release failed, rolling back to savepoint", append(c.fields(st), zap.Error(err))...)
		if rbErr := sp.RollbackToSavepoint(ctx, st.savepoint); rbErr != nil {
			// The work since the savepoint cannot be undone on its own: doom the enclosing scope.
			st.prevScope.SetRollbackOnly()
			return errors.Join(err, resourceError(OpRollbackToSavepoint, st.ID(), rbErr))
		}
		return err
	}
	return nil
}

func (c *Coordinator) rollbackSavepoint(ctx context.Context, st *Status) (err error) {
	defer c.finish(st, StateRolledBack)

	c.logger.Debug("rolling back transaction to savepoint", c.fields(st)...)
	return c.rollbackToSavepoint(ctx, st, st.binding.tx.(Savepointer))
}

func (c *Coordinator) rollbackToSavepoint(ctx context.Context, st *Status, sp Savepointer) error {
	if err := sp.RollbackToSavepoint(ctx, st.savepoint); err != nil {
		return resourceError(OpRollbackToSavepoint, st.ID(), err)
	}
	if err := sp.ReleaseSavepoint(ctx, st.savepoint); err != nil {
		return resourceError(OpReleaseSavepoint, st.ID(), err)
	}
	return nil
}

func (c *Coordinator) commitParticipant(st *Status) error {
	final := StateCommitted
	switch {
	case st.IsLocalRollbackOnly():
		st.owner.SetRollbackOnly()
		final = StateRolledBack
		c.logger.Debug("participating transaction requested rollback - marking existing transaction as rollback-only", c.fields(st)...)
	case st.isGlobalRollbackOnly():
		final = StateRolledBack
		c.logger.Debug("participating in a transaction marked as rollback-only", c.fields(st)...)
	default:
		c.logger.Debug("participating transaction completed, commit deferred to owner", c.fields(st)...)
	}
	c.finish(st, final)
	return nil
}

// runBeforeCommit runs the synchronizations of a new transaction. A panicking
// synchronization rolls the physical transaction back before the panic continues.
func (c *Coordinator) runBeforeCommit(ctx context.Context, st *Status) error {
	b := st.binding
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("before-commit synchronization panicked, rolling back", append(c.fields(st), zap.Any("panic", r))...)
			if err := b.tx.Rollback(ctx); err != nil {
				c.logger.Error("rollback after before-commit panic failed", append(c.fields(st), zap.Error(err))...)
			}
			panic(r)
		}
	}()
	return c.beforeCommit(ctx, b)
}

func (c *Coordinator) beforeCommit(ctx context.Context, b *binding) error {
	for i := 0; ; i++ {
		sync, ok := b.synchronization(i)
		if !ok {
			return nil
		}
		if err := sync.BeforeCommit(ctx); err != nil {
			return err
		}
	}
}

// completePhysical runs after a new transaction's resource call, on every exit path.
func (c *Coordinator) completePhysical(ctx context.Context, st *Status, final State, outcome Outcome, err error) {
	b := st.binding
	c.finish(st, final)

	if err != nil {
		b.span.RecordError(err)
		b.span.SetStatus(codes.Error, err.Error())
	}
	b.span.SetAttributes(attribute.String("tx.state", final.String()))
	b.span.End()
	c.metrics.recordPhysical(ctx, b, final)

	for i := 0; ; i++ {
		sync, ok := b.synchronization(i)
		if !ok {
			break
		}
		sync.AfterCompletion(ctx, outcome)
	}

	c.logger.Debug("transaction completed", append(c.fields(st), zap.Stringer("state", final))...)
	c.publishCompleted(ctx, st, final, err)
}

func (c *Coordinator) publishCompleted(ctx context.Context, st *Status, final State, cause error) {
	if c.publisher == nil {
		return
	}
	outcome := contracts.OutcomeRolledBack
	switch final {
	case StateCommitted:
		outcome = contracts.OutcomeCommitted
	case StateUnexpectedRollback:
		outcome = contracts.OutcomeUnexpectedRollback
	}
	event := contracts.NewTransactionCompletedEvent(st.ID(), st.Name(), st.def.Propagation.String(), outcome, cause)
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("failed to publish transaction completed event", zap.String("tx_id", st.ID()), zap.Error(err))
	}
}

func (c *Coordinator) fields(st *Status) []zap.Field {
	fields := []zap.Field{
		zap.Stringer("propagation", st.def.Propagation),
		zap.Stringer("action", st.action),
		zap.Bool("new_transaction", st.newTx),
	}
	if st.binding != nil {
		fields = append(fields, zap.String("tx_id", st.binding.id), zap.String("tx_name", st.binding.name))
	}
	if st.hasSavepoint {
		fields = append(fields, zap.String("savepoint", string(st.savepoint)))
	}
	return fields
}
