package transaction_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rai/clean-txpropagation-go/internal/platform/events"
	"github.com/rai/clean-txpropagation-go/internal/platform/events/contracts"
	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
)

func TestRegisterSynchronization_WithoutTransaction(t *testing.T) {
	err := transaction.RegisterSynchronization(context.Background(), transaction.SynchronizationFuncs{})
	require.ErrorIs(t, err, transaction.ErrIllegalState)
}

func TestSynchronization_Commit(t *testing.T) {
	c, conn := newCoordinator(t)

	var calls []string
	ctx, st := begin(t, c, context.Background(), required)
	require.NoError(t, transaction.RegisterSynchronization(ctx, transaction.SynchronizationFuncs{
		BeforeCommitFunc: func(ctx context.Context) error {
			calls = append(calls, "before")
			assert.Equal(t, ops(opBegin), conn.Ops())
			return nil
		},
		AfterCompletionFunc: func(ctx context.Context, outcome transaction.Outcome) {
			calls = append(calls, "after:"+outcome.String())
			assert.False(t, transaction.IsActualTransactionActive(ctx))
		},
	}))

	require.NoError(t, c.Commit(ctx, st))
	assert.Equal(t, []string{"before", "after:committed"}, calls)
}

func TestSynchronization_RegisteredByParticipant(t *testing.T) {
	c, _ := newCoordinator(t)

	var outcome transaction.Outcome = -1
	outerCtx, outer := begin(t, c, context.Background(), required)
	innerCtx, inner := begin(t, c, outerCtx, required)
	require.NoError(t, transaction.RegisterSynchronization(innerCtx, transaction.SynchronizationFuncs{
		AfterCompletionFunc: func(_ context.Context, o transaction.Outcome) { outcome = o },
	}))

	require.NoError(t, c.Commit(innerCtx, inner))
	assert.Equal(t, transaction.Outcome(-1), outcome, "callbacks belong to the physical transaction")

	require.NoError(t, c.Rollback(outerCtx, outer))
	assert.Equal(t, transaction.OutcomeRolledBack, outcome)
}

func TestSynchronization_BeforeCommitFailureRollsBack(t *testing.T) {
	c, conn := newCoordinator(t)
	errVeto := errors.New("outbox flush failed")

	var outcome transaction.Outcome
	ctx, st := begin(t, c, context.Background(), required)
	require.NoError(t, transaction.RegisterSynchronization(ctx, transaction.SynchronizationFuncs{
		BeforeCommitFunc:    func(context.Context) error { return errVeto },
		AfterCompletionFunc: func(_ context.Context, o transaction.Outcome) { outcome = o },
	}))

	err := c.Commit(ctx, st)
	require.ErrorIs(t, err, errVeto)
	assert.Equal(t, transaction.StateRolledBack, st.State())
	assert.Equal(t, transaction.OutcomeRolledBack, outcome)
	assert.Equal(t, ops(opBegin, opRollback), conn.Ops())
}

func TestSynchronization_BeforeCommitPanicRollsBack(t *testing.T) {
	c, conn := newCoordinator(t)

	var outcome transaction.Outcome = -1
	ctx, st := begin(t, c, context.Background(), required)
	require.NoError(t, transaction.RegisterSynchronization(ctx, transaction.SynchronizationFuncs{
		BeforeCommitFunc:    func(context.Context) error { panic("projection bug") },
		AfterCompletionFunc: func(_ context.Context, o transaction.Outcome) { outcome = o },
	}))

	assert.PanicsWithValue(t, "projection bug", func() { _ = c.Commit(ctx, st) })
	assert.Equal(t, transaction.StateRolledBack, st.State())
	assert.Equal(t, transaction.OutcomeRolledBack, outcome)
	assert.Equal(t, ops(opBegin, opRollback), conn.Ops())
	assert.Zero(t, conn.OpenTransactions())
	assert.False(t, transaction.IsActualTransactionActive(ctx))
}

func TestSynchronization_BeforeCommitMarksRollbackOnly(t *testing.T) {
	c, conn := newCoordinator(t)

	ctx, st := begin(t, c, context.Background(), required)
	require.NoError(t, transaction.RegisterSynchronization(ctx, transaction.SynchronizationFuncs{
		BeforeCommitFunc: func(context.Context) error {
			st.SetRollbackOnly()
			return nil
		},
	}))

	require.ErrorIs(t, c.Commit(ctx, st), transaction.ErrUnexpectedRollback)
	assert.Equal(t, transaction.StateUnexpectedRollback, st.State())
	assert.Zero(t, conn.Count(opCommit))
}

func TestSynchronization_CommitFailureReportsUnknown(t *testing.T) {
	c, conn := newCoordinator(t)
	conn.FailNext(opCommit, errors.New("connection reset"))

	var outcome transaction.Outcome
	ctx, st := begin(t, c, context.Background(), required)
	require.NoError(t, transaction.RegisterSynchronization(ctx, transaction.SynchronizationFuncs{
		AfterCompletionFunc: func(_ context.Context, o transaction.Outcome) { outcome = o },
	}))

	require.ErrorIs(t, c.Commit(ctx, st), transaction.ErrResourceFailure)
	assert.Equal(t, transaction.OutcomeUnknown, outcome)
}

func TestSynchronization_AfterCompletionSeesResumedTransaction(t *testing.T) {
	c, _ := newCoordinator(t)

	outerCtx, outer := begin(t, c, context.Background(), required)
	innerCtx, inner := begin(t, c, outerCtx, requiresNew)

	var resumed string
	require.NoError(t, transaction.RegisterSynchronization(innerCtx, transaction.SynchronizationFuncs{
		AfterCompletionFunc: func(ctx context.Context, _ transaction.Outcome) {
			resumed, _ = transaction.CurrentTransactionID(ctx)
		},
	}))

	require.NoError(t, c.Commit(innerCtx, inner))
	assert.Equal(t, outer.ID(), resumed)
	require.NoError(t, c.Commit(outerCtx, outer))
}

func TestCoordinator_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	c, _ := newCoordinator(t, transaction.WithTracer(tp.Tracer("test")))

	outerCtx, outer := begin(t, c, context.Background(), transaction.NewDefinition(transaction.WithName("outer")))
	innerCtx, inner := begin(t, c, outerCtx, required)
	require.NoError(t, c.Rollback(innerCtx, inner))
	require.ErrorIs(t, c.Commit(outerCtx, outer), transaction.ErrUnexpectedRollback)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "transaction outer", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.String("tx.id", outer.ID()))
	assert.Contains(t, span.Attributes(), attribute.String("tx.state", "unexpected_rollback"))

	var eventNames []string
	for _, e := range span.Events() {
		eventNames = append(eventNames, e.Name)
	}
	assert.Contains(t, eventNames, "transaction.join")
}

func TestCoordinator_TracingRequiresNewIsChildSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	c, _ := newCoordinator(t, transaction.WithTracer(tp.Tracer("test")))

	outerCtx, outer := begin(t, c, context.Background(), required)
	innerCtx, inner := begin(t, c, outerCtx, requiresNew)
	require.NoError(t, c.Commit(innerCtx, inner))
	require.NoError(t, c.Commit(outerCtx, outer))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestCoordinator_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	c, _ := newCoordinator(t, transaction.WithMeter(mp.Meter("test")))

	outerCtx, outer := begin(t, c, context.Background(), required)
	innerCtx, inner := begin(t, c, outerCtx, required)
	require.NoError(t, c.Commit(innerCtx, inner))
	require.NoError(t, c.Commit(outerCtx, outer))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	var histogramCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histogramCount += dp.Count
				}
			}
		}
	}

	assert.Equal(t, int64(2), sums["tx.begin"])
	assert.Equal(t, int64(2), sums["tx.completion"])
	assert.Equal(t, uint64(1), histogramCount)
}

type mockPublisher struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, evts ...events.Event) error
	published []events.Event
}

func (m *mockPublisher) Publish(ctx context.Context, evts ...events.Event) error {
	m.mu.Lock()
	m.published = append(m.published, evts...)
	m.mu.Unlock()
	if m.publishFn != nil {
		return m.publishFn(ctx, evts...)
	}
	return nil
}

func TestCoordinator_PublishesCompletionEvents(t *testing.T) {
	pub := &mockPublisher{}
	c, _ := newCoordinator(t, transaction.WithEventPublisher(pub))

	ctx, st := begin(t, c, context.Background(), transaction.NewDefinition(transaction.WithName("checkout")))
	require.NoError(t, c.Commit(ctx, st))

	ctx, st = begin(t, c, context.Background(), required)
	st.SetRollbackOnly()
	require.Error(t, c.Commit(ctx, st))

	require.Len(t, pub.published, 2)

	first, ok := pub.published[0].(contracts.TransactionCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, contracts.TransactionCompletedEventType, first.EventType())
	assert.Equal(t, "checkout", first.Name)
	assert.Equal(t, "REQUIRED", first.Propagation)
	assert.True(t, first.Committed())
	assert.Empty(t, first.Error)

	second := pub.published[1].(contracts.TransactionCompletedEvent)
	assert.Equal(t, contracts.OutcomeUnexpectedRollback, second.Outcome)
	assert.Equal(t, st.ID(), second.AggregateID())
	assert.NotEmpty(t, second.Error)
}

func TestCoordinator_PublishFailureDoesNotFailCommit(t *testing.T) {
	pub := &mockPublisher{
		publishFn: func(context.Context, ...events.Event) error { return errors.New("bus down") },
	}
	c, _ := newCoordinator(t, transaction.WithEventPublisher(pub))

	ctx, st := begin(t, c, context.Background(), required)
	require.NoError(t, c.Commit(ctx, st))
	assert.Len(t, pub.published, 1)
}

func TestCoordinator_ParticipantsPublishNothing(t *testing.T) {
	pub := &mockPublisher{}
	c, _ := newCoordinator(t, transaction.WithEventPublisher(pub))

	outerCtx, outer := begin(t, c, context.Background(), required)
	innerCtx, inner := begin(t, c, outerCtx, required)
	require.NoError(t, c.Commit(innerCtx, inner))
	assert.Empty(t, pub.published)

	require.NoError(t, c.Commit(outerCtx, outer))
	assert.Len(t, pub.published, 1)
}
