package transaction

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/rai/clean-txpropagation-go/internal/platform/transaction"

type instruments struct {
	begins      metric.Int64Counter
	completions metric.Int64Counter
	duration    metric.Float64Histogram
}

// newInstruments never fails: the metric API returns usable no-op instruments alongside errors.
func newInstruments(meter metric.Meter, logger *zap.Logger) *instruments {
	begins, err := meter.Int64Counter("tx.begin",
		metric.WithDescription("Logical transactions begun, by propagation and action."))
	if err != nil {
		logger.Warn("failed to create tx.begin counter", zap.Error(err))
	}
	completions, err := meter.Int64Counter("tx.completion",
		metric.WithDescription("Logical transactions completed, by final state."))
	if err != nil {
		logger.Warn("failed to create tx.completion counter", zap.Error(err))
	}
	duration, err := meter.Float64Histogram("tx.physical.duration",
		metric.WithDescription("Lifetime of physical transactions."),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to create tx.physical.duration histogram", zap.Error(err))
	}
	return &instruments{begins: begins, completions: completions, duration: duration}
}

func (m *instruments) recordBegin(ctx context.Context, p Propagation, a Action) {
	m.begins.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tx.propagation", p.String()),
		attribute.String("tx.action", a.String()),
	))
}

func (m *instruments) recordCompletion(ctx context.Context, st *Status, final State) {
	m.completions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tx.state", final.String()),
		attribute.Bool("tx.new", st.newTx),
	))
}

func (m *instruments) recordPhysical(ctx context.Context, b *binding, final State) {
	m.duration.Record(ctx, time.Since(b.startedAt).Seconds(), metric.WithAttributes(
		attribute.String("tx.state", final.String()),
	))
}
