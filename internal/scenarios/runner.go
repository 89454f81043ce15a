package scenarios

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rai/clean-txpropagation-go/internal/platform/eventbus"
	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
)

// ErrUnknownScenario is returned for a name missing from the catalogue.
var ErrUnknownScenario = errors.New("unknown scenario")

// Outcome of one scenario run.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Report is the result of one scenario run.
type Report struct {
	Scenario    string        `json:"scenario"`
	Description string        `json:"description"`
	Outcome     Outcome       `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	Operations  []string      `json:"operations"`
	Duration    time.Duration `json:"duration_ns"`
}

func (r Report) Passed() bool { return r.Outcome == OutcomePassed }

// Runner runs scenarios against a shared connection. Every run gets its own
// journal and coordinator, so runs may proceed in parallel.
type Runner struct {
	conn   transaction.Connection
	logger *zap.Logger
	opts   []transaction.Option
}

// NewRunner creates a Runner. opts are applied to every coordinator it creates.
func NewRunner(conn transaction.Connection, logger *zap.Logger, opts ...transaction.Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{conn: conn, logger: logger, opts: opts}
}

// Run runs the named scenario.
func (r *Runner) Run(ctx context.Context, name string) (Report, error) {
	s, ok := Lookup(name)
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
	}
	return r.run(ctx, s), nil
}

// RunAll runs the named scenarios, or the whole catalogue when names is empty,
// with at most parallel scenarios in flight. Reports keep the order of names.
func (r *Runner) RunAll(ctx context.Context, names []string, parallel int) ([]Report, error) {
	var selected []Scenario
	if len(names) == 0 {
		selected = Catalogue()
	} else {
		for _, name := range names {
			s, ok := Lookup(name)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
			}
			selected = append(selected, s)
		}
	}
	if parallel <= 0 {
		parallel = 1
	}

	reports := make([]Report, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, s := range selected {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports[i] = r.run(gctx, s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (r *Runner) run(ctx context.Context, s Scenario) Report {
	logger := r.logger.With(zap.String("scenario", s.Name))
	journal := NewJournal(r.conn)
	registry := eventbus.NewEventHandlerRegistry(logger)
	env := &Env{
		Coordinator: transaction.NewCoordinator(journal, append([]transaction.Option{transaction.WithLogger(logger)}, r.opts...)...),
		Journal:     journal,
		Registry:    registry,
		Publisher:   eventbus.NewTransactionalPublisher(registry, 0, logger),
	}

	start := time.Now()
	err := s.Run(transaction.WithoutSession(ctx), env)
	if n := env.RollbackOpen(); n > 0 {
		logger.Warn("rolled back transactions left open by the scenario", zap.Int("count", n))
	}
	report := Report{
		Scenario:    s.Name,
		Description: s.Description,
		Outcome:     OutcomePassed,
		Operations:  journal.Ops(),
		Duration:    time.Since(start),
	}
	switch {
	case err == nil:
		logger.Info("scenario passed", zap.Duration("duration", report.Duration))
	case errors.Is(err, ErrSkipped):
		report.Outcome = OutcomeSkipped
		report.Error = err.Error()
		logger.Info("scenario skipped", zap.Error(err))
	default:
		report.Outcome = OutcomeFailed
		report.Error = err.Error()
		logger.Warn("scenario failed", zap.Error(err), zap.Strings("operations", report.Operations))
	}
	return report
}
