package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rai/clean-txpropagation-go/internal/platform/config"
	"github.com/rai/clean-txpropagation-go/internal/platform/eventbus"
	"github.com/rai/clean-txpropagation-go/internal/platform/logger"
	"github.com/rai/clean-txpropagation-go/internal/platform/resource/memory"
	"github.com/rai/clean-txpropagation-go/internal/platform/resource/sqlconn"
	"github.com/rai/clean-txpropagation-go/internal/platform/spanner"
	"github.com/rai/clean-txpropagation-go/internal/platform/telemetry"
	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
	"github.com/rai/clean-txpropagation-go/internal/scenarios"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	bus       *eventbus.InMemoryEventBus
	conn      transaction.Connection

	closers []func(ctx context.Context) error
}

func newApp(ctx context.Context, opts *rootOptions) (_ *app, err error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.driver != "" {
		cfg.Resource.Driver = opts.driver
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func(context.Context) error {
		_ = log.Sync()
		return nil
	})
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, shutdown)

	a.bus = eventbus.New(log)

	if a.conn, err = a.openConnection(ctx); err != nil {
		return nil, err
	}
	log.Info("transaction resource ready", zap.String("driver", cfg.Resource.Driver))
	return a, nil
}

func (a *app) openConnection(ctx context.Context) (transaction.Connection, error) {
	switch a.cfg.Resource.Driver {
	case config.DriverSQL:
		db, err := sqlconn.Open(ctx, a.cfg.Resource.SQL, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		return sqlconn.New(db, a.logger), nil
	case config.DriverSpanner:
		conn, err := spanner.Open(ctx, a.cfg.Resource.Spanner, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error {
			conn.Close()
			return nil
		})
		return conn, nil
	default:
		return memory.New(), nil
	}
}

// runner creates a scenario runner whose coordinators trace, meter and
// announce completions on the app's bus.
func (a *app) runner() *scenarios.Runner {
	return scenarios.NewRunner(a.conn, a.logger,
		transaction.WithTracer(a.telemetry.Tracer),
		transaction.WithMeter(a.telemetry.Meter),
		transaction.WithEventPublisher(a.bus),
	)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
