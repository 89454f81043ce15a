// Package transaction coordinates local transactions: it maps nested logical
// transactions onto physical transactions of a single resource connection,
// applying propagation rules (join, new, nested, suspend) and rollback-only
// propagation.
package transaction

import (
	"context"
	"errors"
)

// Scope manages the lifecycle of a transaction.
// It provides a clean abstraction for executing business logic
// within a transactional boundary.
type Scope interface {
	// Execute runs the given function within a transaction.
	// The transaction is committed if fn returns nil, rolled back otherwise.
	// The ctx passed to fn carries the transaction for repositories to use.
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// ExecuteWithResult runs fn within a transaction and returns the result.
// This is a generic helper that wraps Scope.Execute for cases
// where the transaction needs to return a value.
func ExecuteWithResult[T any](ctx context.Context, scope Scope, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := scope.Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// CoordinatorScope is a Scope backed by a Coordinator and a fixed Definition.
type CoordinatorScope struct {
	coordinator *Coordinator
	def         Definition
}

// Scope returns a declarative transaction boundary for the given definition options.
func (c *Coordinator) Scope(opts ...DefinitionOption) *CoordinatorScope {
	return &CoordinatorScope{coordinator: c, def: NewDefinition(opts...)}
}

// Definition returns the definition every Execute call begins with.
func (s *CoordinatorScope) Definition() Definition { return s.def }

// Execute begins a transaction, runs fn and commits. If fn returns an error or panics,
// the transaction is rolled back; a panic is re-raised after the rollback.
// A commit failure, including ErrUnexpectedRollback, is returned as is.
func (s *CoordinatorScope) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, st, err := s.coordinator.Begin(ctx, s.def)
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if completed {
			return
		}
		if r := recover(); r != nil {
			_ = s.coordinator.Rollback(txCtx, st)
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		completed = true
		if rbErr := s.coordinator.Rollback(txCtx, st); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	completed = true
	return s.coordinator.Commit(txCtx, st)
}

// Compile-time interface check.
var _ Scope = (*CoordinatorScope)(nil)
