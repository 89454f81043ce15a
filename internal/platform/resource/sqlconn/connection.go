// Package sqlconn implements transaction.Connection on top of database/sql.
// Savepoints are issued as plain SQL, which PostgreSQL, MySQL and SQLite all accept.
package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
)

// Connection opens physical transactions on a *sql.DB pool.
// Each physical transaction pins one pooled connection until it completes.
type Connection struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{db: db, logger: logger}
}

// DB returns the underlying pool.
func (c *Connection) DB() *sql.DB { return c.db }

func (c *Connection) Begin(ctx context.Context, opts transaction.TxOptions) (transaction.PhysicalTx, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: isolationLevel(opts.Isolation),
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin sql transaction: %w", err)
	}
	c.logger.Debug("sql transaction started",
		zap.String("name", opts.Name),
		zap.Stringer("isolation", opts.Isolation),
		zap.Bool("read_only", opts.ReadOnly))
	return &Tx{tx: tx}, nil
}

func isolationLevel(i transaction.Isolation) sql.IsolationLevel {
	switch i {
	case transaction.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case transaction.IsolationReadCommitted:
		return sql.LevelReadCommitted
	case transaction.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case transaction.IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// Tx is a physical database/sql transaction with savepoint support.
type Tx struct {
	tx *sql.Tx

	mu    sync.Mutex
	spSeq int
}

// SQL returns the wrapped transaction for running statements.
func (t *Tx) SQL() *sql.Tx { return t.tx }

func (t *Tx) Commit(context.Context) error { return t.tx.Commit() }

func (t *Tx) Rollback(context.Context) error { return t.tx.Rollback() }

func (t *Tx) CreateSavepoint(ctx context.Context) (transaction.Savepoint, error) {
	t.mu.Lock()
	t.spSeq++
	sp := transaction.Savepoint(fmt.Sprintf("SAVEPOINT_%d", t.spSeq))
	t.mu.Unlock()

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+string(sp)); err != nil {
		return "", fmt.Errorf("create savepoint %s: %w", sp, err)
	}
	return sp, nil
}

func (t *Tx) RollbackToSavepoint(ctx context.Context, sp transaction.Savepoint) error {
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+string(sp)); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", sp, err)
	}
	return nil
}

func (t *Tx) ReleaseSavepoint(ctx context.Context, sp transaction.Savepoint) error {
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+string(sp)); err != nil {
		return fmt.Errorf("release savepoint %s: %w", sp, err)
	}
	return nil
}

// Querier is the subset of *sql.DB and *sql.Tx used by repositories.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxFromContext returns the *sql.Tx bound to ctx by the coordinator.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	ptx, ok := transaction.PhysicalFromContext(ctx)
	if !ok {
		return nil, false
	}
	tx, ok := ptx.(*Tx)
	if !ok {
		return nil, false
	}
	return tx.tx, true
}

// QuerierFromContext returns the transaction bound to ctx, or db when none is active.
func QuerierFromContext(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db
}

// Compile-time interface checks.
var (
	_ transaction.Connection  = (*Connection)(nil)
	_ transaction.Savepointer = (*Tx)(nil)
	_ Querier                 = (*sql.DB)(nil)
	_ Querier                 = (*sql.Tx)(nil)
)
