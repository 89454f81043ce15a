package spanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
)

// ErrAborted is returned by Commit when Spanner aborted the read-write transaction.
// Unlike client.ReadWriteTransaction, the coordinator does not retry, so the caller
// decides whether to run the whole unit of work again.
var ErrAborted = errors.New("spanner transaction aborted")

// readWriteTx is the part of *spanner.ReadWriteStmtBasedTransaction the connection drives.
type readWriteTx interface {
	Commit(ctx context.Context) (time.Time, error)
	Rollback(ctx context.Context)
}

// readOnlyTx is the part of *spanner.ReadOnlyTransaction the connection drives.
type readOnlyTx interface {
	Close()
}

// Connection opens statement-based Spanner transactions for the coordinator.
// Read-write transactions hold locks until Commit or Rollback; read-only definitions
// get a ReadOnlyTransaction with a consistent snapshot.
//
// Spanner has no savepoints, so NESTED propagation inside a Spanner transaction fails
// with transaction.ErrNestedNotSupported.
type Connection struct {
	client       *spanner.Client // set by Open
	logger       *zap.Logger
	newReadWrite func(ctx context.Context, tag string) (readWriteTx, error)
	newReadOnly  func() readOnlyTx
}

func NewConnection(client *spanner.Client, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		logger: logger,
		newReadWrite: func(ctx context.Context, tag string) (readWriteTx, error) {
			return spanner.NewReadWriteStmtBasedTransactionWithOptions(ctx, client, spanner.TransactionOptions{
				TransactionTag: tag,
			})
		},
		newReadOnly: func() readOnlyTx {
			return client.ReadOnlyTransaction()
		},
	}
}

// Close closes the client created by Open. It is a no-op for connections built with NewConnection.
func (c *Connection) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *Connection) Begin(ctx context.Context, opts transaction.TxOptions) (transaction.PhysicalTx, error) {
	if opts.ReadOnly {
		c.logger.Debug("spanner read-only transaction started", zap.String("name", opts.Name))
		return &Tx{ro: c.newReadOnly()}, nil
	}
	rw, err := c.newReadWrite(ctx, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("begin spanner read-write transaction: %w", err)
	}
	c.logger.Debug("spanner read-write transaction started", zap.String("name", opts.Name))
	return &Tx{rw: rw}, nil
}

// Tx is a physical Spanner transaction: exactly one of a read-write or read-only transaction.
type Tx struct {
	rw              readWriteTx
	ro              readOnlyTx
	commitTimestamp time.Time
}

// ReadOnly reports whether the transaction is a read-only snapshot.
func (t *Tx) ReadOnly() bool { return t.ro != nil }

// CommitTimestamp returns the commit timestamp of a committed read-write transaction.
func (t *Tx) CommitTimestamp() time.Time { return t.commitTimestamp }

func (t *Tx) Commit(ctx context.Context) error {
	if t.ro != nil {
		t.ro.Close()
		return nil
	}
	ts, err := t.rw.Commit(ctx)
	if err != nil {
		if spanner.ErrCode(err) == codes.Aborted {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
		return err
	}
	t.commitTimestamp = ts
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.ro != nil {
		t.ro.Close()
		return nil
	}
	t.rw.Rollback(ctx)
	return nil
}

// ReadTransaction provides read operations shared by read-write and read-only transactions.
type ReadTransaction interface {
	ReadRow(ctx context.Context, table string, key spanner.Key, columns []string) (*spanner.Row, error)
	Read(ctx context.Context, table string, keys spanner.KeySet, columns []string) *spanner.RowIterator
	Query(ctx context.Context, statement spanner.Statement) *spanner.RowIterator
}

// ReadWriteTxFromContext returns the read-write transaction bound to ctx by the coordinator.
func ReadWriteTxFromContext(ctx context.Context) (*spanner.ReadWriteStmtBasedTransaction, bool) {
	tx, ok := txFromContext(ctx)
	if !ok {
		return nil, false
	}
	rw, ok := tx.rw.(*spanner.ReadWriteStmtBasedTransaction)
	return rw, ok
}

// ReadTxFromContext returns the transaction bound to ctx for reading,
// whether it is read-write or read-only.
func ReadTxFromContext(ctx context.Context) (ReadTransaction, bool) {
	tx, ok := txFromContext(ctx)
	if !ok {
		return nil, false
	}
	if ro, ok := tx.ro.(*spanner.ReadOnlyTransaction); ok {
		return ro, true
	}
	if rw, ok := tx.rw.(*spanner.ReadWriteStmtBasedTransaction); ok {
		return rw, true
	}
	return nil, false
}

func txFromContext(ctx context.Context) (*Tx, bool) {
	ptx, ok := transaction.PhysicalFromContext(ctx)
	if !ok {
		return nil, false
	}
	tx, ok := ptx.(*Tx)
	return tx, ok
}

// Compile-time interface checks.
var (
	_ transaction.Connection = (*Connection)(nil)
	_ transaction.PhysicalTx = (*Tx)(nil)
	_ readWriteTx            = (*spanner.ReadWriteStmtBasedTransaction)(nil)
	_ readOnlyTx             = (*spanner.ReadOnlyTransaction)(nil)
	_ ReadTransaction        = (*spanner.ReadOnlyTransaction)(nil)
	_ ReadTransaction        = (*spanner.ReadWriteStmtBasedTransaction)(nil)
)
