// Package memory provides an in-memory transaction.Connection that journals every
// physical operation. It backs tests and the demo CLI, and can inject failures.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
)

// ErrTxDone is returned when a physical transaction is used after it completed.
var ErrTxDone = errors.New("memory: transaction has already been committed or rolled back")

// ErrUnknownSavepoint is returned for a savepoint that does not exist in the transaction.
var ErrUnknownSavepoint = errors.New("memory: unknown savepoint")

// Entry is one journaled physical operation.
type Entry struct {
	Op        transaction.Op
	TxID      int
	Savepoint transaction.Savepoint
	Err       error
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s tx=%d", e.Op, e.TxID)
	if e.Savepoint != "" {
		s += " savepoint=" + string(e.Savepoint)
	}
	if e.Err != nil {
		s += " err=" + e.Err.Error()
	}
	return s
}

// Connection is a journaling transaction.Connection.
type Connection struct {
	mu       sync.Mutex
	seq      int
	journal  []Entry
	open     map[int]*Tx
	failures map[transaction.Op][]error
}

func New() *Connection {
	return &Connection{
		open:     make(map[int]*Tx),
		failures: make(map[transaction.Op][]error),
	}
}

// FailNext makes the next call of op fail with err. Calls queue up per op.
func (c *Connection) FailNext(op transaction.Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

// Begin implements transaction.Connection.
func (c *Connection) Begin(_ context.Context, opts transaction.TxOptions) (transaction.PhysicalTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := c.seq
	if err := c.record(transaction.OpBegin, id, ""); err != nil {
		return nil, err
	}
	tx := &Tx{conn: c, id: id, opts: opts}
	c.open[id] = tx
	return tx, nil
}

// record journals op and returns the injected failure for it, if any. Caller holds c.mu.
func (c *Connection) record(op transaction.Op, txID int, sp transaction.Savepoint) error {
	var err error
	if queued := c.failures[op]; len(queued) > 0 {
		err = queued[0]
		c.failures[op] = queued[1:]
	}
	c.journal = append(c.journal, Entry{Op: op, TxID: txID, Savepoint: sp, Err: err})
	return err
}

// Journal returns a copy of all journaled operations in call order.
func (c *Connection) Journal() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.journal))
	copy(out, c.journal)
	return out
}

// Ops returns the journaled operations without their details.
func (c *Connection) Ops() []transaction.Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]transaction.Op, len(c.journal))
	for i, e := range c.journal {
		ops[i] = e.Op
	}
	return ops
}

// Count returns how many successful calls of op were journaled.
func (c *Connection) Count(op transaction.Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.journal {
		if e.Op == op && e.Err == nil {
			n++
		}
	}
	return n
}

// OpenTransactions returns the number of physical transactions not yet completed.
func (c *Connection) OpenTransactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// Reset clears the journal and pending failures.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = nil
	c.failures = make(map[transaction.Op][]error)
}

// Tx is a physical transaction of Connection. It supports savepoints.
type Tx struct {
	conn       *Connection
	id         int
	opts       transaction.TxOptions
	done       bool
	savepoints []transaction.Savepoint
	spSeq      int
}

// ID returns the sequence number of the transaction within its connection.
func (t *Tx) ID() int { return t.id }

// Options returns the options the transaction was begun with.
func (t *Tx) Options() transaction.TxOptions { return t.opts }

func (t *Tx) Commit(_ context.Context) error {
	return t.complete(transaction.OpCommit)
}

func (t *Tx) Rollback(_ context.Context) error {
	return t.complete(transaction.OpRollback)
}

func (t *Tx) complete(op transaction.Op) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	if err := t.conn.record(op, t.id, ""); err != nil {
		return err
	}
	t.done = true
	delete(t.conn.open, t.id)
	return nil
}

func (t *Tx) CreateSavepoint(_ context.Context) (transaction.Savepoint, error) {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.done {
		return "", ErrTxDone
	}
	t.spSeq++
	sp := transaction.Savepoint(fmt.Sprintf("SAVEPOINT_%d", t.spSeq))
	if err := t.conn.record(transaction.OpSavepoint, t.id, sp); err != nil {
		return "", err
	}
	t.savepoints = append(t.savepoints, sp)
	return sp, nil
}

func (t *Tx) RollbackToSavepoint(_ context.Context, sp transaction.Savepoint) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	i, err := t.find(sp)
	if err != nil {
		return err
	}
	if err := t.conn.record(transaction.OpRollbackToSavepoint, t.id, sp); err != nil {
		return err
	}
	// Later savepoints are destroyed; sp itself survives until released.
	t.savepoints = t.savepoints[:i+1]
	return nil
}

func (t *Tx) ReleaseSavepoint(_ context.Context, sp transaction.Savepoint) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	i, err := t.find(sp)
	if err != nil {
		return err
	}
	if err := t.conn.record(transaction.OpReleaseSavepoint, t.id, sp); err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

// find locates sp. Caller holds t.conn.mu.
func (t *Tx) find(sp transaction.Savepoint) (int, error) {
	if t.done {
		return 0, ErrTxDone
	}
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i] == sp {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownSavepoint, sp)
}

// Compile-time interface checks.
var (
	_ transaction.Connection  = (*Connection)(nil)
	_ transaction.PhysicalTx  = (*Tx)(nil)
	_ transaction.Savepointer = (*Tx)(nil)
)
