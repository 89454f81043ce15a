package scenarios

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rai/clean-txpropagation-go/internal/platform/transaction"
)

// Journal wraps a transaction.Connection and records every physical operation as
// "<op>#<n>", where n numbers the physical transactions of this journal from 1.
// Failed operations are suffixed with "!".
type Journal struct {
	conn transaction.Connection

	mu  sync.Mutex
	seq int
	ops []string
}

func NewJournal(conn transaction.Connection) *Journal {
	return &Journal{conn: conn}
}

func (j *Journal) Begin(ctx context.Context, opts transaction.TxOptions) (transaction.PhysicalTx, error) {
	j.mu.Lock()
	j.seq++
	n := j.seq
	j.mu.Unlock()

	tx, err := j.conn.Begin(ctx, opts)
	j.record(transaction.OpBegin, n, err)
	if err != nil {
		return nil, err
	}
	rt := &recordingTx{journal: j, n: n, tx: tx}
	if sp, ok := tx.(transaction.Savepointer); ok {
		return &recordingSavepointTx{recordingTx: rt, sp: sp}, nil
	}
	return rt, nil
}

func (j *Journal) record(op transaction.Op, n int, err error) {
	entry := fmt.Sprintf("%s#%d", op, n)
	if err != nil {
		entry += "!"
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, entry)
}

// Ops returns the recorded operations in call order.
func (j *Journal) Ops() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ops...)
}

// Count returns how many successful calls of op were recorded.
func (j *Journal) Count(op transaction.Op) int {
	prefix := string(op) + "#"
	n := 0
	for _, entry := range j.Ops() {
		if strings.HasPrefix(entry, prefix) && !strings.HasSuffix(entry, "!") {
			n++
		}
	}
	return n
}

type recordingTx struct {
	journal *Journal
	n       int
	tx      transaction.PhysicalTx
}

func (t *recordingTx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	t.journal.record(transaction.OpCommit, t.n, err)
	return err
}

func (t *recordingTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	t.journal.record(transaction.OpRollback, t.n, err)
	return err
}

type recordingSavepointTx struct {
	*recordingTx
	sp transaction.Savepointer
}

func (t *recordingSavepointTx) CreateSavepoint(ctx context.Context) (transaction.Savepoint, error) {
	name, err := t.sp.CreateSavepoint(ctx)
	t.journal.record(transaction.OpSavepoint, t.n, err)
	return name, err
}

func (t *recordingSavepointTx) RollbackToSavepoint(ctx context.Context, name transaction.Savepoint) error {
	err := t.sp.RollbackToSavepoint(ctx, name)
	t.journal.record(transaction.OpRollbackToSavepoint, t.n, err)
	return err
}

func (t *recordingSavepointTx) ReleaseSavepoint(ctx context.Context, name transaction.Savepoint) error {
	err := t.sp.ReleaseSavepoint(ctx, name)
	t.journal.record(transaction.OpReleaseSavepoint, t.n, err)
	return err
}

// Compile-time interface checks.
var (
	_ transaction.Connection  = (*Journal)(nil)
	_ transaction.PhysicalTx  = (*recordingTx)(nil)
	_ transaction.Savepointer = (*recordingSavepointTx)(nil)
)
