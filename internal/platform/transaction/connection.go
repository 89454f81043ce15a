package transaction

import "context"

// TxOptions are the hints handed to Connection.Begin.
type TxOptions struct {
	Isolation Isolation
	ReadOnly  bool
	Name      string
}

// Connection opens physical transactions on a single resource.
// Acquisition and pooling are the implementation's concern.
type Connection interface {
	Begin(ctx context.Context, opts TxOptions) (PhysicalTx, error)
}

// PhysicalTx is one begin/commit/rollback cycle on a Connection.
type PhysicalTx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Savepoint identifies a savepoint created inside a PhysicalTx.
type Savepoint string

// Savepointer is implemented by physical transactions that support savepoints.
// NESTED propagation requires it.
type Savepointer interface {
	CreateSavepoint(ctx context.Context) (Savepoint, error)
	RollbackToSavepoint(ctx context.Context, sp Savepoint) error
	ReleaseSavepoint(ctx context.Context, sp Savepoint) error
}
