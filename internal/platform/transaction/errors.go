package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState is returned when a caller violates the transaction state machine,
	// e.g. completing the same transaction twice.
	ErrIllegalState = errors.New("illegal transaction state")

	// ErrUnexpectedRollback is returned when commit was requested on a transaction that
	// had already been marked rollback-only. The transaction has been rolled back.
	ErrUnexpectedRollback = errors.New("transaction silently rolled back because it has been marked as rollback-only")

	// ErrResourceFailure matches every *ResourceError.
	ErrResourceFailure = errors.New("transaction resource failure")

	// ErrNestedNotSupported is returned by NESTED propagation when the bound physical
	// transaction cannot create savepoints.
	ErrNestedNotSupported = errors.New("nested transactions are not supported by the resource connection")

	// ErrNoTransaction is returned by MANDATORY propagation outside of a transaction.
	ErrNoTransaction = fmt.Errorf("%w: no existing transaction found for transaction marked with propagation MANDATORY", ErrIllegalState)

	// ErrExistingTransaction is returned by NEVER propagation inside a transaction.
	ErrExistingTransaction = fmt.Errorf("%w: existing transaction found for transaction marked with propagation NEVER", ErrIllegalState)

	errAlreadyCompleted = fmt.Errorf("%w: transaction is already completed - do not call commit or rollback more than once per transaction", ErrIllegalState)
	errNotInnermost     = fmt.Errorf("%w: transaction is not the innermost active scope of its execution context", ErrIllegalState)
	errOwnerCompleted   = fmt.Errorf("%w: participating transaction outlived its owning transaction", ErrIllegalState)
	errNilStatus        = fmt.Errorf("%w: transaction status is nil", ErrIllegalState)
)

// Op names a physical resource operation.
type Op string

const (
	OpBegin               Op = "begin"
	OpCommit              Op = "commit"
	OpRollback            Op = "rollback"
	OpSavepoint           Op = "savepoint"
	OpRollbackToSavepoint Op = "rollback_to_savepoint"
	OpReleaseSavepoint    Op = "release_savepoint"
)

// ResourceError reports a failed call on the underlying Connection.
// The coordinator never retries; the original error is available via errors.Unwrap.
type ResourceError struct {
	Op            Op
	TransactionID string
	Err           error
}

func (e *ResourceError) Error() string {
	if e.TransactionID == "" {
		return fmt.Sprintf("transaction resource %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transaction resource %s failed (tx %s): %v", e.Op, e.TransactionID, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrResourceFailure.
func (e *ResourceError) Is(target error) bool { return target == ErrResourceFailure }

func resourceError(op Op, txID string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Op: op, TransactionID: txID, Err: err}
}
