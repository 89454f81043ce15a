package transaction

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of a logical transaction.
type State int32

const (
	StateCreated State = iota
	StateActive
	stateCompleting
	StateCommitted
	StateRolledBack
	StateUnexpectedRollback
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case stateCompleting:
		return "completing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateUnexpectedRollback:
		return "unexpected_rollback"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// IsCompleted reports whether s is a terminal state.
func (s State) IsCompleted() bool { return s >= StateCommitted }

// Status is the handle of one logical transaction returned by Coordinator.Begin.
// It references the physical transaction it participates in but does not own the connection.
type Status struct {
	def     Definition
	action  Action
	session *session

	// binding is nil for non-transactional scopes.
	binding *binding
	newTx   bool

	// owner is the rollback authority marked when this scope is rolled back as a participant.
	// New and savepoint scopes are their own owner.
	owner *Status

	savepoint    Savepoint
	hasSavepoint bool
	// prevScope is the rollback authority restored when a savepoint scope completes.
	prevScope *Status

	// slotIndex is the position on the session's suspended stack this status pushed, or -1.
	slotIndex int

	rollbackOnly atomic.Bool
	state        atomic.Int32
}

func (s *Status) String() string {
	return fmt.Sprintf("Status{id=%s propagation=%s new=%t state=%s}", s.ID(), s.def.Propagation, s.newTx, s.State())
}

// ID returns the identifier of the physical transaction this scope runs in,
// or an empty string for non-transactional scopes.
func (s *Status) ID() string {
	if s.binding == nil {
		return ""
	}
	return s.binding.id
}

// Name returns the definition name, falling back to the physical transaction's name.
func (s *Status) Name() string {
	if s.def.Name != "" || s.binding == nil {
		return s.def.Name
	}
	return s.binding.name
}

func (s *Status) Definition() Definition { return s.def }

// Action returns the propagation decision taken for this scope.
func (s *Status) Action() Action { return s.action }

// IsNewTransaction reports whether Begin opened a new physical transaction for this scope.
func (s *Status) IsNewTransaction() bool { return s.newTx }

// HasTransaction reports whether this scope runs inside a physical transaction.
func (s *Status) HasTransaction() bool { return s.binding != nil }

func (s *Status) HasSavepoint() bool { return s.hasSavepoint }

// Savepoint returns the savepoint held by a NESTED scope.
func (s *Status) Savepoint() (Savepoint, bool) { return s.savepoint, s.hasSavepoint }

// SetRollbackOnly marks this scope so that its eventual commit rolls back instead.
// The flag can never be cleared.
func (s *Status) SetRollbackOnly() { s.rollbackOnly.Store(true) }

// IsRollbackOnly reports whether this scope, or the scope it participates in, is rollback-only.
func (s *Status) IsRollbackOnly() bool {
	return s.IsLocalRollbackOnly() || s.isGlobalRollbackOnly()
}

// IsLocalRollbackOnly reports whether SetRollbackOnly was called on this scope itself.
func (s *Status) IsLocalRollbackOnly() bool { return s.rollbackOnly.Load() }

func (s *Status) isGlobalRollbackOnly() bool {
	return s.owner != nil && s.owner != s && s.owner.rollbackOnly.Load()
}

func (s *Status) State() State { return State(s.state.Load()) }

// IsCompleted reports whether Commit or Rollback has finished on this scope.
func (s *Status) IsCompleted() bool { return s.State().IsCompleted() }

// ownsSlot reports whether this scope replaced the session's current binding.
func (s *Status) ownsSlot() bool { return s.slotIndex >= 0 }
