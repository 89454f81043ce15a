package transaction

import "fmt"

// Propagation decides how a new logical transaction relates to the one
// already bound to the execution context.
type Propagation uint8

const (
	// PropagationRequired joins the current transaction, or starts a new one if none is bound.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew always starts a new physical transaction, suspending the current one.
	PropagationRequiresNew
	// PropagationNested runs inside a savepoint of the current transaction, or starts a new one.
	PropagationNested
	// PropagationSupports joins the current transaction, or runs non-transactionally.
	PropagationSupports
	// PropagationNotSupported suspends the current transaction and runs non-transactionally.
	PropagationNotSupported
	// PropagationMandatory joins the current transaction and fails if none is bound.
	PropagationMandatory
	// PropagationNever runs non-transactionally and fails if a transaction is bound.
	PropagationNever
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	case PropagationNested:
		return "NESTED"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationNotSupported:
		return "NOT_SUPPORTED"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationNever:
		return "NEVER"
	default:
		return fmt.Sprintf("Propagation(%d)", uint8(p))
	}
}

// IsValid reports whether p is one of the declared propagation kinds.
func (p Propagation) IsValid() bool {
	return p <= PropagationNever
}

// ParsePropagation parses the String form of a Propagation.
func ParsePropagation(s string) (Propagation, error) {
	for p := PropagationRequired; p <= PropagationNever; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown propagation %q", s)
}

// Action is the coordinator behaviour selected by Resolve.
type Action uint8

const (
	ActionJoin Action = iota
	ActionStartNew
	ActionSuspendAndStartNew
	ActionSavepoint
	ActionNonTransactional
	ActionSuspendNonTransactional
)

func (a Action) String() string {
	switch a {
	case ActionJoin:
		return "JOIN"
	case ActionStartNew:
		return "START_NEW"
	case ActionSuspendAndStartNew:
		return "SUSPEND_AND_START_NEW"
	case ActionSavepoint:
		return "SAVEPOINT"
	case ActionNonTransactional:
		return "NON_TRANSACTIONAL"
	case ActionSuspendNonTransactional:
		return "SUSPEND_NON_TRANSACTIONAL"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Resolve maps a propagation behaviour and the presence of a bound transaction
// to the action the coordinator takes. It has no side effects.
func Resolve(p Propagation, active bool) (Action, error) {
	switch p {
	case PropagationRequired:
		if active {
			return ActionJoin, nil
		}
		return ActionStartNew, nil
	case PropagationRequiresNew:
		if active {
			return ActionSuspendAndStartNew, nil
		}
		return ActionStartNew, nil
	case PropagationNested:
		if active {
			return ActionSavepoint, nil
		}
		return ActionStartNew, nil
	case PropagationSupports:
		if active {
			return ActionJoin, nil
		}
		return ActionNonTransactional, nil
	case PropagationNotSupported:
		if active {
			return ActionSuspendNonTransactional, nil
		}
		return ActionNonTransactional, nil
	case PropagationMandatory:
		if active {
			return ActionJoin, nil
		}
		return 0, ErrNoTransaction
	case PropagationNever:
		if active {
			return 0, ErrExistingTransaction
		}
		return ActionNonTransactional, nil
	default:
		return 0, fmt.Errorf("%w: unknown propagation %s", ErrIllegalState, p)
	}
}
