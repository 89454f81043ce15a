// Package contracts defines the public event types emitted by the transaction coordinator.
package contracts

import "github.com/rai/clean-txpropagation-go/internal/platform/events"

const TransactionCompletedEventType events.EventType = "TransactionCompleted"

// Outcome values carried by TransactionCompletedEvent.
const (
	OutcomeCommitted          = "committed"
	OutcomeRolledBack         = "rolled_back"
	OutcomeUnexpectedRollback = "unexpected_rollback"
)

// TransactionCompletedEvent is published once per physical transaction, after it has
// committed or rolled back. The aggregate ID is the transaction ID.
type TransactionCompletedEvent struct {
	events.BaseEvent
	TransactionID string `json:"transaction_id"`
	Name          string `json:"name"`
	Propagation   string `json:"propagation"`
	Outcome       string `json:"outcome"`
	Error         string `json:"error,omitempty"`
}

func NewTransactionCompletedEvent(txID, name, propagation, outcome string, err error) TransactionCompletedEvent {
	e := TransactionCompletedEvent{
		BaseEvent:     events.NewBaseEvent(TransactionCompletedEventType, txID),
		TransactionID: txID,
		Name:          name,
		Propagation:   propagation,
		Outcome:       outcome,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Committed reports whether the transaction's changes were made durable.
func (e TransactionCompletedEvent) Committed() bool { return e.Outcome == OutcomeCommitted }
