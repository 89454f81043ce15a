package transaction

import "fmt"

// Isolation is the isolation level hint passed to the resource connection.
type Isolation uint8

const (
	IsolationDefault Isolation = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (i Isolation) String() string {
	switch i {
	case IsolationDefault:
		return "DEFAULT"
	case IsolationReadUncommitted:
		return "READ_UNCOMMITTED"
	case IsolationReadCommitted:
		return "READ_COMMITTED"
	case IsolationRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationSerializable:
		return "SERIALIZABLE"
	default:
		return fmt.Sprintf("Isolation(%d)", uint8(i))
	}
}

// Definition is the immutable configuration of one logical transaction.
// Isolation and ReadOnly only apply when the definition starts a new physical transaction.
type Definition struct {
	Propagation Propagation
	Isolation   Isolation
	ReadOnly    bool
	Name        string
}

// DefinitionOption configures a Definition.
type DefinitionOption func(*Definition)

// NewDefinition returns a REQUIRED definition with opts applied.
func NewDefinition(opts ...DefinitionOption) Definition {
	def := Definition{Propagation: PropagationRequired}
	for _, opt := range opts {
		opt(&def)
	}
	return def
}

func WithPropagation(p Propagation) DefinitionOption {
	return func(d *Definition) { d.Propagation = p }
}

func WithIsolation(i Isolation) DefinitionOption {
	return func(d *Definition) { d.Isolation = i }
}

func WithReadOnly() DefinitionOption {
	return func(d *Definition) { d.ReadOnly = true }
}

// WithName labels the transaction in logs, spans and events.
func WithName(name string) DefinitionOption {
	return func(d *Definition) { d.Name = name }
}

func (d Definition) txOptions() TxOptions {
	return TxOptions{Isolation: d.Isolation, ReadOnly: d.ReadOnly, Name: d.Name}
}
