package transaction

import (
	"context"
	"sync"
)

// session is the binding slot of one execution context: the physical transaction
// currently bound to it plus the stack of bindings suspended underneath.
// Only the Coordinator mutates it.
type session struct {
	mu        sync.Mutex
	current   *binding
	suspended []*binding
}

type sessionKey struct{}

// WithSession returns ctx carrying a fresh execution context, unless ctx already has one.
// Independent call chains, such as separate goroutines handling separate requests,
// should each start from their own session.
func WithSession(ctx context.Context) context.Context {
	if sessionFromContext(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, &session{})
}

// WithoutSession returns ctx detached from any execution context, so that the next
// Begin on it starts an independent session.
func WithoutSession(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey{}, (*session)(nil))
}

func sessionFromContext(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}

func (s *session) currentBinding() *binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// push binds b as current and remembers the previous binding. Caller holds s.mu.
func (s *session) push(b *binding) (index int, previous *binding) {
	previous = s.current
	s.suspended = append(s.suspended, previous)
	s.current = b
	return len(s.suspended) - 1, previous
}

// pop restores the binding pushed at index. Caller holds s.mu.
func (s *session) pop(index int) *binding {
	previous := s.suspended[index]
	s.suspended[index] = nil
	s.suspended = s.suspended[:index]
	s.current = previous
	return previous
}

// suspendedCount returns the number of physical transactions waiting to be resumed.
func (s *session) suspendedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.suspended {
		if b != nil {
			n++
		}
	}
	return n
}

// IsActualTransactionActive reports whether a physical transaction is bound to ctx's execution context.
func IsActualTransactionActive(ctx context.Context) bool {
	s := sessionFromContext(ctx)
	return s != nil && s.currentBinding() != nil
}

// CurrentTransactionID returns the ID of the physical transaction bound to ctx.
func CurrentTransactionID(ctx context.Context) (string, bool) {
	b := currentBinding(ctx)
	if b == nil {
		return "", false
	}
	return b.id, true
}

// PhysicalFromContext returns the physical transaction bound to ctx.
// Repositories use it to run statements inside the current transaction.
func PhysicalFromContext(ctx context.Context) (PhysicalTx, bool) {
	b := currentBinding(ctx)
	if b == nil {
		return nil, false
	}
	return b.tx, true
}

// SuspendedCount returns how many physical transactions are suspended in ctx's execution context.
func SuspendedCount(ctx context.Context) int {
	s := sessionFromContext(ctx)
	if s == nil {
		return 0
	}
	return s.suspendedCount()
}

func currentBinding(ctx context.Context) *binding {
	s := sessionFromContext(ctx)
	if s == nil {
		return nil
	}
	return s.currentBinding()
}
