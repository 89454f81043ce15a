package transaction

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		propagation Propagation
		active      bool
		want        Action
		wantErr     error
	}{
		{PropagationRequired, false, ActionStartNew, nil},
		{PropagationRequired, true, ActionJoin, nil},
		{PropagationRequiresNew, false, ActionStartNew, nil},
		{PropagationRequiresNew, true, ActionSuspendAndStartNew, nil},
		{PropagationNested, false, ActionStartNew, nil},
		{PropagationNested, true, ActionSavepoint, nil},
		{PropagationSupports, false, ActionNonTransactional, nil},
		{PropagationSupports, true, ActionJoin, nil},
		{PropagationNotSupported, false, ActionNonTransactional, nil},
		{PropagationNotSupported, true, ActionSuspendNonTransactional, nil},
		{PropagationMandatory, false, 0, ErrNoTransaction},
		{PropagationMandatory, true, ActionJoin, nil},
		{PropagationNever, false, ActionNonTransactional, nil},
		{PropagationNever, true, 0, ErrExistingTransaction},
	}

	for _, tt := range tests {
		name := tt.propagation.String()
		if tt.active {
			name += "/active"
		} else {
			name += "/none"
		}
		t.Run(name, func(t *testing.T) {
			got, err := Resolve(tt.propagation, tt.active)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrIllegalState)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_IsDeterministic(t *testing.T) {
	for p := PropagationRequired; p <= PropagationNever; p++ {
		for _, active := range []bool{false, true} {
			first, firstErr := Resolve(p, active)
			for range 10 {
				got, err := Resolve(p, active)
				assert.Equal(t, first, got)
				assert.Equal(t, firstErr, err)
			}
		}
	}
}

func TestResolve_UnknownPropagation(t *testing.T) {
	_, err := Resolve(Propagation(42), false)
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.False(t, Propagation(42).IsValid())
}

func TestParsePropagation(t *testing.T) {
	for p := PropagationRequired; p <= PropagationNever; p++ {
		got, err := ParsePropagation(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParsePropagation("SOMETIMES")
	assert.Error(t, err)
}

func TestNewDefinition(t *testing.T) {
	def := NewDefinition()
	assert.Equal(t, PropagationRequired, def.Propagation)
	assert.Equal(t, IsolationDefault, def.Isolation)
	assert.False(t, def.ReadOnly)

	def = NewDefinition(
		WithPropagation(PropagationRequiresNew),
		WithIsolation(IsolationSerializable),
		WithReadOnly(),
		WithName("audit"),
	)
	assert.Equal(t, TxOptions{Isolation: IsolationSerializable, ReadOnly: true, Name: "audit"}, def.txOptions())
	assert.Equal(t, PropagationRequiresNew, def.Propagation)
}

func TestResourceError(t *testing.T) {
	cause := errors.New("connection reset")
	err := resourceError(OpCommit, "tx-1", cause)

	assert.ErrorIs(t, err, ErrResourceFailure)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrIllegalState)
	assert.Contains(t, err.Error(), "commit")
	assert.Contains(t, err.Error(), "tx-1")
	assert.Nil(t, resourceError(OpCommit, "tx-1", nil))
}
