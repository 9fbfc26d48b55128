package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"reentrant write", ErrReentrantWrite, ErrorReentrancy},
		{"no owner", ErrNoOwner, ErrorIdentity},
		{"peer unknown", ErrPeerUnknown, ErrorIdentity},
		{"privilege required", ErrPrivilegeRequired, ErrorPrivilege},
		{"not registered", ErrNotRegistered, ErrorRegistry},
		{"filtering denied", ErrFilteringDenied, ErrorRegistry},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"name claim", ErrNameClaim, ErrorFatal},
		{"unclassified", stderrors.New("something else"), ErrorProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("outer context: %w", ErrPrivilegeRequired)
	assert.Equal(t, ErrorPrivilege, Classify(err))
	assert.True(t, IsPrivilege(err))
}

func TestWrapFormat(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Router", "Dispatch", "handler scan")

	require.Error(t, err)
	assert.Equal(t, "Router.Dispatch: handler scan failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
	assert.NoError(t, WrapPrivilege(nil, "C", "M", "a"))
}

func TestWrapClassPreservedThroughChain(t *testing.T) {
	inner := WrapIdentity(ErrNoOwner, "Tracker", "queryOwner", "owner lookup")
	outer := fmt.Errorf("while dispatching: %w", inner)

	assert.Equal(t, ErrorIdentity, Classify(outer))

	var ce *ClassifiedError
	require.True(t, stderrors.As(outer, &ce))
	assert.Equal(t, "Tracker", ce.Component)
	assert.Equal(t, "queryOwner", ce.Operation)
	assert.True(t, stderrors.Is(outer, ErrNoOwner))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(WrapFatal(ErrBusUnavailable, "Main", "connect", "system bus")))
	assert.False(t, IsFatal(ErrReentrantWrite))
	assert.False(t, IsFatal(nil))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "protocol", ErrorProtocol.String())
	assert.Equal(t, "reentrancy", ErrorReentrancy.String())
	assert.Equal(t, "identity", ErrorIdentity.String())
	assert.Equal(t, "privilege", ErrorPrivilege.String())
	assert.Equal(t, "registry", ErrorRegistry.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestClassifiedErrorMessage(t *testing.T) {
	ce := &ClassifiedError{Class: ErrorRegistry, Err: ErrNotRegistered}
	assert.Equal(t, ErrNotRegistered.Error(), ce.Error())

	ce.Message = "custom"
	assert.Equal(t, "custom", ce.Error())
}
