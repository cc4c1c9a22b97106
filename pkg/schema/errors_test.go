package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeDecode, "not json")
	assert.Equal(t, "[DECODE_ERROR] not json", err.Error())

	err = NewErrorf(ErrCodeAuth, "capability %q rejected credential", "customer.get_customer_by_id").
		WithStep(StepDetermineRepeatedCall)
	assert.Equal(t, `[AUTH_ERROR] step DetermineRepeatedCall: capability "customer.get_customer_by_id" rejected credential`, err.Error())
}

func TestFlowError_UnwrapChain(t *testing.T) {
	root := errors.New("connection refused")
	transport := NewError(ErrCodeTransport, "call failed").WithCause(root)
	step := NewError(ErrCodeStepFailed, "step aborted").WithCause(transport)
	wrapped := fmt.Errorf("run r-1: %w", step)

	assert.ErrorIs(t, wrapped, root)

	var fe *FlowError
	require.ErrorAs(t, wrapped, &fe)
	assert.Equal(t, ErrCodeStepFailed, fe.Code)

	assert.Equal(t, ErrCodeStepFailed, CodeOf(wrapped))
	assert.Equal(t, ErrCodeTransport, RootCode(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeTransport))
	assert.False(t, HasCode(wrapped, ErrCodeAuth))
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Empty(t, CodeOf(errors.New("plain")))
	assert.Empty(t, RootCode(nil))
	assert.False(t, HasCode(nil, ErrCodeDecode))
}

func TestFlowError_WithDetails(t *testing.T) {
	err := NewError(ErrCodeStateViolation, "field already set").
		WithDetails(map[string]any{"field": "customer"})
	assert.Equal(t, "customer", err.Details["field"])
}
