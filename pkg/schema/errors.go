package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeStateViolation = "STATE_VIOLATION"
	ErrCodeDoubleEmit     = "DOUBLE_EMIT"
	ErrCodeUnknownStep    = "UNKNOWN_STEP"
	ErrCodeAuth           = "AUTH_ERROR"
	ErrCodeDecode         = "DECODE_ERROR"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeStepFailed     = "STEP_FAILED"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeHopLimit       = "HOP_LIMIT"
)

// FlowError is the structured error type for all callflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID StepID) *FlowError {
	e.StepID = string(stepID)
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the outermost FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// RootCode returns the code of the innermost FlowError in err's chain, or "".
// Executor wrapping (STEP_FAILED) sits on top of the originating code.
func RootCode(err error) string {
	code := ""
	for err != nil {
		var fe *FlowError
		if !errors.As(err, &fe) {
			break
		}
		code = fe.Code
		err = fe.Cause
	}
	return code
}

// HasCode reports whether any FlowError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var fe *FlowError
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}
