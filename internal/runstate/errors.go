package runstate

import (
	"errors"
	"fmt"
)

// StateError is a typed error reported when a run is driven through an
// illegal status change or used in a status it cannot serve.
type StateError struct {
	Kind    ErrorKind
	RunID   string
	Status  Status
	Message string
	Cause   error
}

// ErrorKind categorizes the error for caller-side handling.
type ErrorKind int

const (
	ErrKindInvalidTransition ErrorKind = iota
	ErrKindTerminalStatus
	ErrKindInternal
)

func (e *StateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StateError) Unwrap() error {
	return e.Cause
}

// NewInvalidTransitionError creates an invalid-transition error.
func NewInvalidTransitionError(runID string, from, to Status) *StateError {
	return &StateError{
		Kind:    ErrKindInvalidTransition,
		RunID:   runID,
		Status:  from,
		Message: fmt.Sprintf("invalid status transition from %s to %s", from, to),
	}
}

// NewTerminalStatusError creates a terminal-status error.
func NewTerminalStatusError(runID string, status Status, operation string) *StateError {
	return &StateError{
		Kind:    ErrKindTerminalStatus,
		RunID:   runID,
		Status:  status,
		Message: fmt.Sprintf("cannot %s run in terminal status %s", operation, status),
	}
}

// NewInternalError wraps an internal error.
func NewInternalError(runID string, cause error) *StateError {
	return &StateError{
		Kind:    ErrKindInternal,
		RunID:   runID,
		Message: cause.Error(),
		Cause:   cause,
	}
}

// AsStateError attempts to convert an error to a StateError.
// Returns nil if not possible.
func AsStateError(err error) *StateError {
	var sErr *StateError
	if errors.As(err, &sErr) {
		return sErr
	}
	return nil
}

// IsInvalidTransition checks if the error is an invalid-transition error.
func IsInvalidTransition(err error) bool {
	sErr := AsStateError(err)
	return sErr != nil && sErr.Kind == ErrKindInvalidTransition
}

// IsTerminalStatus checks if the error is a terminal-status error.
func IsTerminalStatus(err error) bool {
	sErr := AsStateError(err)
	return sErr != nil && sErr.Kind == ErrKindTerminalStatus
}
