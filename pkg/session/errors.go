package session

import (
	"fmt"
)

// CreationError means the session-creation protocol call failed.
type CreationError struct {
	ServerURL string
	Message   string
	Cause     error
}

// Error implements the error interface
func (e *CreationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("create session on %s: %v", e.ServerURL, e.Cause)
	}
	return fmt.Sprintf("create session on %s: %s", e.ServerURL, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *CreationError) Unwrap() error { return e.Cause }

// TerminationError means the teardown call failed with something other
// than a 404 (a missing remote session counts as already gone).
type TerminationError struct {
	SessionID string
	Message   string
	Cause     error
}

// Error implements the error interface
func (e *TerminationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("terminate session %s: %v", e.SessionID, e.Cause)
	}
	return fmt.Sprintf("terminate session %s: %s", e.SessionID, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *TerminationError) Unwrap() error { return e.Cause }

// ReconnectError means reconnection failed or the attempt budget was spent.
type ReconnectError struct {
	SessionID string
	Attempts  int
	Cause     error
}

// Error implements the error interface
func (e *ReconnectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("reconnect session %s (attempt %d): %v", e.SessionID, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("reconnect session %s: max attempts (%d) exhausted", e.SessionID, e.Attempts)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ReconnectError) Unwrap() error { return e.Cause }

// StateError means an operation was attempted from an illegal state.
type StateError struct {
	SessionID string
	Op        string
	Status    Status
}

// Error implements the error interface
func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s session %s while %s", e.Op, e.SessionID, e.Status)
}

// NotFoundError means no session with the given id is registered.
type NotFoundError struct {
	ID string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}
