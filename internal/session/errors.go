package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrShuttingDown    = errors.New("registry is shutting down")
	ErrLaunchTimeout   = errors.New("browser launch timed out")
	ErrCapacityReached = errors.New("session capacity reached")
)

// LaunchError reports that no session was created because the browser could
// not be started.
type LaunchError struct {
	ID    string
	Cause error
}

func (e *LaunchError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("launch browser: %v", e.Cause)
	}
	return fmt.Sprintf("launch browser for session %s: %v", e.ID, e.Cause)
}

func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// TerminationError reports that the driver failed to stop a session's
// browser. The session is gone from the registry regardless.
type TerminationError struct {
	ID    string
	Cause error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminate session %s: %v", e.ID, e.Cause)
}

func (e *TerminationError) Unwrap() error {
	return e.Cause
}
