package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/strata/pkg/models"
)

var (
	// ErrStateConflict is returned for lifecycle transitions the current status does not allow.
	ErrStateConflict = errors.New("state conflict")
	// ErrExecutionNotFound is returned for unknown execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrNoStateStore is returned by checkpoint operations when no state store is configured.
	ErrNoStateStore = errors.New("state store not configured")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// StateConflictError reports an illegal transition. It has no side effect on the execution.
type StateConflictError struct {
	Op          string
	ExecutionID string
	Status      models.ExecutionStatus
	Reason      string
}

func (e *StateConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s execution %s: %s", e.Op, e.ExecutionID, e.Reason)
	}

	return fmt.Sprintf("cannot %s execution %s in status %s", e.Op, e.ExecutionID, e.Status)
}

func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}
