// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	ErrFlowNotFound       = errors.New("flow not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrWebhookNotFound    = errors.New("webhook not found")
	ErrWebhookExists      = errors.New("webhook endpoint already registered")
	ErrRecordNotFound     = errors.New("audit record not found")
	ErrRecordConflict     = errors.New("audit record sequence already taken")
	ErrStateNotFound      = errors.New("state not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrInvalidID          = errors.New("invalid identifier")
)

// EntityError wraps a repository error with the operation and entity it concerns.
type EntityError struct {
	Op     string // Operation being performed (e.g., "FlowByID", "SaveWebhook")
	Entity string // Entity kind, e.g. "flow"
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrWebhookNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrStateNotFound) ||
		errors.Is(err, ErrCheckpointNotFound)
}

// IsConflict reports whether err is a uniqueness or sequencing conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrWebhookExists) || errors.Is(err, ErrRecordConflict)
}
