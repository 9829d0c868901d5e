package models

import (
	"errors"
	"fmt"
)

// ErrValidation marks malformed input: bad flow definitions, bad parameters, bad requests.
var ErrValidation = errors.New("validation failed")

// StepErrorType classifies a step failure.
type StepErrorType string

const (
	StepErrorValidation StepErrorType = "validation"
	StepErrorExecution  StepErrorType = "execution"
	StepErrorTimeout    StepErrorType = "timeout"
	StepErrorResource   StepErrorType = "resource"
	StepErrorInternal   StepErrorType = "internal"
)

// StepError is the recoverable failure of a single step. Retryable errors
// are re-dispatched according to the step's retry policy.
type StepError struct {
	Type      StepErrorType `json:"type"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// NewStepError builds a non-retryable execution error.
func NewStepError(message string) *StepError {
	return &StepError{Type: StepErrorExecution, Message: message}
}

// NewRetryableStepError builds a retryable execution error.
func NewRetryableStepError(message string) *StepError {
	return &StepError{Type: StepErrorExecution, Message: message, Retryable: true}
}

// AsStepError converts any error into a StepError, keeping typed ones intact.
func AsStepError(err error) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}

	if errors.Is(err, ErrValidation) {
		return &StepError{Type: StepErrorValidation, Message: err.Error()}
	}

	return &StepError{Type: StepErrorExecution, Message: err.Error()}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
