package models

import (
	"maps"
	"slices"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusAborted   ExecutionStatus = "aborted"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusAborted:
		return true
	default:
		return false
	}
}

// TerminationCause distinguishes why an execution stopped early.
type TerminationCause string

const (
	TerminationAborted           TerminationCause = "aborted"
	TerminationResourceViolation TerminationCause = "resource_violation"
	TerminationStepFailure       TerminationCause = "step_failure"
	TerminationEngineError       TerminationCause = "engine_error"
)

// ExecutionContext is the trigger-supplied context of an execution.
type ExecutionContext struct {
	TriggeredBy  string         `json:"triggered_by"`
	TriggerType  string         `json:"trigger_type"`
	TenantSubnet string         `json:"tenant_subnet,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	// ParentExecutionID is set for executions started by a module-call step.
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	// Resources optionally narrows the tier ceilings for this execution.
	Resources *ResourceLimits `json:"resources,omitempty"`
	Throttled bool            `json:"throttled,omitempty"`
}

// ExecutionState is the full mutable record of one flow execution.
type ExecutionState struct {
	ExecutionID    string              `json:"execution_id"`
	FlowID         string              `json:"flow_id"`
	FlowVersion    int                 `json:"flow_version"`
	Status         ExecutionStatus     `json:"status"`
	CurrentStep    string              `json:"current_step,omitempty"`
	CompletedSteps []string            `json:"completed_steps"`
	FailedSteps    []string            `json:"failed_steps,omitempty"`
	Variables      map[string]any      `json:"variables"`
	StepResults    map[string]any      `json:"step_results"`
	Context        ExecutionContext    `json:"context"`
	AllocationID   string              `json:"allocation_id,omitempty"`
	Error          *StepError          `json:"error,omitempty"`
	Cause          TerminationCause    `json:"cause,omitempty"`
	AbortedBy      string              `json:"aborted_by,omitempty"`
	Violations     []ResourceViolation `json:"violations,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	EndedAt        *time.Time          `json:"ended_at,omitempty"`
}

// HasCompleted reports whether stepID is in the completed list.
func (s *ExecutionState) HasCompleted(stepID string) bool {
	return slices.Contains(s.CompletedSteps, stepID)
}

// Clone returns a deep enough copy for safe hand-out to readers.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}

	c := *s
	c.CompletedSteps = slices.Clone(s.CompletedSteps)
	c.FailedSteps = slices.Clone(s.FailedSteps)
	c.Variables = maps.Clone(s.Variables)
	c.StepResults = maps.Clone(s.StepResults)
	c.Violations = slices.Clone(s.Violations)
	c.Context.Input = maps.Clone(s.Context.Input)

	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}

	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}

	if s.Context.Resources != nil {
		r := *s.Context.Resources
		c.Context.Resources = &r
	}

	return &c
}

// Duration returns the elapsed time from start to end, or to now while running.
func (s *ExecutionState) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}

	return now.Sub(s.StartedAt)
}

// Checkpoint is a named, pinned snapshot of execution state.
type Checkpoint struct {
	ExecutionID string    `json:"execution_id"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	CreatedAt   time.Time `json:"created_at"`
}
