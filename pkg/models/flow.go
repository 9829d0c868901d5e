// Package models defines the core domain models for flow execution, resource governance and auditing.
package models

import (
	"fmt"
	"time"
)

// StepType identifies which executor runs a step.
type StepType string

const (
	StepTypeTask         StepType = "task"
	StepTypeCondition    StepType = "condition"
	StepTypeParallel     StepType = "parallel"
	StepTypeEventTrigger StepType = "event-trigger"
	StepTypeModuleCall   StepType = "module-call"
)

// Visibility controls who may start a flow.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTenant  Visibility = "tenant"
	VisibilityPublic  Visibility = "public"
)

// RetryPolicy bounds how often a failing step is re-dispatched.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"          validate:"min=0,max=10"`
	Backoff     time.Duration `json:"backoff,omitempty"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty"`
}

// Delay returns the backoff before the given attempt (attempt starts at 1).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil || p.Backoff <= 0 || attempt <= 1 {
		return 0
	}

	delay := p.Backoff << (attempt - 2)
	if p.MaxBackoff > 0 && (delay > p.MaxBackoff || delay <= 0) {
		return p.MaxBackoff
	}

	return delay
}

// Step is a single unit of work inside a flow.
type Step struct {
	ID         string         `json:"id"                    validate:"required"`
	Name       string         `json:"name"`
	Type       StepType       `json:"type"                  validate:"required,oneof=task condition parallel event-trigger module-call"`
	Action     string         `json:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// ParameterSchema is an optional JSON schema checked by the schema validation layer.
	ParameterSchema map[string]any `json:"parameter_schema,omitempty"`
	OnSuccess       *string        `json:"on_success,omitempty"`
	OnFailure       *string        `json:"on_failure,omitempty"`
	// Branches lists the step ids a parallel step fans out to.
	Branches []string      `json:"branches,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Retry    *RetryPolicy  `json:"retry,omitempty"`
	// Terminal stops the flow after this step succeeds when OnSuccess is not set.
	Terminal bool `json:"terminal,omitempty"`
}

// FlowMetadata carries descriptive and placement data for a flow.
type FlowMetadata struct {
	Tags         []string   `json:"tags,omitempty"`
	Visibility   Visibility `json:"visibility,omitempty"`
	TenantSubnet string     `json:"tenant_subnet,omitempty"`
	Description  string     `json:"description,omitempty"`
}

// FlowDefinition is an immutable, versioned graph of steps.
type FlowDefinition struct {
	ID          string       `json:"id"                    validate:"required"`
	Version     int          `json:"version"`
	Name        string       `json:"name"                  validate:"required,min=3"`
	Owner       string       `json:"owner"                 validate:"required"`
	Steps       []*Step      `json:"steps"                 validate:"required,min=1,dive"`
	Metadata    FlowMetadata `json:"metadata"`
	CreatedAt   time.Time    `json:"created_at"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
}

// StepByID returns the step with the given id.
func (f *FlowDefinition) StepByID(id string) (*Step, bool) {
	for _, step := range f.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// EntryStep returns the first step that is not a branch of a parallel step.
func (f *FlowDefinition) EntryStep() *Step {
	branches := f.branchSet()
	for _, step := range f.Steps {
		if !branches[step.ID] {
			return step
		}
	}

	return nil
}

// DefaultNext returns the id of the step declared after stepID, skipping
// parallel branches. It returns "" when stepID is the last step.
func (f *FlowDefinition) DefaultNext(stepID string) string {
	branches := f.branchSet()
	found := false

	for _, step := range f.Steps {
		if found && !branches[step.ID] {
			return step.ID
		}

		if step.ID == stepID {
			found = true
		}
	}

	return ""
}

func (f *FlowDefinition) branchSet() map[string]bool {
	set := make(map[string]bool)

	for _, step := range f.Steps {
		if step.Type == StepTypeParallel {
			for _, id := range step.Branches {
				set[id] = true
			}
		}
	}

	return set
}

// CheckGraph verifies step ids are unique and every reference resolves.
func (f *FlowDefinition) CheckGraph() error {
	seen := make(map[string]bool, len(f.Steps))

	for _, step := range f.Steps {
		if seen[step.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrValidation, step.ID)
		}

		seen[step.ID] = true
	}

	for _, step := range f.Steps {
		refs := make([]string, 0, 2+len(step.Branches))
		if step.OnSuccess != nil {
			refs = append(refs, *step.OnSuccess)
		}

		if step.OnFailure != nil {
			refs = append(refs, *step.OnFailure)
		}

		refs = append(refs, step.Branches...)

		for _, ref := range refs {
			if !seen[ref] {
				return fmt.Errorf("%w: step %q references unknown step %q", ErrValidation, step.ID, ref)
			}
		}

		if step.Type == StepTypeParallel && len(step.Branches) == 0 {
			return fmt.Errorf("%w: parallel step %q has no branches", ErrValidation, step.ID)
		}

		if step.Type == StepTypeModuleCall {
			if _, ok := step.Parameters["flow_id"].(string); !ok {
				return fmt.Errorf("%w: module-call step %q requires a flow_id parameter", ErrValidation, step.ID)
			}
		}
	}

	return nil
}
