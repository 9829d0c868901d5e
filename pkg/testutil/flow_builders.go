// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/google/uuid"
)

// CreateTestStep creates a task step running the noop action; overrides adjust it.
func CreateTestStep(id string, overrides ...func(*models.Step)) *models.Step {
	step := &models.Step{
		ID:     id,
		Name:   "Test Step " + id,
		Type:   models.StepTypeTask,
		Action: "noop",
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// TaskStep creates a task step running action with params.
func TaskStep(id, action string, params map[string]any, overrides ...func(*models.Step)) *models.Step {
	return CreateTestStep(id, append([]func(*models.Step){WithAction(action, params)}, overrides...)...)
}

// WithAction sets the step action and its parameters.
func WithAction(action string, params map[string]any) func(*models.Step) {
	return func(s *models.Step) {
		s.Type = models.StepTypeTask
		s.Action = action
		s.Parameters = params
	}
}

// WithStepType changes the step type and clears the action.
func WithStepType(t models.StepType, params map[string]any) func(*models.Step) {
	return func(s *models.Step) {
		s.Type = t
		s.Action = ""
		s.Parameters = params
	}
}

func WithOnSuccess(next string) func(*models.Step) {
	return func(s *models.Step) {
		s.OnSuccess = &next
	}
}

func WithOnFailure(next string) func(*models.Step) {
	return func(s *models.Step) {
		s.OnFailure = &next
	}
}

func WithBranches(branches ...string) func(*models.Step) {
	return func(s *models.Step) {
		s.Branches = branches
	}
}

func WithRetry(maxAttempts int, backoff time.Duration) func(*models.Step) {
	return func(s *models.Step) {
		s.Retry = &models.RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff}
	}
}

func WithTimeout(d time.Duration) func(*models.Step) {
	return func(s *models.Step) {
		s.Timeout = d
	}
}

func WithTerminal() func(*models.Step) {
	return func(s *models.Step) {
		s.Terminal = true
	}
}

// CreateTestFlow creates a one-step flow with default values that can be overridden.
func CreateTestFlow(overrides ...func(*models.FlowDefinition)) *models.FlowDefinition {
	flow := &models.FlowDefinition{
		ID:    uuid.New().String(),
		Name:  "Test Flow",
		Owner: "test-user",
		Steps: []*models.Step{CreateTestStep("start")},
		Metadata: models.FlowMetadata{
			Visibility:   models.VisibilityTenant,
			TenantSubnet: "test-tenant",
		},
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

// WithSteps replaces the flow's steps.
func WithSteps(steps ...*models.Step) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.Steps = steps
	}
}

func WithFlowID(id string) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.ID = id
	}
}

func WithTenant(tenant string) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.Metadata.TenantSubnet = tenant
	}
}

// CreateTestWebhook creates an enabled webhook configuration targeting flowID.
func CreateTestWebhook(endpoint, flowID string, overrides ...func(*models.WebhookConfig)) *models.WebhookConfig {
	config := &models.WebhookConfig{
		ID:       uuid.New().String(),
		Endpoint: endpoint,
		FlowID:   flowID,
		Owner:    "test-user",
		Enabled:  true,
		Auth:     models.WebhookAuth{Type: models.AuthNone},
	}

	for _, override := range overrides {
		override(config)
	}

	return config
}
