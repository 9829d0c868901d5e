package protocol

import (
	"context"

	"github.com/dukex/strata/pkg/models"
)

// BranchRunner executes a sibling step on behalf of a composite step.
type BranchRunner interface {
	RunBranch(ctx context.Context, stepID string) (*StepOutput, error)
}

// ChildRunner starts a child execution and waits for it to reach a terminal state.
type ChildRunner interface {
	RunChild(ctx context.Context, flowID string, input map[string]any) (*models.ExecutionState, error)
}

// StepInput is everything an executor may read.
type StepInput struct {
	ExecutionID string
	FlowID      string
	Tenant      string
	Step        *models.Step
	Attempt     int
	// Parameters are the step parameters with templates already rendered.
	Parameters  map[string]any
	Variables   map[string]any
	StepResults map[string]any
	Input       map[string]any
	// Throttled is set once the governor has throttled the execution.
	Throttled bool
	Branches  BranchRunner
	Children  ChildRunner
}

// TemplateData is the view of the execution exposed to parameter templates.
func (in StepInput) TemplateData() map[string]any {
	return map[string]any{
		"variables":    in.Variables,
		"step_results": in.StepResults,
		"input":        in.Input,
		"execution_id": in.ExecutionID,
		"flow_id":      in.FlowID,
	}
}

// StepOutput is what an executor returns on success.
type StepOutput struct {
	Data map[string]any
	// Variables are merged into the execution variables.
	Variables map[string]any
	// Alternate routes to the step's OnFailure target without failing, as a
	// false condition does.
	Alternate bool
	// Usage is the resource usage the step observed, folded into the allocation sample.
	Usage models.ResourceUsage
}

// StepExecutor runs steps of one type.
type StepExecutor interface {
	Type() models.StepType
	Execute(ctx context.Context, in StepInput) (*StepOutput, error)
}

// StepExecutorFactory builds an executor for registration.
type StepExecutorFactory interface {
	Type() models.StepType
	Description() string
	Create(ctx context.Context, config map[string]any) (StepExecutor, error)
}
