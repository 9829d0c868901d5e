// Package modulecall runs another flow as a child execution and waits for it.
package modulecall

import (
	"context"
	"fmt"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/mitchellh/mapstructure"
)

type Params struct {
	FlowID string         `mapstructure:"flow_id"`
	Input  map[string]any `mapstructure:"input"`
}

type ExecutorFactory struct{}

func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{}
}

func (*ExecutorFactory) Type() models.StepType {
	return models.StepTypeModuleCall
}

func (*ExecutorFactory) Description() string {
	return "Starts parameters.flow_id as a child execution and succeeds when it completes."
}

func (*ExecutorFactory) Create(context.Context, map[string]any) (protocol.StepExecutor, error) {
	return &Executor{}, nil
}

type Executor struct{}

func (*Executor) Type() models.StepType {
	return models.StepTypeModuleCall
}

func (*Executor) Execute(ctx context.Context, in protocol.StepInput) (*protocol.StepOutput, error) {
	var params Params
	if err := mapstructure.Decode(in.Parameters, &params); err != nil || params.FlowID == "" {
		return nil, &models.StepError{
			Type:    models.StepErrorValidation,
			Message: fmt.Sprintf("module-call step %q requires a flow_id", in.Step.ID),
		}
	}

	if in.Children == nil {
		return nil, &models.StepError{Type: models.StepErrorInternal, Message: "no child runner available"}
	}

	child, err := in.Children.RunChild(ctx, params.FlowID, params.Input)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"child_execution_id": child.ExecutionID,
		"status":             string(child.Status),
		"variables":          child.Variables,
	}

	if child.Status != models.ExecutionStatusCompleted {
		message := fmt.Sprintf("child execution %s ended %s", child.ExecutionID, child.Status)
		if child.Error != nil {
			message += ": " + child.Error.Message
		}

		return nil, models.NewStepError(message)
	}

	return &protocol.StepOutput{Data: data}, nil
}
