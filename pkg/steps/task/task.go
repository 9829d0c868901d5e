// Package task runs task steps by dispatching to a registered action.
package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
)

// ActionSource builds actions by id; implemented by the registry.
type ActionSource interface {
	CreateAction(ctx context.Context, id string, config map[string]any) (protocol.Action, error)
}

type ExecutorFactory struct {
	actions ActionSource
	logger  *slog.Logger
}

func NewExecutorFactory(actions ActionSource, logger *slog.Logger) *ExecutorFactory {
	return &ExecutorFactory{actions: actions, logger: logger}
}

func (*ExecutorFactory) Type() models.StepType {
	return models.StepTypeTask
}

func (*ExecutorFactory) Description() string {
	return "Runs the step's action with its rendered parameters."
}

func (f *ExecutorFactory) Create(context.Context, map[string]any) (protocol.StepExecutor, error) {
	return &Executor{actions: f.actions, logger: f.logger.With("module", "task_step")}, nil
}

type Executor struct {
	actions ActionSource
	logger  *slog.Logger
}

func (*Executor) Type() models.StepType {
	return models.StepTypeTask
}

func (e *Executor) Execute(ctx context.Context, in protocol.StepInput) (*protocol.StepOutput, error) {
	if in.Step.Action == "" {
		return nil, &models.StepError{
			Type:    models.StepErrorValidation,
			Message: fmt.Sprintf("task step %q has no action", in.Step.ID),
		}
	}

	action, err := e.actions.CreateAction(ctx, in.Step.Action, in.Parameters)
	if err != nil {
		return nil, err
	}

	out, err := action.Execute(ctx, in, e.logger.With(
		"execution_id", in.ExecutionID,
		"step_id", in.Step.ID,
		"action", in.Step.Action,
	))
	if err != nil {
		return nil, err
	}

	if out == nil {
		out = &protocol.StepOutput{}
	}

	return out, nil
}
