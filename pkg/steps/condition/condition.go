// Package condition evaluates boolean branch points. A false result routes to the
// step's failure successor without failing the execution.
package condition

import (
	"context"
	"fmt"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/dukex/strata/pkg/template"
)

const ExpressionParam = "expression"

type ExecutorFactory struct{}

func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{}
}

func (*ExecutorFactory) Type() models.StepType {
	return models.StepTypeCondition
}

func (*ExecutorFactory) Description() string {
	return "Evaluates parameters.expression; true follows on_success, false follows on_failure."
}

func (*ExecutorFactory) Create(context.Context, map[string]any) (protocol.StepExecutor, error) {
	return &Executor{}, nil
}

type Executor struct{}

func (*Executor) Type() models.StepType {
	return models.StepTypeCondition
}

func (*Executor) Execute(_ context.Context, in protocol.StepInput) (*protocol.StepOutput, error) {
	raw, ok := in.Parameters[ExpressionParam]
	if !ok || raw == nil {
		return nil, &models.StepError{
			Type:    models.StepErrorValidation,
			Message: fmt.Sprintf("condition step %q requires an expression", in.Step.ID),
		}
	}

	result, err := evaluate(raw, in)
	if err != nil {
		return nil, &models.StepError{Type: models.StepErrorValidation, Message: err.Error()}
	}

	return &protocol.StepOutput{
		Data:      map[string]any{"result": result},
		Alternate: !result,
	}, nil
}

// evaluate accepts an already rendered value or an expression string evaluated
// against the execution data.
func evaluate(raw any, in protocol.StepInput) (bool, error) {
	switch typed := raw.(type) {
	case bool:
		return typed, nil
	case float64:
		return typed != 0, nil
	case int:
		return typed != 0, nil
	case string:
		return template.Truthy(typed, in.TemplateData())
	default:
		return false, fmt.Errorf("unsupported expression type %T", raw)
	}
}
