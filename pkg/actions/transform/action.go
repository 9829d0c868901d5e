// Package transform provides the transform action: it publishes an already
// rendered value as step data and merges named values into the execution variables.
package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/mitchellh/mapstructure"
)

const ID = "transform"

type ActionFactory struct{}

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

func (*ActionFactory) ID() string {
	return ID
}

func (*ActionFactory) Description() string {
	return "Emits value as the step result and merges set into the execution variables."
}

func (*ActionFactory) Create(_ context.Context, config map[string]any) (protocol.Action, error) {
	return NewAction(config)
}

// Action carries rendered parameters; templates are resolved before Create.
type Action struct {
	Value any            `mapstructure:"value"`
	Set   map[string]any `mapstructure:"set"`
}

func NewAction(config map[string]any) (*Action, error) {
	var action Action

	if err := mapstructure.Decode(config, &action); err != nil {
		return nil, fmt.Errorf("%w: transform parameters: %v", models.ErrValidation, err)
	}

	if action.Value == nil && len(action.Set) == 0 {
		return nil, fmt.Errorf("%w: transform requires value or set", models.ErrValidation)
	}

	return &action, nil
}

func (a *Action) Execute(ctx context.Context, _ protocol.StepInput, logger *slog.Logger) (*protocol.StepOutput, error) {
	logger.DebugContext(ctx, "transform applied", "action", ID, "variables", len(a.Set))

	return &protocol.StepOutput{
		Data:      map[string]any{"result": a.Value},
		Variables: a.Set,
	}, nil
}
