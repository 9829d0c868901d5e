package protocol

import (
	"context"
	"log/slog"
)

// Action is one named operation a task step performs.
type Action interface {
	Execute(ctx context.Context, in StepInput, logger *slog.Logger) (*StepOutput, error)
}

// ActionFactory builds an action from the task step's rendered parameters.
type ActionFactory interface {
	ID() string
	Description() string
	Create(ctx context.Context, config map[string]any) (Action, error)
}
