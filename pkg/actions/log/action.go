// Package log provides the log action, which writes a message at a chosen level.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/mitchellh/mapstructure"
)

const ID = "log"

// ActionFactory is the factory for creating log actions.
type ActionFactory struct{}

// NewActionFactory creates a new instance of ActionFactory.
func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

func (*ActionFactory) ID() string {
	return ID
}

func (*ActionFactory) Description() string {
	return "Logs a message at a specified level."
}

func (*ActionFactory) Create(_ context.Context, config map[string]any) (protocol.Action, error) {
	return NewAction(config)
}

// Action logs Message at Level.
type Action struct {
	Message string
	Level   slog.Level
}

// NewAction decodes {message, level}. Level defaults to info.
func NewAction(config map[string]any) (*Action, error) {
	var raw struct {
		Message any    `mapstructure:"message"`
		Level   string `mapstructure:"level"`
	}

	if err := mapstructure.Decode(config, &raw); err != nil {
		return nil, fmt.Errorf("%w: log parameters: %v", models.ErrValidation, err)
	}

	level, err := parseLevel(raw.Level)
	if err != nil {
		return nil, err
	}

	message := ""
	if raw.Message != nil {
		message = fmt.Sprint(raw.Message)
	}

	return &Action{Message: message, Level: level}, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", models.ErrValidation, level)
	}
}

func (a *Action) Execute(ctx context.Context, in protocol.StepInput, logger *slog.Logger) (*protocol.StepOutput, error) {
	logger.Log(ctx, a.Level, a.Message,
		"action", ID,
		"execution_id", in.ExecutionID,
		"attempt", in.Attempt,
	)

	return &protocol.StepOutput{
		Data: map[string]any{
			"message": a.Message,
			"level":   strings.ToLower(a.Level.String()),
		},
	}, nil
}
