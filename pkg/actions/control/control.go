// Package control provides flow-control actions for task steps: noop, fail and sleep.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/mitchellh/mapstructure"
)

const (
	NoopID  = "noop"
	FailID  = "fail"
	SleepID = "sleep"
)

// Factories returns the factories of every control action.
func Factories() []protocol.ActionFactory {
	return []protocol.ActionFactory{&NoopFactory{}, &FailFactory{}, &SleepFactory{}}
}

type NoopFactory struct{}

func (*NoopFactory) ID() string          { return NoopID }
func (*NoopFactory) Description() string { return "Does nothing and succeeds." }

func (*NoopFactory) Create(context.Context, map[string]any) (protocol.Action, error) {
	return noop{}, nil
}

type noop struct{}

func (noop) Execute(context.Context, protocol.StepInput, *slog.Logger) (*protocol.StepOutput, error) {
	return &protocol.StepOutput{Data: map[string]any{}}, nil
}

type FailFactory struct{}

func (*FailFactory) ID() string { return FailID }

func (*FailFactory) Description() string {
	return "Fails the step with message; retryable controls whether the retry policy applies."
}

func (*FailFactory) Create(_ context.Context, config map[string]any) (protocol.Action, error) {
	var action Fail
	if err := mapstructure.Decode(config, &action); err != nil {
		return nil, fmt.Errorf("%w: fail parameters: %v", models.ErrValidation, err)
	}

	if action.Message == "" {
		action.Message = "step failed"
	}

	return &action, nil
}

// Fail always returns a step error.
type Fail struct {
	Message   string `mapstructure:"message"`
	Retryable bool   `mapstructure:"retryable"`
}

func (a *Fail) Execute(context.Context, protocol.StepInput, *slog.Logger) (*protocol.StepOutput, error) {
	if a.Retryable {
		return nil, models.NewRetryableStepError(a.Message)
	}

	return nil, models.NewStepError(a.Message)
}

type SleepFactory struct{}

func (*SleepFactory) ID() string { return SleepID }

func (*SleepFactory) Description() string {
	return "Waits duration_ms or until the step is cancelled."
}

func (*SleepFactory) Create(_ context.Context, config map[string]any) (protocol.Action, error) {
	var raw struct {
		DurationMs int `mapstructure:"duration_ms"`
	}

	if err := mapstructure.Decode(config, &raw); err != nil {
		return nil, fmt.Errorf("%w: sleep parameters: %v", models.ErrValidation, err)
	}

	if raw.DurationMs < 0 {
		return nil, fmt.Errorf("%w: duration_ms must not be negative", models.ErrValidation)
	}

	return &Sleep{Duration: time.Duration(raw.DurationMs) * time.Millisecond}, nil
}

// Sleep blocks for Duration, returning the context error when cancelled first.
type Sleep struct {
	Duration time.Duration
}

func (a *Sleep) Execute(ctx context.Context, _ protocol.StepInput, _ *slog.Logger) (*protocol.StepOutput, error) {
	timer := time.NewTimer(a.Duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return &protocol.StepOutput{
		Data:  map[string]any{"slept_ms": a.Duration.Milliseconds()},
		Usage: models.ResourceUsage{WallClockMs: a.Duration.Milliseconds()},
	}, nil
}
