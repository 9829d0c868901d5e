// Package parallel fans a step out to its declared branches and joins them.
package parallel

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxConcurrency = 4

// Config is shared by the factory (executor default) and step parameters (override).
type Config struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

type ExecutorFactory struct{}

func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{}
}

func (*ExecutorFactory) Type() models.StepType {
	return models.StepTypeParallel
}

func (*ExecutorFactory) Description() string {
	return "Runs branches concurrently up to max_concurrency and succeeds only if every branch does."
}

func (*ExecutorFactory) Create(_ context.Context, config map[string]any) (protocol.StepExecutor, error) {
	cfg, err := decode(config, DefaultMaxConcurrency)
	if err != nil {
		return nil, err
	}

	return &Executor{maxConcurrency: cfg.MaxConcurrency}, nil
}

func decode(config map[string]any, fallback int) (Config, error) {
	var cfg Config
	if err := mapstructure.Decode(config, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parallel parameters: %v", models.ErrValidation, err)
	}

	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = fallback
	}

	return cfg, nil
}

type Executor struct {
	maxConcurrency int
}

func (*Executor) Type() models.StepType {
	return models.StepTypeParallel
}

// Execute returns each branch's data under its step id. The first branch
// failure cancels the remaining branches and fails the step.
func (e *Executor) Execute(ctx context.Context, in protocol.StepInput) (*protocol.StepOutput, error) {
	if len(in.Step.Branches) == 0 {
		return nil, &models.StepError{
			Type:    models.StepErrorValidation,
			Message: fmt.Sprintf("parallel step %q has no branches", in.Step.ID),
		}
	}

	if in.Branches == nil {
		return nil, &models.StepError{Type: models.StepErrorInternal, Message: "no branch runner available"}
	}

	cfg, err := decode(in.Parameters, e.maxConcurrency)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make(map[string]any, len(in.Step.Branches))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrency)

	for _, branch := range in.Step.Branches {
		g.Go(func() error {
			out, err := in.Branches.RunBranch(gctx, branch)
			if err != nil {
				stepErr := models.AsStepError(err)

				return &models.StepError{
					Type:      stepErr.Type,
					Message:   fmt.Sprintf("branch %q: %s", branch, stepErr.Message),
					Retryable: stepErr.Retryable,
				}
			}

			var data map[string]any
			if out != nil {
				data = out.Data
			}

			mu.Lock()
			results[branch] = data
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &protocol.StepOutput{Data: results}, nil
}
