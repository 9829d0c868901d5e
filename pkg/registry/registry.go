// Package registry keeps the step executor and task action factories the engine
// dispatches to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
)

var (
	ErrUnknownStepType = errors.New("unknown step type")
	ErrUnknownAction   = errors.New("unknown action")
)

type Registry struct {
	logger *slog.Logger

	mu              sync.RWMutex
	stepFactories   map[models.StepType]protocol.StepExecutorFactory
	actionFactories map[string]protocol.ActionFactory
	executors       map[models.StepType]protocol.StepExecutor
	stepConfigs     map[models.StepType]map[string]any
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:          log.With("module", "registry"),
		stepFactories:   make(map[models.StepType]protocol.StepExecutorFactory),
		actionFactories: make(map[string]protocol.ActionFactory),
		executors:       make(map[models.StepType]protocol.StepExecutor),
		stepConfigs:     make(map[models.StepType]map[string]any),
	}
}

// RegisterStep adds a step executor factory. config is handed to Create on first use.
func (r *Registry) RegisterStep(factory protocol.StepExecutorFactory, config map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stepFactories[factory.Type()] = factory
	r.stepConfigs[factory.Type()] = config
	delete(r.executors, factory.Type())

	r.logger.Debug("registered step executor", "type", factory.Type())
}

func (r *Registry) RegisterAction(factory protocol.ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actionFactories[factory.ID()] = factory

	r.logger.Debug("registered action", "action", factory.ID())
}

// Executor returns the executor for stepType, creating it once.
func (r *Registry) Executor(ctx context.Context, stepType models.StepType) (protocol.StepExecutor, error) {
	r.mu.RLock()
	executor, ok := r.executors[stepType]
	r.mu.RUnlock()

	if ok {
		return executor, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if executor, ok := r.executors[stepType]; ok {
		return executor, nil
	}

	factory, ok := r.stepFactories[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, stepType)
	}

	executor, err := factory.Create(ctx, r.stepConfigs[stepType])
	if err != nil {
		return nil, fmt.Errorf("failed to create %q executor: %w", stepType, err)
	}

	r.executors[stepType] = executor

	return executor, nil
}

// CreateAction builds a fresh action from the step's rendered parameters.
func (r *Registry) CreateAction(ctx context.Context, id string, config map[string]any) (protocol.Action, error) {
	r.mu.RLock()
	factory, ok := r.actionFactories[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %w %q", models.ErrValidation, ErrUnknownAction, id)
	}

	if config == nil {
		config = map[string]any{}
	}

	return factory.Create(ctx, config)
}

// HasAction reports whether id is registered.
func (r *Registry) HasAction(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.actionFactories[id]

	return ok
}

func (r *Registry) StepTypes() []models.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.StepType, 0, len(r.stepFactories))
	for t := range r.stepFactories {
		types = append(types, t)
	}

	slices.Sort(types)

	return types
}

func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.actionFactories))
	for id := range r.actionFactories {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
