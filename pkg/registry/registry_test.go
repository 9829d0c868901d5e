package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	stepType models.StepType
	config   map[string]any
}

func (m *mockExecutor) Type() models.StepType { return m.stepType }

func (m *mockExecutor) Execute(context.Context, protocol.StepInput) (*protocol.StepOutput, error) {
	return &protocol.StepOutput{}, nil
}

type mockStepFactory struct {
	stepType models.StepType
	created  int
	err      error
}

func (f *mockStepFactory) Type() models.StepType { return f.stepType }
func (f *mockStepFactory) Description() string   { return "mock" }

func (f *mockStepFactory) Create(_ context.Context, config map[string]any) (protocol.StepExecutor, error) {
	f.created++
	if f.err != nil {
		return nil, f.err
	}

	return &mockExecutor{stepType: f.stepType, config: config}, nil
}

type mockAction struct {
	config map[string]any
}

func (m *mockAction) Execute(context.Context, protocol.StepInput, *slog.Logger) (*protocol.StepOutput, error) {
	return &protocol.StepOutput{Data: m.config}, nil
}

type mockActionFactory struct{ id string }

func (f *mockActionFactory) ID() string          { return f.id }
func (f *mockActionFactory) Description() string { return "mock" }

func (f *mockActionFactory) Create(_ context.Context, config map[string]any) (protocol.Action, error) {
	return &mockAction{config: config}, nil
}

func newRegistry() *Registry {
	return NewRegistry(slog.New(slog.DiscardHandler))
}

func TestRegistry_ExecutorIsCreatedOnce(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	factory := &mockStepFactory{stepType: models.StepTypeTask}
	r.RegisterStep(factory, map[string]any{"limit": 2})

	first, err := r.Executor(context.Background(), models.StepTypeTask)
	require.NoError(t, err)

	second, err := r.Executor(context.Background(), models.StepTypeTask)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.created)
	assert.Equal(t, map[string]any{"limit": 2}, first.(*mockExecutor).config)
}

func TestRegistry_UnknownStepType(t *testing.T) {
	t.Parallel()

	_, err := newRegistry().Executor(context.Background(), models.StepTypeParallel)
	require.ErrorIs(t, err, ErrUnknownStepType)
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	boom := errors.New("boom")
	r.RegisterStep(&mockStepFactory{stepType: models.StepTypeCondition, err: boom}, nil)

	_, err := r.Executor(context.Background(), models.StepTypeCondition)
	require.ErrorIs(t, err, boom)
}

func TestRegistry_CreateAction(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.RegisterAction(&mockActionFactory{id: "echo"})

	action, err := r.CreateAction(context.Background(), "echo", map[string]any{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "hello"}, action.(*mockAction).config)

	action, err = r.CreateAction(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.NotNil(t, action.(*mockAction).config)

	_, err = r.CreateAction(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrUnknownAction)
	assert.True(t, models.IsValidation(err))
}

func TestRegistry_Listing(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.RegisterStep(&mockStepFactory{stepType: models.StepTypeTask}, nil)
	r.RegisterStep(&mockStepFactory{stepType: models.StepTypeCondition}, nil)
	r.RegisterAction(&mockActionFactory{id: "log"})
	r.RegisterAction(&mockActionFactory{id: "http"})

	assert.Equal(t, []models.StepType{models.StepTypeCondition, models.StepTypeTask}, r.StepTypes())
	assert.Equal(t, []string{"http", "log"}, r.Actions())
	assert.True(t, r.HasAction("log"))
	assert.False(t, r.HasAction("fail"))
}
