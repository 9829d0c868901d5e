package modulecall_test

import (
	"context"
	"testing"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/dukex/strata/pkg/steps/modulecall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type childRunner struct {
	flowID string
	input  map[string]any
	state  *models.ExecutionState
}

func (r *childRunner) RunChild(_ context.Context, flowID string, input map[string]any) (*models.ExecutionState, error) {
	r.flowID = flowID
	r.input = input

	return r.state, nil
}

func input(params map[string]any, runner protocol.ChildRunner) protocol.StepInput {
	return protocol.StepInput{
		ExecutionID: "parent",
		Step:        &models.Step{ID: "call", Type: models.StepTypeModuleCall},
		Parameters:  params,
		Children:    runner,
	}
}

func TestExecutor_CompletedChild(t *testing.T) {
	t.Parallel()

	runner := &childRunner{state: &models.ExecutionState{
		ExecutionID: "child-1",
		Status:      models.ExecutionStatusCompleted,
		Variables:   map[string]any{"score": 3.0},
	}}

	out, err := (&modulecall.Executor{}).Execute(context.Background(), input(map[string]any{
		"flow_id": "scoring",
		"input":   map[string]any{"user": "u-1"},
	}, runner))
	require.NoError(t, err)

	assert.Equal(t, "scoring", runner.flowID)
	assert.Equal(t, map[string]any{"user": "u-1"}, runner.input)
	assert.Equal(t, "child-1", out.Data["child_execution_id"])
	assert.Equal(t, map[string]any{"score": 3.0}, out.Data["variables"])
}

func TestExecutor_FailedChild(t *testing.T) {
	t.Parallel()

	runner := &childRunner{state: &models.ExecutionState{
		ExecutionID: "child-2",
		Status:      models.ExecutionStatusFailed,
		Error:       models.NewStepError("no credit"),
	}}

	_, err := (&modulecall.Executor{}).Execute(context.Background(), input(map[string]any{"flow_id": "scoring"}, runner))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credit")
	assert.False(t, models.AsStepError(err).Retryable)
}

func TestExecutor_Validation(t *testing.T) {
	t.Parallel()

	_, err := (&modulecall.Executor{}).Execute(context.Background(), input(map[string]any{}, &childRunner{}))
	require.Error(t, err)
	assert.Equal(t, models.StepErrorValidation, models.AsStepError(err).Type)

	_, err = (&modulecall.Executor{}).Execute(context.Background(), input(map[string]any{"flow_id": "x"}, nil))
	require.Error(t, err)
	assert.Equal(t, models.StepErrorInternal, models.AsStepError(err).Type)
}
