package condition_test

import (
	"context"
	"testing"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/dukex/strata/pkg/steps/condition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute(t *testing.T) {
	t.Parallel()

	step := &models.Step{ID: "check", Type: models.StepTypeCondition}

	tests := []struct {
		name       string
		expression any
		variables  map[string]any
		want       bool
	}{
		{name: "rendered true", expression: true, want: true},
		{name: "rendered false", expression: false, want: false},
		{name: "number", expression: 0.0, want: false},
		{name: "variable path", expression: ".variables.approved", variables: map[string]any{"approved": true}, want: true},
		{name: "missing variable", expression: ".variables.approved", variables: map[string]any{}, want: false},
		{name: "template", expression: `{{ eq .variables.tier "gold" }}`, variables: map[string]any{"tier": "gold"}, want: true},
	}

	executor, err := condition.NewExecutorFactory().Create(context.Background(), nil)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := executor.Execute(context.Background(), protocol.StepInput{
				Step:       step,
				Parameters: map[string]any{"expression": tt.expression},
				Variables:  tt.variables,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.want, out.Data["result"])
			assert.Equal(t, !tt.want, out.Alternate)
		})
	}
}

func TestExecutor_MissingExpression(t *testing.T) {
	t.Parallel()

	_, err := (&condition.Executor{}).Execute(context.Background(), protocol.StepInput{
		Step: &models.Step{ID: "check", Type: models.StepTypeCondition},
	})
	require.Error(t, err)
	assert.Equal(t, models.StepErrorValidation, models.AsStepError(err).Type)
}

func TestExecutor_UnsupportedExpression(t *testing.T) {
	t.Parallel()

	_, err := (&condition.Executor{}).Execute(context.Background(), protocol.StepInput{
		Step:       &models.Step{ID: "check", Type: models.StepTypeCondition},
		Parameters: map[string]any{"expression": []any{1}},
	})
	require.Error(t, err)
}
