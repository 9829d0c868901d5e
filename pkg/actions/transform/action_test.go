package transform_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/strata/pkg/actions/transform"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAction_RequiresContent(t *testing.T) {
	t.Parallel()

	_, err := transform.NewAction(map[string]any{})
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	_, err = transform.NewAction(map[string]any{"set": "not-a-map"})
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}

func TestAction_Execute(t *testing.T) {
	t.Parallel()

	action, err := transform.NewActionFactory().Create(context.Background(), map[string]any{
		"value": map[string]any{"total": 42.0},
		"set":   map[string]any{"status": "priced"},
	})
	require.NoError(t, err)

	out, err := action.Execute(context.Background(), protocol.StepInput{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"total": 42.0}, out.Data["result"])
	assert.Equal(t, map[string]any{"status": "priced"}, out.Variables)
}
