package control_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/strata/pkg/actions/control"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.DiscardHandler)

func create(t *testing.T, id string, config map[string]any) protocol.Action {
	t.Helper()

	for _, factory := range control.Factories() {
		if factory.ID() == id {
			action, err := factory.Create(context.Background(), config)
			require.NoError(t, err)

			return action
		}
	}

	t.Fatalf("no factory %q", id)

	return nil
}

func TestNoop(t *testing.T) {
	t.Parallel()

	out, err := create(t, control.NoopID, nil).Execute(context.Background(), protocol.StepInput{}, logger)
	require.NoError(t, err)
	assert.Empty(t, out.Data)
}

func TestFail(t *testing.T) {
	t.Parallel()

	_, err := create(t, control.FailID, map[string]any{"message": "boom"}).Execute(context.Background(), protocol.StepInput{}, logger)
	require.Error(t, err)

	stepErr := models.AsStepError(err)
	assert.Equal(t, "boom", stepErr.Message)
	assert.False(t, stepErr.Retryable)

	_, err = create(t, control.FailID, map[string]any{"retryable": true}).Execute(context.Background(), protocol.StepInput{}, logger)
	require.Error(t, err)
	assert.True(t, models.AsStepError(err).Retryable)
	assert.Equal(t, "step failed", models.AsStepError(err).Message)
}

func TestSleep(t *testing.T) {
	t.Parallel()

	out, err := create(t, control.SleepID, map[string]any{"duration_ms": 5.0}).Execute(context.Background(), protocol.StepInput{}, logger)
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Data["slept_ms"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = create(t, control.SleepID, map[string]any{"duration_ms": 60000.0}).Execute(ctx, protocol.StepInput{}, logger)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSleep_NegativeDuration(t *testing.T) {
	t.Parallel()

	_, err := (&control.SleepFactory{}).Create(context.Background(), map[string]any{"duration_ms": -1.0})
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}
