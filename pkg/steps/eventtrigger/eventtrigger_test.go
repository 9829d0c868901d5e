package eventtrigger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/dukex/strata/pkg/steps/eventtrigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	keys   []string
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event events.Event) error {
	if p.err != nil {
		return p.err
	}

	p.keys = append(p.keys, key)
	p.events = append(p.events, event)

	return nil
}

func input(params map[string]any) protocol.StepInput {
	return protocol.StepInput{
		ExecutionID: "exec-1",
		FlowID:      "flow-1",
		Tenant:      "acme",
		Step:        &models.Step{ID: "notify", Type: models.StepTypeEventTrigger},
		Parameters:  params,
	}
}

func TestExecutor_Publishes(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}

	executor, err := eventtrigger.NewExecutorFactory(publisher).Create(context.Background(), nil)
	require.NoError(t, err)

	out, err := executor.Execute(context.Background(), input(map[string]any{
		"event":   "order.shipped",
		"payload": map[string]any{"order_id": "o-1"},
	}))
	require.NoError(t, err)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, []string{"exec-1"}, publisher.keys)

	event, ok := publisher.events[0].(events.Custom)
	require.True(t, ok)
	assert.Equal(t, "order.shipped", event.Name)
	assert.Equal(t, "exec-1", event.ExecutionID)
	assert.Equal(t, map[string]any{"order_id": "o-1"}, event.Payload)

	assert.Equal(t, true, out.Data["published"])
	assert.Equal(t, event.ID, out.Data["event_id"])
}

func TestExecutor_WithoutPublisher(t *testing.T) {
	t.Parallel()

	out, err := (&eventtrigger.ExecutorFactory{}).Create(context.Background(), nil)
	require.NoError(t, err)

	res, err := out.Execute(context.Background(), input(map[string]any{"event": "ping"}))
	require.NoError(t, err)
	assert.Equal(t, false, res.Data["published"])
}

func TestExecutor_Errors(t *testing.T) {
	t.Parallel()

	executor, err := eventtrigger.NewExecutorFactory(&recordingPublisher{err: errors.New("broker down")}).Create(context.Background(), nil)
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), input(map[string]any{}))
	require.Error(t, err)
	assert.Equal(t, models.StepErrorValidation, models.AsStepError(err).Type)

	_, err = executor.Execute(context.Background(), input(map[string]any{"event": "ping"}))
	require.Error(t, err)
	assert.True(t, models.AsStepError(err).Retryable)
}
