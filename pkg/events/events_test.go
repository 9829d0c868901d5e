package events

import (
	"encoding/json"
	"testing"

	"github.com/dukex/strata/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBase(t *testing.T) {
	t.Parallel()

	base := NewBase(ExecutionStartedEvent, "exec-1", "flow-1", "alice")

	assert.NotEmpty(t, base.ID)
	assert.Equal(t, ExecutionStartedEvent, base.Type)
	assert.Equal(t, "exec-1", base.ExecutionID)
	assert.Equal(t, "flow-1", base.FlowID)
	assert.Equal(t, "alice", base.Actor)
	assert.False(t, base.Timestamp.IsZero())
}

func TestNew_KnowsEveryType(t *testing.T) {
	t.Parallel()

	for eventType := range constructors {
		event, ok := New(eventType)
		require.True(t, ok, eventType)
		assert.Equal(t, eventType, event.GetType())
	}

	_, ok := New("nope")
	assert.False(t, ok)
}

func TestEvent_DecodesThroughConstructor(t *testing.T) {
	t.Parallel()

	original := StepFailed{
		BaseEvent:  NewBase(StepFailedEvent, "exec-1", "flow-1", "engine"),
		StepID:     "fetch",
		StepType:   models.StepTypeTask,
		Attempt:    2,
		DurationMs: 15,
		Error:      &models.StepError{Type: models.StepErrorTimeout, Message: "deadline exceeded", Retryable: true},
		WillRetry:  true,
	}

	payload, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, ok := New(StepFailedEvent)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(payload, decoded))

	failed, ok := decoded.(*StepFailed)
	require.True(t, ok)
	assert.Equal(t, "fetch", failed.StepID)
	assert.Equal(t, "exec-1", failed.GetBase().ExecutionID)
	assert.True(t, failed.Error.Retryable)
}
