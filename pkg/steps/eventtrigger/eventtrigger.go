// Package eventtrigger publishes an application event from inside a flow.
package eventtrigger

import (
	"context"
	"fmt"

	"github.com/dukex/strata/pkg/eventbus"
	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/mitchellh/mapstructure"
)

type Params struct {
	Event   string         `mapstructure:"event"`
	Payload map[string]any `mapstructure:"payload"`
}

type ExecutorFactory struct {
	publisher eventbus.EventPublisher
}

// NewExecutorFactory creates the factory. With a nil publisher events are
// built and returned as step data but not sent anywhere.
func NewExecutorFactory(publisher eventbus.EventPublisher) *ExecutorFactory {
	return &ExecutorFactory{publisher: publisher}
}

func (*ExecutorFactory) Type() models.StepType {
	return models.StepTypeEventTrigger
}

func (*ExecutorFactory) Description() string {
	return "Publishes parameters.event with parameters.payload on the event bus."
}

func (f *ExecutorFactory) Create(context.Context, map[string]any) (protocol.StepExecutor, error) {
	return &Executor{publisher: f.publisher}, nil
}

type Executor struct {
	publisher eventbus.EventPublisher
}

func (*Executor) Type() models.StepType {
	return models.StepTypeEventTrigger
}

func (e *Executor) Execute(ctx context.Context, in protocol.StepInput) (*protocol.StepOutput, error) {
	var params Params
	if err := mapstructure.Decode(in.Parameters, &params); err != nil {
		return nil, &models.StepError{Type: models.StepErrorValidation, Message: fmt.Sprintf("event parameters: %v", err)}
	}

	if params.Event == "" {
		return nil, &models.StepError{
			Type:    models.StepErrorValidation,
			Message: fmt.Sprintf("event-trigger step %q requires an event name", in.Step.ID),
		}
	}

	event := events.Custom{
		BaseEvent: events.NewBase(events.CustomEventType, in.ExecutionID, in.FlowID, in.Tenant),
		Name:      params.Event,
		Payload:   params.Payload,
	}

	published := false

	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, in.ExecutionID, event); err != nil {
			return nil, models.NewRetryableStepError(fmt.Sprintf("failed to publish %q: %v", params.Event, err))
		}

		published = true
	}

	return &protocol.StepOutput{
		Data: map[string]any{
			"event":     params.Event,
			"event_id":  event.ID,
			"published": published,
		},
	}, nil
}
