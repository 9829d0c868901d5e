// Package events defines the typed lifecycle events emitted by the execution substrate.
package events

import (
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every lifecycle event.
const Topic = "strata.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionPausedEvent    EventType = "execution.paused"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionAbortedEvent   EventType = "execution.aborted"

	// Step events.
	StepDispatchedEvent EventType = "step.dispatched"
	StepCompletedEvent  EventType = "step.completed"
	StepFailedEvent     EventType = "step.failed"

	// State events.
	CheckpointCreatedEvent  EventType = "checkpoint.created"
	CheckpointRestoredEvent EventType = "checkpoint.restored"

	ResourceViolationEvent EventType = "resource.violation"

	// Admission events.
	WebhookAdmittedEvent EventType = "webhook.admitted"
	WebhookRejectedEvent EventType = "webhook.rejected"

	// CustomEventType is published by event-trigger steps.
	CustomEventType EventType = "custom"
)

// Event is implemented by every lifecycle event.
type Event interface {
	GetType() EventType
	GetBase() BaseEvent
}

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id,omitempty"`
	FlowID      string         `json:"flow_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (b BaseEvent) GetBase() BaseEvent {
	return b
}

// NewBase stamps a new event header.
func NewBase(eventType EventType, executionID, flowID, actor string) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		FlowID:      flowID,
		Actor:       actor,
	}
}

type ExecutionStarted struct {
	BaseEvent

	FlowVersion  int            `json:"flow_version"`
	TriggerType  string         `json:"trigger_type"`
	Tenant       string         `json:"tenant,omitempty"`
	AllocationID string         `json:"allocation_id,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionPaused struct {
	BaseEvent

	StepID string `json:"step_id,omitempty"`
}

func (e ExecutionPaused) GetType() EventType {
	return ExecutionPausedEvent
}

type ExecutionResumed struct {
	BaseEvent

	StepID string `json:"step_id,omitempty"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	CompletedSteps []string              `json:"completed_steps"`
	DurationMs     int64                 `json:"duration_ms"`
	Usage          *models.ResourceUsage `json:"usage,omitempty"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	StepID     string                  `json:"step_id,omitempty"`
	Error      *models.StepError       `json:"error,omitempty"`
	Cause      models.TerminationCause `json:"cause"`
	DurationMs int64                   `json:"duration_ms"`
	Input      map[string]any          `json:"input,omitempty"`
	// Violations is set when the governor terminated the execution.
	Violations []models.ResourceViolation `json:"violations,omitempty"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

// ExecutionAborted is a user-requested stop. Resource-violation terminations
// are reported as ExecutionFailed.
type ExecutionAborted struct {
	BaseEvent

	StepID     string                     `json:"step_id,omitempty"`
	Cause      models.TerminationCause    `json:"cause"`
	AbortedBy  string                     `json:"aborted_by,omitempty"`
	DurationMs int64                      `json:"duration_ms"`
	Violations []models.ResourceViolation `json:"violations,omitempty"`
}

func (e ExecutionAborted) GetType() EventType {
	return ExecutionAbortedEvent
}

type StepDispatched struct {
	BaseEvent

	StepID   string          `json:"step_id"`
	StepType models.StepType `json:"step_type"`
	Attempt  int             `json:"attempt"`
}

func (e StepDispatched) GetType() EventType {
	return StepDispatchedEvent
}

type StepCompleted struct {
	BaseEvent

	StepID     string          `json:"step_id"`
	StepType   models.StepType `json:"step_type"`
	Attempt    int             `json:"attempt"`
	DurationMs int64           `json:"duration_ms"`
	Output     map[string]any  `json:"output,omitempty"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type StepFailed struct {
	BaseEvent

	StepID     string            `json:"step_id"`
	StepType   models.StepType   `json:"step_type"`
	Attempt    int               `json:"attempt"`
	DurationMs int64             `json:"duration_ms"`
	Error      *models.StepError `json:"error"`
	WillRetry  bool              `json:"will_retry"`
}

func (e StepFailed) GetType() EventType {
	return StepFailedEvent
}

type CheckpointCreated struct {
	BaseEvent

	Name    string `json:"name"`
	Address string `json:"address"`
}

func (e CheckpointCreated) GetType() EventType {
	return CheckpointCreatedEvent
}

type CheckpointRestored struct {
	BaseEvent

	Name    string `json:"name"`
	Address string `json:"address"`
}

func (e CheckpointRestored) GetType() EventType {
	return CheckpointRestoredEvent
}

type ResourceViolationDetected struct {
	BaseEvent

	Violation models.ResourceViolation `json:"violation"`
}

func (e ResourceViolationDetected) GetType() EventType {
	return ResourceViolationEvent
}

type WebhookAdmitted struct {
	BaseEvent

	WebhookID string `json:"webhook_id"`
	Endpoint  string `json:"endpoint"`
	RiskScore int    `json:"risk_score"`
}

func (e WebhookAdmitted) GetType() EventType {
	return WebhookAdmittedEvent
}

type WebhookRejected struct {
	BaseEvent

	Endpoint string   `json:"endpoint"`
	Stage    string   `json:"stage"`
	Reasons  []string `json:"reasons"`
}

func (e WebhookRejected) GetType() EventType {
	return WebhookRejectedEvent
}

// Custom is an application event published by an event-trigger step.
type Custom struct {
	BaseEvent

	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (e Custom) GetType() EventType {
	return CustomEventType
}

var constructors = map[EventType]func() Event{
	ExecutionStartedEvent:   func() Event { return &ExecutionStarted{} },
	ExecutionPausedEvent:    func() Event { return &ExecutionPaused{} },
	ExecutionResumedEvent:   func() Event { return &ExecutionResumed{} },
	ExecutionCompletedEvent: func() Event { return &ExecutionCompleted{} },
	ExecutionFailedEvent:    func() Event { return &ExecutionFailed{} },
	ExecutionAbortedEvent:   func() Event { return &ExecutionAborted{} },
	StepDispatchedEvent:     func() Event { return &StepDispatched{} },
	StepCompletedEvent:      func() Event { return &StepCompleted{} },
	StepFailedEvent:         func() Event { return &StepFailed{} },
	CheckpointCreatedEvent:  func() Event { return &CheckpointCreated{} },
	CheckpointRestoredEvent: func() Event { return &CheckpointRestored{} },
	ResourceViolationEvent:  func() Event { return &ResourceViolationDetected{} },
	WebhookAdmittedEvent:    func() Event { return &WebhookAdmitted{} },
	WebhookRejectedEvent:    func() Event { return &WebhookRejected{} },
	CustomEventType:         func() Event { return &Custom{} },
}

// New returns an empty event of the given type, ready to be unmarshalled into.
func New(eventType EventType) (Event, bool) {
	constructor, ok := constructors[eventType]
	if !ok {
		return nil, false
	}

	return constructor(), true
}
