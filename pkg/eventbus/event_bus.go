// Package eventbus fans lifecycle events out to optional observers. Delivery
// is fire-and-forget: the audit ledger never depends on it.
package eventbus

import (
	"context"

	"github.com/dukex/strata/pkg/events"
)

// EventPublisher publishes an event under a partition key, usually the
// execution id, so one execution's events stay ordered.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event events.Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler errors nack the message so the bus redelivers it.
type EventHandler func(ctx context.Context, event events.Event) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
