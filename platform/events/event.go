// Package events carries domain events between modules without direct
// imports: the webhook and scheduler packages publish, the notification
// producer subscribes. It is platform infrastructure and knows nothing
// about the event types themselves.
package events

import (
	"context"
	"time"
)

// Event is implemented by every domain event crossing the bus.
type Event interface {
	// EventName identifies the event type; subscriptions key on it.
	EventName() string
	// OccurredAt is the moment the event was raised.
	OccurredAt() time.Time
}

// BaseEvent supplies the timestamp every event embeds.
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// OccurredAt implements Event.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// NewBaseEvent stamps a base event with the current time.
func NewBaseEvent() BaseEvent {
	return BaseEvent{Timestamp: time.Now()}
}

// Handler consumes events of one or more types.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls the underlying function.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus dispatches published events to the handlers subscribed to them.
type Bus interface {
	// Publish fans the event out to its handlers on background goroutines;
	// handler errors are logged, never returned. Business flows use this so
	// a failing notification path cannot block them.
	Publish(ctx context.Context, event Event)

	// PublishSync runs the handlers inline and joins their errors. The
	// scheduler worker uses this so a failed handler fails the task and
	// asynq retries it.
	PublishSync(ctx context.Context, event Event) error

	// Subscribe registers a handler under the event's EventName.
	Subscribe(eventName string, handler Handler)
}
