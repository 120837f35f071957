package queue

import "context"

// Queue publishes evaluation events and lets consumers follow them.
type Queue interface {
	PublishEvent(ctx context.Context, event QueueEvent, data []byte) error
	// SubscribeEvent calls handler for every new event until ctx ends. A
	// handler error leaves the message unacknowledged for redelivery.
	SubscribeEvent(ctx context.Context, event QueueEvent, consumer string, handler func(context.Context, []byte) error) error
	Shutdown()
}

type QueueEvent string

const (
	EvalCompleted QueueEvent = "events.eval.completed"
)

const StreamName = "EVENTS"
