package domain

import "context"

// Sink is the next stage of the telemetry pipeline. Stages compose by
// holding a Sink and forwarding to it.
type Sink interface {
	// Forward hands the item to the stage. Implementations must not block on
	// network I/O; errors are returned to the caller unchanged.
	Forward(ctx context.Context, item *Item) error
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(ctx context.Context, item *Item) error

// Forward calls f(ctx, item).
func (f SinkFunc) Forward(ctx context.Context, item *Item) error {
	return f(ctx, item)
}

// Discard is a Sink that drops every item.
var Discard Sink = SinkFunc(func(context.Context, *Item) error { return nil })
