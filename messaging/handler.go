package messaging

import (
	"context"
)

// Handler processes a single delivery. A nil return acknowledges the
// message; any error sends it through the retry queue until the retry
// limit is reached, after which it is dead-lettered.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}
