package gossip

import "context"

// Transport delivers a message to a peer. Implementations may block on
// connection setup and may silently drop; a returned error is handled the
// same as a lost message.
type Transport interface {
	Send(ctx context.Context, to Id, msg Message) error
}

// Handler consumes inbound messages. *Member implements it.
type Handler interface {
	Handle(ctx context.Context, msg Message)
}
