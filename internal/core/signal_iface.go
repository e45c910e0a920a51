package core

import (
	"context"
	"encoding/json"
)

// Frame is a raw encoded envelope.
type Frame []byte

// SignalConnection abstracts the relay-side messaging transport of one client.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Handler receives the positional arguments of one event.
type Handler func(args []json.RawMessage)

// SignalChannel is the agent's ordered link to the relay.
//
// Sends are at-most-once. Handlers run on a single reader goroutine in the
// order the relay delivered the frames. When the transport drops, or the relay
// sends "disconnected", the "disconnected" handlers fire exactly once and every
// later Send fails. Only a lost transport passes an argument: a
// protocol.ErrorPayload with code protocol.CodeTransportLost.
type SignalChannel interface {
	Send(event string, args ...any) error
	// Request sends event and waits for its acknowledgement.
	Request(ctx context.Context, event string, args ...any) ([]json.RawMessage, error)
	On(event string, h Handler)
	Close() error
}
