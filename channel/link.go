package channel

import (
	"context"
	"encoding/json"
)

// EventHandler callback for one inbound event
type EventHandler func(payload json.RawMessage)

// AckHandler callback with the ACK body of an acknowledgable emit, or with the
// error proving the event was never delivered
type AckHandler func(reply json.RawMessage, undelivered error)

// Binding a handler attached to one link
type Binding interface {
	// Remove detach the handler from the link. Repeated calls are no-ops.
	Remove()
}

// Link one physical connection of the event channel.
//
// Handlers attached with On are called from the link's own goroutine. A link is
// never reused after Done closes.
type Link interface {
	// On attach a handler for an event
	On(event string, handler EventHandler) (Binding, error)
	// Emit send a fire-and-forget event
	Emit(ctxt context.Context, event string, payload interface{}) error
	// EmitWithAck send an event which the server acknowledges. onAck is called at
	// most once, when an ACK arrives or when the link knows nothing received it.
	EmitWithAck(ctxt context.Context, event string, payload interface{}, onAck AckHandler) error
	// Done closes when the link is lost or closed
	Done() <-chan struct{}
	// Err reason the link was lost, once Done is closed
	Err() error
	// Close the link
	Close() error
}

// Transport opens links to the event channel server
type Transport interface {
	// Name transport name, for logging and metrics
	Name() string
	// Dial open a new link
	Dial(ctxt context.Context) (Link, error)
}

// bindingFunc adapts a function into a Binding
type bindingFunc func()

func (f bindingFunc) Remove() { f() }
