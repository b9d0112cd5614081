// Package transport defines the connection boundary the session talks to.
package transport

import (
	"context"
	"errors"
)

// Reserved lifecycle events delivered through On.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// EventGetWebConn announces one account to the remote side after connect.
const EventGetWebConn = "GetWebConn"

var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrClosed       = errors.New("transport is closed")
)

// Callback receives the raw JSON data of one inbound event. Lifecycle events carry nil.
type Callback func(data []byte)

// AckFunc receives the remote acknowledgement of an emitted event.
type AckFunc func(data []byte)

// Transport is a connected, bidirectional named-event channel.
type Transport interface {
	// Connect establishes the first connection. Later reconnects are the transport's business.
	Connect(ctx context.Context, address string) error
	// On registers fn for an inbound event name. Callbacks must return quickly.
	On(event string, fn Callback)
	// Emit sends one event. ack may be nil.
	Emit(ctx context.Context, event string, payload any, ack AckFunc) error
	Disconnect() error
	// Wait blocks until the connection is over. It returns nil after Disconnect.
	Wait() error
}
