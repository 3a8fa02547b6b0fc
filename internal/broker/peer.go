// Package broker holds the in-memory state of the live classroom: the
// connection registry (who is connected, as what, in which session), the
// classroom code directory, and the ephemeral student-request routing
// table. All three are guarded by their own mutex and never perform I/O
// while holding it.
//
// The package is transport-agnostic: connections appear as [Peer]
// handles implemented by the server's websocket wrapper, so handlers and
// background loops can be tested against plain fakes.
package broker

import (
	"context"
	"time"
)

// CloseCode is a WebSocket close status carried through the transport
// boundary without importing the websocket package here.
type CloseCode int

// Close codes the broker emits.
const (
	// CloseNormal ends a connection during graceful shutdown.
	CloseNormal CloseCode = 1000

	// ClosePolicyViolation ends a connection after an invalid classroom
	// code or an expired session.
	ClosePolicyViolation CloseCode = 1008
)

// Peer is one connected client as seen by the broker. Implementations
// serialize writes internally; Send and Ping are safe to call from any
// goroutine and return once the frame is handed to the transport.
//
// After Terminate or a scheduled close fires, Send returns an error and
// the registry entry is removed by the server's read loop.
type Peer interface {
	// ID returns the stable connection id assigned at accept.
	ID() string

	// Send marshals v as JSON and writes it as one text frame.
	Send(ctx context.Context, v any) error

	// Ping sends a control-frame ping and waits for the pong.
	Ping(ctx context.Context) error

	// CloseAfter sends nothing further and closes the connection with the
	// given code once delay has passed. The delay leaves room for a final
	// explanatory frame to flush before tear-down.
	CloseAfter(delay time.Duration, code CloseCode, reason string)

	// Terminate drops the connection immediately without a close
	// handshake.
	Terminate()
}
