package mcp

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level frame logging.
const LevelTrace = slog.Level(-8)

// CloseNormal is the WebSocket normal-closure status code. Any other
// close code is treated as abnormal and triggers a reconnect.
const CloseNormal = 1000

// Listener receives connection lifecycle events from a Transport.
// OnOpen is invoked once per successful Open, before any OnMessage.
// Every other callback is invoked from the transport's read goroutine
// and must not block on network I/O.
type Listener interface {
	OnOpen()
	OnMessage(data []byte)
	OnClosing(code int, reason string)
	OnClosed(code int, reason string)
	OnFailure(err error)
}

// Transport is a duplex text-frame connection to an MCP server.
// Implementations own the socket exclusively and serialize writes.
type Transport interface {
	// Open dials the server and starts delivering events to l. A dial
	// error is returned directly and no listener callback fires.
	Open(ctx context.Context, l Listener) error

	// Send writes one text frame. Returns ErrNotConnected if no socket
	// is open.
	Send(ctx context.Context, data []byte) error

	// Close sends a close frame with the given code and reason and
	// releases the socket. Closing an unopened transport is a no-op.
	Close(code int, reason string) error
}
