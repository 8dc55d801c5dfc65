package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the protocol client. Match them with
// errors.Is; server-reported failures arrive as *RPCError instead.
var (
	// ErrNotConnected is returned when a frame would be sent while the
	// connection is not in the Connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrNotInitialized is returned when the handshake has not reached
	// Ready within the bounded wait.
	ErrNotInitialized = errors.New("not initialized")

	// ErrTimeout is returned when no response arrives within the request
	// timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrMalformedResponse is returned for responses carrying neither
	// result nor error, and for tool results without a content block.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrSendFailed is wrapped by TransportError when a frame could not be
	// written to the socket.
	ErrSendFailed = errors.New("send failed")

	// ErrConnectionLost fails requests that were outstanding when the
	// connection failed or was closed.
	ErrConnectionLost = errors.New("connection lost")
)

// TransportError reports a socket-level failure: dial, write, or read.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ToolError is returned when a tools/call result is flagged isError. Text
// carries the server's explanation.
type ToolError struct {
	Tool string
	Text string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s returned error: %s", e.Tool, e.Text)
}
