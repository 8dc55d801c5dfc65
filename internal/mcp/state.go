package mcp

import "fmt"

// StateKind enumerates the connection lifecycle phases.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateError
)

// ConnectionState is the single observable liveness value of a Client.
// Message is only set for StateError.
type ConnectionState struct {
	Kind    StateKind
	Message string
}

var (
	// Disconnected is the initial state and the state after a close.
	Disconnected = ConnectionState{Kind: StateDisconnected}
	// Connecting is held while the socket is being dialed.
	Connecting = ConnectionState{Kind: StateConnecting}
	// Connected is held while the socket is open.
	Connected = ConnectionState{Kind: StateConnected}
)

// Errored returns the Error state carrying msg.
func Errored(msg string) ConnectionState {
	return ConnectionState{Kind: StateError, Message: msg}
}

// String renders the state for logs and CLI output.
func (s ConnectionState) String() string {
	switch s.Kind {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return fmt.Sprintf("error: %s", s.Message)
	default:
		return fmt.Sprintf("unknown(%d)", int(s.Kind))
	}
}

// handshakePhase tracks initialize/initialized progress for the current
// connection.
type handshakePhase int

const (
	phaseUnhandshaked handshakePhase = iota
	phaseHandshaking
	phaseReady
)
