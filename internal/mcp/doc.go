// Package mcp implements a long-lived MCP (Model Context Protocol) client
// for a remote task-management tool server.
//
// Messages are JSON-RPC 2.0 carried as text frames over a persistent
// WebSocket. The client owns the connection state machine
// (Disconnected, Connecting, Connected, Error), performs the
// initialize/initialized handshake on every new connection, correlates
// responses to requests by string id, and dispatches unsolicited server
// notifications to registered handlers off the socket read loop.
//
// Reconnection after an abnormal close or transport failure is delegated
// to a [Reconnector], normally a connwatch.Supervisor.
package mcp
