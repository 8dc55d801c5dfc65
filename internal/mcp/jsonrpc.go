package mcp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes. Codes in the range
// [CodeServerErrorMin, CodeServerErrorMax] are reserved for
// implementation-defined server errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerErrorMin = -32099
	CodeServerErrorMax = -32000
)

// Request is a JSON-RPC 2.0 request message. Params is omitted from the
// wire when nil.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object as reported by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsServerError reports whether the code falls in the implementation-defined
// server error band.
func (e *RPCError) IsServerError() bool {
	return e.Code >= CodeServerErrorMin && e.Code <= CodeServerErrorMax
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// MessageKind classifies an inbound frame.
type MessageKind int

const (
	// KindInvalid is a frame that is JSON but neither a request, response
	// nor notification.
	KindInvalid MessageKind = iota
	// KindRequest carries both an id and a method.
	KindRequest
	// KindResponse carries an id and no method.
	KindResponse
	// KindNotification carries a method and no id.
	KindNotification
)

// String returns the lowercase name of the kind.
func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is an inbound frame decoded only far enough to decide its shape.
// ID holds the raw id token so numeric and string ids both round-trip.
type Message struct {
	Kind   MessageKind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  json.RawMessage
}

// IDString returns the id as a string. JSON strings are unquoted; any other
// scalar is returned verbatim so "7" and 7 correlate alike.
func (m *Message) IDString() string {
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

// ParseMessage decodes a frame generically and classifies it by the
// presence of "id" and "method". A JSON null id counts as absent.
func ParseMessage(data []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	m := &Message{
		Params: fields["params"],
		Result: fields["result"],
	}
	if raw, ok := fields["id"]; ok && string(raw) != "null" {
		m.ID = raw
	}
	// Some servers send "error": null alongside a result. A null result
	// is kept: it is a valid success payload.
	if raw, ok := fields["error"]; ok && string(raw) != "null" {
		m.Error = raw
	}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &m.Method); err != nil {
			return nil, fmt.Errorf("parse method: %w", err)
		}
	}

	switch {
	case m.ID != nil && m.Method != "":
		m.Kind = KindRequest
	case m.ID != nil:
		m.Kind = KindResponse
	case m.Method != "":
		m.Kind = KindNotification
	default:
		m.Kind = KindInvalid
	}
	return m, nil
}

// errorResponse builds a response frame carrying an RPC error for the given
// raw id.
func errorResponse(id json.RawMessage, code int, msg string) ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   *RPCError       `json:"error"`
	}{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: msg},
	})
}
