package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WebSocket transport.
type WSConfig struct {
	// URL is the server endpoint. http(s) schemes are rewritten to ws(s).
	URL string

	// Headers are sent with the upgrade request (e.g., Authorization).
	Headers map[string]string

	// HandshakeTimeout bounds the HTTP upgrade (default: 10s).
	HandshakeTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport carries JSON-RPC frames over a single WebSocket. Each open
// connection gets its own read goroutine; writes are serialized.
type WSTransport struct {
	url     string
	headers http.Header
	dialer  websocket.Dialer
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex
}

// NewWSTransport creates a WebSocket transport for the given config. No
// connection is made until Open.
func NewWSTransport(cfg WSConfig) (*WSTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WSTransport{
		url:     u.String(),
		headers: headers,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		logger: logger,
	}, nil
}

// Open dials the server, reports OnOpen, and starts the read loop.
func (t *WSTransport) Open(ctx context.Context, l Listener) error {
	t.logger.Info("connecting to MCP server", "url", t.url)

	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	// Tool listings can be large; 16 MiB is far beyond any sane frame.
	conn.SetReadLimit(16 << 20)

	t.connMu.Lock()
	old := t.conn
	t.conn = conn
	t.connMu.Unlock()
	if old != nil {
		old.Close()
	}

	l.OnOpen()
	go t.readLoop(conn, l)
	return nil
}

// Send writes data as a single text frame.
func (t *WSTransport) Send(ctx context.Context, data []byte) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	t.logger.Log(ctx, LevelTrace, "frame sent", "frame", string(data))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears the socket down. The read loop of
// the closed connection exits silently.
func (t *WSTransport) Close(code int, reason string) error {
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		t.logger.Debug("close frame not sent", "error", err)
	}

	t.logger.Info("WebSocket closed", "code", code, "reason", reason)
	return conn.Close()
}

// readLoop owns reads for one connection until it fails or is closed.
func (t *WSTransport) readLoop(conn *websocket.Conn, l Listener) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.connMu.Lock()
			current := t.conn == conn
			if current {
				t.conn = nil
			}
			t.connMu.Unlock()
			conn.Close()

			if !current {
				// Closed locally via Close; the owner already knows.
				return
			}

			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				t.logger.Info("WebSocket closed by server", "code", ce.Code, "reason", ce.Text)
				l.OnClosing(ce.Code, ce.Text)
				l.OnClosed(ce.Code, ce.Text)
				return
			}

			t.logger.Error("WebSocket read error, connection lost", "error", err)
			l.OnFailure(&TransportError{Op: "read", Err: err})
			return
		}

		if msgType != websocket.TextMessage {
			t.logger.Debug("ignoring non-text frame", "type", msgType, "size", len(data))
			continue
		}

		t.logger.Log(context.Background(), LevelTrace, "frame received", "frame", string(data))
		l.OnMessage(data)
	}
}
