package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// toolServer is a minimal task server speaking JSON-RPC over WebSocket.
type toolServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	auth   []string
	writes sync.Mutex
}

func newToolServer(t *testing.T) (*toolServer, *httptest.Server) {
	ts := &toolServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(ts.serve))
	t.Cleanup(srv.Close)
	return ts, srv
}

func (s *toolServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade: %v", err)
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			continue
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]any{"name": "ws-todo", "version": "0.9"},
			}
		case "initialized":
			result = nil
		case "tools/call":
			result = map[string]any{"content": []map[string]any{
				{"type": "text", "text": "Projects:\n- Inbox (ID: 1) [grey]"},
			}}
		default:
			continue
		}
		s.write(conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
}

func (s *toolServer) write(conn *websocket.Conn, v any) {
	s.writes.Lock()
	defer s.writes.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		s.t.Logf("server write: %v", err)
	}
}

func (s *toolServer) last() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *toolServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func newWSClient(t *testing.T, url string) (*Client, *fakeReconnector) {
	t.Helper()
	tr, err := NewWSTransport(WSConfig{
		URL:     url,
		Headers: map[string]string{"Authorization": "Bearer secret"},
	})
	if err != nil {
		t.Fatalf("NewWSTransport: %v", err)
	}
	c := NewClient(tr, testConfig())
	r := &fakeReconnector{}
	c.SetReconnector(r)
	t.Cleanup(func() { c.Close() })
	return c, r
}

func TestNewWSTransport_Schemes(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080/mcp", "ws://localhost:8080/mcp", false},
		{"https://todo.example.com/mcp", "wss://todo.example.com/mcp", false},
		{"ws://localhost/mcp", "ws://localhost/mcp", false},
		{"wss://localhost/mcp", "wss://localhost/mcp", false},
		{"ftp://localhost/mcp", "", true},
	}

	for _, tt := range tests {
		tr, err := NewWSTransport(WSConfig{URL: tt.in})
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewWSTransport(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewWSTransport(%q): %v", tt.in, err)
			continue
		}
		if tr.url != tt.want {
			t.Errorf("url = %q, want %q", tr.url, tt.want)
		}
	}
}

func TestWSTransport_SendBeforeOpen(t *testing.T) {
	tr, err := NewWSTransport(WSConfig{URL: "ws://127.0.0.1:1/mcp"})
	if err != nil {
		t.Fatalf("NewWSTransport: %v", err)
	}
	if err := tr.Send(context.Background(), []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}
	if err := tr.Close(CloseNormal, "noop"); err != nil {
		t.Errorf("Close on unopened transport: %v", err)
	}
}

func TestWebSocket_EndToEnd(t *testing.T) {
	ts, srv := newToolServer(t)
	c, _ := newWSClient(t, srv.URL)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	text, err := c.CallTool(context.Background(), "list_projects", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !strings.Contains(text, "Inbox (ID: 1)") {
		t.Errorf("text = %q", text)
	}
	if name, _ := c.ServerInfo(); name != "ws-todo" {
		t.Errorf("server name = %q, want ws-todo", name)
	}

	ts.mu.Lock()
	auth := ts.auth[0]
	ts.mu.Unlock()
	if auth != "Bearer secret" {
		t.Errorf("Authorization header = %q", auth)
	}

	// Server-pushed notification reaches the registered handler.
	got := make(chan json.RawMessage, 1)
	c.HandleNotification("notifications/tasks", func(p json.RawMessage) { got <- p })
	ts.write(ts.last(), map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/tasks",
		"params":  map[string]any{"message": "due", "taskCount": 1, "timestamp": 1},
	})
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestWebSocket_ServerCloseSchedulesReconnect(t *testing.T) {
	ts, srv := newToolServer(t)
	c, r := newWSClient(t, srv.URL)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitReady(t, c)

	conn := ts.last()
	ts.writes.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "restarting"),
		time.Now().Add(time.Second))
	ts.writes.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for r.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no reconnect scheduled; state = %s", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := c.State(); st != Disconnected {
		t.Errorf("State() = %s, want disconnected", st)
	}

	// The supervisor's path brings the session back on a new socket.
	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	waitReady(t, c)
	if n := ts.connCount(); n != 2 {
		t.Errorf("server saw %d connections, want 2", n)
	}
}

func TestWebSocket_DisconnectIsSilent(t *testing.T) {
	_, srv := newToolServer(t)
	c, r := newWSClient(t, srv.URL)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitReady(t, c)

	if err := c.Disconnect("done"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if r.count() != 0 {
		t.Errorf("reconnects scheduled = %d after Disconnect, want 0", r.count())
	}
	if st := c.State(); st != Disconnected {
		t.Errorf("State() = %s, want disconnected", st)
	}
}

func TestWebSocket_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, r := newWSClient(t, srv.URL)
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect to closed server succeeded")
	}
	if st := c.State(); st.Kind != StateError {
		t.Errorf("State() = %s, want error", st)
	}
	if r.count() != 1 {
		t.Errorf("reconnects scheduled = %d, want 1", r.count())
	}
}

func TestWebSocket_DisconnectDuringDialClosesSocket(t *testing.T) {
	closed := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			closed <- err
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c, r := newWSClient(t, srv.URL)
	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	if err := c.Disconnect("user logout"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-connectErr:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Connect error = %v, want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}

	select {
	case err := <-closed:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("server read error = %v, want normal closure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("socket opened after Disconnect was left open")
	}

	if st := c.State(); st != Disconnected {
		t.Errorf("State() = %s, want disconnected", st)
	}
	if r.count() != 0 {
		t.Errorf("reconnects scheduled = %d, want 0", r.count())
	}
}
