package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/nugget/todolink/internal/events"
)

// sentFrame is an outbound frame as captured by fakeTransport.
type sentFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Error  *RPCError       `json:"error"`
}

// responder scripts the fake server. Returning respond=false leaves the
// request unanswered.
type responder func(f sentFrame) (result any, rpcErr *RPCError, respond bool)

// fakeTransport is an in-memory Transport whose server side is scripted
// by a responder.
type fakeTransport struct {
	mu       sync.Mutex
	listener Listener
	sent     []sentFrame
	closes   []int
	openErr  error
	sendErr  error
	respond  responder
	delay    func() time.Duration
}

func newFakeTransport(r responder) *fakeTransport {
	return &fakeTransport{respond: r}
}

func (t *fakeTransport) Open(_ context.Context, l Listener) error {
	t.mu.Lock()
	if t.openErr != nil {
		t.mu.Unlock()
		return t.openErr
	}
	t.listener = l
	t.mu.Unlock()
	l.OnOpen()
	return nil
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	var f sentFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("fake transport: bad frame: %w", err)
	}

	t.mu.Lock()
	if t.sendErr != nil {
		t.mu.Unlock()
		return t.sendErr
	}
	t.sent = append(t.sent, f)
	r, l, delay := t.respond, t.listener, t.delay
	t.mu.Unlock()

	if r == nil || f.Method == "" {
		return nil
	}
	result, rpcErr, ok := r(f)
	if !ok {
		return nil
	}
	frame := map[string]any{"jsonrpc": "2.0", "id": f.ID}
	if rpcErr != nil {
		frame["error"] = rpcErr
	} else {
		frame["result"] = result
	}
	out, _ := json.Marshal(frame)

	go func() {
		if delay != nil {
			time.Sleep(delay())
		}
		l.OnMessage(out)
	}()
	return nil
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.mu.Lock()
	t.closes = append(t.closes, code)
	t.mu.Unlock()
	return nil
}

// push delivers a raw frame as if the server sent it.
func (t *fakeTransport) push(frame string) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	l.OnMessage([]byte(frame))
}

func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	l.OnFailure(err)
}

func (t *fakeTransport) closeWith(code int) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	l.OnClosing(code, "bye")
	l.OnClosed(code, "bye")
}

func (t *fakeTransport) frames(method string) []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentFrame
	for _, f := range t.sent {
		if f.Method == method {
			out = append(out, f)
		}
	}
	return out
}

// fakeReconnector records Schedule calls.
type fakeReconnector struct {
	mu      sync.Mutex
	reasons []string
}

func (r *fakeReconnector) Schedule(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *fakeReconnector) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

// handshakeResponder answers the handshake and delegates everything else.
func handshakeResponder(next responder) responder {
	return func(f sentFrame) (any, *RPCError, bool) {
		switch f.Method {
		case methodInitialize:
			return map[string]any{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]any{"name": "todo-server", "version": "1.2.0"},
			}, nil, true
		case methodInitialized:
			return nil, nil, true
		}
		if next == nil {
			return nil, nil, false
		}
		return next(f)
	}
}

func testConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout:    time.Second,
		HandshakePoll:     time.Millisecond,
		HandshakeAttempts: 500,
	}
}

// connectedClient returns a client whose handshake has completed.
func connectedClient(t *testing.T, next responder) (*Client, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(handshakeResponder(next))
	c := NewClient(ft, testConfig())
	t.Cleanup(func() { c.Close() })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitReady(t, c)
	return c, ft
}

func waitReady(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("handshake did not complete; state = %s", c.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClient_Handshake(t *testing.T) {
	c, ft := connectedClient(t, nil)

	inits := ft.frames(methodInitialize)
	if len(inits) != 1 {
		t.Fatalf("sent %d initialize requests, want 1", len(inits))
	}
	var params struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if err := json.Unmarshal(inits[0].Params, &params); err != nil {
		t.Fatalf("unmarshal initialize params: %v", err)
	}
	if params.ProtocolVersion != protocolVersion {
		t.Errorf("protocolVersion = %q, want %q", params.ProtocolVersion, protocolVersion)
	}
	if params.Capabilities == nil || len(params.Capabilities) != 0 {
		t.Errorf("capabilities = %v, want empty object", params.Capabilities)
	}
	if params.ClientInfo.Name != "todolink" {
		t.Errorf("clientInfo.name = %q, want %q", params.ClientInfo.Name, "todolink")
	}

	// initialized must travel the request path: it has an id.
	dones := ft.frames(methodInitialized)
	if len(dones) != 1 {
		t.Fatalf("sent %d initialized requests, want 1", len(dones))
	}
	if dones[0].ID == "" {
		t.Error("initialized was sent without an id")
	}
	if len(dones[0].Params) != 0 && string(dones[0].Params) != "null" {
		t.Errorf("initialized params = %s, want null/omitted", dones[0].Params)
	}

	name, version := c.ServerInfo()
	if name != "todo-server" || version != "1.2.0" {
		t.Errorf("ServerInfo() = %q, %q", name, version)
	}
	if got := c.State(); got != Connected {
		t.Errorf("State() = %s, want connected", got)
	}
}

func TestClient_HandshakeFailureFailsCallsFast(t *testing.T) {
	ft := newFakeTransport(func(f sentFrame) (any, *RPCError, bool) {
		if f.Method == methodInitialize {
			return nil, &RPCError{Code: CodeInternalError, Message: "boom"}, true
		}
		return nil, nil, false
	})
	cfg := testConfig()
	cfg.HandshakeAttempts = 20
	c := NewClient(ft, cfg)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	_, err := c.Call(context.Background(), "tools/call", nil)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Call error = %v, want ErrNotInitialized", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("gate took %v, want bounded wait", elapsed)
	}
	if len(ft.frames(methodInitialized)) != 0 {
		t.Error("initialized sent after failed initialize")
	}
}

func TestClient_CallWaitsForHandshake(t *testing.T) {
	ft := newFakeTransport(handshakeResponder(func(f sentFrame) (any, *RPCError, bool) {
		return map[string]any{"ok": true}, nil, true
	}))
	// Slow server: the first response lands well after the call is issued.
	ft.delay = func() time.Duration { return 30 * time.Millisecond }
	c := NewClient(ft, testConfig())
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Ready() {
		t.Fatal("expected handshake to still be in flight")
	}

	raw, err := c.Call(context.Background(), "notifications/getStatus", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Errorf("result = %s", raw)
	}
}

func TestClient_NullErrorBesideResultIsSuccess(t *testing.T) {
	c, ft := connectedClient(t, func(f sentFrame) (any, *RPCError, bool) {
		return nil, nil, false
	})

	type reply struct {
		raw json.RawMessage
		err error
	}
	done := make(chan reply, 1)
	go func() {
		raw, err := c.Call(context.Background(), "tools/call", nil)
		done <- reply{raw, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(ft.frames("tools/call")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("tools/call never sent")
		}
		time.Sleep(time.Millisecond)
	}
	id := ft.frames("tools/call")[0].ID
	ft.push(`{"jsonrpc":"2.0","id":"` + id + `","result":{"ok":true},"error":null}`)

	got := <-done
	if got.err != nil {
		t.Fatalf("Call: %v", got.err)
	}
	if string(got.raw) != `{"ok":true}` {
		t.Errorf("result = %s", got.raw)
	}
}

func TestClient_CallWhileDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeAttempts = 3
	c := NewClient(newFakeTransport(nil), cfg)
	defer c.Close()

	_, err := c.Call(context.Background(), "tools/call", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Call error = %v, want ErrNotConnected", err)
	}
}

func TestClient_ConcurrentCallsCorrelate(t *testing.T) {
	// Echo params back as the result, answering in random order.
	c, ft := connectedClient(t, func(f sentFrame) (any, *RPCError, bool) {
		return json.RawMessage(f.Params), nil, true
	})
	ft.mu.Lock()
	ft.delay = func() time.Duration { return time.Duration(rand.IntN(5)) * time.Millisecond }
	ft.mu.Unlock()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := c.Call(context.Background(), "echo", map[string]int{"n": i})
			if err != nil {
				errs <- err
				return
			}
			var got struct{ N int }
			if err := json.Unmarshal(raw, &got); err != nil {
				errs <- err
				return
			}
			if got.N != i {
				errs <- fmt.Errorf("call %d got response for %d", i, got.N)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestClient_TimeoutRemovesPending(t *testing.T) {
	ft := newFakeTransport(handshakeResponder(nil))
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	c := NewClient(ft, cfg)
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitReady(t, c)

	_, err := c.Call(context.Background(), "never/answered", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call error = %v, want ErrTimeout", err)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d after timeout, want 0", n)
	}

	// A late response for the timed-out id is discarded quietly.
	f := ft.frames("never/answered")[0]
	ft.push(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`, f.ID))
}

func TestClient_FailureFailsAllPending(t *testing.T) {
	c, ft := connectedClient(t, nil)
	r := &fakeReconnector{}
	c.SetReconnector(r)

	const k = 5
	errs := make(chan error, k)
	for range k {
		go func() {
			_, err := c.Call(context.Background(), "hang", nil)
			errs <- err
		}()
	}

	deadline := time.Now().Add(time.Second)
	for c.PendingCount() < k {
		if time.Now().After(deadline) {
			t.Fatalf("only %d requests pending", c.PendingCount())
		}
		time.Sleep(time.Millisecond)
	}

	ft.fail(&TransportError{Op: "read", Err: errors.New("connection reset by peer")})

	for range k {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionLost) {
				t.Errorf("pending call error = %v, want ErrConnectionLost", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending call not resolved after failure")
		}
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
	if st := c.State(); st.Kind != StateError {
		t.Errorf("State() = %s, want error", st)
	}
	if c.Ready() {
		t.Error("Ready() should be false after failure")
	}
	if r.count() != 1 {
		t.Errorf("reconnects scheduled = %d, want 1", r.count())
	}
}

func TestClient_CloseCodes(t *testing.T) {
	tests := []struct {
		name          string
		code          int
		wantReconnect int
	}{
		{"normal closure", CloseNormal, 0},
		{"going away", 1001, 1},
		{"abnormal", 1006, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ft := connectedClient(t, nil)
			r := &fakeReconnector{}
			c.SetReconnector(r)

			ft.closeWith(tt.code)

			if got := c.State(); got != Disconnected {
				t.Errorf("State() = %s, want disconnected", got)
			}
			if r.count() != tt.wantReconnect {
				t.Errorf("reconnects scheduled = %d, want %d", r.count(), tt.wantReconnect)
			}
		})
	}
}

func TestClient_DialFailure(t *testing.T) {
	ft := newFakeTransport(nil)
	ft.openErr = errors.New("connection refused")
	c := NewClient(ft, testConfig())
	defer c.Close()
	r := &fakeReconnector{}
	c.SetReconnector(r)

	err := c.Connect(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "dial" {
		t.Fatalf("Connect error = %v, want dial TransportError", err)
	}
	if st := c.State(); st.Kind != StateError {
		t.Errorf("State() = %s, want error", st)
	}
	if r.count() != 1 {
		t.Errorf("reconnects scheduled = %d, want 1", r.count())
	}
}

func TestClient_SendFailure(t *testing.T) {
	c, ft := connectedClient(t, nil)
	ft.mu.Lock()
	ft.sendErr = errors.New("broken pipe")
	ft.mu.Unlock()

	_, err := c.Call(context.Background(), "tools/call", nil)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Call error = %v, want ErrSendFailed", err)
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Errorf("Call error %T does not wrap *TransportError", err)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d after send failure, want 0", n)
	}
}

func TestClient_RPCError(t *testing.T) {
	c, _ := connectedClient(t, func(f sentFrame) (any, *RPCError, bool) {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "no such method"}, true
	})

	_, err := c.Call(context.Background(), "bogus", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call error = %v, want *RPCError", err)
	}
	if rpcErr.Code != CodeMethodNotFound || rpcErr.Message != "no such method" {
		t.Errorf("RPCError = %+v", rpcErr)
	}
}

func TestClient_MalformedResponse(t *testing.T) {
	c, ft := connectedClient(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "half", nil)
		errCh <- err
	}()

	var id string
	deadline := time.Now().Add(time.Second)
	for id == "" {
		if frames := ft.frames("half"); len(frames) > 0 {
			id = frames[0].ID
		}
		if time.Now().After(deadline) {
			t.Fatal("request never sent")
		}
		time.Sleep(time.Millisecond)
	}

	ft.push(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q}`, id))

	if err := <-errCh; !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("Call error = %v, want ErrMalformedResponse", err)
	}
}

func TestClient_GarbageFramesIgnored(t *testing.T) {
	c, ft := connectedClient(t, func(f sentFrame) (any, *RPCError, bool) {
		return "pong", nil, true
	})

	ft.push("not json at all")
	ft.push(`{"jsonrpc":"2.0"}`)
	ft.push(`{"jsonrpc":"2.0","id":"nobody-asked","result":1}`)

	raw, err := c.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call after garbage: %v", err)
	}
	if string(raw) != `"pong"` {
		t.Errorf("result = %s", raw)
	}
	if st := c.State(); st != Connected {
		t.Errorf("State() = %s, want connected", st)
	}
}

func TestClient_NotificationDispatch(t *testing.T) {
	c, ft := connectedClient(t, nil)

	got := make(chan json.RawMessage, 4)
	c.HandleNotification("notifications/tasks", func(params json.RawMessage) {
		got <- params
	})

	ft.push(`{"jsonrpc":"2.0","method":"notifications/unknown","params":{}}`)
	ft.push(`{"jsonrpc":"2.0","method":"notifications/tasks","params":{"message":"3 tasks due","taskCount":3,"timestamp":1234}}`)

	select {
	case params := <-got:
		var ev struct {
			TaskCount int `json:"taskCount"`
		}
		if err := json.Unmarshal(params, &ev); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if ev.TaskCount != 3 {
			t.Errorf("taskCount = %d, want 3", ev.TaskCount)
		}
	case <-time.After(time.Second):
		t.Fatal("notification handler not invoked")
	}

	select {
	case extra := <-got:
		t.Errorf("unexpected extra delivery: %s", extra)
	case <-time.After(20 * time.Millisecond):
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestClient_NotificationsInOrder(t *testing.T) {
	c, ft := connectedClient(t, nil)

	const n = 20
	got := make(chan int, n)
	c.HandleNotification("tick", func(params json.RawMessage) {
		var v struct{ Seq int }
		_ = json.Unmarshal(params, &v)
		time.Sleep(100 * time.Microsecond) // slow subscriber
		got <- v.Seq
	})

	for i := range n {
		ft.push(fmt.Sprintf(`{"jsonrpc":"2.0","method":"tick","params":{"seq":%d}}`, i))
	}

	for want := range n {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("delivery %d had seq %d", want, seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}
}

func TestClient_NotificationQueueFullDropsNewest(t *testing.T) {
	ft := newFakeTransport(handshakeResponder(nil))
	cfg := testConfig()
	cfg.NotifyBuffer = 2
	c := NewClient(ft, cfg)
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitReady(t, c)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	got := make(chan int, 10)
	c.HandleNotification("tick", func(params json.RawMessage) {
		var v struct{ Seq int }
		_ = json.Unmarshal(params, &v)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		got <- v.Seq
	})
	tick := func(i int) {
		ft.push(fmt.Sprintf(`{"jsonrpc":"2.0","method":"tick","params":{"seq":%d}}`, i))
	}

	// Hold the dispatcher inside the first handler, then overfill the queue.
	tick(0)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first notification not dispatched")
	}
	for i := 1; i <= 5; i++ {
		tick(i)
	}
	if d := c.DroppedNotifications(); d != 3 {
		t.Errorf("DroppedNotifications() = %d, want 3", d)
	}

	close(release)
	for _, want := range []int{0, 1, 2} {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("delivered seq %d, want %d", seq, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}
	select {
	case seq := <-got:
		t.Errorf("seq %d delivered after the queue overflowed", seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_ServerRequestRejected(t *testing.T) {
	_, ft := connectedClient(t, nil)

	ft.push(`{"jsonrpc":"2.0","id":"srv-1","method":"sampling/createMessage","params":{}}`)

	deadline := time.Now().Add(time.Second)
	for {
		ft.mu.Lock()
		var reply *sentFrame
		for i := range ft.sent {
			if ft.sent[i].ID == "srv-1" && ft.sent[i].Error != nil {
				reply = &ft.sent[i]
			}
		}
		ft.mu.Unlock()
		if reply != nil {
			if reply.Error.Code != CodeMethodNotFound {
				t.Errorf("error code = %d, want %d", reply.Error.Code, CodeMethodNotFound)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no error response sent for server request")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClient_Disconnect(t *testing.T) {
	c, ft := connectedClient(t, nil)
	r := &fakeReconnector{}
	c.SetReconnector(r)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "hang", nil)
		errCh <- err
	}()
	for c.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if err := c.Disconnect("user logout"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if err := <-errCh; !errors.Is(err, ErrConnectionLost) {
		t.Errorf("pending call error = %v, want ErrConnectionLost", err)
	}
	ft.mu.Lock()
	closes := append([]int(nil), ft.closes...)
	ft.mu.Unlock()
	if len(closes) != 1 || closes[0] != CloseNormal {
		t.Errorf("close codes = %v, want [%d]", closes, CloseNormal)
	}
	if c.State() != Disconnected || c.Ready() {
		t.Errorf("State() = %s, Ready() = %v after Disconnect", c.State(), c.Ready())
	}

	// Reconnect after an explicit disconnect does nothing.
	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if c.State() != Disconnected {
		t.Errorf("State() = %s after suppressed reconnect", c.State())
	}
	if r.count() != 0 {
		t.Errorf("reconnects scheduled = %d, want 0", r.count())
	}
}

func TestClient_CallWaitingForHandshakeFailsOnDisconnect(t *testing.T) {
	// The server never answers initialize, so Call sits in the readiness
	// wait with a long budget.
	cfg := testConfig()
	cfg.RequestTimeout = 30 * time.Second
	cfg.HandshakePoll = 10 * time.Millisecond
	cfg.HandshakeAttempts = 1000
	c := NewClient(newFakeTransport(nil), cfg)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "tools/call", nil)
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)

	if err := c.Disconnect("user logout"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Call error = %v, want ErrNotConnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Call still waiting for the handshake after Disconnect")
	}

	// A fresh call after the disconnect fails without polling.
	start := time.Now()
	if _, err := c.Call(context.Background(), "tools/call", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Call error = %v, want ErrNotConnected", err)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("Call after Disconnect took %v", d)
	}
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	c, ft := connectedClient(t, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n := len(ft.frames(methodInitialize)); n != 1 {
		t.Errorf("initialize sent %d times, want 1", n)
	}
}

func TestClient_PublishesStateTransitions(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	ft := newFakeTransport(handshakeResponder(nil))
	cfg := testConfig()
	cfg.Bus = bus
	c := NewClient(ft, cfg)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var states []string
	for len(states) < 2 {
		select {
		case e := <-sub:
			if e.Kind == events.KindStateChanged {
				states = append(states, e.Data["state"].(string))
			}
		case <-time.After(time.Second):
			t.Fatalf("states so far: %v", states)
		}
	}
	if states[0] != "connecting" || states[1] != "connected" {
		t.Errorf("states = %v, want [connecting connected]", states)
	}
}

func TestClient_CallTool(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		want    string
		wantErr error
		toolErr bool
	}{
		{
			name: "text",
			result: map[string]any{"content": []map[string]any{
				{"type": "text", "text": "ID: 99\nContent: Buy milk"},
			}},
			want: "ID: 99\nContent: Buy milk",
		},
		{
			name: "mixed blocks",
			result: map[string]any{"content": []map[string]any{
				{"type": "text", "text": "a"},
				{"type": "image"},
			}},
			want: "a\n[image]",
		},
		{
			name:    "no content",
			result:  map[string]any{"content": []any{}},
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "not an object",
			result:  "just text",
			wantErr: ErrMalformedResponse,
		},
		{
			name: "tool error",
			result: map[string]any{
				"content": []map[string]any{{"type": "text", "text": "task not found"}},
				"isError": true,
			},
			toolErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotArgs json.RawMessage
			var mu sync.Mutex
			c, _ := connectedClient(t, func(f sentFrame) (any, *RPCError, bool) {
				mu.Lock()
				gotArgs = f.Params
				mu.Unlock()
				return tt.result, nil, true
			})

			text, err := c.CallTool(context.Background(), "complete_task", map[string]any{"task_id": "7"})
			switch {
			case tt.toolErr:
				var te *ToolError
				if !errors.As(err, &te) || te.Text != "task not found" {
					t.Fatalf("CallTool error = %v, want ToolError", err)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("CallTool error = %v, want %v", err, tt.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("CallTool: %v", err)
				}
				if text != tt.want {
					t.Errorf("text = %q, want %q", text, tt.want)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			var params struct {
				Name      string            `json:"name"`
				Arguments map[string]string `json:"arguments"`
			}
			if err := json.Unmarshal(gotArgs, &params); err != nil {
				t.Fatalf("unmarshal params: %v", err)
			}
			if params.Name != "complete_task" || params.Arguments["task_id"] != "7" {
				t.Errorf("params = %+v", params)
			}
		})
	}
}
