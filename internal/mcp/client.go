package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/todolink/internal/buildinfo"
	"github.com/nugget/todolink/internal/events"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// Handshake method names. These bypass the readiness gate.
const (
	methodInitialize  = "initialize"
	methodInitialized = "initialized"
)

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the initialize response result. Servers may return
// an empty object.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// Reconnector schedules a reconnect after an abnormal disconnect. It is
// satisfied by *connwatch.Supervisor.
type Reconnector interface {
	Schedule(reason string)
}

// ClientConfig tunes a Client. Zero values take the documented defaults.
type ClientConfig struct {
	// Name is advertised as clientInfo.name (default: "todolink").
	Name string

	// RequestTimeout bounds each request (default: 30s).
	RequestTimeout time.Duration

	// HandshakePoll is the readiness poll interval (default: 100ms).
	HandshakePoll time.Duration

	// HandshakeAttempts caps the readiness poll (default: 50).
	HandshakeAttempts int

	// NotifyBuffer is the notification queue depth (default: 64). When
	// the queue is full, newly arriving notifications are dropped.
	NotifyBuffer int

	// Bus receives connection state transitions. Optional.
	Bus *events.Bus

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

func (c *ClientConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "todolink"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.HandshakePoll <= 0 {
		c.HandshakePoll = 100 * time.Millisecond
	}
	if c.HandshakeAttempts <= 0 {
		c.HandshakeAttempts = 50
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is a JSON-RPC 2.0 client over a persistent duplex Transport. It
// owns the connection state, the handshake, and the pending-request
// table. All methods are safe for concurrent use.
type Client struct {
	transport Transport
	cfg       ClientConfig
	logger    *slog.Logger
	bus       *events.Bus
	pending   *pendingTable

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	state       ConnectionState
	phase       handshakePhase
	gen         uint64 // bumped per connection attempt; stale events are ignored
	manual      bool   // Disconnect was called; suppresses reconnects
	reconnector Reconnector
	server      serverInfo

	handlersMu sync.RWMutex
	handlers   map[string]NotificationHandler

	notifyCh chan queuedNotification
	dropped  atomic.Uint64
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a client over transport. The notification dispatcher
// starts immediately; the connection does not open until Connect.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: transport,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "mcp"),
		bus:       cfg.Bus,
		pending:   newPendingTable(),
		ctx:       ctx,
		cancel:    cancel,
		state:     Disconnected,
		handlers:  make(map[string]NotificationHandler),
		notifyCh:  make(chan queuedNotification, cfg.NotifyBuffer),
		done:      make(chan struct{}),
	}
	go c.dispatchNotifications()
	return c
}

// SetReconnector installs the supervisor consulted after abnormal
// disconnects. Passing nil disables automatic reconnects.
func (c *Client) SetReconnector(r Reconnector) {
	c.mu.Lock()
	c.reconnector = r
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	return c.State().Kind == StateConnected
}

// Ready reports whether the handshake has completed on the current
// connection.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Kind == StateConnected && c.phase == phaseReady
}

// ServerInfo returns the server name and version reported during the
// most recent handshake.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server.Name, c.server.Version
}

// DroppedNotifications returns how many notifications were discarded
// because the queue was full.
func (c *Client) DroppedNotifications() uint64 {
	return c.dropped.Load()
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	return c.pending.len()
}

// Connect opens the connection. It is a no-op while already Connected
// or Connecting. A dial failure moves the client to the Error state and
// schedules a reconnect, exactly like a failure of an open socket.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Kind == StateConnected || c.state.Kind == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.manual = false
	c.phase = phaseUnhandshaked
	c.state = Connecting
	c.mu.Unlock()
	c.publishState(Connecting)

	if err := c.transport.Open(ctx, &connListener{c: c, gen: gen}); err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.onFailure(gen, terr)
		return terr
	}

	// Disconnect or Close ran while the dial was in flight and found no
	// socket to close. A later Connect would already have replaced it.
	c.mu.RLock()
	abandoned := c.gen != gen && c.manual
	c.mu.RUnlock()
	if abandoned {
		c.logger.Debug("closing socket opened after disconnect")
		_ = c.transport.Close(CloseNormal, "disconnected during dial")
		return ErrNotConnected
	}
	return nil
}

// Reconnect is the supervisor's entry point. It does nothing after an
// explicit Disconnect or Close.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.RLock()
	manual := c.manual
	c.mu.RUnlock()
	if manual {
		c.logger.Debug("reconnect skipped after explicit disconnect")
		return nil
	}
	return c.Connect(ctx)
}

// Disconnect sends a normal-closure frame, moves to Disconnected, and
// fails every outstanding request.
func (c *Client) Disconnect(reason string) error {
	c.mu.Lock()
	c.gen++
	c.manual = true
	c.phase = phaseUnhandshaked
	c.state = Disconnected
	c.mu.Unlock()

	err := c.transport.Close(CloseNormal, reason)
	if n := c.pending.failAll(fmt.Errorf("%w: %s", ErrConnectionLost, reason)); n > 0 {
		c.logger.Info("failed outstanding requests on disconnect", "count", n)
	}
	c.publishState(Disconnected)
	return err
}

// Close disconnects and stops the notification dispatcher. The client
// cannot be reused.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	err := c.Disconnect("client closed")
	c.stopOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
	return err
}

// Call issues method with params once the handshake is Ready and returns
// the raw result payload. Server-reported errors are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return c.request(ctx, method, params)
}

// awaitReady polls for handshake completion with a fixed interval and
// attempt cap so a stuck handshake fails fast instead of hanging callers.
func (c *Client) awaitReady(ctx context.Context) error {
	for i := 0; i < c.cfg.HandshakeAttempts; i++ {
		if c.Ready() {
			return nil
		}
		// Nothing will reconnect after an explicit Disconnect.
		if c.disconnected() {
			return ErrNotConnected
		}
		if !sleepCtx(ctx, c.cfg.HandshakePoll) {
			return ctx.Err()
		}
	}
	if c.Ready() {
		return nil
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return ErrNotInitialized
}

// disconnected reports whether the client was taken down by Disconnect
// or Close and has not been connected again since.
func (c *Client) disconnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manual && c.state.Kind == StateDisconnected
}

// request sends method and waits for its response, bypassing the
// readiness gate.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := c.send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return c.wait(ctx, req)
}

// send registers a pending entry and writes the request frame. The entry
// is inserted before the write so an immediate response cannot race it,
// and removed again if the write fails.
func (c *Client) send(ctx context.Context, method string, params any) (*pendingRequest, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("%s: %w", method, ErrNotConnected)
	}

	id := uuid.NewString()
	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req := c.pending.add(id, method)
	if err := c.transport.Send(ctx, data); err != nil {
		c.pending.remove(id)
		return nil, &TransportError{Op: "send " + method, Err: errors.Join(ErrSendFailed, err)}
	}

	c.logger.Debug("request sent", "method", method, "id", id)
	return req, nil
}

// wait blocks until req resolves, the request timeout elapses, or ctx
// ends. Timeouts and cancellation remove the pending entry.
func (c *Client) wait(ctx context.Context, req *pendingRequest) (json.RawMessage, error) {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-req.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		c.pending.remove(req.id)
		c.logger.Warn("request timed out",
			"method", req.method,
			"id", req.id,
			"timeout", c.cfg.RequestTimeout.String(),
		)
		return nil, fmt.Errorf("%s: %w after %s", req.method, ErrTimeout, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.pending.remove(req.id)
		return nil, ctx.Err()
	}
}

// handshake runs initialize then initialized for connection gen. It never
// retries; a failed handshake is only recovered by a full reconnect.
func (c *Client) handshake(gen uint64) {
	if !c.setPhase(gen, phaseHandshaking) {
		return
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.cfg.Name,
			"version": buildinfo.Version,
		},
	}

	raw, err := c.request(c.ctx, methodInitialize, params)
	if err != nil {
		c.logger.Error("initialize failed", "error", err)
		c.setPhase(gen, phaseUnhandshaked)
		return
	}

	var result initializeResult
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &result); err != nil {
			c.logger.Debug("unrecognized initialize result", "error", err)
		}
	}

	// initialized goes through the request path with null params. Its
	// response carries nothing, so it is awaited in the background.
	req, err := c.send(c.ctx, methodInitialized, nil)
	if err != nil {
		c.logger.Error("initialized failed", "error", err)
		c.setPhase(gen, phaseUnhandshaked)
		return
	}
	go func() {
		if _, err := c.wait(c.ctx, req); err != nil {
			c.logger.Debug("initialized not acknowledged", "error", err)
		}
	}()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.phase = phaseReady
	c.server = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
}

// setPhase updates the handshake phase if gen is still current.
func (c *Client) setPhase(gen uint64, p handshakePhase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.phase = p
	return true
}

// --- Lifecycle events ---

func (c *Client) onOpen(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	c.phase = phaseUnhandshaked
	c.mu.Unlock()

	c.logger.Info("connected")
	c.publishState(Connected)
	go c.handshake(gen)
}

func (c *Client) onClosed(gen uint64, code int, reason string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.phase = phaseUnhandshaked
	r := c.reconnector
	c.mu.Unlock()

	c.pending.failAll(fmt.Errorf("%w: closed with code %d", ErrConnectionLost, code))
	c.publishState(Disconnected)

	if code != CloseNormal && r != nil {
		r.Schedule(fmt.Sprintf("closed with code %d: %s", code, reason))
	}
}

func (c *Client) onFailure(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	st := Errored(err.Error())
	c.state = st
	c.phase = phaseUnhandshaked
	r := c.reconnector
	c.mu.Unlock()

	if n := c.pending.failAll(fmt.Errorf("%w: %v", ErrConnectionLost, err)); n > 0 {
		c.logger.Warn("failed outstanding requests", "count", n, "error", err)
	}
	c.publishState(st)

	if r != nil {
		r.Schedule(err.Error())
	}
}

func (c *Client) publishState(s ConnectionState) {
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceConnection,
		Kind:      events.KindStateChanged,
		Data:      map[string]any{"state": s.String()},
	})
}

// connListener binds transport callbacks to one connection generation.
type connListener struct {
	c   *Client
	gen uint64
}

func (l *connListener) OnOpen()               { l.c.onOpen(l.gen) }
func (l *connListener) OnMessage(data []byte) { l.c.handleFrame(l.gen, data) }
func (l *connListener) OnClosed(code int, reason string) {
	l.c.onClosed(l.gen, code, reason)
}
func (l *connListener) OnFailure(err error) { l.c.onFailure(l.gen, err) }
func (l *connListener) OnClosing(code int, reason string) {
	l.c.logger.Debug("server is closing the connection", "code", code, "reason", reason)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
