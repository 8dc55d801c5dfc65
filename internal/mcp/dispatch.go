package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// NotificationHandler receives the raw params of a server notification.
// Handlers run on the client's dispatcher goroutine, one at a time and
// in arrival order; a slow handler delays later notifications but never
// the socket read loop. Up to ClientConfig.NotifyBuffer notifications
// wait behind a running handler. Anything arriving while that queue is
// full is dropped and counted (see DroppedNotifications), so delivery is
// ordered but not guaranteed.
type NotificationHandler func(params json.RawMessage)

type queuedNotification struct {
	method  string
	params  json.RawMessage
	handler NotificationHandler
}

// HandleNotification registers h for server notifications named method,
// replacing any previous handler. A nil h unregisters.
func (c *Client) HandleNotification(method string, h NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if h == nil {
		delete(c.handlers, method)
		return
	}
	c.handlers[method] = h
}

// handleFrame classifies one inbound frame and routes it. Nothing here
// may panic or block on the network: it runs on the read goroutine.
func (c *Client) handleFrame(gen uint64, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.logger.Warn("discarding unparseable frame", "error", err, "size", len(data))
		return
	}

	switch msg.Kind {
	case KindNotification:
		c.enqueueNotification(msg)
	case KindResponse:
		c.resolveResponse(msg)
	case KindRequest:
		c.rejectRequest(gen, msg)
	case KindInvalid:
		c.logger.Warn("discarding frame with neither id nor method")
	}
}

// resolveResponse completes the pending request matching msg's id.
func (c *Client) resolveResponse(msg *Message) {
	id := msg.IDString()

	var res callResult
	switch {
	case msg.Error != nil:
		var rpcErr RPCError
		if err := json.Unmarshal(msg.Error, &rpcErr); err != nil {
			res.err = fmt.Errorf("%w: undecodable error object: %v", ErrMalformedResponse, err)
		} else {
			res.err = &rpcErr
		}
	case msg.Result != nil:
		res.result = msg.Result
	default:
		res.err = fmt.Errorf("%w: neither result nor error", ErrMalformedResponse)
	}

	if !c.pending.resolve(id, res) {
		c.logger.Debug("discarding response for unknown request", "id", id)
	}
}

// enqueueNotification hands msg to the dispatcher if a handler exists.
func (c *Client) enqueueNotification(msg *Message) {
	c.handlersMu.RLock()
	h, ok := c.handlers[msg.Method]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Debug("dropping unhandled notification", "method", msg.Method)
		return
	}

	select {
	case c.notifyCh <- queuedNotification{method: msg.Method, params: msg.Params, handler: h}:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("notification queue full, dropping notification", "method", msg.Method, "dropped_total", n)
	}
}

// dispatchNotifications delivers queued notifications until Close.
func (c *Client) dispatchNotifications() {
	for {
		select {
		case <-c.done:
			return
		case n := <-c.notifyCh:
			c.deliver(n)
		}
	}
}

// deliver invokes one handler, containing any panic so the dispatcher
// survives a misbehaving subscriber.
func (c *Client) deliver(n queuedNotification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked", "method", n.method, "panic", r)
		}
	}()
	n.handler(n.params)
}

// rejectRequest answers server-initiated requests with method-not-found;
// this client exposes no methods of its own.
func (c *Client) rejectRequest(gen uint64, msg *Message) {
	c.logger.Debug("rejecting server request", "method", msg.Method)

	c.mu.RLock()
	current := c.gen == gen
	c.mu.RUnlock()
	if !current {
		return
	}

	data, err := errorResponse(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
	if err != nil {
		c.logger.Warn("build error response", "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		defer cancel()
		if err := c.transport.Send(ctx, data); err != nil {
			c.logger.Debug("error response not sent", "error", err)
		}
	}()
}
