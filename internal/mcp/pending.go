package mcp

import (
	"encoding/json"
	"sync"
	"time"
)

// callResult is the single outcome delivered to a waiting caller.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingRequest is an outstanding request awaiting its response. The
// channel is buffered so the resolver never blocks, even if the caller
// has already given up.
type pendingRequest struct {
	id        string
	method    string
	createdAt time.Time
	done      chan callResult
}

// pendingTable correlates response ids with waiting callers. An entry is
// removed by whichever of response, timeout, or connection failure gets
// to it first, so each request resolves at most once.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add registers id and returns its entry.
func (p *pendingTable) add(id, method string) *pendingRequest {
	req := &pendingRequest{
		id:        id,
		method:    method,
		createdAt: time.Now(),
		done:      make(chan callResult, 1),
	}
	p.mu.Lock()
	p.entries[id] = req
	p.mu.Unlock()
	return req
}

// resolve removes id and delivers res. Returns false if id was not
// pending (already timed out, failed, or never sent).
func (p *pendingTable) resolve(id string, res callResult) bool {
	p.mu.Lock()
	req, ok := p.entries[id]
	delete(p.entries, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	req.done <- res
	return true
}

// remove drops id without delivering anything.
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

// failAll resolves every outstanding entry with err and empties the
// table. Returns the number of requests failed.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, req := range entries {
		req.done <- callResult{err: err}
	}
	return len(entries)
}

// len returns the number of outstanding requests.
func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
