package todo

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of actions kept when no size is
// configured.
const DefaultHistorySize = 50

// HistoryEntry records one executed action. Seq increases by one per
// entry for the life of the History. Err is empty on success.
type HistoryEntry struct {
	Seq    uint64    `json:"seq"`
	Action Action    `json:"-"`
	Tool   string    `json:"tool"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
	Err    string    `json:"error,omitempty"`
}

// History is a bounded FIFO of executed actions. When full, the oldest
// entry is evicted. Safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	max     int
	seq     uint64
}

// NewHistory returns a history holding at most max entries. Non-positive
// max uses DefaultHistorySize.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{max: max}
}

// Append records a and its outcome and returns the new entry.
func (h *History) Append(a Action, err error) HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	e := HistoryEntry{
		Seq:    h.seq,
		Action: a,
		Tool:   a.Tool(),
		Detail: Describe(a),
		At:     time.Now(),
	}
	if err != nil {
		e.Err = err.Error()
	}

	// Build a fresh slice so snapshots handed out by Entries never see
	// eviction.
	start := 0
	if len(h.entries) >= h.max {
		start = len(h.entries) - h.max + 1
	}
	next := make([]HistoryEntry, 0, h.max)
	next = append(next, h.entries[start:]...)
	h.entries = append(next, e)
	return e
}

// Entries returns the recorded actions, oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HistoryEntry(nil), h.entries...)
}

// Len returns the number of recorded actions.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Cap returns the maximum number of entries retained.
func (h *History) Cap() int {
	return h.max
}
