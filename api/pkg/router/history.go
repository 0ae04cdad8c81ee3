package router

import (
	"sync"
	"time"
)

// RequestRecord is one forwarded request, kept for diagnostics.
type RequestRecord struct {
	At         time.Time `json:"at"`
	Status     int       `json:"status,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// requestHistory is a bounded per-target log, oldest entries evicted first.
type requestHistory struct {
	mu      sync.Mutex
	size    int
	entries []RequestRecord
}

func newRequestHistory(size int) *requestHistory {
	return &requestHistory{size: size}
}

func (h *requestHistory) add(record RequestRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, record)
	if len(h.entries) > h.size {
		h.entries = h.entries[len(h.entries)-h.size:]
	}
}

func (h *requestHistory) all() []RequestRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RequestRecord(nil), h.entries...)
}
