package devman

import (
	"sync"
	"time"
)

// History is a fixed-size circular buffer of controller events, overwriting
// the oldest entry when full. It backs the events endpoint so an operator
// can see what the controller did without tailing the journal file.
type History struct {
	mu      sync.Mutex
	entries []Event
	head    int
	count   int
	size    int
}

// NewHistory creates a history ring with the given capacity.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1000
	}
	return &History{
		entries: make([]Event, size),
		size:    size,
	}
}

// Add appends one event, overwriting the oldest if full.
func (h *History) Add(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := (h.head + h.count) % h.size
	if h.count == h.size {
		idx = h.head
		h.head = (h.head + 1) % h.size
	} else {
		h.count++
	}
	h.entries[idx] = e
}

// Recent returns up to n events, oldest first. n <= 0 returns everything
// buffered.
func (h *History) Recent(n int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]Event, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.entries[(h.head+i)%h.size])
	}
	return out
}

// Since returns all buffered events with timestamps strictly after ts, in
// order.
func (h *History) Since(ts time.Time) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for i := 0; i < h.count; i++ {
		e := h.entries[(h.head+i)%h.size]
		if e.Timestamp.After(ts) {
			out = append(out, e)
		}
	}
	return out
}
