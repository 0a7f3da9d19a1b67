package gateway

import "github.com/synapsehq/synapse/pkg/events"

// HistoryCap is the number of events retained for late-joining clients.
const HistoryCap = 50

// History is a bounded ring of value-typed events. Append-only except for
// size eviction; order preserved. Not safe for concurrent use; the gateway
// serializes access under its own lock.
type History struct {
	buf   []events.Event
	start int
	size  int
}

// NewHistory creates an empty ring with the given capacity.
func NewHistory(capacity int) *History {
	return &History{buf: make([]events.Event, capacity)}
}

// Append adds an event, evicting the oldest when full.
func (h *History) Append(e events.Event) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = e
		h.size++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// Snapshot returns the retained events oldest-first. The returned slice is a
// copy; clients hold no references into the ring.
func (h *History) Snapshot() []events.Event {
	out := make([]events.Event, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of retained events.
func (h *History) Len() int { return h.size }
