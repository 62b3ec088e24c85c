package hub

import (
	"strings"
	"sync"

	"github.com/user/termbridge/internal/pty"
)

// History keeps the most recent terminal output so late joiners can be
// brought up to date. It attaches to the session like any other viewer and
// never fails a Send.
type History struct {
	mu   sync.Mutex
	data []byte
	pos  int
	full bool
	cap  int
}

// NewHistory returns a History holding at most capacity bytes.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{data: make([]byte, capacity), cap: capacity}
}

// Send implements pty.Viewer.
func (h *History) Send(ev pty.Event) error {
	h.Write([]byte(ev.Data))
	return nil
}

// Write appends p, overwriting the oldest data when full.
func (h *History) Write(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(p) >= h.cap {
		copy(h.data, p[len(p)-h.cap:])
		h.pos = 0
		h.full = true
		return
	}
	for len(p) > 0 {
		n := copy(h.data[h.pos:], p)
		p = p[n:]
		h.pos += n
		if h.pos == h.cap {
			h.pos = 0
			h.full = true
		}
	}
}

// Bytes returns a copy of the buffered data in chronological order.
func (h *History) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]byte(nil), h.data[:h.pos]...)
	}
	result := make([]byte, h.cap)
	copy(result, h.data[h.pos:])
	copy(result[h.cap-h.pos:], h.data[:h.pos])
	return result
}

// String returns the buffered output, dropping a leading partial rune
// left behind by wraparound.
func (h *History) String() string {
	return strings.ToValidUTF8(string(h.Bytes()), "")
}

// Tail returns the last n lines of buffered output, or all of it when n <= 0.
func (h *History) Tail(n int) []string {
	lines := strings.Split(h.String(), "\n")
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines
}
