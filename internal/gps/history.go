package gps

import (
	"sync"
	"time"
)

// DefaultHistorySize holds several seconds of fixes at 10 Hz.
const DefaultHistorySize = 64

// History is a bounded ring of recent positions in arrival order. It is safe for
// one writer and many readers.
type History struct {
	mu   sync.RWMutex
	buf  []Position
	head int // index of the oldest entry
	n    int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]Position, size)}
}

func (h *History) Cap() int { return len(h.buf) }

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

// Append adds p, evicting the oldest entry when full. Callers must keep
// p.Time non-decreasing within one clock generation.
func (h *History) Append(p Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n < len(h.buf) {
		h.buf[(h.head+h.n)%len(h.buf)] = p
		h.n++
		return
	}
	h.buf[h.head] = p
	h.head = (h.head + 1) % len(h.buf)
}

// Snapshot returns a copy, oldest first.
func (h *History) Snapshot() []Position {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Position, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	return out
}

// Last returns the newest position.
func (h *History) Last() (Position, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.n == 0 {
		return Position{}, false
	}
	return h.buf[(h.head+h.n-1)%len(h.buf)], true
}

// Nearest returns the entry of clock generation gen whose Time is closest
// to t within tolerance. Entries from other generations are skipped. On a
// tie the earlier entry wins. tolerance < 0 disables the bound.
func (h *History) Nearest(gen uint64, t, tolerance time.Duration) (Position, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var (
		best     Position
		bestDist time.Duration
		found    bool
	)
	for i := 0; i < h.n; i++ {
		p := h.buf[(h.head+i)%len(h.buf)]
		if p.Generation != gen {
			continue
		}
		d := p.Time - t
		if d < 0 {
			d = -d
		}
		if tolerance >= 0 && d > tolerance {
			continue
		}
		if !found || d < bestDist {
			best, bestDist, found = p, d, true
		}
	}
	return best, found
}
