package clocksync

import (
	"sync"
	"time"
)

// Source returns the internal monotonic timer reading.
type Source func() time.Duration

var processStart = time.Now()

// Monotonic is the default Source: time elapsed since process start, read
// from Go's monotonic clock so wall-clock adjustments never leak in.
func Monotonic() time.Duration {
	return time.Since(processStart)
}

// Clock maps the internal monotonic timer onto a synchronized time base.
//
// While unbound, Now returns the raw monotonic reading. After Bind(ref),
// Now returns ref + (monotonic_now - monotonic_at_bind).
//
// Rebinding is allowed and is a known discontinuity: timestamps taken before
// and after a rebind are not comparable. Generation increments on every
// Bind so callers can tell the two sides apart.
type Clock struct {
	src Source

	mu         sync.Mutex
	bound      bool
	ref        time.Duration
	monoAtBind time.Duration
	generation uint64
}

func New(src Source) *Clock {
	if src == nil {
		src = Monotonic
	}
	return &Clock{src: src}
}

// Bind records ref alongside the current monotonic reading. A zero ref
// clears any binding.
func (c *Clock) Bind(ref time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	if ref == 0 {
		c.bound = false
		c.ref = 0
		c.monoAtBind = 0
		return
	}
	c.bound = true
	c.ref = ref
	c.monoAtBind = c.src()
}

// Now returns the current instant in the synchronized time base.
func (c *Clock) Now() time.Duration {
	t, _ := c.Stamp()
	return t
}

// Stamp is Now together with the generation the reading belongs to.
func (c *Clock) Stamp() (time.Duration, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mono := c.src()
	if !c.bound {
		return mono, c.generation
	}
	return c.ref + (mono - c.monoAtBind), c.generation
}

func (c *Clock) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// Generation counts Bind calls. Two timestamps are comparable only if they
// were taken under the same generation.
func (c *Clock) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
