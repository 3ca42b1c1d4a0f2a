// Package correlate attaches GPS fixes to captured frames by timestamp.
package correlate

import (
	"sync"
	"time"

	"geocam/internal/capture"
	"geocam/internal/gps"
)

// DefaultTolerance is on the order of the photo series cadence.
const DefaultTolerance = 250 * time.Millisecond

// Source is a read-only view of recent fixes.
type Source interface {
	Nearest(gen uint64, t, tolerance time.Duration) (gps.Position, bool)
}

// Correlator matches frames to the fix closest in time, within tolerance.
// Only fixes stamped under the frame's clock generation are considered.
// Equidistant fixes resolve to the earlier one. It never mutates the source,
// so several frames may share one fix.
type Correlator struct {
	src       Source
	tolerance time.Duration
}

func New(src Source, tolerance time.Duration) *Correlator {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Correlator{src: src, tolerance: tolerance}
}

func (c *Correlator) Tolerance() time.Duration { return c.tolerance }

// Correlate returns a copy of f with Position set, or left nil when no fix
// lies within tolerance.
func (c *Correlator) Correlate(f capture.Frame) capture.Frame {
	f.Position = nil
	return c.Refine(f)
}

// Refine looks f up again and keeps whichever of its current Position and
// the new candidate is closer. Use it when fixes may have arrived since f
// was first correlated.
func (c *Correlator) Refine(f capture.Frame) capture.Frame {
	if c.src == nil {
		return f
	}
	p, ok := c.src.Nearest(f.Generation, f.Timestamp, c.tolerance)
	if ok && (f.Position == nil || closer(p, *f.Position, f.Timestamp)) {
		f.Position = &p
	}
	return f
}

// closer reports whether a beats b as the fix for t.
func closer(a, b gps.Position, t time.Duration) bool {
	da, db := absDur(a.Time-t), absDur(b.Time-t)
	if da != db {
		return da < db
	}
	return a.Time < b.Time
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (c *Correlator) CorrelateAll(frames []capture.Frame) []capture.Frame {
	out := make([]capture.Frame, len(frames))
	for i, f := range frames {
		out[i] = c.Correlate(f)
	}
	return out
}

// Live correlates the frames of a run while it is in progress. Each frame is
// matched when it is added, while the fixes around it are still in the
// source, and matched again once settle has passed so that fixes taken just
// after the exposure are considered too.
type Live struct {
	c      *Correlator
	settle time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	frames []capture.Frame
}

func (c *Correlator) Live(settle time.Duration) *Live {
	return &Live{c: c, settle: settle}
}

// Add does not block.
func (l *Live) Add(f capture.Frame) {
	f = l.c.Correlate(f)
	l.mu.Lock()
	i := len(l.frames)
	l.frames = append(l.frames, f)
	l.mu.Unlock()

	if l.settle <= 0 {
		return
	}
	l.wg.Add(1)
	time.AfterFunc(l.settle, func() {
		defer l.wg.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		l.frames[i] = l.c.Refine(l.frames[i])
	})
}

// Wait blocks until every added frame has settled and returns them in the
// order they were added.
func (l *Live) Wait() []capture.Frame {
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]capture.Frame(nil), l.frames...)
}
