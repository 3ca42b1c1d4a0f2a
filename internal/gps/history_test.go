package gps

import (
	"testing"
	"time"
)

func at(ms int) Position {
	return Position{Time: time.Duration(ms) * time.Millisecond, Lat: float64(ms)}
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for _, ms := range []int{100, 200, 300, 400, 500} {
		h.Append(at(ms))
	}
	if h.Len() != 3 {
		t.Fatalf("len=%d want 3", h.Len())
	}
	snap := h.Snapshot()
	for i, want := range []int{300, 400, 500} {
		if snap[i].Time != time.Duration(want)*time.Millisecond {
			t.Fatalf("snap[%d].Time=%v want %dms", i, snap[i].Time, want)
		}
	}
	last, ok := h.Last()
	if !ok || last.Time != 500*time.Millisecond {
		t.Fatalf("last=%v ok=%v", last.Time, ok)
	}
}

func TestHistory_Empty(t *testing.T) {
	h := NewHistory(0)
	if h.Cap() != DefaultHistorySize {
		t.Fatalf("cap=%d want %d", h.Cap(), DefaultHistorySize)
	}
	if _, ok := h.Last(); ok {
		t.Fatalf("expected no last")
	}
	if _, ok := h.Nearest(0, 0, time.Second); ok {
		t.Fatalf("expected no nearest")
	}
	if len(h.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot")
	}
}

func TestHistory_Nearest(t *testing.T) {
	h := NewHistory(8)
	for _, ms := range []int{1000, 1100, 1200} {
		h.Append(at(ms))
	}
	tol := 250 * time.Millisecond

	p, ok := h.Nearest(0, 1140*time.Millisecond, tol)
	if !ok || p.Time != 1100*time.Millisecond {
		t.Fatalf("nearest=%v ok=%v want 1100ms", p.Time, ok)
	}

	// Equidistant: earlier wins.
	p, ok = h.Nearest(0, 1150*time.Millisecond, tol)
	if !ok || p.Time != 1100*time.Millisecond {
		t.Fatalf("tie=%v ok=%v want 1100ms", p.Time, ok)
	}

	if _, ok := h.Nearest(0, 2000*time.Millisecond, tol); ok {
		t.Fatalf("expected nothing within tolerance")
	}
	if p, ok := h.Nearest(0, 2000*time.Millisecond, -1); !ok || p.Time != 1200*time.Millisecond {
		t.Fatalf("unbounded nearest=%v ok=%v", p.Time, ok)
	}
}

func TestHistory_NearestSkipsOtherGenerations(t *testing.T) {
	h := NewHistory(8)
	old := at(5000)
	h.Append(old)
	rebound := at(1000)
	rebound.Generation = 1
	h.Append(rebound)

	if _, ok := h.Nearest(1, 5000*time.Millisecond, 100*time.Millisecond); ok {
		t.Fatalf("matched a fix from before the rebind")
	}
	p, ok := h.Nearest(1, 1050*time.Millisecond, 100*time.Millisecond)
	if !ok || p.Generation != 1 || p.Time != 1000*time.Millisecond {
		t.Fatalf("nearest=%+v ok=%v want generation 1 at 1s", p, ok)
	}
	if p, ok := h.Nearest(0, 1000*time.Millisecond, -1); !ok || p.Time != 5000*time.Millisecond {
		t.Fatalf("generation 0 nearest=%v ok=%v want 5s", p.Time, ok)
	}
}
