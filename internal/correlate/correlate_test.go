package correlate

import (
	"testing"
	"time"

	"geocam/internal/capture"
	"geocam/internal/gps"
)

func history(t *testing.T, ms ...int) *gps.History {
	t.Helper()
	h := gps.NewHistory(16)
	for _, v := range ms {
		h.Append(gps.Position{Time: time.Duration(v) * time.Millisecond, Lat: float64(v)})
	}
	return h
}

func frameAt(ms int) capture.Frame {
	return capture.Frame{FilePath: "f.jpg", Timestamp: time.Duration(ms) * time.Millisecond}
}

func TestCorrelate_TieBreakPrefersEarlier(t *testing.T) {
	c := New(history(t, 100, 400), 200*time.Millisecond)
	got := c.Correlate(frameAt(250))
	if got.Position == nil {
		t.Fatalf("expected position")
	}
	if got.Position.Time != 100*time.Millisecond {
		t.Fatalf("position time=%v want 100ms", got.Position.Time)
	}
}

func TestCorrelate_Nearest(t *testing.T) {
	c := New(history(t, 1000, 1100, 1200), 0)
	if c.Tolerance() != DefaultTolerance {
		t.Fatalf("tolerance=%v want %v", c.Tolerance(), DefaultTolerance)
	}
	got := c.Correlate(frameAt(1180))
	if got.Position == nil || got.Position.Time != 1200*time.Millisecond {
		t.Fatalf("position=%+v want 1200ms", got.Position)
	}
}

func TestCorrelate_NoneWithinTolerance(t *testing.T) {
	c := New(history(t, 100, 400), 100*time.Millisecond)
	got := c.Correlate(frameAt(250))
	if got.Position != nil {
		t.Fatalf("position=%+v want nil", got.Position)
	}
}

func TestCorrelate_EmptyAndNilSource(t *testing.T) {
	if got := New(history(t), 0).Correlate(frameAt(0)); got.Position != nil {
		t.Fatalf("expected nil position on empty history")
	}
	if got := New(nil, 0).Correlate(frameAt(0)); got.Position != nil {
		t.Fatalf("expected nil position on nil source")
	}
}

func TestCorrelate_IsIdempotentAndReadOnly(t *testing.T) {
	h := history(t, 100, 200, 300)
	c := New(h, 0)
	a := c.Correlate(frameAt(210))
	b := c.Correlate(frameAt(210))
	if a.Position == nil || b.Position == nil || *a.Position != *b.Position {
		t.Fatalf("results differ: %+v vs %+v", a.Position, b.Position)
	}
	if h.Len() != 3 {
		t.Fatalf("history len=%d want 3", h.Len())
	}
}

func TestCorrelateAll_SharedFix(t *testing.T) {
	c := New(history(t, 1000), 0)
	in := []capture.Frame{frameAt(900), frameAt(1000), frameAt(1100), frameAt(2000)}
	out := c.CorrelateAll(in)
	for i := 0; i < 3; i++ {
		if out[i].Position == nil || out[i].Position.Time != time.Second {
			t.Fatalf("frame %d position=%+v want 1s", i, out[i].Position)
		}
	}
	if out[3].Position != nil {
		t.Fatalf("frame 3 should be uncorrelated")
	}
	for _, f := range in {
		if f.Position != nil {
			t.Fatalf("input frames mutated")
		}
	}
}

func TestCorrelate_IgnoresFixesFromOtherClockGeneration(t *testing.T) {
	h := history(t, 1000)
	f := frameAt(1000)
	f.Generation = 1
	if got := New(h, 0).Correlate(f); got.Position != nil {
		t.Fatalf("position=%+v want nil across a rebind", got.Position)
	}
}

func TestRefine_KeepsCloserFix(t *testing.T) {
	c := New(history(t, 1000, 1180), 0)
	prev := gps.Position{Time: 1190 * time.Millisecond, Lat: -1}
	f := frameAt(1200)
	f.Position = &prev
	if got := c.Refine(f); got.Position.Lat != -1 {
		t.Fatalf("refined to %v, want the closer existing fix", got.Position.Time)
	}

	far := gps.Position{Time: 1400 * time.Millisecond}
	f.Position = &far
	if got := c.Refine(f); got.Position.Time != 1180*time.Millisecond {
		t.Fatalf("refined to %v want 1180ms", got.Position.Time)
	}
}

func TestLive_SurvivesEvictionAndSeesLaterFixes(t *testing.T) {
	h := gps.NewHistory(2)
	live := New(h, 100*time.Millisecond).Live(20 * time.Millisecond)

	// Frame 0 has an exact fix that is evicted long before the run ends.
	h.Append(gps.Position{Time: 1000 * time.Millisecond, Lat: 1})
	live.Add(frameAt(1000))
	for ms := 2000; ms <= 5000; ms += 1000 {
		h.Append(gps.Position{Time: time.Duration(ms) * time.Millisecond})
	}

	// Frame 1 has no fix yet when added; one arrives within tolerance.
	live.Add(frameAt(6000))
	h.Append(gps.Position{Time: 6050 * time.Millisecond, Lat: 6})

	out := live.Wait()
	if len(out) != 2 {
		t.Fatalf("frames=%d want 2", len(out))
	}
	if out[0].Position == nil || out[0].Position.Lat != 1 {
		t.Fatalf("frame 0 position=%+v want the evicted fix", out[0].Position)
	}
	if out[1].Position == nil || out[1].Position.Lat != 6 {
		t.Fatalf("frame 1 position=%+v want the later fix", out[1].Position)
	}
}
