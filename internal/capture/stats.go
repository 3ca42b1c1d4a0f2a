package capture

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DurationStats accumulates duration samples, e.g. how far a video's real
// length deviates from the session's measured recording window.
type DurationStats struct {
	Name string

	mu     sync.Mutex
	values []time.Duration
}

func (d *DurationStats) Add(v time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = append(d.values, v)
}

type StatsSummary struct {
	Name   string        `json:"name"`
	Count  int           `json:"count"`
	Mean   time.Duration `json:"mean"`
	Median time.Duration `json:"median"`
	Max    time.Duration `json:"max"`
}

func (s StatsSummary) String() string {
	return fmt.Sprintf("%s: count=%d mean=%s median=%s max=%s", s.Name, s.Count, s.Mean, s.Median, s.Max)
}

func (d *DurationStats) Summary() StatsSummary {
	d.mu.Lock()
	vals := append([]time.Duration(nil), d.values...)
	d.mu.Unlock()

	out := StatsSummary{Name: d.Name, Count: len(vals)}
	if len(vals) == 0 {
		return out
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })

	var sum time.Duration
	for _, v := range vals {
		sum += v
	}
	out.Mean = sum / time.Duration(len(vals))
	out.Max = vals[len(vals)-1]
	mid := len(vals) / 2
	if len(vals)%2 == 0 {
		out.Median = (vals[mid-1] + vals[mid]) / 2
	} else {
		out.Median = vals[mid]
	}
	return out
}
