package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// RouteScript is a keyframed receiver track.
//
//	version: 1
//	loop: true
//	keyframes:
//	  - t: 0s
//	    lat: 45.0
//	    lon: 7.0
//	    alt_m: 300
//	  - t: 30s
//	    lat: 45.001
//	    lon: 7.002
//	    alt_m: 305
//
// Keyframes must be sorted by t.
type RouteScript struct {
	Version   int        `yaml:"version"`
	Loop      bool       `yaml:"loop"`
	Keyframes []Keyframe `yaml:"keyframes"`
}

type Keyframe struct {
	T    time.Duration `yaml:"t"`
	Lat  float64       `yaml:"lat"`
	Lon  float64       `yaml:"lon"`
	AltM float64       `yaml:"alt_m"`
}

// Route interpolates linearly between keyframes. Course and speed are derived
// from the active segment.
type Route struct {
	script   RouteScript
	duration time.Duration
}

func LoadRoute(path string) (*Route, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRouteYAML(b)
}

func ParseRouteYAML(b []byte) (*Route, error) {
	var s RouteScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return NewRoute(s)
}

func NewRoute(s RouteScript) (*Route, error) {
	if s.Version == 0 {
		s.Version = 1
	}
	if s.Version != 1 {
		return nil, fmt.Errorf("unsupported route version %d", s.Version)
	}
	if len(s.Keyframes) == 0 {
		return nil, fmt.Errorf("route keyframes are required")
	}
	for i, kf := range s.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < s.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
	}
	return &Route{script: s, duration: s.Keyframes[len(s.Keyframes)-1].T}, nil
}

func (r *Route) Duration() time.Duration { return r.duration }

// StateAt wraps elapsed when the route loops, otherwise clamps it to the
// last keyframe.
func (r *Route) StateAt(elapsed time.Duration) State {
	if elapsed < 0 {
		elapsed = 0
	}
	if r.duration > 0 {
		if r.script.Loop {
			elapsed %= r.duration
		} else if elapsed > r.duration {
			elapsed = r.duration
		}
	}
	k0, k1, alpha := r.segment(elapsed)
	st := State{
		Lat:  lerp(k0.Lat, k1.Lat, alpha),
		Lon:  lerp(k0.Lon, k1.Lon, alpha),
		AltM: lerp(k0.AltM, k1.AltM, alpha),
	}
	if dt := (k1.T - k0.T).Seconds(); dt > 0 {
		north := (k1.Lat - k0.Lat) * metersPerDegLat
		east := (k1.Lon - k0.Lon) * metersPerDegLat * cosDeg(k0.Lat)
		st.SpeedMS = hypot(east, north) / dt
		st.Course = courseDeg(east, north)
	}
	return st
}

func (r *Route) segment(t time.Duration) (Keyframe, Keyframe, float64) {
	kfs := r.script.Keyframes
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		// Keep the final segment so course/speed stay meaningful at the end.
		return kfs[len(kfs)-2], kfs[len(kfs)-1], 1
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
