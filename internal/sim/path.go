package sim

import (
	"math"
	"time"
)

const metersPerDegLat = 111320.0

// State is the synthetic receiver state at one instant.
type State struct {
	Lat     float64
	Lon     float64
	AltM    float64 // ellipsoidal height
	Course  float64 // degrees true
	SpeedMS float64
}

// Path yields a deterministic state for an elapsed time since start.
type Path interface {
	StateAt(elapsed time.Duration) State
}

// Figure8 flies a Lissajous figure-eight around a center point.
type Figure8 struct {
	CenterLat float64
	CenterLon float64
	AltM      float64
	RadiusM   float64
	Period    time.Duration
}

func (f Figure8) withDefaults() Figure8 {
	if f.RadiusM <= 0 {
		f.RadiusM = 50
	}
	if f.Period <= 0 {
		f.Period = 120 * time.Second
	}
	return f
}

// StateAt returns the position on the figure-eight at elapsed.
//
// x = cos(2πp) east-west, y = 0.5*sin(4πp) north-south, p = phase in [0,1).
// Altitude breathes ±2 m around AltM over half the period.
func (f Figure8) StateAt(elapsed time.Duration) State {
	f = f.withDefaults()
	if elapsed < 0 {
		elapsed = 0
	}
	phase := float64(elapsed%f.Period) / float64(f.Period)
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	radiusLatDeg := f.RadiusM / metersPerDegLat
	cosLat := math.Cos(f.CenterLat * math.Pi / 180)
	if cosLat < 1e-6 {
		cosLat = 1e-6
	}

	// d/dt of (x, y) in meters per second.
	k := 2 * math.Pi / f.Period.Seconds()
	vx := -f.RadiusM * k * math.Sin(w)
	vy := f.RadiusM * k * math.Cos(2*w)

	course := math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	return State{
		Lat:     f.CenterLat + radiusLatDeg*y,
		Lon:     f.CenterLon + radiusLatDeg*x/cosLat,
		AltM:    f.AltM + 2*math.Sin(2*w),
		Course:  course,
		SpeedMS: math.Hypot(vx, vy),
	}
}
