package gps

import (
	"encoding/json"
	"time"
)

// Quality is the receiver-reported solution type (GGA field 6).
// It is categorical; never compare qualities numerically.
type Quality int

const (
	QualityInvalid Quality = iota
	QualityGPS
	QualityDGPS
	QualityPPS
	QualityRTKFixed
	QualityFloatRTK
	QualityEstimated
	QualityManual
	QualitySimulation
)

var qualityNames = map[Quality]string{
	QualityInvalid:    "INVALID",
	QualityGPS:        "GPS",
	QualityDGPS:       "DGPS",
	QualityPPS:        "PPS",
	QualityRTKFixed:   "RTK_FIXED",
	QualityFloatRTK:   "FLOAT_RTK",
	QualityEstimated:  "ESTIMATED",
	QualityManual:     "MANUAL",
	QualitySimulation: "SIMULATION",
}

func (q Quality) String() string {
	if n, ok := qualityNames[q]; ok {
		return n
	}
	return "UNKNOWN"
}

func (q Quality) Valid() bool {
	_, ok := qualityNames[q]
	return ok
}

// Position is one parsed, corrected fix. Treat it as immutable.
type Position struct {
	Lat float64
	Lon float64

	// OrigAltitude is the ellipsoidal height as received (GGA altitude plus
	// the receiver's geoid separation).
	OrigAltitude float64
	// GeoidH is the nearest grid node's geoid height.
	GeoidH float64
	// InterpolatedGeoid is the bilinear geoid height at (Lat, Lon).
	InterpolatedGeoid float64
	// Altitude is OrigAltitude - InterpolatedGeoid + antenna offset.
	Altitude float64
	// GeoidSeparation is the receiver's own separation value, kept for audit.
	GeoidSeparation float64
	OutOfGrid       bool

	Dir      float64 // course over ground, degrees
	Velocity float64 // m/s

	Fixed      bool
	Quality    Quality
	Satellites int
	HDOP       float64

	// ReceiverTime is the fix time of day (UTC) reported by the receiver.
	ReceiverTime      time.Duration
	ReceiverTimeValid bool

	// Time is the fix instant in the synchronized time base.
	Time time.Duration
	// Generation is the clock binding Time was read under. It is not
	// serialized; times from different generations are not comparable.
	Generation uint64
}

type positionJSON struct {
	Lat               float64 `json:"lat"`
	Lon               float64 `json:"lon"`
	OrigAltitude      float64 `json:"origAltitude"`
	GeoidH            float64 `json:"geoidH"`
	InterpolatedGeoid float64 `json:"interpolatedGeoid"`
	Altitude          float64 `json:"altitude"`
	GeoidSeparation   float64 `json:"geoidSeparation"`
	OutOfGrid         bool    `json:"outOfGrid,omitempty"`
	Dir               float64 `json:"dir"`
	Velocity          float64 `json:"velocity"`
	Fixed             bool    `json:"fixed"`
	Quality           Quality `json:"quality"`
	Satellites        int     `json:"satellites"`
	HDOP              float64 `json:"hdop"`
	ReceiverTimeMs    *int64  `json:"receiverTime,omitempty"`
	TimeMs            int64   `json:"time"`
}

// MarshalJSON encodes times as integer milliseconds.
func (p Position) MarshalJSON() ([]byte, error) {
	out := positionJSON{
		Lat:               p.Lat,
		Lon:               p.Lon,
		OrigAltitude:      p.OrigAltitude,
		GeoidH:            p.GeoidH,
		InterpolatedGeoid: p.InterpolatedGeoid,
		Altitude:          p.Altitude,
		GeoidSeparation:   p.GeoidSeparation,
		OutOfGrid:         p.OutOfGrid,
		Dir:               p.Dir,
		Velocity:          p.Velocity,
		Fixed:             p.Fixed,
		Quality:           p.Quality,
		Satellites:        p.Satellites,
		HDOP:              p.HDOP,
		TimeMs:            p.Time.Milliseconds(),
	}
	if p.ReceiverTimeValid {
		v := p.ReceiverTime.Milliseconds()
		out.ReceiverTimeMs = &v
	}
	return json.Marshal(out)
}

func (p *Position) UnmarshalJSON(b []byte) error {
	var in positionJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*p = Position{
		Lat:               in.Lat,
		Lon:               in.Lon,
		OrigAltitude:      in.OrigAltitude,
		GeoidH:            in.GeoidH,
		InterpolatedGeoid: in.InterpolatedGeoid,
		Altitude:          in.Altitude,
		GeoidSeparation:   in.GeoidSeparation,
		OutOfGrid:         in.OutOfGrid,
		Dir:               in.Dir,
		Velocity:          in.Velocity,
		Fixed:             in.Fixed,
		Quality:           in.Quality,
		Satellites:        in.Satellites,
		HDOP:              in.HDOP,
		Time:              time.Duration(in.TimeMs) * time.Millisecond,
	}
	if in.ReceiverTimeMs != nil {
		p.ReceiverTime = time.Duration(*in.ReceiverTimeMs) * time.Millisecond
		p.ReceiverTimeValid = true
	}
	return nil
}
