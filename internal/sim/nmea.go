package sim

import (
	"fmt"
	"math"
	"time"
)

const msToKnots = 3600.0 / 1852.0

// Receiver renders a Path as the GGA and RMC sentences a real GNSS receiver
// would emit.
type Receiver struct {
	Path Path

	// Quality is the GGA fix quality; 0 means RTK fixed (4).
	Quality    int
	Satellites int
	HDOP       float64
	// GeoidSep is reported in GGA field 11; altitude MSL is AltM - GeoidSep.
	GeoidSep float64
	Talker   string
}

// Sentences returns GGA then RMC for elapsed, stamped with utc.
func (r Receiver) Sentences(elapsed time.Duration, utc time.Time) []string {
	st := r.Path.StateAt(elapsed)
	q := r.Quality
	if q == 0 {
		q = 4
	}
	sats := r.Satellites
	if sats == 0 {
		sats = 14
	}
	hdop := r.HDOP
	if hdop == 0 {
		hdop = 0.6
	}
	talker := r.Talker
	if talker == "" {
		talker = "GN"
	}

	utc = utc.UTC()
	hms := fmt.Sprintf("%02d%02d%02d.%02d", utc.Hour(), utc.Minute(), utc.Second(), utc.Nanosecond()/int(10*time.Millisecond))
	lat, ns := formatLat(st.Lat)
	lon, ew := formatLon(st.Lon)

	gga := fmt.Sprintf("%sGGA,%s,%s,%s,%s,%s,%d,%02d,%.1f,%.3f,M,%.3f,M,,",
		talker, hms, lat, ns, lon, ew, q, sats, hdop, st.AltM-r.GeoidSep, r.GeoidSep)
	rmc := fmt.Sprintf("%sRMC,%s,A,%s,%s,%s,%s,%.3f,%.1f,%s,0.0,E,D",
		talker, hms, lat, ns, lon, ew, st.SpeedMS*msToKnots, st.Course, utc.Format("020106"))
	return []string{frame(gga), frame(rmc)}
}

func frame(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

// formatLat renders ddmm.mmmmmm.
func formatLat(deg float64) (string, string) {
	hemi := "N"
	if deg < 0 {
		hemi = "S"
		deg = -deg
	}
	d := math.Floor(deg)
	return fmt.Sprintf("%02d%09.6f", int(d), (deg-d)*60), hemi
}

// formatLon renders dddmm.mmmmmm.
func formatLon(deg float64) (string, string) {
	hemi := "E"
	if deg < 0 {
		hemi = "W"
		deg = -deg
	}
	d := math.Floor(deg)
	return fmt.Sprintf("%03d%09.6f", int(d), (deg-d)*60), hemi
}

func cosDeg(d float64) float64 { return math.Cos(d * math.Pi / 180) }

func hypot(a, b float64) float64 { return math.Hypot(a, b) }

func courseDeg(east, north float64) float64 {
	return math.Mod(math.Atan2(east, north)*180/math.Pi+360, 360)
}
