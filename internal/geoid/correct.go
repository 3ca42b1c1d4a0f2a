package geoid

import "errors"

// Corrector turns a receiver altitude into a geoid-corrected altitude.
//
//	altitude = origAltitude - interpolatedGeoid + AntennaOffsetM
//
// The antenna offset is applied after the geoid correction. A nil Grid
// disables geoid correction (both geoid values are 0).
type Corrector struct {
	Grid           *Grid
	AntennaOffsetM float64
}

// Correction carries the corrected altitude and the values used to get it.
type Correction struct {
	OrigAltitude      float64
	GeoidH            float64
	InterpolatedGeoid float64
	Altitude          float64
	// OutOfGrid is set when the coordinate was outside the grid and the
	// nearest sample stood in for the interpolated height.
	OutOfGrid bool
}

// Correct has no side effects.
func (c Corrector) Correct(lat, lon, origAltitude float64) Correction {
	out := Correction{OrigAltitude: origAltitude}
	if c.Grid != nil {
		s, err := c.Grid.Query(lat, lon)
		switch {
		case err == nil:
			out.GeoidH = s.Nearest
			out.InterpolatedGeoid = s.Interpolated
		case errors.Is(err, ErrOutOfGridBounds):
			n := c.Grid.NearestSample(lat, lon)
			out.GeoidH = n
			out.InterpolatedGeoid = n
			out.OutOfGrid = true
		}
	}
	out.Altitude = origAltitude - out.InterpolatedGeoid + c.AntennaOffsetM
	return out
}
