package geoid

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfGridBounds is returned by Query for coordinates outside the grid.
var ErrOutOfGridBounds = errors.New("geoid: coordinate outside grid bounds")

// Grid holds geoid height samples on a regular lat/lon lattice.
//
// Row i is latitude OriginLat + i*LatStep, column j is longitude
// OriginLon + j*LonStep. Heights are meters. A Grid is read-only after
// construction and safe for concurrent use.
type Grid struct {
	originLat float64
	originLon float64
	latStep   float64
	lonStep   float64
	rows      int
	cols      int
	h         [][]float64
}

// Sample is the result of a grid lookup.
type Sample struct {
	// Nearest is the value of the single closest grid node.
	Nearest float64
	// Interpolated is the bilinear height at the exact coordinate.
	Interpolated float64
}

// Extent is the covered coordinate range, inclusive.
type Extent struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func NewGrid(originLat, originLon, latStep, lonStep float64, heights [][]float64) (*Grid, error) {
	if latStep <= 0 || lonStep <= 0 {
		return nil, fmt.Errorf("geoid grid: steps must be > 0 (lat=%v lon=%v)", latStep, lonStep)
	}
	rows := len(heights)
	if rows < 2 {
		return nil, fmt.Errorf("geoid grid: need at least 2 rows, got %d", rows)
	}
	cols := len(heights[0])
	if cols < 2 {
		return nil, fmt.Errorf("geoid grid: need at least 2 columns, got %d", cols)
	}
	h := make([][]float64, rows)
	for i, row := range heights {
		if len(row) != cols {
			return nil, fmt.Errorf("geoid grid: row %d has %d columns, want %d", i, len(row), cols)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("geoid grid: invalid height at [%d][%d]", i, j)
			}
		}
		h[i] = append([]float64(nil), row...)
	}
	return &Grid{
		originLat: originLat,
		originLon: originLon,
		latStep:   latStep,
		lonStep:   lonStep,
		rows:      rows,
		cols:      cols,
		h:         h,
	}, nil
}

func (g *Grid) Extent() Extent {
	return Extent{
		MinLat: g.originLat,
		MaxLat: g.originLat + float64(g.rows-1)*g.latStep,
		MinLon: g.originLon,
		MaxLon: g.originLon + float64(g.cols-1)*g.lonStep,
	}
}

func (g *Grid) Contains(lat, lon float64) bool {
	e := g.Extent()
	return lat >= e.MinLat && lat <= e.MaxLat && lon >= e.MinLon && lon <= e.MaxLon
}

// Query returns the nearest-node and bilinear heights at (lat, lon).
func (g *Grid) Query(lat, lon float64) (Sample, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || !g.Contains(lat, lon) {
		return Sample{}, fmt.Errorf("%w: lat=%.8f lon=%.8f", ErrOutOfGridBounds, lat, lon)
	}

	fi := (lat - g.originLat) / g.latStep
	fj := (lon - g.originLon) / g.lonStep

	// Pick the enclosing cell; the far edge belongs to the last cell.
	i := int(math.Floor(fi))
	j := int(math.Floor(fj))
	if i > g.rows-2 {
		i = g.rows - 2
	}
	if j > g.cols-2 {
		j = g.cols - 2
	}
	t := fi - float64(i)
	u := fj - float64(j)

	v := (1-t)*(1-u)*g.h[i][j] +
		t*(1-u)*g.h[i+1][j] +
		(1-t)*u*g.h[i][j+1] +
		t*u*g.h[i+1][j+1]

	return Sample{Nearest: g.node(fi, fj), Interpolated: v}, nil
}

// NearestSample clamps (lat, lon) into the grid and returns the closest
// node's height. It never fails.
func (g *Grid) NearestSample(lat, lon float64) float64 {
	e := g.Extent()
	lat = clamp(lat, e.MinLat, e.MaxLat)
	lon = clamp(lon, e.MinLon, e.MaxLon)
	return g.node((lat-g.originLat)/g.latStep, (lon-g.originLon)/g.lonStep)
}

func (g *Grid) node(fi, fj float64) float64 {
	i := int(math.Round(fi))
	j := int(math.Round(fj))
	if i < 0 {
		i = 0
	}
	if i > g.rows-1 {
		i = g.rows - 1
	}
	if j < 0 {
		j = 0
	}
	if j > g.cols-1 {
		j = g.cols - 1
	}
	return g.h[i][j]
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
