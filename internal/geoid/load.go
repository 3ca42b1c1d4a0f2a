package geoid

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Matrix file names inside a grid directory.
const (
	LonMatrixFile    = "grid_x.txt"
	LatMatrixFile    = "grid_y.txt"
	HeightMatrixFile = "grid_h.txt"
)

// spacingTolerance is the allowed deviation from the nominal step, as a
// fraction of the step. Grid files print coordinates with limited decimals,
// so a 5' axis (0.083333...) carries rounding noise of a few 1e-6 degrees.
const spacingTolerance = 1e-4

// LoadMatrixFiles loads grid_x.txt (longitudes), grid_y.txt (latitudes) and
// grid_h.txt (heights) from dir.
func LoadMatrixFiles(dir string) (*Grid, error) {
	open := func(name string) (*os.File, error) {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("geoid grid: open %s: %w", name, err)
		}
		return f, nil
	}
	xf, err := open(LonMatrixFile)
	if err != nil {
		return nil, err
	}
	defer xf.Close()
	yf, err := open(LatMatrixFile)
	if err != nil {
		return nil, err
	}
	defer yf.Close()
	hf, err := open(HeightMatrixFile)
	if err != nil {
		return nil, err
	}
	defer hf.Close()
	return LoadMatrices(xf, yf, hf)
}

// LoadMatrices builds a Grid from three same-shaped whitespace separated
// matrices: node longitudes, node latitudes and node heights.
//
// Either axis may run along rows or columns and in either direction; the
// lattice must be regular.
func LoadMatrices(lonR, latR, hR io.Reader) (*Grid, error) {
	x, err := readMatrix(lonR)
	if err != nil {
		return nil, fmt.Errorf("geoid grid: lon matrix: %w", err)
	}
	y, err := readMatrix(latR)
	if err != nil {
		return nil, fmt.Errorf("geoid grid: lat matrix: %w", err)
	}
	h, err := readMatrix(hR)
	if err != nil {
		return nil, fmt.Errorf("geoid grid: height matrix: %w", err)
	}
	if !sameShape(x, y) || !sameShape(x, h) {
		return nil, fmt.Errorf("geoid grid: matrices differ in shape")
	}
	rows, cols := len(x), len(x[0])
	if rows < 2 || cols < 2 {
		return nil, fmt.Errorf("geoid grid: need at least 2x2 nodes, got %dx%d", rows, cols)
	}

	// Longitude varies along columns (lat along rows) or the transpose.
	var lonAxis, latAxis []float64
	transposed := false
	switch {
	case x[0][1] != x[0][0]:
		lonAxis = append([]float64(nil), x[0]...)
		latAxis = column(y, 0)
	case x[1][0] != x[0][0]:
		transposed = true
		lonAxis = column(x, 0)
		latAxis = append([]float64(nil), y[0]...)
	default:
		return nil, fmt.Errorf("geoid grid: longitude matrix is constant")
	}

	// heights[latIdx][lonIdx] in file order.
	nLat, nLon := len(latAxis), len(lonAxis)
	heights := make([][]float64, nLat)
	for i := range heights {
		heights[i] = make([]float64, nLon)
		for j := range heights[i] {
			r, c := i, j
			if transposed {
				r, c = j, i
			}
			if !near(x[r][c], lonAxis[j], lonAxis) || !near(y[r][c], latAxis[i], latAxis) {
				return nil, fmt.Errorf("geoid grid: node [%d][%d] is off the lattice", r, c)
			}
			heights[i][j] = h[r][c]
		}
	}

	if latAxis[1] < latAxis[0] {
		reverse(latAxis)
		reverseRows(heights)
	}
	if lonAxis[1] < lonAxis[0] {
		reverse(lonAxis)
		for _, row := range heights {
			reverse(row)
		}
	}

	latStep, err := regularStep(latAxis)
	if err != nil {
		return nil, fmt.Errorf("geoid grid: latitude axis: %w", err)
	}
	lonStep, err := regularStep(lonAxis)
	if err != nil {
		return nil, fmt.Errorf("geoid grid: longitude axis: %w", err)
	}
	return NewGrid(latAxis[0], lonAxis[0], latStep, lonStep, heights)
}

func readMatrix(r io.Reader) ([][]float64, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out [][]float64
	line := 0
	for s.Scan() {
		line++
		fields := strings.Fields(s.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			row[i] = v
		}
		if len(out) > 0 && len(row) != len(out[0]) {
			return nil, fmt.Errorf("line %d: %d values, want %d", line, len(row), len(out[0]))
		}
		out = append(out, row)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty matrix")
	}
	return out, nil
}

func sameShape(a, b [][]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
	}
	return true
}

func column(m [][]float64, c int) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		out[i] = m[i][c]
	}
	return out
}

// regularStep returns the mean spacing of axis, so rounding in individual
// coordinates does not accumulate across the grid.
func regularStep(axis []float64) (float64, error) {
	n := len(axis)
	step := (axis[n-1] - axis[0]) / float64(n-1)
	if step <= 0 || axis[1] <= axis[0] {
		return 0, fmt.Errorf("axis is not strictly monotonic")
	}
	for i := 1; i < n; i++ {
		d := axis[i] - axis[i-1]
		if math.Abs(d-step) > spacingTolerance*step {
			return 0, fmt.Errorf("irregular spacing at index %d (%v vs %v)", i, d, step)
		}
	}
	return step, nil
}

func near(v, want float64, axis []float64) bool {
	step := math.Abs(axis[len(axis)-1]-axis[0]) / float64(len(axis)-1)
	return math.Abs(v-want) <= spacingTolerance*step
}

func reverse(v []float64) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

func reverseRows(m [][]float64) {
	for i, j := 0, len(m)-1; i < j; i, j = i+1, j-1 {
		m[i], m[j] = m[j], m[i]
	}
}
