package raster

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/observation"
)

var (
	// ErrInsufficientData is returned when fewer than MinPoints valid
	// observations exist for a variable. The caller publishes an all-nodata
	// raster (or keeps the previous one) rather than crashing the cycle.
	ErrInsufficientData = errors.New("insufficient data points for interpolation")
)

// MinPoints is the minimum number of valid supporting points.
const MinPoints = 3

// Method selects the scattered-data interpolation algorithm.
type Method string

const (
	// MethodAuto picks spline when the point set allows it, falling back to
	// inverse-distance weighting, then nearest-neighbor.
	MethodAuto Method = "auto"
	// MethodSpline is a thin-plate spline fit over all points.
	MethodSpline Method = "spline"
	// MethodIDW is inverse-distance weighting with power 2.
	MethodIDW Method = "idw"
	// MethodNearest assigns each cell its nearest point's value. Suited to
	// sparse, patchy fields like precipitation.
	MethodNearest Method = "nearest"
)

const (
	// Spline fitting needs enough support to be meaningful and solves a
	// dense (n+3)² system, so both ends are bounded.
	minSplinePoints = 16
	maxSplinePoints = 2000
)

type sample struct {
	x, y, v float64 // lon, lat, value
}

// Interpolate projects one variable of a cycle snapshot onto a dense regular
// grid. Cells outside the convex hull of the supporting points are nodata.
func Interpolate(
	snap *observation.CycleSnapshot,
	variable observation.Variable,
	bounds geo.Bounds,
	cellDeg float64,
	method Method,
) (*Layer, error) {
	if cellDeg <= 0 {
		return nil, fmt.Errorf("cell size must be positive, got %v", cellDeg)
	}

	var samples []sample
	for _, rec := range snap.Points {
		o, ok := rec.Observations[variable]
		if !ok || o.Quality != observation.QualityObserved || o.Value == nil {
			continue
		}
		samples = append(samples, sample{x: rec.Lon, y: rec.Lat, v: *o.Value})
	}
	if len(samples) < MinPoints {
		return nil, fmt.Errorf("%w: variable %s has %d valid points, need %d",
			ErrInsufficientData, variable, len(samples), MinPoints)
	}

	// Deterministic input order regardless of map iteration.
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].y != samples[j].y {
			return samples[i].y < samples[j].y
		}
		return samples[i].x < samples[j].x
	})

	hull := convexHull(samples)

	eval := buildEvaluator(variable, samples, method)

	layer := NewLayer(variable, bounds, cellDeg)
	layer.GeneratedAt = time.Now().UTC()
	layer.CycleID = snap.ID

	for row := 0; row < layer.Rows; row++ {
		for col := 0; col < layer.Cols; col++ {
			lat, lon := layer.CellCenter(row, col)
			if !insideHull(hull, lon, lat) {
				continue
			}
			layer.Set(row, col, eval(lon, lat))
		}
	}

	layer.ComputeHash()
	return layer, nil
}

// buildEvaluator resolves the method chain to a concrete point evaluator.
func buildEvaluator(variable observation.Variable, samples []sample, method Method) func(x, y float64) float64 {
	if method == MethodNearest {
		return nearestEvaluator(samples)
	}
	if method == MethodSpline || method == MethodAuto {
		if len(samples) >= minSplinePoints && len(samples) <= maxSplinePoints {
			if eval, err := splineEvaluator(samples); err == nil {
				return eval
			} else {
				log.Printf("raster: spline fit failed for %s (%v), falling back to idw", variable, err)
			}
		}
	}
	return idwEvaluator(samples)
}

// splineEvaluator fits a thin-plate spline f(x,y) = a0 + a1·x + a2·y + Σ wᵢ·U(rᵢ)
// with U(r) = r²·log(r²). Returns an error when the system is singular,
// which happens for degenerate point layouts.
func splineEvaluator(samples []sample) (func(x, y float64) float64, error) {
	n := len(samples)
	size := n + 3

	m := make([][]float64, size)
	for i := range m {
		m[i] = make([]float64, size+1)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m[i][j] = tpsKernel(dist2(samples[i], samples[j]))
		}
		m[i][n] = 1
		m[i][n+1] = samples[i].x
		m[i][n+2] = samples[i].y
		m[n][i] = 1
		m[n+1][i] = samples[i].x
		m[n+2][i] = samples[i].y
		m[i][size] = samples[i].v
	}

	sol, err := solveGauss(m)
	if err != nil {
		return nil, err
	}

	weights := sol[:n]
	a0, a1, a2 := sol[n], sol[n+1], sol[n+2]

	return func(x, y float64) float64 {
		v := a0 + a1*x + a2*y
		for i, s := range samples {
			v += weights[i] * tpsKernel((x-s.x)*(x-s.x)+(y-s.y)*(y-s.y))
		}
		return v
	}, nil
}

func tpsKernel(r2 float64) float64 {
	if r2 <= 0 {
		return 0
	}
	return r2 * math.Log(r2)
}

func dist2(a, b sample) float64 {
	dx := a.x - b.x
	dy := a.y - b.y
	return dx*dx + dy*dy
}

// solveGauss solves the augmented system in place with partial pivoting.
func solveGauss(m [][]float64) ([]float64, error) {
	n := len(m)
	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return nil, errors.New("singular system")
		}
		m[col], m[pivot] = m[pivot], m[col]

		for row := col + 1; row < n; row++ {
			factor := m[row][col] / m[col][col]
			for k := col; k <= n; k++ {
				m[row][k] -= factor * m[col][k]
			}
		}
	}

	sol := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := m[row][n]
		for k := row + 1; k < n; k++ {
			sum -= m[row][k] * sol[k]
		}
		sol[row] = sum / m[row][row]
	}
	return sol, nil
}

// idwEvaluator is inverse-distance weighting with power 2. A cell landing
// exactly on a sample takes that sample's value.
func idwEvaluator(samples []sample) func(x, y float64) float64 {
	const eps = 1e-10
	return func(x, y float64) float64 {
		var num, den float64
		for _, s := range samples {
			d2 := (x-s.x)*(x-s.x) + (y-s.y)*(y-s.y)
			if d2 < eps {
				return s.v
			}
			w := 1 / d2
			num += w * s.v
			den += w
		}
		return num / den
	}
}

func nearestEvaluator(samples []sample) func(x, y float64) float64 {
	return func(x, y float64) float64 {
		best := samples[0]
		bestD := math.Inf(1)
		for _, s := range samples {
			d2 := (x-s.x)*(x-s.x) + (y-s.y)*(y-s.y)
			if d2 < bestD {
				bestD = d2
				best = s
			}
		}
		return best.v
	}
}

// convexHull computes the hull with Andrew's monotone chain, returned in
// counter-clockwise order.
func convexHull(samples []sample) []sample {
	pts := make([]sample, len(samples))
	copy(pts, samples)
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].x != pts[j].x {
			return pts[i].x < pts[j].x
		}
		return pts[i].y < pts[j].y
	})

	if len(pts) < 3 {
		return pts
	}

	cross := func(o, a, b sample) float64 {
		return (a.x-o.x)*(b.y-o.y) - (a.y-o.y)*(b.x-o.x)
	}

	var lower []sample
	for _, p := range pts {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}

	var upper []sample
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}

	return append(lower[:len(lower)-1], upper[:len(upper)-1]...)
}

// insideHull tests a point against a convex CCW polygon, with a small
// tolerance so boundary cells count as covered.
func insideHull(hull []sample, x, y float64) bool {
	if len(hull) < 3 {
		return false
	}
	const tol = 1e-9
	for i := range hull {
		a := hull[i]
		b := hull[(i+1)%len(hull)]
		if (b.x-a.x)*(y-a.y)-(b.y-a.y)*(x-a.x) < -tol {
			return false
		}
	}
	return true
}
