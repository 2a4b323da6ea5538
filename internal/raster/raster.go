package raster

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/observation"
)

// NoDataValue marks raster cells with no known value. A finite sentinel is
// used instead of NaN so layers survive JSON round-trips.
const NoDataValue = -9999.0

// Layer is one variable's dense regular grid for one cycle. Cells are stored
// row-major with row 0 at the northern edge. Layers are rebuilt from scratch
// every cycle and never mutated after construction.
type Layer struct {
	Variable    observation.Variable `json:"variable"`
	Bounds      geo.Bounds           `json:"bounds"`
	CellDeg     float64              `json:"cell_deg"`
	Rows        int                  `json:"rows"`
	Cols        int                  `json:"cols"`
	Cells       []float64            `json:"cells"`
	GeneratedAt time.Time            `json:"generated_at"`
	CycleID     uuid.UUID            `json:"cycle_id"`
	Hash        string               `json:"hash"`
}

// NewLayer allocates an all-nodata layer covering the bounding box at the
// given cell size.
func NewLayer(variable observation.Variable, b geo.Bounds, cellDeg float64) *Layer {
	rows := int(math.Ceil(b.Height() / cellDeg))
	cols := int(math.Ceil(b.Width() / cellDeg))
	cells := make([]float64, rows*cols)
	for i := range cells {
		cells[i] = NoDataValue
	}
	return &Layer{
		Variable: variable,
		Bounds:   b,
		CellDeg:  cellDeg,
		Rows:     rows,
		Cols:     cols,
		Cells:    cells,
	}
}

// At returns the cell value; ok is false for nodata or out-of-range indices.
func (l *Layer) At(row, col int) (float64, bool) {
	if row < 0 || row >= l.Rows || col < 0 || col >= l.Cols {
		return NoDataValue, false
	}
	v := l.Cells[row*l.Cols+col]
	return v, v != NoDataValue
}

// Set writes one cell value.
func (l *Layer) Set(row, col int, v float64) {
	l.Cells[row*l.Cols+col] = v
}

// CellCenter returns the geographic center of a cell.
func (l *Layer) CellCenter(row, col int) (lat, lon float64) {
	lat = l.Bounds.North - (float64(row)+0.5)*l.CellDeg
	lon = l.Bounds.West + (float64(col)+0.5)*l.CellDeg
	return lat, lon
}

// Sample bilinearly interpolates the layer at a coordinate. Nodata neighbors
// drop out of the weighting; ok is false when no valid neighbor exists or
// the coordinate lies outside the bounds.
func (l *Layer) Sample(lat, lon float64) (float64, bool) {
	if !l.Bounds.Contains(lat, lon) {
		return NoDataValue, false
	}

	// Fractional cell position relative to cell centers.
	fr := (l.Bounds.North-lat)/l.CellDeg - 0.5
	fc := (lon-l.Bounds.West)/l.CellDeg - 0.5

	r0 := int(math.Floor(fr))
	c0 := int(math.Floor(fc))
	tr := fr - float64(r0)
	tc := fc - float64(c0)

	var sum, weight float64
	for dr := 0; dr <= 1; dr++ {
		for dc := 0; dc <= 1; dc++ {
			v, ok := l.At(r0+dr, c0+dc)
			if !ok {
				continue
			}
			wr := 1 - tr
			if dr == 1 {
				wr = tr
			}
			wc := 1 - tc
			if dc == 1 {
				wc = tc
			}
			sum += v * wr * wc
			weight += wr * wc
		}
	}
	if weight <= 0 {
		return NoDataValue, false
	}
	return sum / weight, true
}

// ValidCells counts cells holding a real value.
func (l *Layer) ValidCells() int {
	n := 0
	for _, v := range l.Cells {
		if v != NoDataValue {
			n++
		}
	}
	return n
}

// MinMax returns the smallest and largest valid cell values; ok is false for
// an all-nodata layer.
func (l *Layer) MinMax() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range l.Cells {
		if v == NoDataValue {
			continue
		}
		ok = true
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, ok
}

// ComputeHash fills Hash from the layer's content. Two layers with equal
// hashes render byte-identical tile pyramids, which lets an unchanged cycle
// skip regeneration.
func (l *Layer) ComputeHash() {
	h := sha256.New()
	h.Write([]byte(l.Variable))
	var buf [8]byte
	for _, f := range []float64{l.Bounds.North, l.Bounds.South, l.Bounds.East, l.Bounds.West, l.CellDeg} {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	for _, c := range l.Cells {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(c))
		h.Write(buf[:])
	}
	l.Hash = hex.EncodeToString(h.Sum(nil))
}
