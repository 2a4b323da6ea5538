package geo

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalid is returned for grid parameters that can never produce a
	// usable sampling grid. Treated as fatal at startup.
	ErrInvalid = errors.New("invalid grid configuration")
)

// kmPerDegreeLat is the mean length of one degree of latitude.
const kmPerDegreeLat = 111.32

// Bounds describes a geographic bounding box in WGS84 degrees.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Width returns the longitudinal extent in degrees.
func (b Bounds) Width() float64 { return b.East - b.West }

// Height returns the latitudinal extent in degrees.
func (b Bounds) Height() float64 { return b.North - b.South }

// Contains reports whether the coordinate lies inside the box (inclusive).
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

// Intersects reports whether two boxes overlap.
func (b Bounds) Intersects(o Bounds) bool {
	return b.West <= o.East && b.East >= o.West && b.South <= o.North && b.North >= o.South
}

// SamplePoint is one fixed sampling coordinate of the coverage grid.
// The ID is derived from the rounded coordinates, so a point keeps its
// identity across restarts as long as bounds and spacing are unchanged.
type SamplePoint struct {
	ID  string  `json:"id"`
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// PointID builds the canonical "lat:lon" key for a coordinate pair.
func PointID(lat, lon float64) string {
	return fmt.Sprintf("%.2f:%.2f", lat, lon)
}

// GenerateGrid produces the ordered sampling grid for a bounding box at the
// target spacing in kilometres. Rows run south to north, columns west to
// east. The output is a pure function of its inputs: identical bounds and
// spacing always yield the same points in the same order.
func GenerateGrid(b Bounds, spacingKm float64) ([]SamplePoint, error) {
	if spacingKm <= 0 {
		return nil, fmt.Errorf("%w: spacing must be positive, got %v", ErrInvalid, spacingKm)
	}
	if b.Height() <= 0 {
		return nil, fmt.Errorf("%w: north (%v) must exceed south (%v)", ErrInvalid, b.North, b.South)
	}
	if b.Width() <= 0 {
		return nil, fmt.Errorf("%w: east (%v) must exceed west (%v)", ErrInvalid, b.East, b.West)
	}

	// Degree-equivalent spacing. Longitude degrees shrink with latitude, so
	// scale by the cosine at the box midpoint.
	latStep := spacingKm / kmPerDegreeLat
	midLat := (b.North + b.South) / 2
	lonStep := spacingKm / (kmPerDegreeLat * math.Cos(midLat*math.Pi/180))

	var points []SamplePoint
	for lat := b.South; lat <= b.North+latStep/2; lat += latStep {
		for lon := b.West; lon <= b.East+lonStep/2; lon += lonStep {
			rlat := round2(lat)
			rlon := round2(lon)
			points = append(points, SamplePoint{
				ID:  PointID(rlat, rlon),
				Lat: rlat,
				Lon: rlon,
			})
		}
	}
	return points, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
