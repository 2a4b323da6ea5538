package geo

import (
	"errors"
	"testing"
)

var qld = Bounds{North: -10.0, South: -29.0, East: 154.0, West: 138.0}

func TestGenerateGridDeterministic(t *testing.T) {
	a, err := GenerateGrid(qld, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := GenerateGrid(qld, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(a) == 0 {
		t.Fatal("expected a non-empty grid")
	}
	if len(a) != len(b) {
		t.Fatalf("grid size not deterministic: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("point %d differs between runs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestGenerateGridOrderingAndIDs(t *testing.T) {
	points, err := GenerateGrid(qld, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// First point is the southwest corner; rows run south to north.
	if points[0].Lat != qld.South || points[0].Lon != qld.West {
		t.Fatalf("expected first point at SW corner, got %+v", points[0])
	}
	for i := 1; i < len(points); i++ {
		if points[i].Lat < points[i-1].Lat {
			t.Fatalf("latitude order violated at index %d", i)
		}
	}
	for _, p := range points {
		if p.ID != PointID(p.Lat, p.Lon) {
			t.Fatalf("point %+v has inconsistent ID", p)
		}
	}
}

func TestGenerateGridCountScalesWithSpacing(t *testing.T) {
	coarse, err := GenerateGrid(qld, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fine, err := GenerateGrid(qld, 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fine) <= len(coarse) {
		t.Fatalf("expected finer spacing to yield more points: %d vs %d", len(fine), len(coarse))
	}
}

func TestGenerateGridInvalidInputs(t *testing.T) {
	cases := []struct {
		name    string
		bounds  Bounds
		spacing float64
	}{
		{"zero spacing", qld, 0},
		{"negative spacing", qld, -10},
		{"inverted lat", Bounds{North: -29, South: -10, East: 154, West: 138}, 50},
		{"inverted lon", Bounds{North: -10, South: -29, East: 138, West: 154}, 50},
		{"degenerate box", Bounds{North: -10, South: -10, East: 154, West: 138}, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := GenerateGrid(tc.bounds, tc.spacing); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestTileMathRoundTrip(t *testing.T) {
	for _, zoom := range []int{6, 8, 10, 12} {
		x, y := Deg2Num(-27.47, 153.02, zoom) // Brisbane
		lat, lon := Num2Deg(x, y, zoom)

		// The NW corner of the containing tile must be north and west of the
		// original coordinate.
		if lat < -27.47 || lon > 153.02 {
			t.Fatalf("zoom %d: tile corner (%v,%v) not NW of input", zoom, lat, lon)
		}

		tb := TileBounds(x, y, zoom)
		if !tb.Contains(-27.47, 153.02) {
			t.Fatalf("zoom %d: tile bounds %+v do not contain input coordinate", zoom, tb)
		}
	}
}

func TestTileRangeCoversBounds(t *testing.T) {
	const zoom = 8
	minX, minY, maxX, maxY := TileRange(qld, zoom)

	if minX > maxX || minY > maxY {
		t.Fatalf("degenerate tile range: x %d-%d y %d-%d", minX, maxX, minY, maxY)
	}

	// Every corner of the box must fall inside the padded range.
	for _, c := range [][2]float64{
		{qld.North, qld.West},
		{qld.North, qld.East},
		{qld.South, qld.West},
		{qld.South, qld.East},
	} {
		x, y := Deg2Num(c[0], c[1], zoom)
		if x < minX || x > maxX || y < minY || y > maxY {
			t.Fatalf("corner (%v,%v) tile (%d,%d) outside range x %d-%d y %d-%d",
				c[0], c[1], x, y, minX, maxX, minY, maxY)
		}
	}
}

func TestValidTileIndex(t *testing.T) {
	if !ValidTileIndex(8, 0, 0) || !ValidTileIndex(8, 255, 255) {
		t.Fatal("expected corner indices to be valid at zoom 8")
	}
	if ValidTileIndex(8, 256, 0) || ValidTileIndex(8, 0, -1) {
		t.Fatal("expected out-of-range indices to be invalid at zoom 8")
	}
}
