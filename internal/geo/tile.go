package geo

import "math"

// Slippy-map tile math (Web Mercator / EPSG:3857 addressing).
// See https://wiki.openstreetmap.org/wiki/Slippy_map_tilenames

// Deg2Num converts a coordinate to the tile indices containing it at the
// given zoom.
func Deg2Num(lat, lon float64, zoom int) (x, y int) {
	latRad := lat * math.Pi / 180
	n := math.Exp2(float64(zoom))
	x = int((lon + 180.0) / 360.0 * n)
	y = int((1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n)
	return x, y
}

// Num2Deg converts tile indices back to the coordinate of the tile's
// northwest corner.
func Num2Deg(x, y, zoom int) (lat, lon float64) {
	n := math.Exp2(float64(zoom))
	lon = float64(x)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))
	lat = latRad * 180 / math.Pi
	return lat, lon
}

// TileBounds returns the geographic bounding box of a tile.
func TileBounds(x, y, zoom int) Bounds {
	north, west := Num2Deg(x, y, zoom)
	south, east := Num2Deg(x+1, y+1, zoom)
	return Bounds{North: north, South: south, East: east, West: west}
}

// ValidTileIndex reports whether (x, y) addresses a tile that exists at the
// zoom level.
func ValidTileIndex(zoom, x, y int) bool {
	limit := 1 << zoom
	return x >= 0 && x < limit && y >= 0 && y < limit
}

// TileRange computes the inclusive tile index range covering a bounding box
// at a zoom level, padded by one tile on each side so edge coverage is never
// clipped, then clamped to the valid index range.
func TileRange(b Bounds, zoom int) (minX, minY, maxX, maxY int) {
	minX, maxY = Deg2Num(b.South, b.West, zoom)
	maxX, minY = Deg2Num(b.North, b.East, zoom)

	limit := 1<<zoom - 1
	minX = max(0, minX-1)
	minY = max(0, minY-1)
	maxX = min(limit, maxX+1)
	maxY = min(limit, maxY+1)
	return minX, minY, maxX, maxY
}
