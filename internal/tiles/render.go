package tiles

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/raster"
)

// TileSize is the edge length of every rendered tile in pixels.
const TileSize = 256

// RenderTile paints one slippy tile from a raster layer. Pixels outside the
// layer's coverage (nodata, or outside its bounds) come out fully
// transparent, so tiles that merely touch the data edge still compose
// cleanly on a basemap.
func RenderTile(layer *raster.Layer, style Style, z, x, y int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))

	tb := geo.TileBounds(x, y, z)
	if !tb.Intersects(layer.Bounds) {
		return img
	}

	values := sampleTile(layer, z, x, y)
	fillMissingFromNeighbors(values)

	for py := 0; py < TileSize; py++ {
		for px := 0; px < TileSize; px++ {
			v := values[py*TileSize+px]
			if v == raster.NoDataValue {
				continue
			}
			img.SetNRGBA(px, py, colorFor(v, style))
		}
	}
	return img
}

// sampleTile resolves every pixel to a raster value, honoring Web Mercator's
// nonlinear latitude spacing within the tile.
func sampleTile(layer *raster.Layer, z, x, y int) []float64 {
	values := make([]float64, TileSize*TileSize)
	n := math.Exp2(float64(z))

	lons := make([]float64, TileSize)
	for px := 0; px < TileSize; px++ {
		xt := float64(x) + (float64(px)+0.5)/TileSize
		lons[px] = xt/n*360.0 - 180.0
	}

	for py := 0; py < TileSize; py++ {
		yt := float64(y) + (float64(py)+0.5)/TileSize
		lat := math.Atan(math.Sinh(math.Pi*(1-2*yt/n))) * 180.0 / math.Pi
		for px := 0; px < TileSize; px++ {
			v, ok := layer.Sample(lat, lons[px])
			if !ok {
				values[py*TileSize+px] = raster.NoDataValue
				continue
			}
			values[py*TileSize+px] = v
		}
	}
	return values
}

// fillMissingFromNeighbors patches isolated nodata pixels from their first
// valid 4-neighbor, smoothing over single-cell sampling gaps along the
// coverage edge. Runs one pass; larger holes stay transparent.
func fillMissingFromNeighbors(values []float64) {
	filled := make([]float64, 0, 64)
	idx := make([]int, 0, 64)
	for py := 0; py < TileSize; py++ {
		for px := 0; px < TileSize; px++ {
			i := py*TileSize + px
			if values[i] != raster.NoDataValue {
				continue
			}
			for _, d := range [4][2]int{{0, -1}, {0, 1}, {-1, 0}, {1, 0}} {
				nx, ny := px+d[0], py+d[1]
				if nx < 0 || nx >= TileSize || ny < 0 || ny >= TileSize {
					continue
				}
				if nv := values[ny*TileSize+nx]; nv != raster.NoDataValue {
					idx = append(idx, i)
					filled = append(filled, nv)
					break
				}
			}
		}
	}
	for k, i := range idx {
		values[i] = filled[k]
	}
}

// colorFor maps a value onto the style's color ramp, blending linearly
// between the two buckets the value falls between. Values past either end
// clamp to the extreme bucket.
func colorFor(v float64, style Style) color.NRGBA {
	t := style.Thresholds
	c := style.Colors
	if v <= t[0] {
		return c[0]
	}
	last := len(t) - 1
	if v >= t[last] {
		return c[last]
	}
	for i := 0; i < last; i++ {
		if v < t[i+1] {
			frac := (v - t[i]) / (t[i+1] - t[i])
			return blend(c[i], c[i+1], frac)
		}
	}
	return c[last]
}

func blend(a, b color.NRGBA, frac float64) color.NRGBA {
	lerp := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + frac*(float64(y)-float64(x))))
	}
	return color.NRGBA{
		R: lerp(a.R, b.R),
		G: lerp(a.G, b.G),
		B: lerp(a.B, b.B),
		A: lerp(a.A, b.A),
	}
}

// EncodePNG serializes a tile image. Encoding the same pixels always yields
// the same bytes, which the pyramid generator relies on for idempotence.
func EncodePNG(img *image.NRGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Placeholder returns the shared fully transparent tile served when no
// artifact exists for a structurally valid address.
func Placeholder() []byte {
	return placeholderPNG
}

var placeholderPNG = func() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	b, err := EncodePNG(img)
	if err != nil {
		panic("tiles: encoding placeholder: " + err.Error())
	}
	return b
}()
