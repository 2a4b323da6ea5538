package tiles

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/metrics"
	"github.com/qclimate/climate-tiles/internal/raster"
)

// Generator renders full tile pyramids from raster layers and publishes
// them through the artifact store.
type Generator struct {
	store   *Store
	minZoom int
	maxZoom int
	workers int
}

func NewGenerator(store *Store, minZoom, maxZoom, workers int) *Generator {
	if workers < 1 {
		workers = 1
	}
	return &Generator{store: store, minZoom: minZoom, maxZoom: maxZoom, workers: workers}
}

// Generate rebuilds the whole pyramid for one layer at one resolution level
// and swaps it in. When the layer hash matches the currently published set
// the rebuild is skipped and the published tiles are retained as-is.
func (g *Generator) Generate(ctx context.Context, layer *raster.Layer, style Style, level string) (int, error) {
	variable := string(layer.Variable)

	if cur, err := g.store.Metadata(variable, level); err == nil && cur.RasterHash == layer.Hash && layer.Hash != "" {
		log.Printf("INFO: tiles for %s/%s unchanged (hash %.12s), skipping rebuild", variable, level, layer.Hash)
		return cur.TileCount, nil
	}

	dataMin, dataMax, hasData := layer.MinMax()
	if hasData {
		style = style.ForDataMax(dataMax)
	} else {
		// Every tile of an empty layer is transparent; report a zero data
		// range rather than the infinities MinMax yields without samples.
		dataMin, dataMax = 0, 0
	}

	var rendered int64
	version := fmt.Sprintf("%d-%s", time.Now().UTC().Unix(), layer.CycleID)

	stage := func(dir string) error {
		eg, gCtx := errgroup.WithContext(ctx)
		eg.SetLimit(g.workers)
		for z := g.minZoom; z <= g.maxZoom; z++ {
			xMin, yMin, xMax, yMax := geo.TileRange(layer.Bounds, z)
			zoomDir := filepath.Join(dir, fmt.Sprintf("%d", z))
			for x := xMin; x <= xMax; x++ {
				xDir := filepath.Join(zoomDir, fmt.Sprintf("%d", x))
				if err := os.MkdirAll(xDir, 0o755); err != nil {
					return fmt.Errorf("staging tile column: %w", err)
				}
				for y := yMin; y <= yMax; y++ {
					z, x, y := z, x, y
					path := filepath.Join(xDir, fmt.Sprintf("%d.png", y))
					eg.Go(func() error {
						if err := gCtx.Err(); err != nil {
							return err
						}
						img := RenderTile(layer, style, z, x, y)
						b, err := EncodePNG(img)
						if err != nil {
							return fmt.Errorf("encoding tile %d/%d/%d: %w", z, x, y, err)
						}
						if err := os.WriteFile(path, b, 0o644); err != nil {
							return fmt.Errorf("writing tile %d/%d/%d: %w", z, x, y, err)
						}
						atomic.AddInt64(&rendered, 1)
						return nil
					})
				}
			}
		}
		return eg.Wait()
	}

	meta := Metadata{
		Variable:    variable,
		Level:       level,
		Unit:        layer.Variable.Unit(),
		CycleID:     layer.CycleID.String(),
		GeneratedAt: layer.GeneratedAt,
		RasterHash:  layer.Hash,
		MinZoom:     g.minZoom,
		MaxZoom:     g.maxZoom,
		Thresholds:  style.Thresholds,
		Colors:      style.HexColors(),
		DataMin:     dataMin,
		DataMax:     dataMax,
	}

	if err := g.store.Publish(variable, level, version, func(dir string) (Metadata, error) {
		err := stage(dir)
		meta.TileCount = int(atomic.LoadInt64(&rendered))
		return meta, err
	}); err != nil {
		return 0, err
	}

	count := int(atomic.LoadInt64(&rendered))
	metrics.TilesPublished.WithLabelValues(variable, level).Set(float64(count))
	log.Printf("INFO: published %d tiles for %s/%s (version %s)", count, variable, level, version)
	return count, nil
}
