package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/qclimate/climate-tiles/internal/fetcher"
	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/metrics"
	"github.com/qclimate/climate-tiles/internal/observation"
	"github.com/qclimate/climate-tiles/internal/raster"
	"github.com/qclimate/climate-tiles/internal/tiles"
	"github.com/qclimate/climate-tiles/internal/upstream"
)

// Level is one tile resolution level: a name exposed in tile URLs and the
// raster cell size it is interpolated at.
type Level struct {
	Name    string
	CellDeg float64
}

// Pipeline drives one refresh cycle end to end: fetch observations, publish
// the point cache, then per variable interpolate, persist the raster and
// rebuild tile pyramids. Variables degrade independently; one variable's
// failure never blocks another's publish.
type Pipeline struct {
	source    upstream.PointSource
	points    []geo.SamplePoint
	variables []observation.Variable
	bounds    geo.Bounds
	levels    []Level

	cache     *observation.Cache
	rasters   *raster.Store
	generator *tiles.Generator
	styles    map[observation.Variable]tiles.Style

	// locks serializes the write path per variable so overlapping cycles
	// cannot interleave artifact publishes. Reads never take these.
	locks map[observation.Variable]*sync.Mutex
}

func New(
	source upstream.PointSource,
	points []geo.SamplePoint,
	variables []observation.Variable,
	bounds geo.Bounds,
	levels []Level,
	cache *observation.Cache,
	rasters *raster.Store,
	generator *tiles.Generator,
	styles map[observation.Variable]tiles.Style,
) *Pipeline {
	locks := make(map[observation.Variable]*sync.Mutex, len(variables))
	for _, v := range variables {
		locks[v] = &sync.Mutex{}
	}
	return &Pipeline{
		source:    source,
		points:    points,
		variables: variables,
		bounds:    bounds,
		levels:    levels,
		cache:     cache,
		rasters:   rasters,
		generator: generator,
		styles:    styles,
		locks:     locks,
	}
}

// interpolationMethod picks the method chain per variable. Precipitation is
// too patchy for smooth surfaces; it gets nearest-neighbor directly.
func interpolationMethod(v observation.Variable) raster.Method {
	if v == observation.VariablePrecipitation {
		return raster.MethodNearest
	}
	return raster.MethodAuto
}

// RunCycle refreshes every configured variable.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	return p.RunFor(ctx, p.variables)
}

// RunFor refreshes a subset of variables. Observations for variables outside
// the subset are carried over from the previous snapshot so the point cache
// stays whole.
func (p *Pipeline) RunFor(ctx context.Context, variables []observation.Variable) error {
	fetchStart := time.Now()
	f := fetcher.New(p.source, p.points, variables)
	res, err := f.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("fetch cycle: %w", err)
	}
	for _, v := range variables {
		metrics.CycleDuration.WithLabelValues(string(v), "fetch").Observe(time.Since(fetchStart).Seconds())
	}
	if res.Partial {
		log.Printf("INFO: cycle %s hit its deadline, publishing partial results", res.Snapshot.ID)
	}

	snap := p.mergeSnapshot(res.Snapshot, variables)
	p.cache.Publish(snap)

	var failed []string
	for _, v := range variables {
		if err := p.refreshVariable(ctx, snap, v); err != nil {
			log.Printf("ERROR: refreshing %s: %v", v, err)
			failed = append(failed, string(v))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("cycle %s: %d of %d variables failed: %v",
			snap.ID, len(failed), len(variables), failed)
	}
	return nil
}

// mergeSnapshot carries forward observations for variables not refreshed in
// this run, so a per-variable refresh never drops the rest of the cache.
func (p *Pipeline) mergeSnapshot(next *observation.CycleSnapshot, refreshed []observation.Variable) *observation.CycleSnapshot {
	if len(refreshed) == len(p.variables) {
		return next
	}
	prev, _, err := p.cache.Snapshot()
	if err != nil {
		return next
	}
	inRun := make(map[observation.Variable]bool, len(refreshed))
	for _, v := range refreshed {
		inRun[v] = true
	}
	for id, prevRec := range prev.Points {
		rec, ok := next.Points[id]
		if !ok {
			continue
		}
		for v, o := range prevRec.Observations {
			if !inRun[v] {
				rec.Observations[v] = o
			}
		}
	}
	for _, v := range prev.Unavailable {
		if !inRun[v] {
			next.Unavailable = append(next.Unavailable, v)
		}
	}
	return next
}

// refreshVariable interpolates, persists and re-tiles one variable. A cycle
// that cannot yield a surface (upstream rejection, too few valid points)
// still publishes: its layer is all-nodata, so every tile comes out fully
// transparent rather than showing stale data. Storage failures keep the
// previous artifacts in place.
func (p *Pipeline) refreshVariable(ctx context.Context, snap *observation.CycleSnapshot, v observation.Variable) error {
	mu, ok := p.locks[v]
	if !ok {
		return fmt.Errorf("unknown variable %s", v)
	}
	mu.Lock()
	defer mu.Unlock()

	style, ok := p.styles[v]
	if !ok {
		return fmt.Errorf("no style configured for %s", v)
	}
	method := interpolationMethod(v)

	unavailable := snap.VariableUnavailable(v)
	if unavailable {
		log.Printf("INFO: %s unavailable upstream this cycle, publishing empty surfaces", v)
	}

	for _, level := range p.levels {
		var layer *raster.Layer
		if unavailable {
			layer = p.emptyLayer(snap, v, level.CellDeg)
		} else {
			interpStart := time.Now()
			var err error
			layer, err = raster.Interpolate(snap, v, p.bounds, level.CellDeg, method)
			switch {
			case errors.Is(err, raster.ErrInsufficientData):
				log.Printf("INFO: %s/%s has too few points this cycle, publishing empty surface: %v", v, level.Name, err)
				layer = p.emptyLayer(snap, v, level.CellDeg)
			case err != nil:
				return fmt.Errorf("interpolating %s/%s: %w", v, level.Name, err)
			}
			metrics.CycleDuration.WithLabelValues(string(v), "interpolate").Observe(time.Since(interpStart).Seconds())
		}

		// The finest level's raster is the one persisted for restarts and
		// the unchanged-cycle check against stored state.
		if level.CellDeg == p.finestCellDeg() {
			if err := p.rasters.Save(layer); err != nil {
				return fmt.Errorf("persisting raster for %s: %w", v, err)
			}
		}

		tileStart := time.Now()
		if _, err := p.generator.Generate(ctx, layer, style, level.Name); err != nil {
			return fmt.Errorf("generating tiles for %s/%s: %w", v, level.Name, err)
		}
		metrics.CycleDuration.WithLabelValues(string(v), "tiles").Observe(time.Since(tileStart).Seconds())
	}

	metrics.CycleLastSuccess.WithLabelValues(string(v)).SetToCurrentTime()
	return nil
}

// emptyLayer builds an all-nodata layer stamped with the current cycle, so
// an unavailable variable still publishes fresh (fully transparent) tiles.
func (p *Pipeline) emptyLayer(snap *observation.CycleSnapshot, v observation.Variable, cellDeg float64) *raster.Layer {
	layer := raster.NewLayer(v, p.bounds, cellDeg)
	layer.GeneratedAt = time.Now().UTC()
	layer.CycleID = snap.ID
	layer.ComputeHash()
	return layer
}

func (p *Pipeline) finestCellDeg() float64 {
	finest := p.levels[0].CellDeg
	for _, l := range p.levels[1:] {
		if l.CellDeg < finest {
			finest = l.CellDeg
		}
	}
	return finest
}
