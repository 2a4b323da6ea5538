package fetcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/metrics"
	"github.com/qclimate/climate-tiles/internal/observation"
	"github.com/qclimate/climate-tiles/internal/upstream"
)

const (
	defaultBatchSize   = 100
	defaultConcurrency = 5
)

// Fetcher collects one cycle of observations for the whole sampling grid.
// Failures are isolated: a failed batch marks its points unavailable, a
// structurally unsupported variable is marked unavailable cycle-wide, and
// neither aborts the cycle.
type Fetcher struct {
	source      upstream.PointSource
	points      []geo.SamplePoint
	variables   []observation.Variable
	batchSize   int
	concurrency int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithBatchSize overrides the default 100-point batch size.
func WithBatchSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.batchSize = n
		}
	}
}

// WithConcurrency overrides the default batch concurrency limit.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// New creates a Fetcher for a fixed grid and variable set.
func New(source upstream.PointSource, points []geo.SamplePoint, variables []observation.Variable, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:      source,
		points:      points,
		variables:   variables,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Result is the outcome of one fetch cycle.
type Result struct {
	Snapshot *observation.CycleSnapshot

	// Partial is set when the cycle deadline fired before every batch
	// completed. The snapshot still holds everything that finished.
	Partial bool
}

// RunCycle fetches all batches under the given context. The context carries
// the overall cycle deadline; when it fires, whatever completed so far is
// returned with Partial set rather than an error.
func (f *Fetcher) RunCycle(ctx context.Context) (*Result, error) {
	cycleID := uuid.New()
	started := time.Now().UTC()

	log.Printf("INFO: fetcher cycle %s starting, %d points, %d variables", cycleID, len(f.points), len(f.variables))

	var (
		mu          sync.Mutex
		records     = make(map[string]observation.PointRecord, len(f.points))
		unavailable = make(map[observation.Variable]bool)
		partial     bool
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for start := 0; start < len(f.points); start += f.batchSize {
		end := start + f.batchSize
		if end > len(f.points) {
			end = len(f.points)
		}
		batch := f.points[start:end]

		g.Go(func() error {
			values, err := f.source.FetchBatch(gCtx, batch, f.variables)

			var unsupported *upstream.VariableUnsupportedError
			switch {
			case errors.As(err, &unsupported):
				mu.Lock()
				for _, v := range unsupported.Variables {
					unavailable[v] = true
				}
				mu.Unlock()
				metrics.RecordUpstreamBatch("unsupported", 0)
			case err != nil:
				// The batch failed outright; its points become unavailable
				// for every variable this cycle. Never abort the cycle.
				if gCtx.Err() != nil {
					mu.Lock()
					partial = true
					mu.Unlock()
					metrics.RecordUpstreamBatch("deadline", 0)
					return nil
				}
				log.Printf("ERROR: fetcher batch of %d points failed: %v", len(batch), err)
				metrics.RecordUpstreamBatch("error", 0)
				values = nil
			default:
				metrics.RecordUpstreamBatch("ok", upstream.Weight(len(batch), len(f.variables)))
			}

			resolved := make(map[string]upstream.BatchValue, len(values))
			for _, bv := range values {
				resolved[bv.PointID] = bv
			}

			mu.Lock()
			defer mu.Unlock()
			for _, p := range batch {
				records[p.ID] = f.buildRecord(p, resolved[p.ID], started)
			}
			return nil
		})
	}

	_ = g.Wait() // batch errors are absorbed above

	if ctx.Err() != nil {
		partial = true
	}

	snap := &observation.CycleSnapshot{
		ID:        cycleID,
		Timestamp: started,
		Points:    records,
	}
	for v := range unavailable {
		snap.Unavailable = append(snap.Unavailable, v)
	}

	log.Printf("INFO: fetcher cycle %s done in %s, %d/%d points, partial=%v, unavailable=%v",
		cycleID, time.Since(started).Round(time.Millisecond), len(records), len(f.points), partial, snap.Unavailable)

	return &Result{Snapshot: snap, Partial: partial}, nil
}

// buildRecord normalizes one point's batch values into observations, filling
// unavailable pairs explicitly so downstream consumers never guess.
func (f *Fetcher) buildRecord(p geo.SamplePoint, bv upstream.BatchValue, ts time.Time) observation.PointRecord {
	obs := make(map[observation.Variable]observation.Observation, len(f.variables))
	for _, v := range f.variables {
		o := observation.Observation{
			PointID:   p.ID,
			Variable:  v,
			Unit:      v.Unit(),
			Timestamp: ts,
			Quality:   observation.QualityUnavailable,
		}
		if bv.Values != nil {
			if val := bv.Values[v]; val != nil {
				o.Value = val
				o.Quality = observation.QualityObserved
			}
		}
		obs[v] = o
	}
	return observation.PointRecord{Lat: p.Lat, Lon: p.Lon, Observations: obs}
}
