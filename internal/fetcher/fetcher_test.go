package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/observation"
	"github.com/qclimate/climate-tiles/internal/upstream"
)

// fakeSource scripts per-batch behaviour for fetcher tests.
type fakeSource struct {
	mu      sync.Mutex
	batches int

	failEveryOther bool
	unsupported    map[observation.Variable]bool
	delay          time.Duration
	value          float64
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) FetchBatch(ctx context.Context, points []geo.SamplePoint, variables []observation.Variable) ([]upstream.BatchValue, error) {
	s.mu.Lock()
	s.batches++
	n := s.batches
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}

	if s.failEveryOther && n%2 == 0 {
		return nil, errors.New("upstream exploded")
	}

	var rejected []observation.Variable
	for _, v := range variables {
		if s.unsupported[v] {
			rejected = append(rejected, v)
		}
	}
	if len(rejected) > 0 {
		return nil, &upstream.VariableUnsupportedError{Variables: rejected}
	}

	results := make([]upstream.BatchValue, len(points))
	for i, p := range points {
		values := make(map[observation.Variable]*float64, len(variables))
		for _, v := range variables {
			val := s.value
			values[v] = &val
		}
		results[i] = upstream.BatchValue{PointID: p.ID, Values: values}
	}
	return results, nil
}

func gridPoints(t *testing.T, n int) []geo.SamplePoint {
	t.Helper()
	points := make([]geo.SamplePoint, n)
	for i := range points {
		lat := -29.0 + float64(i)*0.01
		points[i] = geo.SamplePoint{ID: geo.PointID(lat, 145.0), Lat: lat, Lon: 145.0}
	}
	return points
}

func TestRunCycleHappyPath(t *testing.T) {
	points := gridPoints(t, 25)
	vars := []observation.Variable{observation.VariablePM25, observation.VariableTemperature}
	src := &fakeSource{value: 7.5}

	f := New(src, points, vars, WithBatchSize(10), WithConcurrency(2))
	res, err := f.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Partial {
		t.Fatal("cycle should not be partial")
	}
	if len(res.Snapshot.Points) != 25 {
		t.Fatalf("expected 25 point records, got %d", len(res.Snapshot.Points))
	}
	if src.batches != 3 {
		t.Fatalf("expected 3 batches for 25 points at size 10, got %d", src.batches)
	}
	for _, rec := range res.Snapshot.Points {
		for _, v := range vars {
			o := rec.Observations[v]
			if o.Quality != observation.QualityObserved || o.Value == nil || *o.Value != 7.5 {
				t.Fatalf("unexpected observation: %+v", o)
			}
		}
	}
}

func TestRunCycleIsolatesBatchFailures(t *testing.T) {
	points := gridPoints(t, 30)
	vars := []observation.Variable{observation.VariableHumidity}
	src := &fakeSource{value: 55, failEveryOther: true}

	f := New(src, points, vars, WithBatchSize(10), WithConcurrency(1))
	res, err := f.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("a failed batch must not abort the cycle: %v", err)
	}

	// Every point still has a record; failed batches carry unavailable marks.
	if len(res.Snapshot.Points) != 30 {
		t.Fatalf("expected 30 records, got %d", len(res.Snapshot.Points))
	}
	var observed, unavailable int
	for _, rec := range res.Snapshot.Points {
		switch rec.Observations[observation.VariableHumidity].Quality {
		case observation.QualityObserved:
			observed++
		case observation.QualityUnavailable:
			unavailable++
		}
	}
	if observed == 0 || unavailable == 0 {
		t.Fatalf("expected a mix of observed and unavailable, got %d/%d", observed, unavailable)
	}
}

func TestRunCycleMarksVariableUnsupported(t *testing.T) {
	points := gridPoints(t, 10)
	vars := []observation.Variable{observation.VariablePM25}
	src := &fakeSource{unsupported: map[observation.Variable]bool{observation.VariablePM25: true}}

	f := New(src, points, vars, WithBatchSize(10))
	res, err := f.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Snapshot.VariableUnavailable(observation.VariablePM25) {
		t.Fatal("expected pm25 to be marked unavailable cycle-wide")
	}
	for _, rec := range res.Snapshot.Points {
		if rec.Observations[observation.VariablePM25].Quality != observation.QualityUnavailable {
			t.Fatal("expected every pm25 observation to be unavailable")
		}
	}
}

func TestRunCycleMarksAllUnsupportedVariables(t *testing.T) {
	points := gridPoints(t, 10)
	vars := []observation.Variable{
		observation.VariableTemperature,
		observation.VariableHumidity,
		observation.VariableUV,
		observation.VariablePM25,
	}
	// One rejection covers several variables, as when a whole upstream
	// endpoint returns not-found for the coverage area.
	src := &fakeSource{unsupported: map[observation.Variable]bool{
		observation.VariableTemperature: true,
		observation.VariableHumidity:    true,
		observation.VariableUV:          true,
	}}

	f := New(src, points, vars, WithBatchSize(10))
	res, err := f.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, v := range []observation.Variable{observation.VariableTemperature, observation.VariableHumidity, observation.VariableUV} {
		if !res.Snapshot.VariableUnavailable(v) {
			t.Errorf("expected %s to be marked unavailable cycle-wide", v)
		}
	}
	if res.Snapshot.VariableUnavailable(observation.VariablePM25) {
		t.Error("pm25 wrongly marked unavailable")
	}
}

func TestRunCycleDeadlineProducesPartial(t *testing.T) {
	points := gridPoints(t, 40)
	vars := []observation.Variable{observation.VariableTemperature}
	src := &fakeSource{value: 30, delay: 50 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	f := New(src, points, vars, WithBatchSize(10), WithConcurrency(1))
	res, err := f.RunCycle(ctx)
	if err != nil {
		t.Fatalf("deadline must degrade, not fail: %v", err)
	}
	if !res.Partial {
		t.Fatal("expected the cycle to be flagged partial")
	}
	// At one 50ms batch at a time under a 120ms budget, at least one batch
	// finished and at least one did not.
	var observed int
	for _, rec := range res.Snapshot.Points {
		if rec.Observations[observation.VariableTemperature].Quality == observation.QualityObserved {
			observed++
		}
	}
	if observed == 0 {
		t.Fatal("expected at least one completed batch before the deadline")
	}
	if observed == len(points) {
		t.Fatal("expected the deadline to cut off some batches")
	}
}
