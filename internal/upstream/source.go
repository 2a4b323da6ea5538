package upstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/observation"
)

// BatchValue carries the per-variable results for one sample point of a
// batch. A nil value marks the (point, variable) pair unavailable.
type BatchValue struct {
	PointID string
	Values  map[observation.Variable]*float64
}

// VariableUnsupportedError signals that the upstream cannot serve a set of
// variables for the coverage area at all. One upstream endpoint serves several
// variables, so a rejection covers every variable that endpoint was asked for.
// The fetcher marks them all unavailable for the whole cycle.
type VariableUnsupportedError struct {
	Variables []observation.Variable
}

func (e *VariableUnsupportedError) Error() string {
	names := make([]string, len(e.Variables))
	for i, v := range e.Variables {
		names[i] = string(v)
	}
	return fmt.Sprintf("upstream does not support variables %s for the coverage area", strings.Join(names, ", "))
}

// PointSource is the upstream point-query interface: given coordinates and a
// variable set, return per-point scalars or explicit unavailability.
type PointSource interface {
	Name() string
	FetchBatch(ctx context.Context, points []geo.SamplePoint, variables []observation.Variable) ([]BatchValue, error)
}
