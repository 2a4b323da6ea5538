package upstream

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Budget enforces the upstream's weighted call allowance. Open-Meteo meters
// usage in weighted calls per day, where a multi-coordinate batch counts as
// roughly one weighted call per 100 data points. The limiter refills at the
// daily allowance spread evenly over 24 hours, with a burst that lets a full
// cycle run back-to-back batches before throttling kicks in.
type Budget struct {
	limiter *rate.Limiter
	daily   int
}

// NewBudget creates a budget of weightedPerDay calls per 24 hours.
// weightedPerDay <= 0 disables throttling.
func NewBudget(weightedPerDay int) *Budget {
	if weightedPerDay <= 0 {
		return &Budget{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	perSecond := rate.Limit(float64(weightedPerDay) / (24 * 60 * 60))
	burst := weightedPerDay / 20
	if burst < 1 {
		burst = 1
	}
	return &Budget{
		limiter: rate.NewLimiter(perSecond, burst),
		daily:   weightedPerDay,
	}
}

// Weight estimates the weighted cost of one batch request.
func Weight(points, variables int) int {
	dataPoints := points * variables
	w := int(math.Ceil(float64(dataPoints) / 100))
	if w < 1 {
		w = 1
	}
	return w
}

// Wait blocks until the budget can absorb a request of the given weight, or
// the context is cancelled. Weights larger than the limiter burst are charged
// in burst-sized chunks so heavy batches still pay their full cost.
func (b *Budget) Wait(ctx context.Context, weight int) error {
	burst := b.limiter.Burst()
	for weight > 0 {
		n := weight
		if n > burst {
			n = burst
		}
		if err := b.limiter.WaitN(ctx, n); err != nil {
			return err
		}
		weight -= n
	}
	return nil
}

// Daily returns the configured daily allowance (0 when unthrottled).
func (b *Budget) Daily() int { return b.daily }
