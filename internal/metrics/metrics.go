package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tile serving metrics
var (
	// TileRequestsTotal tracks tile requests by how they were resolved
	TileRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_requests_total",
			Help: "Total number of tile requests by resolution outcome",
		},
		[]string{"variable", "level", "outcome"},
	)

	// TileRequestDuration tracks tile request latency
	TileRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_request_duration_seconds",
			Help:    "Duration of tile requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"variable"},
	)

	// LegacyTileFallbacks counts deprecated-path usage. The source label
	// separates requests to the level-less route ("route") from tiles
	// resolved out of the legacy storage layout ("storage").
	LegacyTileFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_legacy_fallbacks_total",
			Help: "Tile requests touching the deprecated level-less route or key layout",
		},
		[]string{"variable", "source"},
	)
)

// Refresh cycle metrics
var (
	// CycleDuration tracks full refresh cycle duration per variable
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cycle_duration_seconds",
			Help:    "Duration of refresh cycle stages per variable",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"variable", "stage"},
	)

	// CycleLastSuccess records the unix time of the last successful publish
	CycleLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cycle_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful cycle per variable",
		},
		[]string{"variable"},
	)

	// TilesPublished records the tile count of the current artifact set
	TilesPublished = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiles_published",
			Help: "Number of tiles in the currently published artifact set",
		},
		[]string{"variable", "level"},
	)
)

// Upstream metrics
var (
	// UpstreamBatchesTotal tracks upstream batch requests by status
	UpstreamBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_batches_total",
			Help: "Total number of upstream batch requests",
		},
		[]string{"status"},
	)

	// UpstreamCostTotal accumulates weighted call units consumed
	UpstreamCostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_cost_units_total",
			Help: "Weighted upstream call units consumed against the daily budget",
		},
	)

	// AppStartTime records when the application started
	AppStartTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "climate_tiles_app_start_time_seconds",
			Help: "Unix timestamp of when the application started",
		},
	)
)

func init() {
	AppStartTime.SetToCurrentTime()
}

// RecordTileRequest records one resolved tile request.
func RecordTileRequest(variable, level, outcome string, duration time.Duration) {
	TileRequestsTotal.WithLabelValues(variable, level, outcome).Inc()
	TileRequestDuration.WithLabelValues(variable).Observe(duration.Seconds())
}

// RecordUpstreamBatch records one upstream batch and its weighted cost.
func RecordUpstreamBatch(status string, costUnits int) {
	UpstreamBatchesTotal.WithLabelValues(status).Inc()
	if costUnits > 0 {
		UpstreamCostTotal.Add(float64(costUnits))
	}
}
