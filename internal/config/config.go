package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/observation"
	"github.com/qclimate/climate-tiles/internal/pipeline"
)

type AppConfig struct {
	// Bounds is the coverage bounding box. Defaults to Queensland.
	Bounds geo.Bounds

	// GridSpacingKm is the sample point spacing.
	GridSpacingKm float64 `validate:"gt=0"`

	// Variables to refresh and serve.
	Variables []observation.Variable `validate:"min=1"`

	// Levels are the tile resolution levels, finest cell size last.
	Levels []pipeline.Level `validate:"min=1"`

	// Zoom envelope for generated and served tiles.
	MinZoom int `validate:"gte=0,ltefield=MaxZoom"`
	MaxZoom int `validate:"lte=19"`

	// LegacyDefaultLevel is the level the deprecated level-less tile route
	// maps to.
	LegacyDefaultLevel string `validate:"required"`

	// CycleInterval controls the default refresh cadence; IntervalOverrides
	// lets individual variables refresh on their own cadence.
	CycleInterval     time.Duration `validate:"gt=0"`
	IntervalOverrides map[observation.Variable]time.Duration

	// CycleTimeout bounds one refresh cycle; when it fires the cycle
	// publishes whatever finished.
	CycleTimeout time.Duration `validate:"gt=0"`

	// SnapshotTTL is how old the point cache may get before reads are
	// flagged stale.
	SnapshotTTL time.Duration `validate:"gt=0"`

	// UpstreamDailyBudget caps weighted upstream call units per day.
	// Zero or negative disables the budget.
	UpstreamDailyBudget int

	// TileWorkers bounds concurrent tile rendering per pyramid build.
	TileWorkers int `validate:"gt=0"`

	// Artifact directories.
	RasterDir string `validate:"required"`
	TileDir   string `validate:"required"`

	Port string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := &AppConfig{
		Bounds: geo.Bounds{
			North: getenvFloat("BOUNDS_NORTH", -10.0),
			South: getenvFloat("BOUNDS_SOUTH", -29.0),
			East:  getenvFloat("BOUNDS_EAST", 154.0),
			West:  getenvFloat("BOUNDS_WEST", 138.0),
		},
		GridSpacingKm:       getenvFloat("GRID_SPACING_KM", 50.0),
		MinZoom:             getenvInt("MIN_ZOOM", 6),
		MaxZoom:             getenvInt("MAX_ZOOM", 12),
		LegacyDefaultLevel:  getenvDefault("LEGACY_DEFAULT_LEVEL", "lga"),
		UpstreamDailyBudget: getenvInt("UPSTREAM_DAILY_BUDGET", 10000),
		TileWorkers:         getenvInt("TILE_WORKERS", 4),
		RasterDir:           getenvDefault("RASTER_DIR", "data/rasters"),
		TileDir:             getenvDefault("TILE_DIR", "data/tiles"),
		Port:                getenvDefault("PORT", "8080"),
	}

	var err error
	if cfg.CycleInterval, err = getenvDuration("CYCLE_INTERVAL", "10m"); err != nil {
		return nil, err
	}
	if cfg.CycleTimeout, err = getenvDuration("CYCLE_TIMEOUT", "8m"); err != nil {
		return nil, err
	}
	if cfg.SnapshotTTL, err = getenvDuration("SNAPSHOT_TTL", "30m"); err != nil {
		return nil, err
	}

	cfg.Variables, err = loadVariables()
	if err != nil {
		return nil, err
	}
	cfg.IntervalOverrides, err = loadIntervalOverrides(cfg.Variables)
	if err != nil {
		return nil, err
	}
	cfg.Levels = []pipeline.Level{
		{Name: "lga", CellDeg: getenvFloat("LGA_CELL_DEG", 0.45)},
		{Name: "suburb", CellDeg: getenvFloat("SUBURB_CELL_DEG", 0.15)},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Bounds.Height() <= 0 || c.Bounds.Width() <= 0 {
		return fmt.Errorf("invalid bounding box: north must exceed south and east must exceed west")
	}
	levelKnown := false
	for _, l := range c.Levels {
		if l.CellDeg <= 0 {
			return fmt.Errorf("level %s: cell size must be positive", l.Name)
		}
		if l.Name == c.LegacyDefaultLevel {
			levelKnown = true
		}
	}
	if !levelKnown {
		return fmt.Errorf("LEGACY_DEFAULT_LEVEL %q is not a configured level", c.LegacyDefaultLevel)
	}
	for _, v := range c.Variables {
		if !observation.KnownVariable(v) {
			return fmt.Errorf("unknown variable %q in VARIABLES", v)
		}
	}
	return nil
}

// LevelNames returns the configured level names in order.
func (c *AppConfig) LevelNames() []string {
	names := make([]string, len(c.Levels))
	for i, l := range c.Levels {
		names[i] = l.Name
	}
	return names
}

func loadVariables() ([]observation.Variable, error) {
	raw := getenvDefault("VARIABLES", "")
	if raw == "" {
		return append([]observation.Variable(nil), observation.AllVariables...), nil
	}
	var out []observation.Variable
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, observation.Variable(s))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("VARIABLES is set but names no variables")
	}
	return out, nil
}

// loadIntervalOverrides parses UPDATE_INTERVALS, e.g. "pm25=5m,precipitation=5m".
func loadIntervalOverrides(variables []observation.Variable) (map[observation.Variable]time.Duration, error) {
	raw := os.Getenv("UPDATE_INTERVALS")
	if raw == "" {
		return nil, nil
	}
	known := make(map[observation.Variable]bool, len(variables))
	for _, v := range variables {
		known[v] = true
	}
	out := make(map[observation.Variable]time.Duration)
	for _, pair := range strings.Split(raw, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			return nil, fmt.Errorf("invalid UPDATE_INTERVALS entry %q, want variable=duration", pair)
		}
		v := observation.Variable(strings.TrimSpace(name))
		if !known[v] {
			return nil, fmt.Errorf("UPDATE_INTERVALS names %q which is not a configured variable", name)
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid UPDATE_INTERVALS duration for %s: %w", name, err)
		}
		out[v] = d
	}
	return out, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
