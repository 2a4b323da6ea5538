package httpapi

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/metrics"
	"github.com/qclimate/climate-tiles/internal/observation"
	"github.com/qclimate/climate-tiles/internal/tiles"
)

var validate = validator.New()

// Options carries the serving surface of the configuration: which variables
// and levels exist, the zoom envelope, and where the legacy route maps to.
type Options struct {
	Variables          []observation.Variable
	Levels             []string
	MinZoom            int
	MaxZoom            int
	LegacyDefaultLevel string
	Bounds             geo.Bounds
	CacheMaxAge        time.Duration
}

// Server resolves tile requests against the artifact store and reports
// service health.
type Server struct {
	resolver *tiles.Resolver
	store    *tiles.Store
	cache    *observation.Cache
	opts     Options

	variables map[observation.Variable]bool
	levels    map[string]bool
}

func NewServer(resolver *tiles.Resolver, store *tiles.Store, cache *observation.Cache, opts Options) *Server {
	variables := make(map[observation.Variable]bool, len(opts.Variables))
	for _, v := range opts.Variables {
		variables[v] = true
	}
	levels := make(map[string]bool, len(opts.Levels))
	for _, l := range opts.Levels {
		levels[l] = true
	}
	return &Server{
		resolver:  resolver,
		store:     store,
		cache:     cache,
		opts:      opts,
		variables: variables,
		levels:    levels,
	}
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, s *Server) {
	app.Get("/health", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/tiles/:variable/:level/info", s.handleInfo)
	app.Get("/tiles/:variable/:level/:z/:x/:y", s.handleTile)
	app.Get("/tiles/:variable/:z/:x/:y", s.handleLegacyTile)
}

// tileAddress is one structurally validated tile request.
type tileAddress struct {
	Variable string `validate:"required"`
	Level    string `validate:"required"`
	Z        int
	X        int
	Y        int
	Format   string `validate:"oneof=png"`
}

// parseTileAddress validates path parameters against the serving surface.
// Anything outside it is a client error; within it, resolution never fails.
func (s *Server) parseTileAddress(c *fiber.Ctx, level string) (tileAddress, error) {
	var addr tileAddress

	addr.Variable = c.Params("variable")
	addr.Level = level

	yRaw := c.Params("y")
	var err error
	addr.Y, addr.Format, err = splitYParam(yRaw)
	if err != nil {
		return addr, err
	}
	if addr.Z, err = strconv.Atoi(c.Params("z")); err != nil {
		return addr, fmt.Errorf("invalid zoom %q", c.Params("z"))
	}
	if addr.X, err = strconv.Atoi(c.Params("x")); err != nil {
		return addr, fmt.Errorf("invalid tile column %q", c.Params("x"))
	}

	if err := validate.Struct(addr); err != nil {
		return addr, err
	}
	if !s.variables[observation.Variable(addr.Variable)] {
		return addr, fmt.Errorf("unknown variable %q", addr.Variable)
	}
	if !s.levels[addr.Level] {
		return addr, fmt.Errorf("unknown level %q", addr.Level)
	}
	if addr.Z < s.opts.MinZoom || addr.Z > s.opts.MaxZoom {
		return addr, fmt.Errorf("zoom %d outside served range [%d,%d]", addr.Z, s.opts.MinZoom, s.opts.MaxZoom)
	}
	if !geo.ValidTileIndex(addr.Z, addr.X, addr.Y) {
		return addr, fmt.Errorf("tile %d/%d out of range for zoom %d", addr.X, addr.Y, addr.Z)
	}
	return addr, nil
}

// splitYParam separates the row index from the file extension of the final
// path segment, e.g. "140.png".
func splitYParam(raw string) (int, string, error) {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '.' {
			y, err := strconv.Atoi(raw[:i])
			if err != nil {
				return 0, "", fmt.Errorf("invalid tile row %q", raw[:i])
			}
			return y, raw[i+1:], nil
		}
	}
	return 0, "", errors.New("missing tile format extension")
}

func (s *Server) handleTile(c *fiber.Ctx) error {
	addr, err := s.parseTileAddress(c, c.Params("level"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return s.serveTile(c, addr)
}

// handleLegacyTile serves the deprecated level-less route, mapped onto the
// configured default level.
func (s *Server) handleLegacyTile(c *fiber.Ctx) error {
	addr, err := s.parseTileAddress(c, s.opts.LegacyDefaultLevel)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	metrics.LegacyTileFallbacks.WithLabelValues(addr.Variable, "route").Inc()
	c.Set("Deprecation", "true")
	c.Set("Link", fmt.Sprintf("</tiles/%s/%s/%d/%d/%d.%s>; rel=\"successor-version\"",
		addr.Variable, addr.Level, addr.Z, addr.X, addr.Y, addr.Format))
	return s.serveTile(c, addr)
}

func (s *Server) serveTile(c *fiber.Ctx, addr tileAddress) error {
	start := time.Now()
	data, outcome := s.resolver.Resolve(addr.Variable, addr.Level, addr.Z, addr.X, addr.Y, addr.Format)
	metrics.RecordTileRequest(addr.Variable, addr.Level, outcome, time.Since(start))
	if outcome == tiles.OutcomeLegacy {
		metrics.LegacyTileFallbacks.WithLabelValues(addr.Variable, "storage").Inc()
	}

	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderCacheControl, fmt.Sprintf("public, max-age=%d", int(s.opts.CacheMaxAge.Seconds())))
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
	c.Set("X-Tile-Source", outcome)
	return c.Send(data)
}

func (s *Server) handleInfo(c *fiber.Ctx) error {
	variable := c.Params("variable")
	level := c.Params("level")
	if !s.variables[observation.Variable(variable)] {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("unknown variable %q", variable))
	}
	if !s.levels[level] {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("unknown level %q", level))
	}

	meta, err := s.store.Metadata(variable, level)
	if errors.Is(err, tiles.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "no tiles published for this variable and level yet")
	}
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read tile metadata")
	}
	stats, err := s.store.Stats(variable, level)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read tile statistics")
	}

	return c.JSON(fiber.Map{
		"variable":     meta.Variable,
		"level":        meta.Level,
		"unit":         meta.Unit,
		"bounds":       s.opts.Bounds,
		"min_zoom":     meta.MinZoom,
		"max_zoom":     meta.MaxZoom,
		"thresholds":   meta.Thresholds,
		"colors":       meta.Colors,
		"data_min":     meta.DataMin,
		"data_max":     meta.DataMax,
		"generated_at": meta.GeneratedAt,
		"cycle_id":     meta.CycleID,
		"tile_count":   stats.TileCount,
		"total_bytes":  stats.TotalBytes,
		"last_cycle":   s.cache.LastCycle(),
	})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := "ok"
	storeStatus := "ok"
	if err := s.store.Reachable(); err != nil {
		status = "degraded"
		storeStatus = err.Error()
	}

	type setStatus struct {
		Variable  string    `json:"variable"`
		Level     string    `json:"level"`
		Published bool      `json:"published"`
		TileCount int       `json:"tile_count,omitempty"`
		Bytes     int64     `json:"bytes,omitempty"`
		UpdatedAt time.Time `json:"updated_at,omitempty"`
	}
	var sets []setStatus
	for _, v := range s.opts.Variables {
		for _, l := range s.opts.Levels {
			st := setStatus{Variable: string(v), Level: l}
			if stats, err := s.store.Stats(string(v), l); err == nil {
				st.Published = true
				st.TileCount = stats.TileCount
				st.Bytes = stats.TotalBytes
				st.UpdatedAt = stats.UpdatedAt
			}
			sets = append(sets, st)
		}
	}

	_, stale, err := s.cache.Snapshot()
	cacheStatus := "ok"
	switch {
	case err != nil:
		cacheStatus = "empty"
	case stale:
		cacheStatus = "stale"
	}

	return c.JSON(fiber.Map{
		"status":      status,
		"tile_store":  storeStatus,
		"point_cache": cacheStatus,
		"last_cycle":  s.cache.LastCycle(),
		"tile_sets":   sets,
	})
}
