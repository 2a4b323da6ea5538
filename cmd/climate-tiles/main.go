package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/qclimate/climate-tiles/internal/api/http"
	"github.com/qclimate/climate-tiles/internal/config"
	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/observation"
	"github.com/qclimate/climate-tiles/internal/pipeline"
	"github.com/qclimate/climate-tiles/internal/raster"
	"github.com/qclimate/climate-tiles/internal/scheduler"
	"github.com/qclimate/climate-tiles/internal/tiles"
	"github.com/qclimate/climate-tiles/internal/upstream"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Sample grid over the coverage area.
	points, err := geo.GenerateGrid(cfg.Bounds, cfg.GridSpacingKm)
	if err != nil {
		log.Fatalf("failed to generate sample grid: %v", err)
	}
	log.Printf("INFO: sampling %d grid points at %.0fkm spacing", len(points), cfg.GridSpacingKm)

	// Upstream source with resilience (backoff + circuit breaker) and a
	// weighted daily cost budget.
	httpClient := &http.Client{Timeout: 30 * time.Second}
	budget := upstream.NewBudget(cfg.UpstreamDailyBudget)
	source := upstream.NewOpenMeteoSource(httpClient, budget)

	// Artifact stores and the point cache.
	cache := observation.NewCache(cfg.SnapshotTTL)
	rasterStore, err := raster.NewStore(cfg.RasterDir)
	if err != nil {
		log.Fatalf("failed to open raster store: %v", err)
	}
	tileStore, err := tiles.NewStore(cfg.TileDir)
	if err != nil {
		log.Fatalf("failed to open tile store: %v", err)
	}
	generator := tiles.NewGenerator(tileStore, cfg.MinZoom, cfg.MaxZoom, cfg.TileWorkers)

	// Pipeline and scheduler drive the refresh cycles.
	pipe := pipeline.New(source, points, cfg.Variables, cfg.Bounds, cfg.Levels,
		cache, rasterStore, generator, tiles.DefaultStyles())
	sched := scheduler.New(pipe, cfg.Variables, cfg.CycleInterval, cfg.IntervalOverrides, cfg.CycleTimeout)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "climate-tiles",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// API routes.
	server := httpapi.NewServer(tiles.NewResolver(tileStore), tileStore, cache, httpapi.Options{
		Variables:          cfg.Variables,
		Levels:             cfg.LevelNames(),
		MinZoom:            cfg.MinZoom,
		MaxZoom:            cfg.MaxZoom,
		LegacyDefaultLevel: cfg.LegacyDefaultLevel,
		Bounds:             cfg.Bounds,
		CacheMaxAge:        10 * time.Minute,
	})
	httpapi.RegisterRoutes(app, server)

	// Start server with graceful shutdown
	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}
