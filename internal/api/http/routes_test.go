package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qclimate/climate-tiles/internal/geo"
	"github.com/qclimate/climate-tiles/internal/metrics"
	"github.com/qclimate/climate-tiles/internal/observation"
	"github.com/qclimate/climate-tiles/internal/tiles"
)

func newTestApp(t *testing.T) (*fiber.App, *tiles.Store, *observation.Cache) {
	t.Helper()

	store, err := tiles.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating tile store: %v", err)
	}
	cache := observation.NewCache(time.Hour)

	app := fiber.New()
	server := NewServer(tiles.NewResolver(store), store, cache, Options{
		Variables:          observation.AllVariables,
		Levels:             []string{"lga", "suburb"},
		MinZoom:            6,
		MaxZoom:            12,
		LegacyDefaultLevel: "lga",
		Bounds:             geo.Bounds{North: -10, South: -29, East: 154, West: 138},
		CacheMaxAge:        10 * time.Minute,
	})
	RegisterRoutes(app, server)
	return app, store, cache
}

func publishTile(t *testing.T, store *tiles.Store, variable, level string, data []byte) {
	t.Helper()
	err := store.Publish(variable, level, "0001-test", func(dir string) (tiles.Metadata, error) {
		p := filepath.Join(dir, "8", "230", "140.png")
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return tiles.Metadata{}, err
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return tiles.Metadata{}, err
		}
		return tiles.Metadata{
			Variable:    variable,
			Level:       level,
			Unit:        "µg/m³",
			CycleID:     uuid.NewString(),
			GeneratedAt: time.Now().UTC(),
			MinZoom:     6,
			MaxZoom:     12,
			Thresholds:  []float64{0, 12, 35, 55, 150},
			Colors:      []string{"#00ff00", "#87ff00", "#ffff00", "#ff6600", "#ff0000"},
			TileCount:   1,
		}, nil
	})
	if err != nil {
		t.Fatalf("publishing test tile: %v", err)
	}
}

func get(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	return resp
}

func TestTileExactResolution(t *testing.T) {
	app, store, _ := newTestApp(t)
	publishTile(t, store, "pm25", "lga", []byte("exact-tile"))

	resp := get(t, app, "/tiles/pm25/lga/8/230/140.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "exact-tile" {
		t.Errorf("body = %q, want exact tile bytes", body)
	}
	if got := resp.Header.Get("X-Tile-Source"); got != tiles.OutcomeExact {
		t.Errorf("X-Tile-Source = %q, want %q", got, tiles.OutcomeExact)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=600" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if cors := resp.Header.Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", cors)
	}
}

// A valid address with no artifact always yields a transparent tile, not 404.
func TestTilePlaceholderNever404(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := get(t, app, "/tiles/pm25/lga/8/230/140.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, tiles.Placeholder()) {
		t.Error("body is not the shared transparent placeholder")
	}
	if got := resp.Header.Get("X-Tile-Source"); got != tiles.OutcomePlaceholder {
		t.Errorf("X-Tile-Source = %q, want %q", got, tiles.OutcomePlaceholder)
	}
}

func TestTileLegacyStorageFallback(t *testing.T) {
	app, store, _ := newTestApp(t)

	// Only the old level-less layout holds this tile.
	p := filepath.Join(store.Root(), "pm25", "8", "230", "140.png")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("legacy-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := get(t, app, "/tiles/pm25/lga/8/230/140.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "legacy-bytes" {
		t.Errorf("body = %q, want legacy bytes", body)
	}
	if got := resp.Header.Get("X-Tile-Source"); got != tiles.OutcomeLegacy {
		t.Errorf("X-Tile-Source = %q, want %q", got, tiles.OutcomeLegacy)
	}
}

// The deprecated level-less route keeps serving, mapped to the default
// level, and announces its deprecation.
func TestLegacyRouteServesWithDeprecationSignal(t *testing.T) {
	app, store, _ := newTestApp(t)
	publishTile(t, store, "pm25", "lga", []byte("lga-tile"))

	resp := get(t, app, "/tiles/pm25/8/230/140.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "lga-tile" {
		t.Errorf("body = %q, want default-level tile bytes", body)
	}
	if resp.Header.Get("Deprecation") != "true" {
		t.Error("legacy route missing Deprecation header")
	}
	if link := resp.Header.Get("Link"); link == "" {
		t.Error("legacy route missing successor Link header")
	}
}

// A legacy-route request answered from the current artifact layout is one
// route-level fallback, not a storage-level one.
func TestLegacyRouteCountsRouteFallbackOnce(t *testing.T) {
	app, store, _ := newTestApp(t)
	publishTile(t, store, "uv", "lga", []byte("uv-tile"))

	routeBefore := testutil.ToFloat64(metrics.LegacyTileFallbacks.WithLabelValues("uv", "route"))
	storageBefore := testutil.ToFloat64(metrics.LegacyTileFallbacks.WithLabelValues("uv", "storage"))

	resp := get(t, app, "/tiles/uv/8/230/140.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	routeAfter := testutil.ToFloat64(metrics.LegacyTileFallbacks.WithLabelValues("uv", "route"))
	storageAfter := testutil.ToFloat64(metrics.LegacyTileFallbacks.WithLabelValues("uv", "storage"))
	if got := routeAfter - routeBefore; got != 1 {
		t.Errorf("route fallback count moved by %v, want 1", got)
	}
	if got := storageAfter - storageBefore; got != 0 {
		t.Errorf("storage fallback count moved by %v, want 0", got)
	}
}

func TestTileRejectsInvalidAddresses(t *testing.T) {
	app, _, _ := newTestApp(t)

	cases := []struct {
		name string
		path string
	}{
		{"unknown variable", "/tiles/ozone/lga/8/230/140.png"},
		{"unknown level", "/tiles/pm25/postcode/8/230/140.png"},
		{"zoom below range", "/tiles/pm25/lga/5/10/10.png"},
		{"zoom above range", "/tiles/pm25/lga/20/230/140.png"},
		{"unsupported format", "/tiles/pm25/lga/8/230/140.webp"},
		{"missing extension", "/tiles/pm25/lga/8/230/140"},
		{"tile index out of range", "/tiles/pm25/lga/8/9999/140.png"},
		{"non-numeric zoom", "/tiles/pm25/lga/abc/230/140.png"},
		{"legacy unknown variable", "/tiles/ozone/8/230/140.png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := get(t, app, tc.path)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestInfoEndpoint(t *testing.T) {
	app, store, _ := newTestApp(t)

	resp := get(t, app, "/tiles/pm25/lga/info")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unpublished info status = %d, want 404", resp.StatusCode)
	}

	publishTile(t, store, "pm25", "lga", []byte("tile"))
	resp = get(t, app, "/tiles/pm25/lga/info")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{`"variable":"pm25"`, `"level":"lga"`, `"thresholds"`, `"tile_count":1`} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("info body missing %s: %s", want, body)
		}
	}

	resp = get(t, app, "/tiles/ozone/lga/info")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown variable info status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	app, store, cache := newTestApp(t)
	publishTile(t, store, "pm25", "lga", []byte("tile"))
	cache.Publish(&observation.CycleSnapshot{
		Timestamp: time.Now().UTC(),
		Points:    map[string]observation.PointRecord{},
	})

	resp := get(t, app, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{`"status":"ok"`, `"point_cache":"ok"`, `"tile_sets"`} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("health body missing %s: %s", want, body)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := get(t, app, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("climate_tiles_app_start_time_seconds")) {
		t.Error("metrics output missing app start time gauge")
	}
}
