package routes

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/proxycad/proxycad/internal/cache"
	"github.com/proxycad/proxycad/internal/config"
	_ "github.com/proxycad/proxycad/internal/dataset/ehdr"
	_ "github.com/proxycad/proxycad/internal/dataset/geojson"
	_ "github.com/proxycad/proxycad/internal/dataset/img"
	"github.com/proxycad/proxycad/internal/server"
)

type fixedStats cache.Stats

func (s fixedStats) Stats() cache.Stats { return cache.Stats(s) }

func newDiagnosticsApp(t *testing.T, stats StatsProvider) *fiber.App {
	t.Helper()
	registry, err := server.NewSourceRegistry(&config.Config{
		Sources: []config.SourceConfig{
			{Name: "dem", Location: "dem/dem.bil", SRS: "EPSG:2154"},
			{Name: "ortho", Location: "https://example.org/ortho.bil?token=secret"},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	app := fiber.New()
	RegisterDiagnosticsRoutes(app, registry, stats)
	return app
}

func getJSON(t *testing.T, app *fiber.App, path string, out any) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", path, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestDriversAreSortedByFormat(t *testing.T) {
	app := newDiagnosticsApp(t, nil)
	var payload struct {
		Drivers []driverPayload `json:"drivers"`
	}
	if code := getJSON(t, app, "/-/drivers", &payload); code != fiber.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if len(payload.Drivers) < 5 {
		t.Fatalf("expected all drivers, got %+v", payload.Drivers)
	}
	for i := 1; i < len(payload.Drivers); i++ {
		if payload.Drivers[i-1].Format > payload.Drivers[i].Format {
			t.Fatalf("drivers not sorted: %+v", payload.Drivers)
		}
	}
}

func TestSourcesHideRemoteQuery(t *testing.T) {
	app := newDiagnosticsApp(t, nil)
	var payload struct {
		Sources []sourcePayload `json:"sources"`
	}
	getJSON(t, app, "/-/sources", &payload)
	if len(payload.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %+v", payload.Sources)
	}
	if payload.Sources[0].SRS != "EPSG:2154" {
		t.Fatalf("unexpected srs %+v", payload.Sources[0])
	}
	if payload.Sources[1].Location != "https://example.org/ortho.bil" || !payload.Sources[1].Remote {
		t.Fatalf("remote location should drop query: %+v", payload.Sources[1])
	}

	if code := getJSON(t, app, "/-/sources/missing", nil); code != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	var one sourcePayload
	if code := getJSON(t, app, "/-/sources/DEM", &one); code != fiber.StatusOK || one.Name != "dem" {
		t.Fatalf("unexpected source lookup %d %+v", code, one)
	}
}

func TestCacheStatsIncludeHitRatio(t *testing.T) {
	app := newDiagnosticsApp(t, fixedStats{Entries: 2, Hits: 3, Misses: 1, CapacityBytes: 100})
	var payload cachePayload
	if code := getJSON(t, app, "/-/cache", &payload); code != fiber.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if payload.Entries != 2 || payload.HitRatio != 0.75 {
		t.Fatalf("unexpected stats %+v", payload)
	}

	if code := getJSON(t, newDiagnosticsApp(t, nil), "/-/cache", nil); code != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 without cache, got %d", code)
	}
}
