package main

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/config"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/raster"
)

// writeDEM 在 dir 下生成 8x8 的单波段 BIL。
func writeDEM(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "dem.bil")
	g := raster.Grid{
		Width: 8, Height: 8, Bands: 1, PixelType: raster.U8, SRS: geo.WGS84,
		Transform: raster.GeoTransform{2, 0.125, 0, 49, 0, -0.125},
	}
	w, err := raster.CreateBIL(path, g)
	if err != nil {
		t.Fatalf("create bil: %v", err)
	}
	tile := raster.NewTile(g.Full(), 1)
	for r := 0; r < g.Height; r++ {
		for c := 0; c < g.Width; c++ {
			tile.Set(0, c, r, float32(r*8+c))
		}
	}
	if err := w.WriteWindow(context.Background(), tile); err != nil {
		t.Fatalf("write bil: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close bil: %v", err)
	}
	return path
}

func TestBuildAppServesConvertedDataset(t *testing.T) {
	dataDir := t.TempDir()
	dem := writeDEM(t, dataDir)
	configPath := writeConfigFile(t, fmt.Sprintf(`
StoragePath = "%s"
ListenPort = 5300
SourceRoots = ["%s"]

[[Source]]
Name = "dem"
Location = "%s"
SRS = "EPSG:4326"
`, filepath.Join(t.TempDir(), "storage"), dataDir, dem))

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, cleanup, err := buildApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer cleanup()

	resp, err := app.Test(httptest.NewRequest("GET", "/datasets/dem?format=png", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %s", ct)
	}
	if !strings.HasPrefix(string(body), "\x89PNG") {
		t.Fatalf("body is not a png")
	}
	if resp.Header.Get("X-Proxycad-Cache-Hit") != "false" {
		t.Fatalf("first request should miss the cache")
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/datasets/dem?format=png", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.Header.Get("X-Proxycad-Cache-Hit") != "true" {
		t.Fatalf("second request should hit the cache")
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/datasets/unknown", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("unknown source should be 404, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/wms?service=WMS&request=GetCapabilities", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || !strings.Contains(string(body), "<Name>dem</Name>") {
		t.Fatalf("capabilities should list dem: %d %s", resp.StatusCode, body)
	}
}
