package geojson

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
)

const parcels = `{
  "type": "FeatureCollection",
  "name": "parcelles",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::2154"}},
  "features": [
    {"type": "Feature", "id": 1, "geometry": {"type": "Point", "coordinates": [652000.5, 6862000]}, "properties": {"insee": "75056", "surface": 12345678901234567}},
    {"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[650000, 6860000], [655000, 6865000]]}, "properties": {"section": "AB"}},
    {"type": "Feature", "geometry": null, "properties": null}
  ]
}`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parcels.geojson")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestProbeScansSchemaAndExtent(t *testing.T) {
	path := writeFile(t, parcels)
	d, ok := dataset.Resolve(dataset.FormatGeoJSON)
	if !ok {
		t.Fatalf("geojson driver not registered")
	}
	h, err := d.Probe(context.Background(), path, dataset.ProbeOptions{})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if h.SRS != geo.Lambert93 || h.FeatureCount != 3 || h.Kind != dataset.KindVector {
		t.Fatalf("unexpected handle %+v", h)
	}
	if strings.Join(h.Attributes, ",") != "insee,section,surface" {
		t.Fatalf("unexpected attributes %v", h.Attributes)
	}
	want := geo.BBox{MinX: 650000, MinY: 6860000, MaxX: 655000, MaxY: 6865000}
	if !h.Extent.Equal(want) {
		t.Fatalf("unexpected extent %v", h.Extent)
	}
}

func TestProbeDefaultsToWGS84(t *testing.T) {
	path := writeFile(t, `{"features":[],"type":"FeatureCollection"}`)
	h, err := (driver{}).Probe(context.Background(), path, dataset.ProbeOptions{})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if h.SRS != geo.WGS84 || h.FeatureCount != 0 {
		t.Fatalf("unexpected handle %+v", h)
	}
}

func TestRejectsNonCollection(t *testing.T) {
	path := writeFile(t, `{"type":"Feature","geometry":null,"properties":{}}`)
	if _, err := (driver{}).Probe(context.Background(), path, dataset.ProbeOptions{}); err == nil {
		t.Fatalf("expected error for single feature document")
	}
}

func TestStreamRoundTripPreservesNumbers(t *testing.T) {
	src := writeFile(t, parcels)
	r, err := (driver{}).OpenFeatures(src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	dst := filepath.Join(t.TempDir(), "out.geojson")
	w, err := (driver{}).CreateFeatures(dst, geo.Lambert93)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for {
		f, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if err := w.Write(f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), `"surface":12345678901234567`) {
		t.Fatalf("large integer lost precision: %s", raw)
	}
	if !strings.Contains(string(raw), `EPSG::2154`) {
		t.Fatalf("crs member missing: %s", raw)
	}
	var doc struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("output is not valid json: %v", err)
	}
	if len(doc.Features) != 3 {
		t.Fatalf("expected 3 features, got %d", len(doc.Features))
	}
}

func TestNextHonoursCancellation(t *testing.T) {
	r, err := (driver{}).OpenFeatures(writeFile(t, parcels))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
