package wms

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/config"
	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/dispatch"
	"github.com/proxycad/proxycad/internal/failure"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/proxy"
	"github.com/proxycad/proxycad/internal/server"
)

type stubCatalog []Layer

func (s stubCatalog) Layer(_ context.Context, name string) (Layer, error) {
	for _, l := range s {
		if l.Name == name {
			return l, nil
		}
	}
	return Layer{}, ErrLayerNotDefined
}

func (s stubCatalog) Layers(context.Context) []Layer { return s }

type stubResponder struct {
	requests []dispatch.Request
	fail     *dispatch.Failure
}

func (s *stubResponder) Respond(c fiber.Ctx, req dispatch.Request, render proxy.FailureRenderer) error {
	s.requests = append(s.requests, req)
	if s.fail != nil {
		return render(c, s.fail)
	}
	c.Set(fiber.HeaderContentType, "image/png")
	return c.SendString("map")
}

func newWMSApp(t *testing.T, responder Responder) *fiber.App {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	catalog := stubCatalog{{
		Name:       "dem",
		Title:      "Elevation",
		SRS:        geo.WGS84,
		Extent:     geo.BBox{MinX: 2, MinY: 48, MaxX: 3, MaxY: 49},
		Geographic: geo.BBox{MinX: 2, MinY: 48, MaxX: 3, MaxY: 49},
	}}
	app := fiber.New()
	NewHandler(responder, catalog, Options{MaxScale: 25000}, logger).Register(app)
	return app
}

func doGet(t *testing.T, app *fiber.App, target string, headers map[string]string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, resp.Header.Get("Content-Type"), string(body)
}

func TestGetCapabilitiesListsLayers(t *testing.T) {
	app := newWMSApp(t, &stubResponder{})
	status, ctype, body := doGet(t, app, "/wms?service=WMS&request=GetCapabilities", map[string]string{
		"X-Forwarded-Proto": "https",
		"X-Forwarded-Host":  "maps.example.org",
	})
	if status != fiber.StatusOK || !strings.HasPrefix(ctype, "text/xml") {
		t.Fatalf("unexpected response %d %s", status, ctype)
	}
	for _, want := range []string{
		`<WMS_Capabilities version="1.3.0"`,
		`xlink:href="https://maps.example.org/wms?"`,
		"<Name>dem</Name>",
		"<Title>Elevation</Title>",
		"<westBoundLongitude>2</westBoundLongitude>",
		`<BoundingBox CRS="EPSG:4326" minx="48" miny="2" maxx="49" maxy="3">`,
		"<Format>image/png</Format>",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("capabilities missing %q:\n%s", want, body)
		}
	}
}

func TestGetMapDispatchesFirstLayer(t *testing.T) {
	responder := &stubResponder{}
	app := newWMSApp(t, responder)
	status, ctype, body := doGet(t, app,
		"/wms?SERVICE=WMS&REQUEST=GetMap&LAYERS=dem&CRS=EPSG:4326&BBOX=48,2,49,3&WIDTH=100&HEIGHT=100&FORMAT=image/png", nil)
	if status != fiber.StatusOK || ctype != "image/png" || body != "map" {
		t.Fatalf("unexpected response %d %s %s", status, ctype, body)
	}
	if len(responder.requests) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(responder.requests))
	}
	req := responder.requests[0]
	if req.Source != "dem" || req.Target.SRS != "EPSG:4326" || req.Target.BBoxSRS != "EPSG:4326" || req.Target.Format != "png" {
		t.Fatalf("unexpected request %+v", req)
	}
	if b := req.Target.BBox; b == nil || b.MinX != 2 || b.MinY != 48 {
		t.Fatalf("unexpected bbox %+v", req.Target.BBox)
	}
	if req.Target.Width != 100 || req.Target.Height != 100 {
		t.Fatalf("unexpected size %+v", req.Target)
	}
}

func TestGetMapExceptions(t *testing.T) {
	cases := []struct {
		name   string
		query  string
		status int
		want   string
	}{
		{"missing service", "request=GetMap", 400, "service parameter is mandatory"},
		{"feature info", "service=wms&request=GetFeatureInfo", 400, "not implemented"},
		{"unknown layer", "service=wms&request=GetMap&layers=x&crs=EPSG:4326&bbox=48,2,49,3&width=1&height=1&format=image/png", 400, "LayerNotDefined"},
		{"scale", "service=wms&request=GetMap&layers=dem&crs=EPSG:3857&bbox=0,0,100000,100000&width=10&height=10&format=image/png", 400, "scale not allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			responder := &stubResponder{}
			status, ctype, body := doGet(t, newWMSApp(t, responder), "/wms?"+tc.query, nil)
			if status != tc.status || !strings.HasPrefix(ctype, "text/xml") || !strings.Contains(body, tc.want) {
				t.Fatalf("unexpected response %d %s %s", status, ctype, body)
			}
			if len(responder.requests) != 0 {
				t.Fatalf("invalid request should not be dispatched")
			}
		})
	}
}

func TestGetMapRendersDispatchFailure(t *testing.T) {
	responder := &stubResponder{fail: &dispatch.Failure{Kind: failure.Timeout, Message: "too slow"}}
	status, _, body := doGet(t, newWMSApp(t, responder),
		"/wms?service=wms&request=GetMap&layers=dem&crs=EPSG:4326&bbox=48,2,49,3&width=10&height=10&format=image/jpeg", nil)
	if status != fiber.StatusGatewayTimeout || !strings.Contains(body, "too slow") || !strings.Contains(body, CodeNoApplicableCode) {
		t.Fatalf("unexpected response %d %s", status, body)
	}
}

func TestGetMapOutsideLayerReturnsEmptyImage(t *testing.T) {
	responder := &stubResponder{}
	app := newWMSApp(t, responder)
	req := httptest.NewRequest("GET",
		"/wms?service=wms&request=GetMap&layers=dem&crs=EPSG:4326&bbox=10,20,11,21&width=8&height=4&format=image/png&transparent=TRUE", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Fatalf("unexpected size %v", b)
	}
	if _, _, _, a := img.At(3, 2).RGBA(); a != 0 {
		t.Fatalf("transparent empty map expected, alpha=%d", a)
	}
	if len(responder.requests) != 0 {
		t.Fatalf("disjoint bbox should not be dispatched")
	}
}

func TestEmptyMapOpaqueFormats(t *testing.T) {
	for _, format := range []dataset.Format{dataset.FormatJPEG, dataset.FormatGIF, dataset.FormatPNG} {
		raw, err := EmptyMap(MapRequest{Format: format, Width: 3, Height: 2})
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("%s decode: %v", format, err)
		}
		r, g, b, a := img.At(1, 1).RGBA()
		if r < 0xf000 || g < 0xf000 || b < 0xf000 || a != 0xffff {
			t.Fatalf("%s: expected white, got %d %d %d %d", format, r, g, b, a)
		}
	}
}

type erroringCatalog struct{ err error }

func (e erroringCatalog) Layer(context.Context, string) (Layer, error) { return Layer{}, e.err }
func (e erroringCatalog) Layers(context.Context) []Layer               { return nil }

func TestGetMapLayerResolutionFailure(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app := fiber.New()
	responder := &stubResponder{}
	catalog := erroringCatalog{err: failure.Newf(failure.Timeout, "upstream too slow")}
	NewHandler(responder, catalog, Options{}, logger).Register(app)

	status, ctype, body := doGet(t, app,
		"/wms?service=wms&request=GetMap&layers=dem&crs=EPSG:4326&bbox=48,2,49,3&width=10&height=10&format=image/png", nil)
	if status != fiber.StatusGatewayTimeout || !strings.HasPrefix(ctype, "text/xml") || !strings.Contains(body, "upstream too slow") {
		t.Fatalf("unexpected response %d %s %s", status, ctype, body)
	}
	if len(responder.requests) != 0 {
		t.Fatalf("unresolved layer should not be dispatched")
	}
}

type mapResolver map[string]dataset.Handle

func (m mapResolver) Resolve(_ context.Context, id string) (dataset.Handle, error) {
	h, ok := m[id]
	if !ok {
		return dataset.Handle{}, failure.Newf(failure.UnresolvableSource, "unknown %s", id)
	}
	return h, nil
}

func TestCatalogOnlyExposesRasterSources(t *testing.T) {
	registry, err := server.NewSourceRegistry(&config.Config{Sources: []config.SourceConfig{
		{Name: "dem", Location: "dem.bil"},
		{Name: "parcels", Location: "parcels.geojson"},
		{Name: "broken", Location: "broken.bil"},
	}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	resolver := mapResolver{
		"dem":     {Kind: dataset.KindRaster, SRS: geo.WGS84, Extent: geo.BBox{MinX: 2, MinY: 48, MaxX: 3, MaxY: 49}},
		"parcels": {Kind: dataset.KindVector, SRS: geo.WGS84, Extent: geo.BBox{MinX: 2, MinY: 48, MaxX: 3, MaxY: 49}},
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	catalog := NewCatalog(registry, resolver, logger)

	if _, err := catalog.Layer(context.Background(), "parcels"); !errors.Is(err, ErrLayerNotDefined) {
		t.Fatalf("vector source should not be a layer, got %v", err)
	}
	if _, err := catalog.Layer(context.Background(), "nope"); !errors.Is(err, ErrLayerNotDefined) {
		t.Fatalf("unknown source should not be a layer, got %v", err)
	}
	if _, err := catalog.Layer(context.Background(), "broken"); err == nil || errors.Is(err, ErrLayerNotDefined) {
		t.Fatalf("resolution failures should be reported as such, got %v", err)
	}
	layer, err := catalog.Layer(context.Background(), "DEM")
	if err != nil || layer.Name != "dem" || !layer.Geographic.Equal(layer.Extent) {
		t.Fatalf("unexpected layer %+v %v", layer, err)
	}
	if layers := catalog.Layers(context.Background()); len(layers) != 1 || layers[0].Name != "dem" {
		t.Fatalf("unexpected layers %+v", layers)
	}
}
