package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/cache"
	"github.com/proxycad/proxycad/internal/dataset"
	_ "github.com/proxycad/proxycad/internal/dataset/img"
	"github.com/proxycad/proxycad/internal/dispatch"
	"github.com/proxycad/proxycad/internal/failure"
	"github.com/proxycad/proxycad/internal/server"
)

type stubDispatcher struct {
	mu       sync.Mutex
	results  []dispatch.Result
	requests []dispatch.Request
}

func (s *stubDispatcher) next(req dispatch.Request) dispatch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res
}

func (s *stubDispatcher) Handle(_ context.Context, req dispatch.Request) dispatch.Result {
	return s.next(req)
}

func (s *stubDispatcher) Explain(_ context.Context, req dispatch.Request) dispatch.Result {
	return s.next(req)
}

func (s *stubDispatcher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubArtifacts struct {
	mu      sync.Mutex
	payload []byte
	missing int
}

func (s *stubArtifacts) OpenArtifact(_ context.Context, e cache.Entry, name string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing > 0 {
		s.missing--
		return nil, 0, cache.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(s.payload)), int64(len(s.payload)), nil
}

func newHandlerApp(t *testing.T, d Dispatcher, a ArtifactOpener) *fiber.App {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Datasets:   NewHandler(d, a, logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return app
}

func TestServeStreamsSourceForEmptyPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ortho.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	handle := dataset.Handle{ID: "ortho", Location: path, Format: dataset.FormatPNG}
	d := &stubDispatcher{results: []dispatch.Result{{Handle: handle, Source: handle}}}
	app := newHandlerApp(t, d, &stubArtifacts{})

	resp, err := app.Test(httptest.NewRequest("GET", "/datasets/ortho", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "png-bytes" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected content type %s", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("X-Proxycad-Cache-Hit") != "false" || resp.Header.Get("X-Proxycad-Plan") != "none" {
		t.Fatalf("unexpected proxy headers %v", resp.Header)
	}
	if resp.Header.Get("X-Proxycad-Key") != "" {
		t.Fatalf("empty plan should not expose a key")
	}
}

func TestServeStreamsCachedArtifact(t *testing.T) {
	entry := cache.Entry{Key: "abc", Primary: "dem.png", Handle: dataset.Handle{Format: dataset.FormatPNG, Location: "/artifacts/ab/abc/dem.png"}}
	d := &stubDispatcher{results: []dispatch.Result{{Handle: entry.Handle, Entry: &entry, Key: "abc", CacheHit: true}}}
	app := newHandlerApp(t, d, &stubArtifacts{payload: []byte("cached")})

	req := httptest.NewRequest("GET", "/datasets/dem?srs=EPSG:4326&format=png&resolution=10,20&attributes=a,%20b,", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "cached" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get("X-Proxycad-Cache-Hit") != "true" || resp.Header.Get("X-Proxycad-Key") != "abc" {
		t.Fatalf("unexpected proxy headers %v", resp.Header)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id")
	}

	got := d.requests[0]
	if got.Source != "dem" || got.Target.SRS != "EPSG:4326" || got.Target.Format != "png" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Target.ResolutionX != 10 || got.Target.ResolutionY != 20 {
		t.Fatalf("unexpected resolution %+v", got.Target)
	}
	if len(got.Target.Attributes) != 2 || got.Target.Attributes[1] != "b" {
		t.Fatalf("unexpected attributes %v", got.Target.Attributes)
	}
	if got.ID == "" || got.ID != resp.Header.Get("X-Request-ID") {
		t.Fatalf("request id not propagated: %q", got.ID)
	}
}

func TestServeRedispatchesWhenArtifactEvicted(t *testing.T) {
	entry := cache.Entry{Key: "abc", Primary: "dem.png", Handle: dataset.Handle{Format: dataset.FormatPNG}}
	d := &stubDispatcher{results: []dispatch.Result{{Handle: entry.Handle, Entry: &entry, Key: "abc"}}}
	app := newHandlerApp(t, d, &stubArtifacts{payload: []byte("rebuilt"), missing: 1})

	resp, err := app.Test(httptest.NewRequest("GET", "/datasets/dem?format=png", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "rebuilt" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if d.calls() != 2 {
		t.Fatalf("expected two dispatches, got %d", d.calls())
	}
}

func TestServeRendersFailures(t *testing.T) {
	cases := []struct {
		kind   failure.Kind
		status int
	}{
		{failure.UnresolvableSource, 404},
		{failure.UnsupportedFormat, 415},
		{failure.InvalidResamplingMethod, 400},
		{failure.Timeout, 504},
		{failure.EngineExecutionError, 502},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			f := &dispatch.Failure{Kind: tc.kind, Stage: failure.StageExecuting, Source: "dem", Message: "boom"}
			app := newHandlerApp(t, &stubDispatcher{results: []dispatch.Result{{Failure: f}}}, &stubArtifacts{})
			resp, err := app.Test(httptest.NewRequest("GET", "/datasets/dem", nil))
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d got %d", tc.status, resp.StatusCode)
			}
			var payload map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if payload["error"] != string(tc.kind) || payload["stage"] != "executing" || payload["source"] != "dem" || payload["message"] != "boom" {
				t.Fatalf("unexpected payload %v", payload)
			}
		})
	}
}

func TestServeRejectsMalformedParams(t *testing.T) {
	d := &stubDispatcher{results: []dispatch.Result{{}}}
	app := newHandlerApp(t, d, &stubArtifacts{})
	for _, query := range []string{"resolution=abc", "width=-3", "bbox=1,2,3", "resolution=1,2,3"} {
		resp, err := app.Test(httptest.NewRequest("GET", "/datasets/dem?"+query, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, resp.StatusCode)
		}
	}
	if d.calls() != 0 {
		t.Fatalf("dispatcher should not be called for malformed params")
	}
}

func TestExplainReturnsPlanJSON(t *testing.T) {
	handle := dataset.Handle{ID: "dem", Format: dataset.FormatPNG, SRS: "EPSG:3857"}
	d := &stubDispatcher{results: []dispatch.Result{{Handle: handle, Source: handle, Key: "k1"}}}
	app := newHandlerApp(t, d, &stubArtifacts{})

	resp, err := app.Test(httptest.NewRequest("GET", "/datasets/dem/plan?srs=EPSG:4326", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Source dataset.Handle `json:"source"`
		Target string         `json:"target"`
		Steps  string         `json:"steps"`
		Key    string         `json:"key"`
		Plan   struct {
			Ops []json.RawMessage `json:"ops"`
		} `json:"plan"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Source.ID != "dem" || payload.Target != "srs=EPSG:4326" || payload.Key != "k1" || payload.Steps != "none" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Plan.Ops == nil {
		t.Fatalf("plan ops should be an empty list")
	}
}

func TestParseTarget(t *testing.T) {
	values := map[string]string{
		"srs":        " EPSG:2154 ",
		"bbox":       "0,0,10,10",
		"bbox_srs":   "EPSG:4326",
		"resolution": "5",
		"width":      "256",
		"height":     "128",
		"resampling": "cubic",
	}
	p, err := ParseTarget(func(k string) string { return values[k] })
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.SRS != "EPSG:2154" || p.BBox == nil || p.BBox.MaxX != 10 || p.BBoxSRS != "EPSG:4326" {
		t.Fatalf("unexpected params %+v", p)
	}
	if p.ResolutionX != 5 || p.ResolutionY != 5 || p.Width != 256 || p.Height != 128 || p.Resampling != "cubic" {
		t.Fatalf("unexpected params %+v", p)
	}
	if p.Attributes != nil {
		t.Fatalf("attributes should stay nil when absent")
	}
}
