package img

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/raster"
)

func pngDriver(t *testing.T) dataset.RasterDriver {
	t.Helper()
	d, ok := dataset.Resolve(dataset.FormatPNG)
	if !ok {
		t.Fatalf("png driver not registered")
	}
	return d.(dataset.RasterDriver)
}

func writePNG(t *testing.T, path string, m image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, m); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestWorldFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.pgw")
	want := raster.GeoTransform{100, 2, 0, 500, 0, -2}
	if err := os.WriteFile(path, []byte(formatWorldFile(want)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readWorldFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("transform mismatch at %d: %v vs %v", i, got, want)
		}
	}
	if err := os.WriteFile(path, []byte("1\n0\n0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readWorldFile(path); err == nil {
		t.Fatalf("short world file should fail")
	}
}

func TestProbePalettedPNG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "landuse.png")
	pal := color.Palette{color.NRGBA{A: 0}, color.NRGBA{R: 200, A: 255}, color.NRGBA{G: 200, A: 255}}
	m := image.NewPaletted(image.Rect(0, 0, 4, 3), pal)
	m.SetColorIndex(2, 1, 2)
	writePNG(t, path, m)
	if err := os.WriteFile(filepath.Join(dir, "landuse.pgw"), []byte(formatWorldFile(raster.GeoTransform{0, 1, 0, 3, 0, -1})), 0o644); err != nil {
		t.Fatalf("world file: %v", err)
	}
	if err := raster.WritePRJ(filepath.Join(dir, "landuse.prj"), geo.WGS84); err != nil {
		t.Fatalf("prj: %v", err)
	}

	d := pngDriver(t)
	h, err := d.Probe(context.Background(), path, dataset.ProbeOptions{})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !h.Categorical || h.Bands != 1 || h.Width != 4 || h.Height != 3 || h.SRS != geo.WGS84 {
		t.Fatalf("unexpected handle %+v", h)
	}
	r, err := d.OpenRaster(path, dataset.ProbeOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tile, err := r.ReadWindow(context.Background(), raster.Window{Col: 1, Row: 1, Width: 2, Height: 1})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if tile.At(0, 1, 0) != 2 {
		t.Fatalf("expected palette index 2, got %v", tile.At(0, 1, 0))
	}
}

func TestProbeWithoutWorldFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.png")
	writePNG(t, path, image.NewGray(image.Rect(0, 0, 2, 2)))
	if _, err := pngDriver(t).Probe(context.Background(), path, dataset.ProbeOptions{SRS: geo.WGS84}); !errors.Is(err, ErrNoWorldFile) {
		t.Fatalf("expected ErrNoWorldFile, got %v", err)
	}
}

func bilSource(t *testing.T, g raster.Grid, fill func(b, c, r int) float32) raster.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.bil")
	w, err := raster.CreateBIL(path, g)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tile := raster.NewTile(g.Full(), g.Bands)
	for b := 0; b < g.Bands; b++ {
		for r := 0; r < g.Height; r++ {
			for c := 0; c < g.Width; c++ {
				tile.Set(b, c, r, fill(b, c, r))
			}
		}
	}
	if err := w.WriteWindow(context.Background(), tile); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	r, err := raster.OpenBIL(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWriteRasterEncodesRGBWithWorldFile(t *testing.T) {
	g := raster.Grid{Width: 20, Height: 40, Bands: 3, Transform: raster.GeoTransform{10, 0.5, 0, 50, 0, -0.5}, SRS: geo.WGS84, PixelType: raster.U8}
	src := bilSource(t, g, func(b, c, r int) float32 { return float32(b*60 + c + r) })

	out := filepath.Join(t.TempDir(), "out.png")
	if err := pngDriver(t).WriteRaster(context.Background(), out, src, dataset.WriteOptions{TileBytes: 256}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	m, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	c := color.NRGBAModel.Convert(m.At(3, 37)).(color.NRGBA)
	if c.R != 40 || c.G != 100 || c.B != 160 || c.A != 255 {
		t.Fatalf("unexpected pixel %+v", c)
	}
	wt, err := readWorldFile(raster.SidecarPath(out, ".pgw"))
	if err != nil {
		t.Fatalf("world file: %v", err)
	}
	if wt[0] != 10 || wt[3] != 50 || wt[1] != 0.5 {
		t.Fatalf("unexpected transform %v", wt)
	}
}

func TestWriteRasterKeepsPaletteForCategorical(t *testing.T) {
	g := raster.Grid{
		Width: 4, Height: 4, Bands: 1, Transform: raster.GeoTransform{0, 1, 0, 4, 0, -1},
		SRS: geo.WGS84, PixelType: raster.U8, Categorical: true,
		Palette: []color.NRGBA{{A: 0}, {R: 255, A: 255}, {B: 255, A: 255}},
	}
	src := bilSource(t, g, func(_, c, _ int) float32 { return float32(c % 3) })
	out := filepath.Join(t.TempDir(), "classes.png")
	if err := pngDriver(t).WriteRaster(context.Background(), out, src, dataset.WriteOptions{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	m, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := m.(*image.Paletted)
	if !ok {
		t.Fatalf("expected paletted output, got %T", m)
	}
	if p.ColorIndexAt(2, 0) != 2 || p.ColorIndexAt(1, 3) != 1 {
		t.Fatalf("unexpected indices")
	}
}

func TestWriteRasterCancelledLeavesNothing(t *testing.T) {
	g := raster.Grid{Width: 4, Height: 4, Bands: 1, Transform: raster.GeoTransform{0, 1, 0, 4, 0, -1}, SRS: geo.WGS84, PixelType: raster.U8}
	src := bilSource(t, g, func(_, c, _ int) float32 { return float32(c) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(t.TempDir(), "x.png")
	if err := pngDriver(t).WriteRaster(ctx, out, src, dataset.WriteOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output should be removed, stat err=%v", err)
	}
}
