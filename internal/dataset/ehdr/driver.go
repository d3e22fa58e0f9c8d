// Package ehdr 实现 ESRI BIL（.bil + .hdr/.prj/.clr）栅格驱动。
package ehdr

import (
	"context"
	"fmt"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/raster"
)

func init() {
	dataset.MustRegister(driver{})
}

type driver struct{}

func (driver) Format() dataset.Format { return dataset.FormatBIL }
func (driver) Kind() dataset.Kind     { return dataset.KindRaster }
func (driver) Extensions() []string   { return []string{"bil"} }
func (driver) MediaType() string      { return "application/x-bil" }

func (driver) Sidecars(path string) []string {
	return []string{
		raster.SidecarPath(path, ".hdr"),
		raster.SidecarPath(path, ".prj"),
		raster.SidecarPath(path, ".clr"),
	}
}

func (d driver) Probe(_ context.Context, path string, opts dataset.ProbeOptions) (dataset.Handle, error) {
	g, err := raster.ReadHeader(path)
	if err != nil {
		return dataset.Handle{}, err
	}
	g, err = dataset.ApplyOverrides(g, opts)
	if err != nil {
		return dataset.Handle{}, err
	}
	h := dataset.RasterHandle(path, dataset.FormatBIL, g)
	h.SizeBytes, err = dataset.TotalSize(d, path)
	if err != nil {
		return dataset.Handle{}, err
	}
	return h, nil
}

func (driver) OpenRaster(path string, opts dataset.ProbeOptions) (raster.Reader, error) {
	r, err := raster.OpenBIL(path)
	if err != nil {
		return nil, err
	}
	g, err := dataset.ApplyOverrides(r.Grid(), opts)
	if err != nil {
		r.Close()
		return nil, err
	}
	return dataset.WithGrid(r, g), nil
}

// WriteRaster 以行条带方式复制 src，单个条带不超过 TileBytes。
func (driver) WriteRaster(ctx context.Context, path string, src raster.Reader, opts dataset.WriteOptions) error {
	g := src.Grid()
	w, err := raster.CreateBIL(path, g)
	if err != nil {
		return err
	}
	rows := dataset.StripRows(g, opts.TileBytes)
	for row := 0; row < g.Height; row += rows {
		win := raster.Window{Row: row, Width: g.Width, Height: min(rows, g.Height-row)}
		tile, err := src.ReadWindow(ctx, win)
		if err == nil {
			err = w.WriteWindow(ctx, tile)
		}
		if err != nil {
			w.Abort()
			return fmt.Errorf("write bil strip at row %d: %w", row, err)
		}
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return err
	}
	return nil
}
