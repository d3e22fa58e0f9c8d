// Package img 实现带世界文件地理参考的 PNG/JPEG/GIF 栅格驱动。
// 调色板图像视为分类栅格，像素值为调色板索引。
package img

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/raster"
)

// ErrNoWorldFile 表示图像缺少地理参考。
var ErrNoWorldFile = errors.New("image has no world file")

func init() {
	dataset.MustRegister(driver{format: dataset.FormatPNG, exts: []string{"png"}, media: "image/png"})
	dataset.MustRegister(driver{format: dataset.FormatJPEG, exts: []string{"jpeg", "jpg"}, media: "image/jpeg"})
	dataset.MustRegister(driver{format: dataset.FormatGIF, exts: []string{"gif"}, media: "image/gif"})
}

type driver struct {
	format dataset.Format
	exts   []string
	media  string
}

func (d driver) Format() dataset.Format { return d.format }
func (driver) Kind() dataset.Kind       { return dataset.KindRaster }
func (d driver) Extensions() []string   { return d.exts }
func (d driver) MediaType() string      { return d.media }

func (d driver) Sidecars(path string) []string {
	out := make([]string, 0, 4)
	for _, ext := range worldFileExts[string(d.format)] {
		out = append(out, raster.SidecarPath(path, ext))
	}
	return append(out, raster.SidecarPath(path, ".prj"))
}

func (d driver) Probe(_ context.Context, path string, opts dataset.ProbeOptions) (dataset.Handle, error) {
	g, err := d.readGrid(path, opts)
	if err != nil {
		return dataset.Handle{}, err
	}
	h := dataset.RasterHandle(path, d.format, g)
	h.SizeBytes, err = dataset.TotalSize(d, path)
	if err != nil {
		return dataset.Handle{}, err
	}
	return h, nil
}

// readGrid 只解码图像头部，结合世界文件与 .prj 构建网格。
func (d driver) readGrid(path string, opts dataset.ProbeOptions) (raster.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return raster.Grid{}, err
	}
	defer f.Close()
	cfg, name, err := image.DecodeConfig(f)
	if err != nil {
		return raster.Grid{}, fmt.Errorf("decode %s header: %w", d.format, err)
	}
	if !sameFormat(name, d.format) {
		return raster.Grid{}, fmt.Errorf("file is %s, expected %s", name, d.format)
	}
	wf, ok := findWorldFile(path, string(d.format))
	if !ok {
		return raster.Grid{}, ErrNoWorldFile
	}
	transform, err := readWorldFile(wf)
	if err != nil {
		return raster.Grid{}, err
	}
	g := raster.Grid{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Transform: transform,
		PixelType: raster.U8,
	}
	describeModel(&g, cfg.ColorModel)
	if raw, err := os.ReadFile(raster.SidecarPath(path, ".prj")); err == nil {
		srs, perr := geo.ParseSRS(string(raw))
		if perr != nil {
			return raster.Grid{}, perr
		}
		g.SRS = srs
	}
	g, err = dataset.ApplyOverrides(g, opts)
	if err != nil {
		return raster.Grid{}, err
	}
	return g, g.Validate()
}

func sameFormat(name string, format dataset.Format) bool {
	return dataset.Format(name) == format
}

func (d driver) OpenRaster(path string, opts dataset.ProbeOptions) (raster.Reader, error) {
	g, err := d.readGrid(path, opts)
	if err != nil {
		return nil, err
	}
	return &imageReader{path: path, grid: g}, nil
}

// WriteRaster 通过惰性 image.Image 把 src 交给标准编码器，按行条带读取。
func (d driver) WriteRaster(ctx context.Context, path string, src raster.Reader, opts dataset.WriteOptions) error {
	g := src.Grid()
	lazy := newLazyImage(ctx, src, dataset.StripRows(g, opts.TileBytes))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	cleanup := func() {
		f.Close()
		for _, side := range append([]string{path}, d.Sidecars(path)...) {
			os.Remove(side)
		}
	}
	switch d.format {
	case dataset.FormatPNG:
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		err = enc.Encode(f, lazy)
	case dataset.FormatJPEG:
		err = jpeg.Encode(f, lazy, &jpeg.Options{Quality: 90})
	case dataset.FormatGIF:
		err = gif.Encode(f, lazy, &gif.Options{NumColors: 256})
	default:
		err = fmt.Errorf("unsupported image format %s", d.format)
	}
	if lerr := lazy.Err(); lerr != nil {
		err = lerr
	}
	if err != nil {
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	wf := raster.SidecarPath(path, worldFileExts[string(d.format)][0])
	if err := os.WriteFile(wf, []byte(formatWorldFile(g.Transform)), 0o644); err != nil {
		cleanup()
		return err
	}
	if g.SRS != "" {
		if err := raster.WritePRJ(raster.SidecarPath(path, ".prj"), g.SRS); err != nil {
			cleanup()
			return err
		}
	}
	return nil
}
