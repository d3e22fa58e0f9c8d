package dataset

import (
	"os"

	"github.com/proxycad/proxycad/internal/raster"
)

// ApplyOverrides 将配置中的 SRS/分类覆盖到网格上。
func ApplyOverrides(g raster.Grid, opts ProbeOptions) (raster.Grid, error) {
	if opts.SRS != "" {
		g.SRS = opts.SRS
	}
	if opts.Categorical {
		g.Categorical = true
	}
	if g.SRS == "" {
		return g, raster.ErrNoSRS
	}
	return g, nil
}

// RasterHandle 从网格构建栅格句柄的公共字段。
func RasterHandle(path string, format Format, g raster.Grid) Handle {
	rx, ry := g.Resolution()
	return Handle{
		Location:    path,
		Format:      format,
		Kind:        KindRaster,
		SRS:         g.SRS,
		Extent:      g.Extent(),
		Width:       g.Width,
		Height:      g.Height,
		Bands:       g.Bands,
		ResolutionX: rx,
		ResolutionY: ry,
		PixelType:   string(g.PixelType),
		Categorical: g.Categorical,
	}
}

// TotalSize 汇总主文件与存在的侧车文件大小。
func TotalSize(d Driver, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	total := info.Size()
	for _, side := range d.Sidecars(path) {
		if si, err := os.Stat(side); err == nil {
			total += si.Size()
		}
	}
	return total, nil
}

type gridReader struct {
	raster.Reader
	grid raster.Grid
}

func (r gridReader) Grid() raster.Grid { return r.grid }

// WithGrid 用 g 替换 r 报告的网格元数据，像素读取不变。
func WithGrid(r raster.Reader, g raster.Grid) raster.Reader {
	return gridReader{Reader: r, grid: g}
}

// StripRows 返回在 tileBytes 预算内可一次处理的整行数，至少为 1。
func StripRows(g raster.Grid, tileBytes int64) int {
	rowBytes := int64(g.Width) * g.PixelBytes()
	if tileBytes <= 0 || rowBytes <= 0 {
		return g.Height
	}
	rows := int(tileBytes / rowBytes)
	return max(1, min(rows, g.Height))
}
