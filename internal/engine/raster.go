package engine

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/plan"
	"github.com/proxycad/proxycad/internal/raster"
)

// derived 是由操作序列推导出的输出网格与插值方式。
type derived struct {
	grid    raster.Grid
	method  raster.Method
	changed bool
}

// deriveGrid 依次把几何操作作用到网格描述上，不读取像素。
func deriveGrid(src raster.Grid, ops []plan.Op) (derived, error) {
	d := derived{grid: src, method: raster.Nearest}
	for _, op := range ops {
		if op.Method != "" {
			d.method = op.Method
		}
		switch op.Kind {
		case plan.OpClip:
			box, err := bboxIn(*op.BBox, op.BBoxSRS, d.grid.SRS)
			if err != nil {
				return d, err
			}
			win, ok := d.grid.WindowFor(box)
			if !ok {
				return d, fmt.Errorf("clip %s leaves no pixels", op.BBox)
			}
			d.grid = d.grid.SubGrid(win)
		case plan.OpReproject:
			g, err := reprojectGrid(d.grid, op.SRS)
			if err != nil {
				return d, err
			}
			d.grid = g
		case plan.OpResample:
			if op.Width > 0 && op.Height > 0 {
				box, err := bboxIn(*op.BBox, op.BBoxSRS, d.grid.SRS)
				if err != nil {
					return d, err
				}
				d.grid = d.grid.WithExtent(box, op.Width, op.Height)
				continue
			}
			ext := d.grid.Extent()
			w := max(1, int(math.Round(ext.Width()/op.ResolutionX)))
			h := max(1, int(math.Round(ext.Height()/op.ResolutionY)))
			box := geo.BBox{MinX: ext.MinX, MinY: ext.MaxY - float64(h)*op.ResolutionY, MaxX: ext.MinX + float64(w)*op.ResolutionX, MaxY: ext.MaxY}
			d.grid = d.grid.WithExtent(box, w, h)
		}
	}
	d.changed = d.grid.SRS != src.SRS || d.grid.Width != src.Width || d.grid.Height != src.Height || d.grid.Transform != src.Transform
	return d, nil
}

func bboxIn(b geo.BBox, from, to geo.SRS) (geo.BBox, error) {
	if from == "" || from == to {
		return b, nil
	}
	t, err := geo.NewTransformer(from, to)
	if err != nil {
		return geo.BBox{}, err
	}
	return t.TransformBBox(b)
}

// reprojectGrid 保持像元总数不变，输出正方形像元。
func reprojectGrid(g raster.Grid, srs geo.SRS) (raster.Grid, error) {
	t, err := geo.NewTransformer(g.SRS, srs)
	if err != nil {
		return raster.Grid{}, err
	}
	ext, err := t.TransformBBox(g.Extent())
	if err != nil {
		return raster.Grid{}, err
	}
	res := math.Sqrt(ext.Width() * ext.Height() / float64(int64(g.Width)*int64(g.Height)))
	if res <= 0 || math.IsNaN(res) || math.IsInf(res, 0) {
		return raster.Grid{}, fmt.Errorf("cannot derive %s grid from extent %s", srs, ext)
	}
	w := max(1, int(math.Ceil(ext.Width()/res-1e-9)))
	h := max(1, int(math.Ceil(ext.Height()/res-1e-9)))
	box := geo.BBox{MinX: ext.MinX, MinY: ext.MaxY - float64(h)*res, MaxX: ext.MinX + float64(w)*res, MaxY: ext.MaxY}
	out := g.WithExtent(box, w, h)
	out.SRS = srs
	return out, nil
}

func (e *Engine) executeRaster(ctx context.Context, h dataset.Handle, spec plan.TransformSpec, src, dst dataset.Driver, primary string) (geo.SRS, error) {
	rsrc, ok := src.(dataset.RasterDriver)
	if !ok {
		return "", fmt.Errorf("driver %s cannot read rasters", src.Format())
	}
	rdst, ok := dst.(dataset.RasterDriver)
	if !ok {
		return "", fmt.Errorf("driver %s cannot write rasters", dst.Format())
	}
	reader, err := rsrc.OpenRaster(h.Location, dataset.ProbeOptions{SRS: h.SRS, Categorical: h.Categorical})
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer reader.Close()

	d, err := deriveGrid(reader.Grid(), spec.Ops())
	if err != nil {
		return "", err
	}
	opts := dataset.WriteOptions{TileBytes: e.env.TileBytes()}
	if !d.changed {
		return d.grid.SRS, rdst.WriteRaster(ctx, primary, reader, opts)
	}

	dir, release, err := e.env.scratch()
	if err != nil {
		return "", err
	}
	defer release()

	warped, err := e.warp(ctx, reader, d, filepath.Join(dir, "warp.bil"))
	if err != nil {
		return "", err
	}
	defer warped.Close()
	return d.grid.SRS, rdst.WriteRaster(ctx, primary, warped, opts)
}

// warp 按行条带并发地把 src 重采样到 d.grid，结果为 float32 BIL。
// 返回的 Reader 报告 d.grid（含源像素类型），供编码器按原类型写出。
func (e *Engine) warp(ctx context.Context, src raster.Reader, d derived, path string) (raster.Reader, error) {
	scratchGrid := d.grid
	scratchGrid.PixelType = raster.F32
	scratchGrid.Palette = nil
	w, err := raster.CreateBIL(path, scratchGrid)
	if err != nil {
		return nil, fmt.Errorf("create scratch raster: %w", err)
	}

	t, err := geo.NewTransformer(d.grid.SRS, src.Grid().SRS)
	if err != nil {
		w.Abort()
		return nil, err
	}
	job := warpJob{src: src, dst: d.grid, method: d.method, toSource: t, budget: e.env.TileBytes()}
	rows := dataset.StripRows(d.grid, e.env.TileBytes())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.env.Workers())
	for row := 0; row < d.grid.Height; row += rows {
		win := raster.Window{Row: row, Width: d.grid.Width, Height: min(rows, d.grid.Height-row)}
		g.Go(func() error {
			tile, err := job.run(gctx, win)
			if err != nil {
				return err
			}
			return w.WriteWindow(gctx, tile)
		})
	}
	if err := g.Wait(); err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return nil, err
	}
	r, err := raster.OpenBIL(path)
	if err != nil {
		return nil, err
	}
	return dataset.WithGrid(r, d.grid), nil
}

type warpJob struct {
	src      raster.Reader
	dst      raster.Grid
	method   raster.Method
	toSource geo.Transformer
	budget   int64
}

// run 计算一个输出窗口，源像素按预算分块读取。
func (j warpJob) run(ctx context.Context, win raster.Window) (*raster.Tile, error) {
	sg := j.src.Grid()
	fill := float32(0)
	if sg.HasNoData {
		fill = float32(sg.NoData)
	}
	out := raster.NewTile(win, j.dst.Bands)
	out.Fill(fill)
	if err := j.fill(ctx, out, win); err != nil {
		return nil, err
	}
	return out, nil
}

// fill 求出 win 所需的源窗口（含插值边距）；超过 budget 时沿长边二分递归，
// 单个输出像元只需采样点附近的源像素，因此递归必然终止。
func (j warpJob) fill(ctx context.Context, out *raster.Tile, win raster.Window) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	need, ok := j.sourceWindow(win)
	if !ok {
		return nil
	}
	sg := j.src.Grid()
	if j.budget > 0 && tileBytes(need, sg.Bands) > j.budget && win.Pixels() > 1 {
		first, second := halve(win)
		if err := j.fill(ctx, out, first); err != nil {
			return err
		}
		return j.fill(ctx, out, second)
	}
	srcTile, err := j.src.ReadWindow(ctx, need)
	if err != nil {
		return fmt.Errorf("read source window %+v: %w", need, err)
	}
	sampler := raster.Sampler{Tile: srcTile, Method: j.method, HasNoData: sg.HasNoData, NoData: float32(sg.NoData)}
	bands := min(j.dst.Bands, sg.Bands)
	offC, offR := win.Col-out.Window.Col, win.Row-out.Window.Row
	for r := 0; r < win.Height; r++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for c := 0; c < win.Width; c++ {
			u, v, ok := j.sourcePixel(win.Col+c, win.Row+r)
			if !ok || u < 0 || v < 0 || u >= float64(sg.Width) || v >= float64(sg.Height) {
				continue
			}
			for b := 0; b < bands; b++ {
				if val, ok := sampler.Sample(b, u, v); ok {
					out.Set(b, offC+c, offR+r, val)
				}
			}
		}
	}
	return nil
}

// tileBytes 是读取 w 后内存中 float32 瓦片的大小。
func tileBytes(w raster.Window, bands int) int64 {
	return w.Pixels() * int64(bands) * 4
}

// halve 沿较长的一边把窗口一分为二。
func halve(w raster.Window) (raster.Window, raster.Window) {
	if w.Width >= w.Height {
		half := w.Width / 2
		return raster.Window{Col: w.Col, Row: w.Row, Width: half, Height: w.Height},
			raster.Window{Col: w.Col + half, Row: w.Row, Width: w.Width - half, Height: w.Height}
	}
	half := w.Height / 2
	return raster.Window{Col: w.Col, Row: w.Row, Width: w.Width, Height: half},
		raster.Window{Col: w.Col, Row: w.Row + half, Width: w.Width, Height: w.Height - half}
}

// sourcePixel 返回输出像元中心在源网格中的连续像素坐标。
func (j warpJob) sourcePixel(col, row int) (float64, float64, bool) {
	x, y := j.dst.PixelToGeo(float64(col)+0.5, float64(row)+0.5)
	sx, sy, err := j.toSource.Transform(x, y)
	if err != nil || math.IsNaN(sx) || math.IsNaN(sy) {
		return 0, 0, false
	}
	u, v := j.src.Grid().GeoToPixel(sx, sy)
	return u, v, true
}

// sourceWindow 沿窗口四周采样求源像素范围，外扩插值边距后与源网格求交。
func (j warpJob) sourceWindow(win raster.Window) (raster.Window, bool) {
	minU, minV := math.Inf(1), math.Inf(1)
	maxU, maxV := math.Inf(-1), math.Inf(-1)
	visit := func(c, r int) {
		u, v, ok := j.sourcePixel(c, r)
		if !ok || math.IsInf(u, 0) || math.IsInf(v, 0) {
			return
		}
		minU, maxU = math.Min(minU, u), math.Max(maxU, u)
		minV, maxV = math.Min(minV, v), math.Max(maxV, v)
	}
	last := win.Row + win.Height - 1
	for c := win.Col; c < win.Col+win.Width; c++ {
		visit(c, win.Row)
		visit(c, last)
	}
	for r := win.Row; r <= last; r++ {
		visit(win.Col, r)
		visit(win.Col+win.Width-1, r)
	}
	if minU > maxU {
		return raster.Window{}, false
	}
	margin := j.method.Margin() + 1
	c0 := int(math.Floor(minU)) - margin
	r0 := int(math.Floor(minV)) - margin
	c1 := int(math.Ceil(maxU)) + margin
	r1 := int(math.Ceil(maxV)) + margin
	return raster.Window{Col: c0, Row: r0, Width: c1 - c0, Height: r1 - r0}.Intersect(j.src.Grid().Full())
}
