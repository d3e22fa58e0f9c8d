// Package raster 定义栅格网格元数据、按窗口读写的瓦片结构、ESRI BIL 文件读写
// 以及重采样核。引擎的所有中间结果都以 float32 BIL 形式落在暂存目录中。
package raster

import (
	"fmt"
	"image/color"
	"math"

	"github.com/proxycad/proxycad/internal/geo"
)

// PixelType 描述落盘时的像素类型，运算过程统一使用 float32。
type PixelType string

const (
	U8  PixelType = "U8"
	S16 PixelType = "S16"
	U16 PixelType = "U16"
	S32 PixelType = "S32"
	F32 PixelType = "F32"
)

// Size 返回单个像素字节数。
func (p PixelType) Size() int {
	switch p {
	case U8:
		return 1
	case S16, U16:
		return 2
	default:
		return 4
	}
}

// Valid 判断像素类型是否受支持。
func (p PixelType) Valid() bool {
	switch p {
	case U8, S16, U16, S32, F32:
		return true
	}
	return false
}

// Clamp 将运算值规整到像素类型可表示的范围（整数类型四舍五入）。
func (p PixelType) Clamp(v float64) float64 {
	var lo, hi float64
	switch p {
	case U8:
		lo, hi = 0, math.MaxUint8
	case S16:
		lo, hi = math.MinInt16, math.MaxInt16
	case U16:
		lo, hi = 0, math.MaxUint16
	case S32:
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		return v
	}
	v = math.Round(v)
	return math.Max(lo, math.Min(hi, v))
}

// GeoTransform 沿用 GDAL 约定：originX, pixelW, 0, originY, 0, pixelH(负值)。
type GeoTransform [6]float64

// Grid 是栅格的全部元数据，不含像素。
type Grid struct {
	Width       int
	Height      int
	Bands       int
	Transform   GeoTransform
	SRS         geo.SRS
	PixelType   PixelType
	HasNoData   bool
	NoData      float64
	Categorical bool
	Palette     []color.NRGBA
}

// Validate 检查尺寸与仿射参数。
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 || g.Bands <= 0 {
		return fmt.Errorf("invalid raster size %dx%dx%d", g.Width, g.Height, g.Bands)
	}
	if g.Transform[1] <= 0 || g.Transform[5] >= 0 {
		return fmt.Errorf("unsupported geotransform %v (north-up rasters only)", g.Transform)
	}
	if g.Transform[2] != 0 || g.Transform[4] != 0 {
		return fmt.Errorf("rotated rasters are not supported")
	}
	if !g.PixelType.Valid() {
		return fmt.Errorf("unsupported pixel type %q", g.PixelType)
	}
	return nil
}

// Resolution 返回正值的像素尺寸。
func (g Grid) Resolution() (float64, float64) {
	return g.Transform[1], -g.Transform[5]
}

// Extent 返回网格外边界。
func (g Grid) Extent() geo.BBox {
	rx, ry := g.Resolution()
	return geo.BBox{
		MinX: g.Transform[0],
		MinY: g.Transform[3] - float64(g.Height)*ry,
		MaxX: g.Transform[0] + float64(g.Width)*rx,
		MaxY: g.Transform[3],
	}
}

// PixelToGeo 将连续像素坐标（像元中心为 i+0.5）换算为地理坐标。
func (g Grid) PixelToGeo(u, v float64) (float64, float64) {
	return g.Transform[0] + u*g.Transform[1], g.Transform[3] + v*g.Transform[5]
}

// GeoToPixel 是 PixelToGeo 的逆运算。
func (g Grid) GeoToPixel(x, y float64) (float64, float64) {
	return (x - g.Transform[0]) / g.Transform[1], (y - g.Transform[3]) / g.Transform[5]
}

// Full 返回覆盖整个网格的窗口。
func (g Grid) Full() Window {
	return Window{Width: g.Width, Height: g.Height}
}

// WindowFor 返回与 bbox 相交的像元窗口（外扩到像元边界）。
func (g Grid) WindowFor(b geo.BBox) (Window, bool) {
	u0, v0 := g.GeoToPixel(b.MinX, b.MaxY)
	u1, v1 := g.GeoToPixel(b.MaxX, b.MinY)
	c0 := int(math.Floor(u0 + 1e-9))
	r0 := int(math.Floor(v0 + 1e-9))
	c1 := int(math.Ceil(u1 - 1e-9))
	r1 := int(math.Ceil(v1 - 1e-9))
	w := Window{Col: c0, Row: r0, Width: c1 - c0, Height: r1 - r0}
	return w.Intersect(g.Full())
}

// SubGrid 返回窗口对应的子网格元数据。
func (g Grid) SubGrid(w Window) Grid {
	out := g
	out.Width = w.Width
	out.Height = w.Height
	x, y := g.PixelToGeo(float64(w.Col), float64(w.Row))
	out.Transform = GeoTransform{x, g.Transform[1], 0, y, 0, g.Transform[5]}
	return out
}

// WithExtent 构建覆盖 b、尺寸为 width×height 的网格，其余属性沿用 g。
func (g Grid) WithExtent(b geo.BBox, width, height int) Grid {
	out := g
	out.Width = width
	out.Height = height
	out.Transform = GeoTransform{b.MinX, b.Width() / float64(width), 0, b.MaxY, 0, -b.Height() / float64(height)}
	return out
}

// PixelBytes 返回单像元（全部波段）在内存中的字节数。
func (g Grid) PixelBytes() int64 {
	return int64(g.Bands) * 4
}

// Window 是像元坐标系下的矩形区域。
type Window struct {
	Col    int
	Row    int
	Width  int
	Height int
}

// Empty 表示窗口无像元。
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// Intersect 返回两个窗口的交集。
func (w Window) Intersect(o Window) (Window, bool) {
	c0 := max(w.Col, o.Col)
	r0 := max(w.Row, o.Row)
	c1 := min(w.Col+w.Width, o.Col+o.Width)
	r1 := min(w.Row+w.Height, o.Row+o.Height)
	out := Window{Col: c0, Row: r0, Width: c1 - c0, Height: r1 - r0}
	if out.Empty() {
		return Window{}, false
	}
	return out, true
}

// Pixels 返回像元数量。
func (w Window) Pixels() int64 {
	return int64(w.Width) * int64(w.Height)
}
