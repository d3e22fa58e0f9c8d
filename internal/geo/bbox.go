package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const epsilon = 1e-9

// BBox 表示轴对齐范围，坐标单位取决于所属 SRS（经纬度或米）。
type BBox struct {
	MinX float64 `cbor:"1,keyasint" msgpack:"min_x" json:"min_x"`
	MinY float64 `cbor:"2,keyasint" msgpack:"min_y" json:"min_y"`
	MaxX float64 `cbor:"3,keyasint" msgpack:"max_x" json:"max_x"`
	MaxY float64 `cbor:"4,keyasint" msgpack:"max_y" json:"max_y"`
}

// ParseBBox 解析 "minx,miny,maxx,maxy"。
func ParseBBox(raw string) (BBox, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bbox should look like minx,miny,maxx,maxy: %q", raw)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return BBox{}, fmt.Errorf("bbox value %q is not numeric", p)
		}
		vals[i] = v
	}
	return BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}, nil
}

func (b BBox) Width() float64  { return b.MaxX - b.MinX }
func (b BBox) Height() float64 { return b.MaxY - b.MinY }

// Valid 要求 min < max。
func (b BBox) Valid() bool {
	return b.MaxX > b.MinX && b.MaxY > b.MinY
}

// Contains 判断 b 是否完整包含 o（带容差）。
func (b BBox) Contains(o BBox) bool {
	return b.MinX <= o.MinX+tol(b.MinX) && b.MinY <= o.MinY+tol(b.MinY) &&
		b.MaxX >= o.MaxX-tol(b.MaxX) && b.MaxY >= o.MaxY-tol(b.MaxY)
}

// Intersects 判断两个范围是否有正面积交集。
func (b BBox) Intersects(o BBox) bool {
	return b.MinX < o.MaxX && o.MinX < b.MaxX && b.MinY < o.MaxY && o.MinY < b.MaxY
}

// Equal 在容差内比较四个角点。
func (b BBox) Equal(o BBox) bool {
	return nearly(b.MinX, o.MinX) && nearly(b.MinY, o.MinY) &&
		nearly(b.MaxX, o.MaxX) && nearly(b.MaxY, o.MaxY)
}

// Extend 将点并入范围。
func (b BBox) Extend(x, y float64) BBox {
	return BBox{
		MinX: math.Min(b.MinX, x),
		MinY: math.Min(b.MinY, y),
		MaxX: math.Max(b.MaxX, x),
		MaxY: math.Max(b.MaxY, y),
	}
}

// Empty 返回一个可被 Extend 扩展的空范围。
func Empty() BBox {
	return BBox{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
}

func (b BBox) String() string {
	return fmt.Sprintf("%s,%s,%s,%s", fmtFloat(b.MinX), fmtFloat(b.MinY), fmtFloat(b.MaxX), fmtFloat(b.MaxY))
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func tol(v float64) float64 {
	return epsilon * math.Max(1, math.Abs(v))
}

func nearly(a, b float64) bool {
	return math.Abs(a-b) <= tol(math.Max(math.Abs(a), math.Abs(b)))
}
