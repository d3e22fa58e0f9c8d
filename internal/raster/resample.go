package raster

import (
	"fmt"
	"math"
	"strings"
)

// Method 是重采样插值方式。
type Method string

const (
	Nearest  Method = "nearest"
	Bilinear Method = "bilinear"
	Cubic    Method = "cubic"
)

// ParseMethod 解析配置或请求中的插值方式，大小写不敏感。
func ParseMethod(raw string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(raw))) {
	case Nearest:
		return Nearest, nil
	case Bilinear:
		return Bilinear, nil
	case Cubic:
		return Cubic, nil
	}
	return "", fmt.Errorf("unknown resampling method %q (nearest|bilinear|cubic)", raw)
}

// Margin 返回插值核在每个方向上额外需要的像元数。
func (m Method) Margin() int {
	switch m {
	case Bilinear:
		return 1
	case Cubic:
		return 2
	}
	return 0
}

// Sampler 在一个源瓦片上按连续像素坐标取值。坐标以源网格整体为参照。
type Sampler struct {
	Tile      *Tile
	Method    Method
	HasNoData bool
	NoData    float32
}

// Sample 返回 band 在 (u, v) 处的值；落在瓦片外或命中 nodata 时 ok=false。
func (s Sampler) Sample(band int, u, v float64) (float32, bool) {
	switch s.Method {
	case Bilinear:
		if val, ok := s.bilinear(band, u, v); ok {
			return val, true
		}
	case Cubic:
		if val, ok := s.cubic(band, u, v); ok {
			return val, true
		}
	}
	return s.nearest(band, u, v)
}

func (s Sampler) nearest(band int, u, v float64) (float32, bool) {
	w := s.Tile.Window
	c := int(math.Floor(u)) - w.Col
	r := int(math.Floor(v)) - w.Row
	if c < 0 || r < 0 || c >= w.Width || r >= w.Height {
		return 0, false
	}
	val := s.Tile.At(band, c, r)
	if s.isNoData(val) {
		return 0, false
	}
	return val, true
}

// fetch 读取相对瓦片的像元，越界时钳制到瓦片边缘。
func (s Sampler) fetch(band, c, r int) (float32, bool) {
	w := s.Tile.Window
	c = min(max(c-w.Col, 0), w.Width-1)
	r = min(max(r-w.Row, 0), w.Height-1)
	val := s.Tile.At(band, c, r)
	return val, !s.isNoData(val)
}

func (s Sampler) bilinear(band int, u, v float64) (float32, bool) {
	x := u - 0.5
	y := v - 0.5
	c0 := int(math.Floor(x))
	r0 := int(math.Floor(y))
	fx := x - float64(c0)
	fy := y - float64(r0)
	var acc float64
	for dy := 0; dy <= 1; dy++ {
		wy := 1 - fy
		if dy == 1 {
			wy = fy
		}
		for dx := 0; dx <= 1; dx++ {
			wx := 1 - fx
			if dx == 1 {
				wx = fx
			}
			if wx*wy == 0 {
				continue
			}
			val, ok := s.fetch(band, c0+dx, r0+dy)
			if !ok {
				return 0, false
			}
			acc += wx * wy * float64(val)
		}
	}
	return float32(acc), true
}

func (s Sampler) cubic(band int, u, v float64) (float32, bool) {
	x := u - 0.5
	y := v - 0.5
	c0 := int(math.Floor(x))
	r0 := int(math.Floor(y))
	fx := x - float64(c0)
	fy := y - float64(r0)
	var acc float64
	for j := -1; j <= 2; j++ {
		wy := catmullRom(float64(j) - fy)
		if wy == 0 {
			continue
		}
		for i := -1; i <= 2; i++ {
			wx := catmullRom(float64(i) - fx)
			if wx == 0 {
				continue
			}
			val, ok := s.fetch(band, c0+i, r0+j)
			if !ok {
				return 0, false
			}
			acc += wx * wy * float64(val)
		}
	}
	return float32(acc), true
}

// catmullRom 是 a=-0.5 的三次卷积核。
func catmullRom(t float64) float64 {
	const a = -0.5
	t = math.Abs(t)
	switch {
	case t < 1:
		return (a+2)*t*t*t - (a+3)*t*t + 1
	case t < 2:
		return a*t*t*t - 5*a*t*t + 8*a*t - 4*a
	}
	return 0
}

func (s Sampler) isNoData(v float32) bool {
	if math.IsNaN(float64(v)) {
		return true
	}
	return s.HasNoData && v == s.NoData
}
