package geo

import (
	"fmt"
	"math"
)

// densifySteps 是范围换算时每条边的采样段数。
const densifySteps = 20

// Transformer 在两个参考系之间换算点坐标，零值不可用。
type Transformer struct {
	src, dst SRS
	from, to projection
	identity bool
}

// NewTransformer 为 src→dst 构建换算器。
func NewTransformer(src, dst SRS) (Transformer, error) {
	from, ok := projections[src]
	if !ok {
		return Transformer{}, fmt.Errorf("%w: %s", ErrUnknownSRS, src)
	}
	to, ok := projections[dst]
	if !ok {
		return Transformer{}, fmt.Errorf("%w: %s", ErrUnknownSRS, dst)
	}
	return Transformer{src: src, dst: dst, from: from, to: to, identity: src == dst}, nil
}

// Transform 换算单个点。
func (t Transformer) Transform(x, y float64) (float64, float64, error) {
	if t.identity {
		return x, y, nil
	}
	lon, lat, err := t.from.inverse(x, y)
	if err != nil {
		return 0, 0, err
	}
	return t.to.forward(lon, lat)
}

// TransformBBox 沿四条边加密采样后取外包范围，覆盖投影造成的边界弯曲。
func (t Transformer) TransformBBox(b BBox) (BBox, error) {
	if t.identity {
		return b, nil
	}
	out := Empty()
	count := 0
	for i := 0; i <= densifySteps; i++ {
		f := float64(i) / densifySteps
		x := b.MinX + f*b.Width()
		y := b.MinY + f*b.Height()
		samples := [4][2]float64{{x, b.MinY}, {x, b.MaxY}, {b.MinX, y}, {b.MaxX, y}}
		for _, s := range samples {
			tx, ty, err := t.Transform(s[0], s[1])
			if err != nil || math.IsNaN(tx) || math.IsNaN(ty) || math.IsInf(tx, 0) || math.IsInf(ty, 0) {
				continue
			}
			out = out.Extend(tx, ty)
			count++
		}
	}
	if count == 0 || !out.Valid() {
		return BBox{}, fmt.Errorf("bbox %s not representable in %s", b, t.dst)
	}
	return out, nil
}
