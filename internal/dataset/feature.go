package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/proxycad/proxycad/internal/geo"
)

// Feature 是流式处理中的单个矢量要素。Properties 中的数字保持 json.Number，避免精度丢失。
type Feature struct {
	ID         json.RawMessage
	Geometry   *Geometry
	Properties map[string]any
}

// Geometry 保留原始坐标 JSON，按需解析。
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	Geometries  []Geometry      `json:"geometries,omitempty"`
}

// FeatureReader 逐个返回要素，结束时返回 io.EOF。
type FeatureReader interface {
	Next(ctx context.Context) (Feature, error)
	Close() error
}

// FeatureWriter 逐个写入要素，Close 完成文件。
type FeatureWriter interface {
	Write(f Feature) error
	Close() error
	Abort()
}

// PointFunc 换算单个坐标。
type PointFunc func(x, y float64) (float64, float64, error)

// Transform 返回坐标全部经 fn 换算后的新几何，原值不变。
func (g Geometry) Transform(fn PointFunc) (Geometry, error) {
	out := Geometry{Type: g.Type}
	if g.Type == "GeometryCollection" {
		for _, child := range g.Geometries {
			tc, err := child.Transform(fn)
			if err != nil {
				return Geometry{}, err
			}
			out.Geometries = append(out.Geometries, tc)
		}
		return out, nil
	}
	var coords any
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return Geometry{}, fmt.Errorf("geometry coordinates: %w", err)
	}
	mapped, err := walkCoords(coords, fn)
	if err != nil {
		return Geometry{}, err
	}
	raw, err := json.Marshal(mapped)
	if err != nil {
		return Geometry{}, err
	}
	out.Coordinates = raw
	return out, nil
}

// Bounds 返回几何外包范围；空几何 ok=false。
func (g Geometry) Bounds() (geo.BBox, bool) {
	box := geo.Empty()
	found := false
	_, err := g.Transform(func(x, y float64) (float64, float64, error) {
		box = box.Extend(x, y)
		found = true
		return x, y, nil
	})
	if err != nil || !found {
		return geo.BBox{}, false
	}
	return box, true
}

var errBadPosition = errors.New("invalid coordinate position")

func walkCoords(v any, fn PointFunc) (any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, errBadPosition
	}
	if len(arr) >= 2 {
		if x, okx := arr[0].(float64); okx {
			y, oky := arr[1].(float64)
			if !oky {
				return nil, errBadPosition
			}
			nx, ny, err := fn(x, y)
			if err != nil {
				return nil, err
			}
			pos := make([]any, len(arr))
			copy(pos, arr)
			pos[0], pos[1] = nx, ny
			return pos, nil
		}
	}
	out := make([]any, len(arr))
	for i, child := range arr {
		mapped, err := walkCoords(child, fn)
		if err != nil {
			return nil, err
		}
		out[i] = mapped
	}
	return out, nil
}
