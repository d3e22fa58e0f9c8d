package dataset

import (
	"context"

	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/raster"
)

// Format 是驱动的格式标签。
type Format string

const (
	FormatBIL     Format = "bil"
	FormatPNG     Format = "png"
	FormatJPEG    Format = "jpeg"
	FormatGIF     Format = "gif"
	FormatGeoJSON Format = "geojson"
)

// Kind 区分栅格与矢量。
type Kind string

const (
	KindRaster Kind = "raster"
	KindVector Kind = "vector"
)

// Handle 描述一个已解析的数据集。解析完成后不再修改，按值传递。
type Handle struct {
	ID           string   `cbor:"1,keyasint" msgpack:"id" json:"id"`
	Location     string   `cbor:"2,keyasint" msgpack:"location" json:"location"`
	Format       Format   `cbor:"3,keyasint" msgpack:"format" json:"format"`
	Kind         Kind     `cbor:"4,keyasint" msgpack:"kind" json:"kind"`
	SRS          geo.SRS  `cbor:"5,keyasint" msgpack:"srs" json:"srs"`
	Extent       geo.BBox `cbor:"6,keyasint" msgpack:"extent" json:"extent"`
	Width        int      `cbor:"7,keyasint,omitempty" msgpack:"width" json:"width,omitempty"`
	Height       int      `cbor:"8,keyasint,omitempty" msgpack:"height" json:"height,omitempty"`
	Bands        int      `cbor:"9,keyasint,omitempty" msgpack:"bands" json:"bands,omitempty"`
	ResolutionX  float64  `cbor:"10,keyasint,omitempty" msgpack:"res_x" json:"resolution_x,omitempty"`
	ResolutionY  float64  `cbor:"11,keyasint,omitempty" msgpack:"res_y" json:"resolution_y,omitempty"`
	PixelType    string   `cbor:"12,keyasint,omitempty" msgpack:"pixel_type" json:"pixel_type,omitempty"`
	FeatureCount int64    `cbor:"13,keyasint,omitempty" msgpack:"feature_count" json:"feature_count,omitempty"`
	Attributes   []string `cbor:"14,keyasint,omitempty" msgpack:"attributes" json:"attributes,omitempty"`
	Categorical  bool     `cbor:"15,keyasint,omitempty" msgpack:"categorical" json:"categorical,omitempty"`
	SizeBytes    int64    `cbor:"16,keyasint" msgpack:"size_bytes" json:"size_bytes"`
	Fingerprint  string   `cbor:"17,keyasint" msgpack:"fingerprint" json:"fingerprint"`
}

// HasAttribute 判断矢量 schema 中是否存在字段。
func (h Handle) HasAttribute(name string) bool {
	for _, a := range h.Attributes {
		if a == name {
			return true
		}
	}
	return false
}

// ProbeOptions 携带配置中对数据源的覆盖项。
type ProbeOptions struct {
	SRS         geo.SRS
	Categorical bool
}

// WriteOptions 控制编码输出时的分块大小。
type WriteOptions struct {
	TileBytes int64
}

// Driver 是所有格式驱动的公共能力。
type Driver interface {
	Format() Format
	Kind() Kind
	Extensions() []string
	MediaType() string
	// Probe 读取元数据并填充 Handle（ID/Fingerprint 由调用方补齐）。
	Probe(ctx context.Context, path string, opts ProbeOptions) (Handle, error)
	// Sidecars 返回与主文件同属一个数据集的侧车文件候选路径。
	Sidecars(path string) []string
}

// RasterDriver 提供窗口读取与编码写出。
type RasterDriver interface {
	Driver
	OpenRaster(path string, opts ProbeOptions) (raster.Reader, error)
	WriteRaster(ctx context.Context, path string, src raster.Reader, opts WriteOptions) error
}

// VectorDriver 提供要素流式读写。
type VectorDriver interface {
	Driver
	OpenFeatures(path string) (FeatureReader, error)
	CreateFeatures(path string, srs geo.SRS) (FeatureWriter, error)
}
