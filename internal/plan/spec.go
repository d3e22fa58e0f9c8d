// Package plan 比较源数据集与请求目标，生成最小且有序的操作序列（TransformSpec）。
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/raster"
)

// digestVersion 随操作语义变化递增，使旧缓存键自然失效。
const digestVersion = 1

// OpKind 是操作名称。
type OpKind string

const (
	OpClip      OpKind = "clip"
	OpReproject OpKind = "reproject"
	OpResample  OpKind = "resample"
	OpSelect    OpKind = "select"
	OpConvert   OpKind = "convert"
)

// Op 是单个操作，只填充与 Kind 相关的字段。
type Op struct {
	Kind        OpKind         `cbor:"1,keyasint" json:"op"`
	BBox        *geo.BBox      `cbor:"2,keyasint,omitempty" json:"bbox,omitempty"`
	BBoxSRS     geo.SRS        `cbor:"3,keyasint,omitempty" json:"bbox_srs,omitempty"`
	SRS         geo.SRS        `cbor:"4,keyasint,omitempty" json:"srs,omitempty"`
	ResolutionX float64        `cbor:"5,keyasint,omitempty" json:"resolution_x,omitempty"`
	ResolutionY float64        `cbor:"6,keyasint,omitempty" json:"resolution_y,omitempty"`
	Width       int            `cbor:"7,keyasint,omitempty" json:"width,omitempty"`
	Height      int            `cbor:"8,keyasint,omitempty" json:"height,omitempty"`
	Method      raster.Method  `cbor:"9,keyasint,omitempty" json:"method,omitempty"`
	Attributes  []string       `cbor:"10,keyasint,omitempty" json:"attributes,omitempty"`
	Format      dataset.Format `cbor:"11,keyasint,omitempty" json:"format,omitempty"`
}

func (o Op) clone() Op {
	out := o
	if o.BBox != nil {
		b := *o.BBox
		out.BBox = &b
	}
	if o.Attributes != nil {
		out.Attributes = append([]string(nil), o.Attributes...)
	}
	return out
}

// TransformSpec 是不可变的操作序列。零值表示空计划。
type TransformSpec struct {
	source dataset.Format
	ops    []Op
	digest string
}

type digestDoc struct {
	Version int            `cbor:"1,keyasint"`
	Source  dataset.Format `cbor:"2,keyasint"`
	Ops     []Op           `cbor:"3,keyasint"`
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func newSpec(source dataset.Format, ops []Op) TransformSpec {
	spec := TransformSpec{source: source, ops: ops}
	raw, err := encMode.Marshal(digestDoc{Version: digestVersion, Source: source, Ops: ops})
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(raw)
	spec.digest = hex.EncodeToString(sum[:])
	return spec
}

// Ops 返回操作副本，修改副本不会影响计划本身。
func (s TransformSpec) Ops() []Op {
	if len(s.ops) == 0 {
		return nil
	}
	out := make([]Op, len(s.ops))
	for i, op := range s.ops {
		out[i] = op.clone()
	}
	return out
}

// Empty 表示目标与源一致，无需任何操作。
func (s TransformSpec) Empty() bool { return len(s.ops) == 0 }

// Len 返回操作数量。
func (s TransformSpec) Len() int { return len(s.ops) }

// Digest 是计划内容的规范化摘要（确定性 CBOR + sha256）。
func (s TransformSpec) Digest() string { return s.digest }

// SourceFormat 返回计划的输入格式。
func (s TransformSpec) SourceFormat() dataset.Format { return s.source }

// OutputFormat 返回最终输出格式。
func (s TransformSpec) OutputFormat() dataset.Format {
	for i := len(s.ops) - 1; i >= 0; i-- {
		if s.ops[i].Kind == OpConvert {
			return s.ops[i].Format
		}
	}
	return s.source
}

// String 输出形如 clip>reproject>convert 的摘要，空计划输出 "none"。
func (s TransformSpec) String() string {
	if len(s.ops) == 0 {
		return "none"
	}
	names := make([]string, len(s.ops))
	for i, op := range s.ops {
		names[i] = string(op.Kind)
	}
	return strings.Join(names, ">")
}

// MarshalJSON 输出操作列表与摘要，供 /plan 接口使用。
func (s TransformSpec) MarshalJSON() ([]byte, error) {
	ops := s.Ops()
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(struct {
		Ops    []Op           `json:"ops"`
		Output dataset.Format `json:"output_format"`
		Digest string         `json:"digest"`
	}{Ops: ops, Output: s.OutputFormat(), Digest: s.digest})
}
