package plan

import (
	"math"
	"sort"
	"strings"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/failure"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/raster"
)

// TargetParams 是请求中的目标参数，零值字段表示“与源一致”。
type TargetParams struct {
	SRS         string
	BBox        *geo.BBox
	BBoxSRS     string
	ResolutionX float64
	ResolutionY float64
	Width       int
	Height      int
	Format      string
	Attributes  []string
	Resampling  string
}

// Defaults 携带配置层面的默认值。
type Defaults struct {
	Method raster.Method
}

// Plan 生成 handle → params 的最小操作序列。所有错误均为 IncompatibleTarget，
// 未知的重采样方法为 InvalidResamplingMethod。
func Plan(h dataset.Handle, params TargetParams, defaults Defaults) (TransformSpec, error) {
	targetFormat := h.Format
	if strings.TrimSpace(params.Format) != "" {
		f, ok := dataset.NormalizeFormat(params.Format)
		if !ok {
			return TransformSpec{}, incompatible("unknown format %q", params.Format)
		}
		targetFormat = f
	}
	d, ok := dataset.Resolve(targetFormat)
	if !ok {
		return TransformSpec{}, incompatible("no driver for format %q", targetFormat)
	}
	if d.Kind() != h.Kind {
		return TransformSpec{}, incompatible("cannot convert %s source to %s format %s", h.Kind, d.Kind(), targetFormat)
	}

	targetSRS := h.SRS
	if strings.TrimSpace(params.SRS) != "" {
		srs, err := geo.ParseSRS(params.SRS)
		if err != nil {
			return TransformSpec{}, failure.New(failure.IncompatibleTarget, err)
		}
		targetSRS = srs
	}

	method, err := resolveMethod(h, params.Resampling, defaults)
	if err != nil {
		return TransformSpec{}, err
	}

	p := planner{h: h, params: params, targetSRS: targetSRS, method: method}
	if err := p.checkBBox(); err != nil {
		return TransformSpec{}, err
	}

	var ops []Op
	switch h.Kind {
	case dataset.KindRaster:
		ops, err = p.rasterOps()
	default:
		ops, err = p.vectorOps()
	}
	if err != nil {
		return TransformSpec{}, err
	}
	if targetFormat != h.Format {
		ops = append(ops, Op{Kind: OpConvert, Format: targetFormat})
	}
	return newSpec(h.Format, ops), nil
}

func incompatible(format string, args ...any) error {
	return failure.Newf(failure.IncompatibleTarget, format, args...)
}

// resolveMethod 依次取请求值、分类数据的 nearest、配置默认值。
func resolveMethod(h dataset.Handle, requested string, defaults Defaults) (raster.Method, error) {
	if strings.TrimSpace(requested) != "" {
		if h.Kind != dataset.KindRaster {
			return "", incompatible("resampling does not apply to vector sources")
		}
		m, err := raster.ParseMethod(requested)
		if err != nil {
			return "", failure.New(failure.InvalidResamplingMethod, err)
		}
		return m, nil
	}
	if h.Categorical {
		return raster.Nearest, nil
	}
	if defaults.Method != "" {
		return defaults.Method, nil
	}
	return raster.Bilinear, nil
}

type planner struct {
	h         dataset.Handle
	params    TargetParams
	targetSRS geo.SRS
	method    raster.Method

	bbox    *geo.BBox
	bboxSRS geo.SRS
}

// checkBBox 校验范围并判断与源范围的关系。
func (p *planner) checkBBox() error {
	if p.params.BBox == nil {
		return nil
	}
	b := *p.params.BBox
	if !b.Valid() {
		return incompatible("bbox %s is empty or inverted", b)
	}
	p.bboxSRS = p.targetSRS
	if strings.TrimSpace(p.params.BBoxSRS) != "" {
		srs, err := geo.ParseSRS(p.params.BBoxSRS)
		if err != nil {
			return failure.New(failure.IncompatibleTarget, err)
		}
		p.bboxSRS = srs
	}
	if p.h.Kind == dataset.KindVector && p.h.FeatureCount == 0 {
		p.bbox = &b
		return nil
	}
	extent, err := p.extentIn(p.bboxSRS)
	if err != nil {
		return err
	}
	if !extent.Intersects(b) && !b.Contains(extent) {
		return incompatible("bbox %s does not intersect source extent", b)
	}
	p.bbox = &b
	return nil
}

// extentIn 返回源范围在 srs 下的外包框。
func (p *planner) extentIn(srs geo.SRS) (geo.BBox, error) {
	if srs == p.h.SRS {
		return p.h.Extent, nil
	}
	t, err := geo.NewTransformer(p.h.SRS, srs)
	if err != nil {
		return geo.BBox{}, failure.New(failure.IncompatibleTarget, err)
	}
	out, err := t.TransformBBox(p.h.Extent)
	if err != nil {
		return geo.BBox{}, failure.New(failure.IncompatibleTarget, err)
	}
	return out, nil
}

// clipOp 在 bbox 未完全覆盖源范围时返回裁剪操作。
func (p *planner) clipOp() (*Op, error) {
	if p.bbox == nil {
		return nil, nil
	}
	extent, err := p.extentIn(p.bboxSRS)
	if err != nil {
		return nil, err
	}
	if p.bbox.Contains(extent) {
		return nil, nil
	}
	b := *p.bbox
	return &Op{Kind: OpClip, BBox: &b, BBoxSRS: p.bboxSRS}, nil
}

func (p *planner) rasterOps() ([]Op, error) {
	if len(p.params.Attributes) > 0 {
		return nil, incompatible("attributes only apply to vector sources")
	}
	reproject := p.targetSRS != p.h.SRS
	grid := p.params.Width > 0 || p.params.Height > 0
	if grid && (p.params.Width <= 0 || p.params.Height <= 0) {
		return nil, incompatible("width and height must both be positive")
	}
	hasRes := p.params.ResolutionX != 0 || p.params.ResolutionY != 0
	if hasRes && grid {
		return nil, incompatible("resolution and width/height are mutually exclusive")
	}

	var ops []Op
	if grid {
		// 输出网格完全由 bbox + 尺寸决定，一次重投影/重采样完成，不再单独裁剪。
		box, err := p.gridBBox()
		if err != nil {
			return nil, err
		}
		if !reproject && box.Equal(p.h.Extent) && p.params.Width == p.h.Width && p.params.Height == p.h.Height {
			return nil, nil
		}
		if reproject {
			ops = append(ops, Op{Kind: OpReproject, SRS: p.targetSRS, Method: p.method})
		}
		ops = append(ops, Op{Kind: OpResample, BBox: &box, BBoxSRS: p.targetSRS, Width: p.params.Width, Height: p.params.Height, Method: p.method})
		return ops, nil
	}

	clip, err := p.clipOp()
	if err != nil {
		return nil, err
	}
	if clip != nil && clip.BBoxSRS == p.h.SRS {
		ops = append(ops, *clip)
		clip = nil
	}
	if reproject {
		ops = append(ops, Op{Kind: OpReproject, SRS: p.targetSRS, Method: p.method})
	}
	if clip != nil {
		ops = append(ops, *clip)
	}
	if hasRes {
		rx, ry := p.params.ResolutionX, p.params.ResolutionY
		if ry == 0 {
			ry = rx
		}
		if rx == 0 {
			rx = ry
		}
		if rx <= 0 || ry <= 0 || math.IsNaN(rx) || math.IsNaN(ry) || math.IsInf(rx, 0) || math.IsInf(ry, 0) {
			return nil, incompatible("resolution must be positive")
		}
		if reproject || !sameRes(rx, p.h.ResolutionX) || !sameRes(ry, p.h.ResolutionY) {
			ops = append(ops, Op{Kind: OpResample, ResolutionX: rx, ResolutionY: ry, Method: p.method})
		}
	}
	return ops, nil
}

// gridBBox 返回目标 SRS 下的输出范围：请求 bbox 或源范围。
func (p *planner) gridBBox() (geo.BBox, error) {
	if p.bbox == nil {
		return p.extentIn(p.targetSRS)
	}
	if p.bboxSRS == p.targetSRS {
		return *p.bbox, nil
	}
	t, err := geo.NewTransformer(p.bboxSRS, p.targetSRS)
	if err != nil {
		return geo.BBox{}, failure.New(failure.IncompatibleTarget, err)
	}
	out, err := t.TransformBBox(*p.bbox)
	if err != nil {
		return geo.BBox{}, failure.New(failure.IncompatibleTarget, err)
	}
	return out, nil
}

func sameRes(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

func (p *planner) vectorOps() ([]Op, error) {
	if p.params.ResolutionX != 0 || p.params.ResolutionY != 0 || p.params.Width != 0 || p.params.Height != 0 {
		return nil, incompatible("resampling does not apply to vector sources")
	}
	var ops []Op
	clip, err := p.clipOp()
	if err != nil {
		return nil, err
	}
	if clip != nil && clip.BBoxSRS == p.h.SRS {
		ops = append(ops, *clip)
		clip = nil
	}
	if p.targetSRS != p.h.SRS {
		ops = append(ops, Op{Kind: OpReproject, SRS: p.targetSRS})
	}
	if clip != nil {
		ops = append(ops, *clip)
	}
	if len(p.params.Attributes) > 0 {
		attrs, err := p.selection()
		if err != nil {
			return nil, err
		}
		if attrs != nil {
			ops = append(ops, Op{Kind: OpSelect, Attributes: attrs})
		}
	}
	return ops, nil
}

// selection 返回排序去重后的字段列表；与完整 schema 一致时返回 nil。
func (p *planner) selection() ([]string, error) {
	seen := make(map[string]struct{}, len(p.params.Attributes))
	var attrs []string
	for _, raw := range p.params.Attributes {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if !p.h.HasAttribute(name) {
			return nil, incompatible("attribute %q not present in source schema", name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)
	if len(attrs) == len(p.h.Attributes) {
		return nil, nil
	}
	return attrs, nil
}
