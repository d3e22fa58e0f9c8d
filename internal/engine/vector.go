package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/plan"
)

// featureStage 处理单个要素，keep=false 表示丢弃。
type featureStage func(f dataset.Feature) (dataset.Feature, bool, error)

// vectorStages 把操作序列编译为逐要素的处理链，同时返回最终参考系。
func vectorStages(srs geo.SRS, ops []plan.Op) ([]featureStage, geo.SRS, error) {
	var stages []featureStage
	current := srs
	for _, op := range ops {
		switch op.Kind {
		case plan.OpClip:
			box, err := bboxIn(*op.BBox, op.BBoxSRS, current)
			if err != nil {
				return nil, "", err
			}
			stages = append(stages, clipStage(box))
		case plan.OpReproject:
			t, err := geo.NewTransformer(current, op.SRS)
			if err != nil {
				return nil, "", err
			}
			stages = append(stages, reprojectStage(t))
			current = op.SRS
		case plan.OpSelect:
			stages = append(stages, selectStage(op.Attributes))
		case plan.OpResample:
			return nil, "", fmt.Errorf("resample does not apply to vector data")
		}
	}
	return stages, current, nil
}

// clipStage 保留外包范围与 box 相交的要素，几何本身不切割。
func clipStage(box geo.BBox) featureStage {
	return func(f dataset.Feature) (dataset.Feature, bool, error) {
		if f.Geometry == nil {
			return f, false, nil
		}
		b, ok := f.Geometry.Bounds()
		if !ok {
			return f, false, nil
		}
		return f, box.Intersects(b) || box.Contains(b), nil
	}
}

func reprojectStage(t geo.Transformer) featureStage {
	return func(f dataset.Feature) (dataset.Feature, bool, error) {
		if f.Geometry == nil {
			return f, true, nil
		}
		g, err := f.Geometry.Transform(t.Transform)
		if err != nil {
			return f, false, err
		}
		f.Geometry = &g
		return f, true, nil
	}
}

func selectStage(attrs []string) featureStage {
	return func(f dataset.Feature) (dataset.Feature, bool, error) {
		props := make(map[string]any, len(attrs))
		for _, name := range attrs {
			if v, ok := f.Properties[name]; ok {
				props[name] = v
			}
		}
		f.Properties = props
		return f, true, nil
	}
}

func (e *Engine) executeVector(ctx context.Context, h dataset.Handle, spec plan.TransformSpec, src, dst dataset.Driver, primary string) (geo.SRS, error) {
	vsrc, ok := src.(dataset.VectorDriver)
	if !ok {
		return "", fmt.Errorf("driver %s cannot read features", src.Format())
	}
	vdst, ok := dst.(dataset.VectorDriver)
	if !ok {
		return "", fmt.Errorf("driver %s cannot write features", dst.Format())
	}
	stages, srs, err := vectorStages(h.SRS, spec.Ops())
	if err != nil {
		return "", err
	}

	reader, err := vsrc.OpenFeatures(h.Location)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer reader.Close()
	writer, err := vdst.CreateFeatures(primary, srs)
	if err != nil {
		return "", fmt.Errorf("create output: %w", err)
	}

	if err := copyFeatures(ctx, reader, writer, stages); err != nil {
		writer.Abort()
		return "", err
	}
	if err := writer.Close(); err != nil {
		writer.Abort()
		return "", err
	}
	return srs, nil
}

func copyFeatures(ctx context.Context, r dataset.FeatureReader, w dataset.FeatureWriter, stages []featureStage) error {
	for n := 0; ; n++ {
		f, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read feature %d: %w", n, err)
		}
		keep := true
		for _, stage := range stages {
			if f, keep, err = stage(f); err != nil {
				return fmt.Errorf("feature %d: %w", n, err)
			}
			if !keep {
				break
			}
		}
		if !keep {
			continue
		}
		if err := w.Write(f); err != nil {
			return fmt.Errorf("write feature %d: %w", n, err)
		}
	}
}
