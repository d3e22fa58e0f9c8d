package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/failure"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/plan"
	"github.com/proxycad/proxycad/internal/raster"
)

// Output 描述一次执行写出的数据集。
type Output struct {
	Handle  dataset.Handle
	Primary string
	Files   []string
}

// Engine 执行变换计划，可被多个请求并发调用。
type Engine struct {
	env    *Env
	logger *logrus.Logger
}

// New 基于执行环境构建引擎。
func New(env *Env, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{env: env, logger: logger}
}

// Validate 在执行前检查计划能否作用于 h，不做任何 I/O。
func Validate(h dataset.Handle, spec plan.TransformSpec) error {
	for _, op := range spec.Ops() {
		if op.Method == "" {
			continue
		}
		if h.Kind != dataset.KindRaster {
			return failure.Newf(failure.IncompatibleTarget, "resampling does not apply to %s sources", h.Kind)
		}
		if h.Categorical && op.Method != raster.Nearest {
			return failure.Newf(failure.InvalidResamplingMethod, "categorical raster %s only supports nearest resampling, got %s", h.ID, op.Method)
		}
	}
	if spec.SourceFormat() != "" && spec.SourceFormat() != h.Format {
		return failure.Newf(failure.IncompatibleTarget, "plan was built for %s input, dataset is %s", spec.SourceFormat(), h.Format)
	}
	return nil
}

// Execute 将 spec 作用于 h，结果写入 outDir。outDir 由调用方创建并负责提交或清理。
func (e *Engine) Execute(ctx context.Context, h dataset.Handle, spec plan.TransformSpec, outDir string) (Output, error) {
	if err := Validate(h, spec); err != nil {
		return Output{}, err
	}
	src, ok := dataset.Resolve(h.Format)
	if !ok {
		return Output{}, failure.Newf(failure.UnsupportedFormat, "no driver for %s", h.Format)
	}
	dst, ok := dataset.Resolve(spec.OutputFormat())
	if !ok {
		return Output{}, failure.Newf(failure.UnsupportedFormat, "no driver for %s", spec.OutputFormat())
	}
	primary := filepath.Join(outDir, outputName(h, dst))

	started := time.Now()
	var (
		srs geo.SRS
		err error
	)
	switch h.Kind {
	case dataset.KindRaster:
		srs, err = e.executeRaster(ctx, h, spec, src, dst, primary)
	case dataset.KindVector:
		srs, err = e.executeVector(ctx, h, spec, src, dst, primary)
	default:
		err = fmt.Errorf("unknown dataset kind %q", h.Kind)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		removeOutput(dst, primary)
		return Output{}, failure.Wrap(err, failure.EngineExecutionError, failure.StageExecuting)
	}

	out, err := describe(ctx, dst, primary, dataset.ProbeOptions{SRS: srs, Categorical: h.Categorical})
	if err != nil {
		removeOutput(dst, primary)
		return Output{}, failure.Wrap(err, failure.EngineExecutionError, failure.StageExecuting)
	}
	e.logger.WithFields(logrus.Fields{
		"source":      h.ID,
		"plan":        spec.String(),
		"format":      out.Handle.Format,
		"size_bytes":  out.Handle.SizeBytes,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("engine_execute_complete")
	return out, nil
}

// outputName 取源文件名主干加目标格式首选扩展名。
func outputName(h dataset.Handle, d dataset.Driver) string {
	base := strings.TrimSuffix(filepath.Base(h.Location), filepath.Ext(h.Location))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "dataset"
	}
	return base + "." + d.Extensions()[0]
}

// describe 探测写出的文件并列出实际存在的侧车文件。
func describe(ctx context.Context, d dataset.Driver, primary string, opts dataset.ProbeOptions) (Output, error) {
	handle, err := d.Probe(ctx, primary, opts)
	if err != nil {
		return Output{}, fmt.Errorf("probe output: %w", err)
	}
	files := []string{primary}
	for _, side := range d.Sidecars(primary) {
		if _, err := os.Stat(side); err == nil {
			files = append(files, side)
		}
	}
	return Output{Handle: handle, Primary: primary, Files: files}, nil
}

func removeOutput(d dataset.Driver, primary string) {
	_ = os.Remove(primary)
	for _, side := range d.Sidecars(primary) {
		_ = os.Remove(side)
	}
}
