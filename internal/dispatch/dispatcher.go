package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/cache"
	"github.com/proxycad/proxycad/internal/config"
	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/engine"
	"github.com/proxycad/proxycad/internal/failure"
	"github.com/proxycad/proxycad/internal/logging"
	"github.com/proxycad/proxycad/internal/plan"
	"github.com/proxycad/proxycad/internal/raster"
)

// Resolver 把数据集标识解析为句柄。
type Resolver interface {
	Resolve(ctx context.Context, id string) (dataset.Handle, error)
}

// Executor 执行变换计划。
type Executor interface {
	Execute(ctx context.Context, h dataset.Handle, spec plan.TransformSpec, outDir string) (engine.Output, error)
}

// Materializer 是产物缓存的单飞构建入口。
type Materializer interface {
	Materialize(ctx context.Context, key string, build cache.BuildFunc) (cache.Entry, bool, error)
}

// Options 是调度器的时间与默认值参数。
type Options struct {
	DefaultMethod    raster.Method
	RetryBackoff     time.Duration
	ExecutionTimeout time.Duration
}

// OptionsFromConfig 从全局配置提取调度参数。
func OptionsFromConfig(cfg *config.Config) Options {
	method, err := raster.ParseMethod(cfg.Global.DefaultResamplingMethod)
	if err != nil {
		method = raster.Bilinear
	}
	return Options{
		DefaultMethod:    method,
		RetryBackoff:     cfg.Global.RetryBackoff.DurationValue(),
		ExecutionTimeout: cfg.Global.ExecutionTimeout.DurationValue(),
	}
}

// Request 是一次数据集请求。
type Request struct {
	ID     string
	Source string
	Target plan.TargetParams
}

// Failure 是对调用方可见的失败描述，Message 为有界摘要。
type Failure struct {
	Kind    failure.Kind  `json:"error"`
	Stage   failure.Stage `json:"stage"`
	Source  string        `json:"source"`
	Target  string        `json:"target,omitempty"`
	Message string        `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s at %s for %s: %s", f.Kind, f.Stage, f.Source, f.Message)
}

// Result 是调度结果。成功时 Handle 指向可读取的数据集；空计划时即为源句柄，Entry 为 nil。
type Result struct {
	Handle   dataset.Handle
	Source   dataset.Handle
	Entry    *cache.Entry
	Plan     plan.TransformSpec
	Key      string
	CacheHit bool
	Trace    []State
	Failure  *Failure
}

// OK 表示请求成功。
func (r Result) OK() bool { return r.Failure == nil }

// Dispatcher 串联解析、规划、缓存与执行。
type Dispatcher struct {
	resolver Resolver
	executor Executor
	cache    Materializer
	opts     Options
	logger   *logrus.Logger

	onViolation func(error)
}

// New 构建调度器。
func New(resolver Resolver, executor Executor, c Materializer, opts Options, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{resolver: resolver, executor: executor, cache: c, opts: opts, logger: logger}
}

// Explain 只做解析与规划，返回计划与缓存键，不执行。
func (d *Dispatcher) Explain(ctx context.Context, req Request) Result {
	t := newTracker()
	h, spec, res, ok := d.prepare(ctx, req, t)
	if !ok {
		return res
	}
	res = Result{Handle: h, Source: h, Plan: spec}
	if !spec.Empty() {
		res.Key = cache.Key(h.Fingerprint, spec.Digest())
	}
	res.Trace = d.trace(req, t)
	return res
}

// prepare 执行 Resolving 与 Planning 两个阶段。
func (d *Dispatcher) prepare(ctx context.Context, req Request, t *tracker) (dataset.Handle, plan.TransformSpec, Result, bool) {
	t.to(Resolving)
	h, err := d.resolver.Resolve(ctx, req.Source)
	if err != nil {
		return h, plan.TransformSpec{}, d.fail(req, t, err, failure.UnresolvableSource, ""), false
	}

	t.to(Planning)
	spec, err := plan.Plan(h, req.Target, plan.Defaults{Method: d.opts.DefaultMethod})
	if err == nil {
		err = engine.Validate(h, spec)
	}
	if err != nil {
		return h, spec, d.fail(req, t, err, failure.IncompatibleTarget, ""), false
	}
	return h, spec, Result{}, true
}

// Handle 处理一次请求，任何未恢复的错误都以 Failure 返回。
func (d *Dispatcher) Handle(ctx context.Context, req Request) Result {
	started := time.Now()
	t := newTracker()
	h, spec, res, ok := d.prepare(ctx, req, t)
	if !ok {
		return res
	}

	if spec.Empty() {
		t.to(Responding)
		t.to(Done)
		res = Result{Handle: h, Source: h, Plan: spec}
		res.Trace = d.trace(req, t)
		d.logComplete(req, res, started)
		return res
	}

	t.to(CacheCheck)
	key := cache.Key(h.Fingerprint, spec.Digest())
	build := func(bctx context.Context, dir string) (cache.Artifact, error) {
		t.to(Executing)
		ectx := bctx
		if d.opts.ExecutionTimeout > 0 {
			var cancel context.CancelFunc
			ectx, cancel = context.WithTimeout(bctx, d.opts.ExecutionTimeout)
			defer cancel()
		}
		out, err := d.executor.Execute(ectx, h, spec, dir)
		if err != nil {
			return cache.Artifact{}, err
		}
		t.to(Caching)
		return cache.Artifact{Handle: out.Handle, Primary: out.Primary, Files: out.Files}, nil
	}

	var (
		entry cache.Entry
		hit   bool
		err   error
	)
	for attempt := 0; ; attempt++ {
		entry, hit, err = d.cache.Materialize(ctx, key, build)
		if err == nil || attempt > 0 || !failure.IsTransient(err) {
			break
		}
		d.logger.WithFields(logging.RequestFields(req.Source, string(stageOf(t.current())), key, false)).
			WithError(err).Warn("dispatch_retry")
		if !sleep(ctx, d.opts.RetryBackoff) {
			err = ctx.Err()
			break
		}
	}
	if err != nil {
		res = d.fail(req, t, err, failure.EngineExecutionError, key)
		res.Plan = spec
		res.Source = h
		return res
	}

	if hit && t.current() == CacheCheck {
		t.to(CacheHit)
	} else {
		hit = false
		t.to(Executing)
		t.to(Caching)
	}
	t.to(Responding)
	t.to(Done)
	res = Result{Handle: entry.Handle, Source: h, Entry: &entry, Plan: spec, Key: key, CacheHit: hit}
	res.Trace = d.trace(req, t)
	d.logComplete(req, res, started)
	return res
}

// trace 返回状态轨迹。非法迁移说明状态机实现有误，以 error 级别记录并通知 onViolation。
func (d *Dispatcher) trace(req Request, t *tracker) []State {
	states, err := t.snapshot()
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"source":     req.Source,
			"trace":      states,
		}).WithError(err).Error("dispatch_state_violation")
		if d.onViolation != nil {
			d.onViolation(err)
		}
	}
	return states
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail 把错误归一为 Failure 并终止状态机。
func (d *Dispatcher) fail(req Request, t *tracker, err error, fallback failure.Kind, key string) Result {
	stage := stageOf(t.current())
	fe := failure.Wrap(err, fallback, stage)
	t.to(Failed)
	msg := fe.Summary
	if msg == "" {
		msg = string(fe.Kind)
	}
	f := &Failure{
		Kind:    fe.Kind,
		Stage:   fe.Stage,
		Source:  req.Source,
		Target:  DescribeTarget(req.Target),
		Message: failure.Truncate(msg),
	}
	res := Result{Key: key, Failure: f}
	res.Trace = d.trace(req, t)

	entry := d.logger.WithFields(logging.RequestFields(req.Source, string(f.Stage), key, false)).
		WithFields(logrus.Fields{"request_id": req.ID, "error_kind": f.Kind, "target": f.Target})
	var inner *failure.Error
	if errors.As(err, &inner) && inner.Err != nil {
		entry = entry.WithError(inner.Err)
	} else {
		entry = entry.WithError(err)
	}
	if f.Kind == failure.Cancelled {
		entry.Info("dispatch_cancelled")
	} else {
		entry.Warn("dispatch_failed")
	}
	return res
}

func (d *Dispatcher) logComplete(req Request, res Result, started time.Time) {
	d.logger.WithFields(logging.RequestFields(req.Source, string(Done), res.Key, res.CacheHit)).
		WithFields(logrus.Fields{
			"request_id":  req.ID,
			"plan":        res.Plan.String(),
			"format":      res.Handle.Format,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("dispatch_complete")
}

// DescribeTarget 输出目标参数的紧凑描述，只包含已设置的字段。
func DescribeTarget(p plan.TargetParams) string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("srs", p.SRS)
	if p.BBox != nil {
		add("bbox", p.BBox.String())
	}
	add("bbox_srs", p.BBoxSRS)
	if p.ResolutionX != 0 || p.ResolutionY != 0 {
		add("resolution", fmt.Sprintf("%g,%g", p.ResolutionX, p.ResolutionY))
	}
	if p.Width != 0 || p.Height != 0 {
		add("size", fmt.Sprintf("%dx%d", p.Width, p.Height))
	}
	add("format", p.Format)
	add("attributes", strings.Join(p.Attributes, ","))
	add("resampling", p.Resampling)
	return strings.Join(parts, " ")
}
