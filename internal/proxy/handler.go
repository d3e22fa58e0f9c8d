package proxy

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/cache"
	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/dispatch"
	"github.com/proxycad/proxycad/internal/failure"
	"github.com/proxycad/proxycad/internal/logging"
	"github.com/proxycad/proxycad/internal/server"
)

// Dispatcher 是 Handler 依赖的调度入口，*dispatch.Dispatcher 满足该接口。
type Dispatcher interface {
	Handle(ctx context.Context, req dispatch.Request) dispatch.Result
	Explain(ctx context.Context, req dispatch.Request) dispatch.Result
}

// ArtifactOpener 打开缓存条目中的产物文件，*cache.Cache 满足该接口。
type ArtifactOpener interface {
	OpenArtifact(ctx context.Context, e cache.Entry, name string) (io.ReadCloser, int64, error)
}

// Handler 负责 /datasets 请求：解析查询参数、交给调度器，然后流式输出主文件。
type Handler struct {
	dispatcher Dispatcher
	artifacts  ArtifactOpener
	logger     *logrus.Logger
}

// NewHandler constructs a dataset handler with shared dispatcher/cache/logger.
func NewHandler(dispatcher Dispatcher, artifacts ArtifactOpener, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{dispatcher: dispatcher, artifacts: artifacts, logger: logger}
}

// Serve 实现 server.DatasetHandler。
func (h *Handler) Serve(c fiber.Ctx, source string) error {
	req, err := h.request(c, source)
	if err != nil {
		return h.rejectParams(c, source, err)
	}
	return h.Respond(c, req, RenderFailure)
}

// FailureRenderer 决定调度失败时的响应格式。
type FailureRenderer func(c fiber.Ctx, f *dispatch.Failure) error

// Respond 执行调度并输出结果，WMS 等外观层以自己的 render 复用该方法。
func (h *Handler) Respond(c fiber.Ctx, req dispatch.Request, render FailureRenderer) error {
	started := time.Now()
	ctx := requestContext(c)

	res := h.dispatcher.Handle(ctx, req)
	if !res.OK() {
		return render(c, res.Failure)
	}
	body, size, err := h.open(ctx, res)
	if errors.Is(err, cache.ErrNotFound) {
		// 产物在调度与读取之间被淘汰，重新物化一次
		res = h.dispatcher.Handle(ctx, req)
		if !res.OK() {
			return render(c, res.Failure)
		}
		body, size, err = h.open(ctx, res)
	}
	if err != nil {
		fe := failure.Wrap(err, failure.CacheIOError, failure.StageCache)
		return render(c, &dispatch.Failure{
			Kind:    fe.Kind,
			Stage:   fe.Stage,
			Source:  req.Source,
			Target:  dispatch.DescribeTarget(req.Target),
			Message: fe.Summary,
		})
	}
	defer body.Close()

	h.setHeaders(c, res, size)
	written, err := io.Copy(c.Response().BodyWriter(), body)
	fields := logging.RequestFields(req.Source, "responding", res.Key, res.CacheHit)
	fields["request_id"] = req.ID
	fields["plan"] = res.Plan.String()
	fields["bytes"] = written
	fields["duration_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("proxy_stream_failed")
		return err
	}
	h.logger.WithFields(fields).Info("proxy_served")
	return nil
}

// Explain 实现 server.DatasetHandler，返回计划而不执行。
func (h *Handler) Explain(c fiber.Ctx, source string) error {
	req, err := h.request(c, source)
	if err != nil {
		return h.rejectParams(c, source, err)
	}
	res := h.dispatcher.Explain(requestContext(c), req)
	if !res.OK() {
		return RenderFailure(c, res.Failure)
	}
	return c.JSON(fiber.Map{
		"source": res.Source,
		"target": dispatch.DescribeTarget(req.Target),
		"plan":   res.Plan,
		"steps":  res.Plan.String(),
		"key":    res.Key,
	})
}

func (h *Handler) request(c fiber.Ctx, source string) (dispatch.Request, error) {
	target, err := ParseTarget(func(key string) string { return c.Query(key) })
	if err != nil {
		return dispatch.Request{}, err
	}
	return dispatch.Request{ID: server.RequestID(c), Source: source, Target: target}, nil
}

func (h *Handler) rejectParams(c fiber.Ctx, source string, err error) error {
	h.logger.WithFields(logging.RequestFields(source, string(failure.StagePlanning), "", false)).
		WithField("request_id", server.RequestID(c)).
		WithError(err).Debug("proxy_bad_params")
	return RenderFailure(c, &dispatch.Failure{
		Kind:    failure.IncompatibleTarget,
		Stage:   failure.StagePlanning,
		Source:  source,
		Message: failure.Truncate(err.Error()),
	})
}

// open 返回主文件读取流；空计划直接读取源数据集。
func (h *Handler) open(ctx context.Context, res dispatch.Result) (io.ReadCloser, int64, error) {
	if res.Entry != nil {
		return h.artifacts.OpenArtifact(ctx, *res.Entry, res.Entry.Primary)
	}
	f, err := os.Open(res.Handle.Location)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (h *Handler) setHeaders(c fiber.Ctx, res dispatch.Result, size int64) {
	contentType := "application/octet-stream"
	if d, ok := dataset.Resolve(res.Handle.Format); ok {
		contentType = d.MediaType()
	}
	c.Set(fiber.HeaderContentType, contentType)
	if size > 0 {
		c.Response().Header.SetContentLength(int(size))
	}
	name := filepath.Base(res.Handle.Location)
	if res.Entry != nil {
		name = res.Entry.Primary
	}
	c.Set(fiber.HeaderContentDisposition, `inline; filename="`+name+`"`)
	c.Set("X-Proxycad-Cache-Hit", strconv.FormatBool(res.CacheHit))
	c.Set("X-Proxycad-Plan", res.Plan.String())
	if res.Key != "" {
		c.Set("X-Proxycad-Key", res.Key)
	}
	if reqID := server.RequestID(c); reqID != "" {
		c.Set("X-Request-ID", reqID)
	}
}

// RenderFailure 以 JSON 输出失败描述，状态码由错误类别决定。
func RenderFailure(c fiber.Ctx, f *dispatch.Failure) error {
	if reqID := server.RequestID(c); reqID != "" {
		c.Set("X-Request-ID", reqID)
	}
	return c.Status(server.StatusFor(f.Kind)).JSON(f)
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
