package wms

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/dispatch"
	"github.com/proxycad/proxycad/internal/failure"
	"github.com/proxycad/proxycad/internal/plan"
	"github.com/proxycad/proxycad/internal/proxy"
	"github.com/proxycad/proxycad/internal/server"
)

// Responder 执行调度并输出结果，*proxy.Handler 满足该接口。
type Responder interface {
	Respond(c fiber.Ctx, req dispatch.Request, render proxy.FailureRenderer) error
}

// LayerCatalog 提供图层列表，*Catalog 满足该接口。
type LayerCatalog interface {
	Layer(ctx context.Context, name string) (Layer, error)
	Layers(ctx context.Context) []Layer
}

// Options 是 WMS 外观的服务参数。
type Options struct {
	Title    string
	MaxScale float64
}

// Handler 处理 /wms 请求。
type Handler struct {
	responder Responder
	catalog   LayerCatalog
	opts      Options
	logger    *logrus.Logger
}

// NewHandler 构建 WMS 处理器。
func NewHandler(responder Responder, catalog LayerCatalog, opts Options, logger *logrus.Logger) *Handler {
	if opts.Title == "" {
		opts.Title = "proxycad"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{responder: responder, catalog: catalog, opts: opts, logger: logger}
}

// Register 挂载 /wms 路由。
func (h *Handler) Register(app *fiber.App) {
	app.Get("/wms", h.Handle)
}

// Handle 按 REQUEST 分发。
func (h *Handler) Handle(c fiber.Ctx) error {
	params := ParamsFrom(c)
	op, exc := params.Operation()
	if exc != nil {
		return h.reject(c, exc)
	}
	switch op {
	case RequestGetCapabilities:
		return h.capabilities(c)
	case RequestGetMap:
		return h.getMap(c, params)
	default:
		return h.reject(c, exceptionf(CodeOperationNotSupported, "getfeatureinfo is not implemented"))
	}
}

func (h *Handler) capabilities(c fiber.Ctx) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := MarshalCapabilities(CapabilitiesOptions{
		Title:      h.opts.Title,
		Endpoint:   BaseURL(c) + c.Path(),
		MapFormats: MapFormats(),
	}, h.catalog.Layers(ctx))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "text/xml; charset=utf-8")
	return c.Send(body)
}

func (h *Handler) getMap(c fiber.Ctx, params Params) error {
	m, exc := ParseGetMap(params)
	if exc != nil {
		return h.reject(c, exc)
	}
	if exc := m.CheckScale(h.opts.MaxScale); exc != nil {
		return h.reject(c, exc)
	}
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	name := m.Layers[0]
	layer, err := h.catalog.Layer(ctx, name)
	if errors.Is(err, ErrLayerNotDefined) {
		return h.reject(c, exceptionf(CodeLayerNotDefined, "layer %s is not defined", name))
	}
	if err != nil {
		fe := failure.Wrap(err, failure.UnresolvableSource, failure.StageResolving)
		return RenderFailure(c, &dispatch.Failure{Kind: fe.Kind, Stage: fe.Stage, Source: name, Message: fe.Summary})
	}
	if outside(layer, m) {
		body, err := EmptyMap(m)
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, m.MediaType)
		return c.Send(body)
	}
	bbox := m.BBox
	req := dispatch.Request{
		ID:     server.RequestID(c),
		Source: name,
		Target: plan.TargetParams{
			SRS:     string(m.SRS),
			BBox:    &bbox,
			BBoxSRS: string(m.SRS),
			Width:   m.Width,
			Height:  m.Height,
			Format:  string(m.Format),
		},
	}
	return h.responder.Respond(c, req, RenderFailure)
}

func (h *Handler) reject(c fiber.Ctx, exc *Exception) error {
	h.logger.WithFields(logrus.Fields{
		"action":     "wms",
		"code":       exc.Code,
		"request_id": server.RequestID(c),
	}).Warn(exc.Message)
	return RenderException(c, exc)
}

// RenderFailure 把调度失败转换为 OGC 异常文档。
func RenderFailure(c fiber.Ctx, f *dispatch.Failure) error {
	return RenderException(c, &Exception{
		Code:    codeFor(f.Kind),
		Message: f.Message,
		Status:  server.StatusFor(f.Kind),
	})
}

func codeFor(kind failure.Kind) string {
	switch kind {
	case failure.UnresolvableSource:
		return CodeLayerNotDefined
	case failure.UnsupportedFormat:
		return CodeInvalidFormat
	case failure.IncompatibleTarget, failure.InvalidResamplingMethod:
		return CodeInvalidParameter
	default:
		return CodeNoApplicableCode
	}
}

// MapFormats 返回支持的 GetMap 媒体类型，顺序固定。
func MapFormats() []string {
	out := make([]string, 0, len(mapFormats))
	for k := range mapFormats {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BaseURL 还原客户端可见的协议与主机，优先使用反向代理的 X-Forwarded-* 头。
func BaseURL(c fiber.Ctx) string {
	proto := strings.TrimSpace(c.Get("X-Forwarded-Proto"))
	if proto == "" {
		proto = "http"
		if c.Secure() {
			proto = "https"
		}
	}
	host := strings.TrimSpace(c.Get("X-Forwarded-Host"))
	if host == "" {
		host = c.Hostname()
	}
	return proto + "://" + host
}
