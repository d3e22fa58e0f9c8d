package cadastre

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/proxycad/proxycad/internal/config"
	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/server"
	"github.com/proxycad/proxycad/internal/wms"
)

// maxTileBytes 限制单个上游响应体大小。
const maxTileBytes = 32 << 20

// fetchConcurrency 是合成时并发请求上游的上限。
const fetchConcurrency = 4

// Options 是地籍转发参数。
type Options struct {
	Upstream string
	APIKey   string
	MaxScale float64
}

// OptionsFromConfig 从配置提取转发参数。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Upstream: cfg.Cadastre.Upstream,
		APIKey:   cfg.Cadastre.APIKey,
		MaxScale: cfg.Global.MaxScale,
	}
}

// Handler 处理 /cadastre 请求。
type Handler struct {
	index  CommuneIndex
	client *http.Client
	opts   Options
	logger *logrus.Logger
}

// NewHandler 构建地籍转发处理器，client 通常来自 server.NewUpstreamClient。
func NewHandler(index CommuneIndex, client *http.Client, opts Options, logger *logrus.Logger) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts.Upstream = strings.TrimRight(opts.Upstream, "/")
	return &Handler{index: index, client: client, opts: opts, logger: logger}
}

// Register 挂载 /cadastre 路由，路径后缀被忽略。
func (h *Handler) Register(app *fiber.App) {
	app.Get("/cadastre", h.Handle)
	app.Get("/cadastre/*", h.Handle)
}

// Handle 按 REQUEST 分发。
func (h *Handler) Handle(c fiber.Ctx) error {
	params := wms.ParamsFrom(c)
	op, exc := params.Operation()
	if exc != nil {
		return h.reject(c, exc)
	}
	switch op {
	case wms.RequestGetCapabilities:
		return h.capabilities(c)
	case wms.RequestGetMap:
		return h.getMap(c, params)
	default:
		return h.reject(c, &wms.Exception{Code: wms.CodeOperationNotSupported, Message: "getfeatureinfo is not implemented"})
	}
}

func (h *Handler) capabilities(c fiber.Ctx) error {
	body, err := wms.MarshalCapabilities(wms.CapabilitiesOptions{
		Title:      "proxycad cadastre",
		Endpoint:   wms.BaseURL(c) + c.Path(),
		MapFormats: wms.MapFormats(),
	}, layers)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "text/xml; charset=utf-8")
	return c.Send(body)
}

func (h *Handler) getMap(c fiber.Ctx, params wms.Params) error {
	m, exc := wms.ParseGetMap(params)
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
	communes, err := h.index.Lookup(ctx, m.BBox, m.SRS.Code())
	if err != nil {
		h.logger.WithFields(h.fields(c)).WithError(err).Error("cadastre_lookup_failed")
		return h.reject(c, &wms.Exception{Code: wms.CodeNoApplicableCode, Message: "commune lookup failed", Status: fiber.StatusBadGateway})
	}
	query := string(c.Request().URI().QueryString())
	switch len(communes) {
	case 0:
		return h.reject(c, &wms.Exception{Code: wms.CodeInvalidParameter, Message: "no commune intersects the requested bbox"})
	case 1:
		h.logger.WithFields(h.fields(c)).WithField("communes", communes).Debug("cadastre_redirect")
		return c.Redirect().Status(fiber.StatusFound).To(h.communeURL(communes[0], query))
	}

	h.logger.WithFields(h.fields(c)).WithField("communes", communes).Debug("cadastre_merge")
	tiles, header, err := h.fetchAll(ctx, communes, "transparent=true&"+query)
	if err != nil {
		return err
	}
	if len(tiles) == 0 {
		return h.reject(c, &wms.Exception{Code: wms.CodeNoApplicableCode, Message: "no upstream tile available", Status: fiber.StatusBadGateway})
	}
	out := Composite(tiles, m.Width, m.Height)
	var buf bytes.Buffer
	if err := encode(&buf, out, m.Format); err != nil {
		return err
	}
	for key, values := range header {
		for _, v := range values {
			c.Response().Header.Add(key, v)
		}
	}
	c.Set(fiber.HeaderContentType, m.MediaType)
	return c.Send(buf.Bytes())
}

// communeURL 构造 <upstream>/<apikey>/<insee>.wms?<query>。
func (h *Handler) communeURL(insee, query string) string {
	return fmt.Sprintf("%s/%s/%s.wms?%s", h.opts.Upstream, h.opts.APIKey, insee, query)
}

// fetchAll 并发获取各市镇图像并保持市镇顺序；非 200 或无法解码的响应被跳过。
// 返回的 header 取自第一个成功响应中可透传的缓存相关头。
func (h *Handler) fetchAll(ctx context.Context, communes []string, query string) ([]image.Image, http.Header, error) {
	results := make([]image.Image, len(communes))
	headers := make([]http.Header, len(communes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, insee := range communes {
		g.Go(func() error {
			img, header, err := h.fetch(gctx, h.communeURL(insee, query))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				h.logger.WithFields(logrus.Fields{"action": "cadastre", "commune": insee}).
					WithError(err).Warn("cadastre_tile_skipped")
				return nil
			}
			results[i], headers[i] = img, header
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	var (
		tiles  []image.Image
		header http.Header
	)
	for i, img := range results {
		if img == nil {
			continue
		}
		if header == nil {
			header = headers[i]
		}
		tiles = append(tiles, img)
	}
	return tiles, header, nil
}

func (h *Handler) fetch(ctx context.Context, url string) (image.Image, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("decode upstream tile: %w", err)
	}
	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	for _, key := range []string{"Content-Type", "Content-Length", "Content-Encoding", "Content-Disposition", "Set-Cookie"} {
		header.Del(key)
	}
	return img, header, nil
}

// Composite 依次以 alpha 叠加图像，输出固定为 width x height。
func Composite(tiles []image.Image, width, height int) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for _, tile := range tiles {
		draw.Draw(out, out.Bounds(), tile, tile.Bounds().Min, draw.Over)
	}
	return out
}

func encode(w io.Writer, m image.Image, format dataset.Format) error {
	switch format {
	case dataset.FormatJPEG:
		return jpeg.Encode(w, m, &jpeg.Options{Quality: 90})
	case dataset.FormatGIF:
		return gif.Encode(w, m, nil)
	default:
		return png.Encode(w, m)
	}
}

func (h *Handler) reject(c fiber.Ctx, exc *wms.Exception) error {
	h.logger.WithFields(h.fields(c)).WithField("code", exc.Code).Warn(exc.Message)
	return wms.RenderException(c, exc)
}

func (h *Handler) fields(c fiber.Ctx) logrus.Fields {
	return logrus.Fields{"action": "cadastre", "request_id": server.RequestID(c)}
}

// layers 是上游地籍服务提供的图层，范围为法国本土。
var layers = func() []wms.Layer {
	france := geo.BBox{MinX: -5.5, MinY: 41, MaxX: 10, MaxY: 51.5}
	native := france
	if t, err := geo.NewTransformer(geo.WGS84, geo.Lambert93); err == nil {
		if b, err := t.TransformBBox(france); err == nil {
			native = b
		}
	}
	var out []wms.Layer
	for _, l := range []struct{ name, title string }{
		{"AMORCES_CAD", "Amorces cadastrales"},
		{"CP.CadastralParcel", "Parcelles cadastrales"},
		{"BU.Building", "Bâtiments"},
		{"CP.CadastralZoning", "Sections cadastrales"},
		{"LIEUDIT", "Lieux-dits"},
	} {
		out = append(out, wms.Layer{Name: l.name, Title: l.title, SRS: geo.Lambert93, Extent: native, Geographic: france})
	}
	return out
}()
