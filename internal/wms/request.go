// Package wms 在数据集代理之上提供 WMS 1.3.0 外观：GetCapabilities 列出具名栅格数据源，
// GetMap 转换为一次调度请求。参数解析与异常文档也供 cadastre 转发复用。
package wms

import (
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
)

// Version 是支持的协议版本。
const Version = "1.3.0"

// pixelSize 是 OGC 标准化渲染像素尺寸（米）。
const pixelSize = 0.00028

// 请求类型，统一为小写。
const (
	RequestGetCapabilities = "getcapabilities"
	RequestGetMap          = "getmap"
	RequestGetFeatureInfo  = "getfeatureinfo"
)

// mapFormats 是 GetMap 可输出的图像格式。
var mapFormats = map[string]dataset.Format{
	"image/png":  dataset.FormatPNG,
	"image/jpeg": dataset.FormatJPEG,
	"image/gif":  dataset.FormatGIF,
}

// Params 是大小写不敏感的查询参数。
type Params map[string]string

// ParamsFrom 读取请求查询串，参数名统一转为小写。
func ParamsFrom(c fiber.Ctx) Params {
	params := Params{}
	c.Request().URI().QueryArgs().VisitAll(func(key, value []byte) {
		params[strings.ToLower(string(key))] = string(value)
	})
	return params
}

// Get 返回去除首尾空白后的参数值。
func (p Params) Get(key string) string {
	return strings.TrimSpace(p[strings.ToLower(key)])
}

// Has 判断参数是否出现。
func (p Params) Has(key string) bool {
	_, ok := p[strings.ToLower(key)]
	return ok
}

// Operation 校验 service/request 并返回小写的请求类型。
func (p Params) Operation() (string, *Exception) {
	service := strings.ToLower(p.Get("service"))
	if service == "" {
		return "", exceptionf(CodeMissingParameter, "service parameter is mandatory")
	}
	if service != "wms" {
		return "", exceptionf(CodeInvalidParameter, "unknown service type, only wms is supported")
	}
	request := strings.ToLower(p.Get("request"))
	if request == "" {
		return "", exceptionf(CodeMissingParameter, "request parameter is mandatory")
	}
	switch request {
	case RequestGetCapabilities, RequestGetMap, RequestGetFeatureInfo:
		return request, nil
	}
	return "", exceptionf(CodeOperationNotSupported,
		"unknown request type %s, only getcapabilities, getmap and getfeatureinfo are supported", request)
}

// MapRequest 是校验后的 GetMap 参数，BBox 已按 x,y 轴序归一。
type MapRequest struct {
	Layers      []string
	SRS         geo.SRS
	BBox        geo.BBox
	Width       int
	Height      int
	Format      dataset.Format
	MediaType   string
	Transparent bool
}

// Scale 返回按标准化像素计算的比例尺分母。
func (m MapRequest) Scale() float64 {
	return m.BBox.Width() / (float64(m.Width) * pixelSize)
}

// CheckScale 对投影坐标系限制最大比例尺，maxScale 为 0 时不限制。
func (m MapRequest) CheckScale(maxScale float64) *Exception {
	if maxScale <= 0 || m.SRS.IsGeographic() {
		return nil
	}
	if scale := m.Scale(); scale > maxScale {
		return exceptionf(CodeInvalidParameter, "scale not allowed (%s > %s)", formatScale(scale), formatScale(maxScale))
	}
	return nil
}

func formatScale(v float64) string {
	return strconv.FormatFloat(math.Round(v), 'f', -1, 64)
}

// ParseGetMap 校验 GetMap 必填参数。EPSG:4326 按 1.3.0 约定使用 lat,lon 轴序，CRS:84 为 lon,lat。
func ParseGetMap(p Params) (MapRequest, *Exception) {
	for _, key := range []string{"bbox", "crs", "width", "height", "layers", "format"} {
		if !p.Has(key) {
			return MapRequest{}, exceptionf(CodeMissingParameter,
				"bbox, crs, width, height, layers & format parameters are mandatory for getmap")
		}
	}

	var req MapRequest
	rawCRS := p.Get("crs")
	srs, err := geo.ParseSRS(rawCRS)
	if err != nil {
		return MapRequest{}, exceptionf(CodeInvalidCRS, "unsupported crs %s", rawCRS)
	}
	req.SRS = srs

	mediaType := strings.ToLower(p.Get("format"))
	if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	format, ok := mapFormats[mediaType]
	if !ok {
		return MapRequest{}, exceptionf(CodeInvalidFormat, "unsupported image format: %s", mediaType)
	}
	req.Format, req.MediaType = format, mediaType

	width, errW := strconv.Atoi(p.Get("width"))
	height, errH := strconv.Atoi(p.Get("height"))
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return MapRequest{}, exceptionf(CodeInvalidParameter, "height and width should be numeric values")
	}
	req.Width, req.Height = width, height

	bbox, err := geo.ParseBBox(p.Get("bbox"))
	if err != nil {
		return MapRequest{}, exceptionf(CodeInvalidParameter,
			"bbox should look like xmin,ymin,xmax,ymax with only numeric values")
	}
	if srs == geo.WGS84 && !isCRS84(rawCRS) {
		bbox = geo.BBox{MinX: bbox.MinY, MinY: bbox.MinX, MaxX: bbox.MaxY, MaxY: bbox.MaxX}
	}
	if !bbox.Valid() {
		return MapRequest{}, exceptionf(CodeInvalidParameter, "bbox %s is empty or inverted", bbox)
	}
	req.BBox = bbox

	for _, layer := range strings.Split(p.Get("layers"), ",") {
		if layer = strings.TrimSpace(layer); layer != "" {
			req.Layers = append(req.Layers, layer)
		}
	}
	if len(req.Layers) == 0 {
		return MapRequest{}, exceptionf(CodeLayerNotDefined, "layers parameter is empty")
	}
	req.Transparent = strings.EqualFold(p.Get("transparent"), "true")
	return req, nil
}

func isCRS84(raw string) bool {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	return upper == "CRS:84" || strings.HasSuffix(upper, ":CRS84")
}
