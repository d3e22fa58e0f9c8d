package wms

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/server"
)

// Resolver 把具名数据源解析为句柄。
type Resolver interface {
	Resolve(ctx context.Context, id string) (dataset.Handle, error)
}

// Layer 是能力文档中的一个图层。
type Layer struct {
	Name       string
	Title      string
	SRS        geo.SRS
	Extent     geo.BBox
	Geographic geo.BBox
}

// Catalog 把具名栅格数据源暴露为 WMS 图层。
type Catalog struct {
	registry *server.SourceRegistry
	resolver Resolver
	logger   *logrus.Logger
}

// NewCatalog 构建图层目录。
func NewCatalog(registry *server.SourceRegistry, resolver Resolver, logger *logrus.Logger) *Catalog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Catalog{registry: registry, resolver: resolver, logger: logger}
}

// ErrLayerNotDefined 表示图层名不是具名栅格数据源。
var ErrLayerNotDefined = errors.New("layer not defined")

// Layer 解析单个图层；未配置或为矢量数据源时返回 ErrLayerNotDefined。
func (c *Catalog) Layer(ctx context.Context, name string) (Layer, error) {
	route, ok := c.registry.Lookup(name)
	if !ok {
		return Layer{}, ErrLayerNotDefined
	}
	return c.layerFor(ctx, *route)
}

// Layers 逐个解析数据源，跳过矢量与无法解析的数据源。
func (c *Catalog) Layers(ctx context.Context) []Layer {
	var layers []Layer
	for _, route := range c.registry.List() {
		layer, err := c.layerFor(ctx, route)
		if errors.Is(err, ErrLayerNotDefined) {
			continue
		}
		if err != nil {
			c.logger.WithFields(logrus.Fields{"action": "wms_capabilities", "source": route.Config.Name}).
				WithError(err).Warn("wms_layer_skipped")
			continue
		}
		layers = append(layers, layer)
	}
	return layers
}

func (c *Catalog) layerFor(ctx context.Context, route server.SourceRoute) (Layer, error) {
	h, err := c.resolver.Resolve(ctx, route.Config.Name)
	if err != nil {
		return Layer{}, err
	}
	if h.Kind != dataset.KindRaster {
		return Layer{}, ErrLayerNotDefined
	}
	layer := Layer{Name: route.Config.Name, Title: route.Title(), SRS: h.SRS, Extent: h.Extent}
	t, err := geo.NewTransformer(h.SRS, geo.WGS84)
	if err != nil {
		return Layer{}, err
	}
	if layer.Geographic, err = t.TransformBBox(h.Extent); err != nil {
		return Layer{}, err
	}
	return layer, nil
}
