package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/proxycad/proxycad/internal/config"
	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
)

// SourceRoute 聚合具名数据源的配置与预解析属性，供 WMS 图层列表与诊断接口复用。
type SourceRoute struct {
	// Config 是 config.toml 中声明的数据源字段副本。
	Config config.SourceConfig
	// SRS/Format 为配置覆盖值的规范化结果，未覆盖时为空，以探测结果为准。
	SRS    geo.SRS
	Format dataset.Format
	// Remote 表示 Location 为 http(s) 地址，首次访问时才会落地。
	Remote bool
}

// Title 返回展示名称，未配置 Title 时使用 Name。
func (r SourceRoute) Title() string {
	if strings.TrimSpace(r.Config.Title) != "" {
		return r.Config.Title
	}
	return r.Config.Name
}

// SourceRegistry 提供按名称（大小写不敏感）查找具名数据源的能力。
type SourceRegistry struct {
	routes  map[string]*SourceRoute
	ordered []*SourceRoute
}

// NewSourceRegistry 根据配置构建注册表，启动阶段创建一次并复用。
func NewSourceRegistry(cfg *config.Config) (*SourceRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	registry := &SourceRegistry{routes: make(map[string]*SourceRoute, len(cfg.Sources))}
	for _, src := range cfg.Sources {
		key := normalizeName(src.Name)
		if key == "" {
			return nil, errors.New("source name is empty")
		}
		if _, exists := registry.routes[key]; exists {
			return nil, fmt.Errorf("duplicate source name %s", src.Name)
		}
		route, err := buildSourceRoute(src)
		if err != nil {
			return nil, err
		}
		registry.routes[key] = route
		registry.ordered = append(registry.ordered, route)
	}
	return registry, nil
}

// Lookup 根据名称查找数据源。
func (r *SourceRegistry) Lookup(name string) (*SourceRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.routes[normalizeName(name)]
	return route, ok
}

// List 按配置顺序返回数据源副本。
func (r *SourceRegistry) List() []SourceRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]SourceRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildSourceRoute(src config.SourceConfig) (*SourceRoute, error) {
	route := &SourceRoute{Config: src}
	if strings.TrimSpace(src.SRS) != "" {
		srs, err := geo.ParseSRS(src.SRS)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		route.SRS = srs
	}
	if strings.TrimSpace(src.Format) != "" {
		format, ok := dataset.NormalizeFormat(src.Format)
		if !ok {
			return nil, fmt.Errorf("source %s: unknown format %s", src.Name, src.Format)
		}
		route.Format = format
	}
	if u, err := url.Parse(src.Location); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		route.Remote = true
	}
	return route, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
