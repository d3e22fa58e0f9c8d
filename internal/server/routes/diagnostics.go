package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/proxycad/proxycad/internal/cache"
	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/server"
)

// StatsProvider 暴露缓存统计，*cache.Cache 满足该接口。
type StatsProvider interface {
	Stats() cache.Stats
}

// RegisterDiagnosticsRoutes 暴露 /-/drivers、/-/sources 与 /-/cache 诊断接口。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.SourceRegistry, stats StatsProvider) {
	if app == nil {
		return
	}

	app.Get("/-/drivers", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"drivers": encodeDrivers(dataset.List())})
	})

	app.Get("/-/sources", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sources": encodeSources(registry.List())})
	})

	app.Get("/-/sources/:name", func(c fiber.Ctx) error {
		route, ok := registry.Lookup(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "source_not_found"})
		}
		return c.JSON(encodeSource(*route))
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		if stats == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		return c.JSON(encodeStats(stats.Stats()))
	})
}

type driverPayload struct {
	Format     string   `json:"format"`
	Kind       string   `json:"kind"`
	MediaType  string   `json:"media_type"`
	Extensions []string `json:"extensions"`
}

type sourcePayload struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Location    string `json:"location"`
	Format      string `json:"format,omitempty"`
	SRS         string `json:"srs,omitempty"`
	Categorical bool   `json:"categorical"`
	Remote      bool   `json:"remote"`
}

type cachePayload struct {
	Entries       int     `json:"entries"`
	SizeBytes     int64   `json:"size_bytes"`
	CapacityBytes int64   `json:"capacity_bytes"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	InFlight      int     `json:"in_flight"`
	HitRatio      float64 `json:"hit_ratio"`
}

func encodeDrivers(drivers []dataset.Driver) []driverPayload {
	result := make([]driverPayload, 0, len(drivers))
	for _, d := range drivers {
		result = append(result, driverPayload{
			Format:     string(d.Format()),
			Kind:       string(d.Kind()),
			MediaType:  d.MediaType(),
			Extensions: append([]string(nil), d.Extensions()...),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Format < result[j].Format
	})
	return result
}

func encodeSources(routes []server.SourceRoute) []sourcePayload {
	result := make([]sourcePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeSource(route))
	}
	return result
}

// encodeSource 不输出远程地址中的查询串，避免泄露签名参数。
func encodeSource(route server.SourceRoute) sourcePayload {
	location := route.Config.Location
	if route.Remote {
		if idx := strings.IndexByte(location, '?'); idx >= 0 {
			location = location[:idx]
		}
	}
	return sourcePayload{
		Name:        route.Config.Name,
		Title:       route.Title(),
		Location:    location,
		Format:      string(route.Format),
		SRS:         string(route.SRS),
		Categorical: route.Config.Categorical,
		Remote:      route.Remote,
	}
}

func encodeStats(st cache.Stats) cachePayload {
	payload := cachePayload{
		Entries:       st.Entries,
		SizeBytes:     st.SizeBytes,
		CapacityBytes: st.CapacityBytes,
		Hits:          st.Hits,
		Misses:        st.Misses,
		Evictions:     st.Evictions,
		InFlight:      st.InFlight,
	}
	if total := st.Hits + st.Misses; total > 0 {
		payload.HitRatio = float64(st.Hits) / float64(total)
	}
	return payload
}
