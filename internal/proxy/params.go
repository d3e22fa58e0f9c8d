package proxy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/plan"
)

// ParseTarget 把 /datasets 查询参数转换为目标参数。query 按名称取值，缺失时返回空串。
func ParseTarget(query func(key string) string) (plan.TargetParams, error) {
	var p plan.TargetParams
	p.SRS = strings.TrimSpace(query("srs"))
	p.BBoxSRS = strings.TrimSpace(query("bbox_srs"))
	p.Format = strings.TrimSpace(query("format"))
	p.Resampling = strings.TrimSpace(query("resampling"))

	if raw := strings.TrimSpace(query("bbox")); raw != "" {
		b, err := geo.ParseBBox(raw)
		if err != nil {
			return p, err
		}
		p.BBox = &b
	}
	if raw := strings.TrimSpace(query("resolution")); raw != "" {
		x, y, err := parseResolution(raw)
		if err != nil {
			return p, err
		}
		p.ResolutionX, p.ResolutionY = x, y
	}
	var err error
	if p.Width, err = parseSize("width", query("width")); err != nil {
		return p, err
	}
	if p.Height, err = parseSize("height", query("height")); err != nil {
		return p, err
	}
	if raw := strings.TrimSpace(query("attributes")); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				p.Attributes = append(p.Attributes, name)
			}
		}
	}
	return p, nil
}

// parseResolution 接受 "r" 或 "rx,ry"，单值时两轴相同。
func parseResolution(raw string) (float64, float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("resolution should look like r or rx,ry: %q", raw)
	}
	vals := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("resolution %q must be a positive number", part)
		}
		vals[i] = v
	}
	if len(vals) == 1 {
		return vals[0], vals[0], nil
	}
	return vals[0], vals[1], nil
}

func parseSize(name, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s %q must be a positive integer", name, raw)
	}
	return v, nil
}
