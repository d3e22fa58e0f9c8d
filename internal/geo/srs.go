// Package geo 提供空间参考解析、投影换算与范围计算。只内置代理实际需要的三种
// 参考系：WGS84 经纬度、Web Mercator 与 Lambert-93。
package geo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SRS 以规范化的 "EPSG:<code>" 形式表示空间参考。
type SRS string

const (
	WGS84       SRS = "EPSG:4326"
	WebMercator SRS = "EPSG:3857"
	Lambert93   SRS = "EPSG:2154"
)

const unknownCode = 0

// ErrUnknownSRS 表示无法识别或未内置的参考系。
var ErrUnknownSRS = errors.New("unknown spatial reference")

var authorityPattern = regexp.MustCompile(`AUTHORITY\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]`)

// aliases 将同一投影的历史编码归并到规范编码。
var aliases = map[int]int{
	900913: 3857,
	3785:   3857,
	102100: 3857,
	4171:   4326, // RGF93 地理坐标，与 WGS84 差异在亚米级
}

// ParseSRS 接受 EPSG:n、urn:ogc:def:crs:EPSG::n、CRS:84 以及带 AUTHORITY 的 WKT。
func ParseSRS(raw string) (SRS, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrUnknownSRS)
	}
	upper := strings.ToUpper(s)
	code := unknownCode
	switch {
	case upper == "CRS:84" || upper == "OGC:CRS84" || strings.HasSuffix(upper, ":CRS84"):
		code = 4326
	case strings.HasPrefix(upper, "EPSG:"):
		code = atoi(strings.TrimPrefix(upper, "EPSG:"))
	case strings.HasPrefix(upper, "URN:OGC:DEF:CRS:EPSG:"):
		rest := strings.TrimPrefix(upper, "URN:OGC:DEF:CRS:EPSG:")
		if idx := strings.LastIndex(rest, ":"); idx >= 0 {
			rest = rest[idx+1:]
		}
		code = atoi(rest)
	case strings.Contains(upper, "AUTHORITY["):
		matches := authorityPattern.FindAllStringSubmatch(s, -1)
		if len(matches) > 0 {
			// WKT1 中最外层的 AUTHORITY 出现在最后
			code = atoi(matches[len(matches)-1][1])
		}
	default:
		code = atoi(upper)
	}
	if alias, ok := aliases[code]; ok {
		code = alias
	}
	if code == unknownCode {
		return "", fmt.Errorf("%w: %s", ErrUnknownSRS, raw)
	}
	srs := SRS(fmt.Sprintf("EPSG:%d", code))
	if _, ok := projections[srs]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSRS, srs)
	}
	return srs, nil
}

// MustSRS 仅用于常量初始化与测试。
func MustSRS(raw string) SRS {
	srs, err := ParseSRS(raw)
	if err != nil {
		panic(err)
	}
	return srs
}

// Code 返回 EPSG 数字编码。
func (s SRS) Code() int {
	return atoi(strings.TrimPrefix(string(s), "EPSG:"))
}

// IsGeographic 表示坐标单位为度。
func (s SRS) IsGeographic() bool {
	p, ok := projections[s]
	return ok && p.geographic()
}

// Supported 返回内置参考系列表，顺序固定。
func Supported() []SRS {
	return []SRS{WGS84, WebMercator, Lambert93}
}

func atoi(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 0 {
		return unknownCode
	}
	return v
}
