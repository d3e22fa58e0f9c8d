package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/geo"
	"github.com/proxycad/proxycad/internal/raster"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheCapacityBytes <= 0 {
		return newFieldError("Global.CacheCapacityBytes", "必须大于 0")
	}
	if g.CacheMaxAge.DurationValue() < 0 {
		return newFieldError("Global.CacheMaxAge", "不能为负数")
	}
	if g.TileSizeBytes <= 0 {
		return newFieldError("Global.TileSizeBytes", "必须大于 0")
	}
	if g.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("Global.NetworkTimeout", "必须大于 0")
	}
	if g.ExecutionTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ExecutionTimeout", "必须大于 0")
	}
	if _, err := raster.ParseMethod(g.DefaultResamplingMethod); err != nil {
		return newFieldError("Global.DefaultResamplingMethod", "仅支持 nearest/bilinear/cubic")
	}
	if g.Workers < 0 {
		return newFieldError("Global.Workers", "不能为负数")
	}
	if g.RetryBackoff.DurationValue() < 0 {
		return newFieldError("Global.RetryBackoff", "不能为负数")
	}
	if g.ResolveMemoTTL.DurationValue() < 0 {
		return newFieldError("Global.ResolveMemoTTL", "不能为负数")
	}
	if g.MaxScale < 0 {
		return newFieldError("Global.MaxScale", "不能为负数")
	}
	for _, root := range g.SourceRoots {
		if strings.TrimSpace(root) == "" {
			return newFieldError("Global.SourceRoots", "不能包含空路径")
		}
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Name == "" {
			return newFieldError("Source[].Name", "不能为空")
		}
		if strings.ContainsAny(src.Name, "/\\ ") {
			return newFieldError(sourceField(src.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		key := strings.ToLower(src.Name)
		if _, exists := seenNames[key]; exists {
			return newFieldError(sourceField(src.Name, "Name"), "重复")
		}
		seenNames[key] = struct{}{}

		if strings.TrimSpace(src.Location) == "" {
			return newFieldError(sourceField(src.Name, "Location"), "不能为空")
		}
		if isRemote(src.Location) {
			if err := validateUpstream(src.Location); err != nil {
				return fmt.Errorf("%s: %w", sourceField(src.Name, "Location"), err)
			}
		}
		if src.Format != "" {
			format, ok := dataset.NormalizeFormat(src.Format)
			if !ok {
				return newFieldError(sourceField(src.Name, "Format"), fmt.Sprintf("未注册驱动: %s", src.Format))
			}
			src.Format = string(format)
		}
		if src.SRS != "" {
			srs, err := geo.ParseSRS(src.SRS)
			if err != nil {
				return fmt.Errorf("%s: %w", sourceField(src.Name, "SRS"), err)
			}
			src.SRS = string(srs)
		}
	}

	switch c.Index.Backend {
	case "file":
	case "redis":
		if c.Index.RedisAddr == "" {
			return newFieldError("Index.RedisAddr", "redis 后端必须提供")
		}
	default:
		return newFieldError("Index.Backend", "仅支持 file/redis")
	}

	switch c.Artifacts.Backend {
	case "fs":
	case "minio":
		if c.Artifacts.Endpoint == "" {
			return newFieldError("Artifacts.Endpoint", "minio 后端必须提供")
		}
		if c.Artifacts.Bucket == "" {
			return newFieldError("Artifacts.Bucket", "minio 后端必须提供")
		}
	default:
		return newFieldError("Artifacts.Backend", "仅支持 fs/minio")
	}

	if c.Cadastre.Enabled {
		cad := c.Cadastre
		if cad.Datasource == "" {
			return newFieldError("Cadastre.Datasource", "启用时不能为空")
		}
		if cad.Layer == "" || cad.InseeField == "" || cad.GeomField == "" {
			return newFieldError("Cadastre.Layer/InseeField/GeomField", "启用时必须同时提供")
		}
		if cad.APIKey == "" {
			return newFieldError("Cadastre.APIKey", "启用时不能为空")
		}
		if err := validateUpstream(cad.Upstream); err != nil {
			return fmt.Errorf("Cadastre.Upstream: %w", err)
		}
		if cad.MaxCommunes <= 0 {
			return newFieldError("Cadastre.MaxCommunes", "必须大于 0")
		}
	}

	return nil
}

func isRemote(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
