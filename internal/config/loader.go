package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applySectionDefaults(&cfg)
	for i := range cfg.Sources {
		applySourceDefaults(&cfg.Sources[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	for i, root := range cfg.Global.SourceRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("无法解析数据目录 %s: %w", root, err)
		}
		cfg.Global.SourceRoots[i] = abs
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheCapacityBytes", 10*1024*1024*1024)
	v.SetDefault("CacheMaxAge", "168h")
	v.SetDefault("TileSizeBytes", 64*1024*1024)
	v.SetDefault("NetworkTimeout", "30s")
	v.SetDefault("ExecutionTimeout", "10m")
	v.SetDefault("DefaultResamplingMethod", "bilinear")
	v.SetDefault("RetryBackoff", "500ms")
	v.SetDefault("ResolveMemoTTL", "1m")
	v.SetDefault("MaxScale", 25000)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.Workers == 0 {
		g.Workers = runtime.NumCPU()
	}
	if g.NetworkTimeout.DurationValue() == 0 {
		g.NetworkTimeout = Duration(30 * time.Second)
	}
	if g.ExecutionTimeout.DurationValue() == 0 {
		g.ExecutionTimeout = Duration(10 * time.Minute)
	}
	g.DefaultResamplingMethod = strings.ToLower(strings.TrimSpace(g.DefaultResamplingMethod))
	if g.DefaultResamplingMethod == "" {
		g.DefaultResamplingMethod = "bilinear"
	}
}

func applySectionDefaults(cfg *Config) {
	cfg.Index.Backend = strings.ToLower(strings.TrimSpace(cfg.Index.Backend))
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = "file"
	}
	if cfg.Index.RedisKey == "" {
		cfg.Index.RedisKey = "proxycad:index"
	}
	cfg.Artifacts.Backend = strings.ToLower(strings.TrimSpace(cfg.Artifacts.Backend))
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "fs"
	}
	if cfg.Cadastre.Upstream == "" {
		cfg.Cadastre.Upstream = "https://inspire.cadastre.gouv.fr/scpc"
	}
	if cfg.Cadastre.MaxCommunes == 0 {
		cfg.Cadastre.MaxCommunes = 10
	}
}

func applySourceDefaults(s *SourceConfig) {
	s.Name = strings.TrimSpace(s.Name)
	s.Format = strings.ToLower(strings.TrimSpace(s.Format))
	if s.Title == "" {
		s.Title = s.Name
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
