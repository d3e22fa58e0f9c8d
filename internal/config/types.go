package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有数据源共享同一份参数。
type GlobalConfig struct {
	ListenPort              int      `mapstructure:"ListenPort"`
	LogLevel                string   `mapstructure:"LogLevel"`
	LogFilePath             string   `mapstructure:"LogFilePath"`
	LogMaxSize              int      `mapstructure:"LogMaxSize"`
	LogMaxBackups           int      `mapstructure:"LogMaxBackups"`
	LogCompress             bool     `mapstructure:"LogCompress"`
	StoragePath             string   `mapstructure:"StoragePath"`
	CacheCapacityBytes      int64    `mapstructure:"CacheCapacityBytes"`
	CacheMaxAge             Duration `mapstructure:"CacheMaxAge"`
	TileSizeBytes           int64    `mapstructure:"TileSizeBytes"`
	NetworkTimeout          Duration `mapstructure:"NetworkTimeout"`
	ExecutionTimeout        Duration `mapstructure:"ExecutionTimeout"`
	DefaultResamplingMethod string   `mapstructure:"DefaultResamplingMethod"`
	Workers                 int      `mapstructure:"Workers"`
	RetryBackoff            Duration `mapstructure:"RetryBackoff"`
	ResolveMemoTTL          Duration `mapstructure:"ResolveMemoTTL"`
	SourceRoots             []string `mapstructure:"SourceRoots"`
	AllowRemote             bool     `mapstructure:"AllowRemote"`
	MaxScale                float64  `mapstructure:"MaxScale"`
}

// SourceConfig 声明一个具名数据源；Format/SRS/Categorical 覆盖探测结果。
type SourceConfig struct {
	Name        string `mapstructure:"Name"`
	Location    string `mapstructure:"Location"`
	Format      string `mapstructure:"Format"`
	SRS         string `mapstructure:"SRS"`
	Categorical bool   `mapstructure:"Categorical"`
	Title       string `mapstructure:"Title"`
}

// IndexConfig 选择缓存索引的持久化后端：file（CBOR 快照）或 redis。
type IndexConfig struct {
	Backend       string `mapstructure:"Backend"`
	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisDB       int    `mapstructure:"RedisDB"`
	RedisKey      string `mapstructure:"RedisKey"`
}

// ArtifactsConfig 选择物化结果的存放位置：fs 或 minio。
type ArtifactsConfig struct {
	Backend   string `mapstructure:"Backend"`
	Endpoint  string `mapstructure:"Endpoint"`
	AccessKey string `mapstructure:"AccessKey"`
	SecretKey string `mapstructure:"SecretKey"`
	Bucket    string `mapstructure:"Bucket"`
	UseSSL    bool   `mapstructure:"UseSSL"`
	Region    string `mapstructure:"Region"`
}

// CadastreConfig 对应按市镇转发的地籍 WMS。
type CadastreConfig struct {
	Enabled     bool   `mapstructure:"Enabled"`
	Datasource  string `mapstructure:"Datasource"`
	Layer       string `mapstructure:"Layer"`
	InseeField  string `mapstructure:"InseeField"`
	GeomField   string `mapstructure:"GeomField"`
	Upstream    string `mapstructure:"Upstream"`
	APIKey      string `mapstructure:"APIKey"`
	MaxCommunes int    `mapstructure:"MaxCommunes"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig    `mapstructure:",squash"`
	Sources   []SourceConfig  `mapstructure:"Source"`
	Index     IndexConfig     `mapstructure:"Index"`
	Artifacts ArtifactsConfig `mapstructure:"Artifacts"`
	Cadastre  CadastreConfig  `mapstructure:"Cadastre"`
}

// SourceNames 返回所有具名数据源，供日志字段使用。
func SourceNames(sources []SourceConfig) []string {
	if len(sources) == 0 {
		return nil
	}
	result := make([]string, len(sources))
	for i, src := range sources {
		result[i] = src.Name
	}
	return result
}
