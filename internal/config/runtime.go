package config

import (
	"path/filepath"
	"time"
)

// StagingDir 是执行中间结果与待提交产物所在目录。
func (c *Config) StagingDir() string {
	return filepath.Join(c.Global.StoragePath, "staging")
}

// ScratchDir 是引擎中间栅格所在目录，进程启动时清空。
func (c *Config) ScratchDir() string {
	return filepath.Join(c.Global.StoragePath, "scratch")
}

// ArtifactsDir 是本地产物存储根目录。
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.Global.StoragePath, "artifacts")
}

// SourcesDir 是远程数据源的落地目录。
func (c *Config) SourcesDir() string {
	return filepath.Join(c.Global.StoragePath, "sources")
}

// IndexPath 是 file 后端的快照路径。
func (c *Config) IndexPath() string {
	return filepath.Join(c.Global.StoragePath, "index.cbor")
}

// CacheMaxAge 返回条目过期时间，0 表示不过期。
func (c *Config) CacheMaxAge() time.Duration {
	return c.Global.CacheMaxAge.DurationValue()
}
