package cache

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/config"
)

// OpenFromConfig 按配置组装产物存储、索引与缓存。
func OpenFromConfig(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Cache, error) {
	var (
		artifacts ArtifactStore
		err       error
	)
	switch cfg.Artifacts.Backend {
	case "minio":
		artifacts, err = NewMinioArtifacts(ctx, cfg.Artifacts)
	default:
		artifacts, err = NewFileArtifacts(cfg.ArtifactsDir())
	}
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	index, err := NewIndex(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cache index: %w", err)
	}
	c, err := Open(ctx, Options{
		CapacityBytes: cfg.Global.CacheCapacityBytes,
		MaxAge:        cfg.CacheMaxAge(),
		StagingDir:    cfg.StagingDir(),
	}, artifacts, index, logger)
	if err != nil {
		index.Close()
		return nil, err
	}
	return c, nil
}
