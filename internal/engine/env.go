package engine

import (
	"fmt"
	"os"
	"runtime"

	"github.com/proxycad/proxycad/internal/config"
	"github.com/proxycad/proxycad/internal/raster"
)

// Env 是进程级的执行环境：暂存根目录与并发预算。main 中获取一次，退出时释放。
type Env struct {
	scratchRoot   string
	workers       int
	tileBytes     int64
	defaultMethod raster.Method
}

// Open 根据配置创建执行环境，并清掉上次运行遗留的中间文件。
func Open(cfg *config.Config) (*Env, error) {
	method, err := raster.ParseMethod(cfg.Global.DefaultResamplingMethod)
	if err != nil {
		method = raster.Bilinear
	}
	return OpenDir(cfg.ScratchDir(), cfg.Global.Workers, cfg.Global.TileSizeBytes, method)
}

// OpenDir 以显式参数创建执行环境，workers<=0 时取 CPU 数。
func OpenDir(root string, workers int, tileBytes int64, method raster.Method) (*Env, error) {
	if root == "" {
		return nil, fmt.Errorf("scratch root is required")
	}
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("clean scratch root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if method == "" {
		method = raster.Bilinear
	}
	return &Env{scratchRoot: root, workers: workers, tileBytes: tileBytes, defaultMethod: method}, nil
}

// Workers 返回瓦片并发上限。
func (e *Env) Workers() int { return e.workers }

// TileBytes 返回单个瓦片的内存预算。
func (e *Env) TileBytes() int64 { return e.tileBytes }

// DefaultMethod 返回配置的默认重采样方式。
func (e *Env) DefaultMethod() raster.Method { return e.defaultMethod }

// scratch 为一次执行分配独立的中间目录。
func (e *Env) scratch() (string, func(), error) {
	dir, err := os.MkdirTemp(e.scratchRoot, "exec-*")
	if err != nil {
		return "", nil, fmt.Errorf("allocate scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// Close 删除暂存根目录。
func (e *Env) Close() error {
	if e == nil {
		return nil
	}
	return os.RemoveAll(e.scratchRoot)
}
