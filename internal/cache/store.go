package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 管理远程数据源落地到磁盘的文件：
//
//	<StoragePath>/sources/<Namespace>/<path>
//
// 单个 Locator 对应单个文件，写入通过临时文件 + rename 完成。
type Store interface {
	// Get 打开已落地的文件；不存在时返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 把 body 写到 locator，opts.ModTime 为空时取当前时间。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*StagedFile, error)

	// Remove 删除文件，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// Path 返回 locator 对应的绝对路径，不检查文件是否存在。
	Path(locator Locator) (string, error)
}

// PutOptions 控制写入时的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 是命名空间 + URL 风格的相对路径。
type Locator struct {
	Namespace string
	Path      string
}

// StagedFile 描述一个已落地的文件。
type StagedFile struct {
	Locator   Locator
	FilePath  string
	SizeBytes int64
	ModTime   time.Time
}

// ReadResult 是 Get 打开的文件，调用方负责关闭 Reader。
type ReadResult struct {
	Entry  StagedFile
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示条目不存在。
var ErrNotFound = errors.New("cache entry not found")
