package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ArtifactStore 保存已提交的产物文件。同一个键只写入一次，之后只读。
type ArtifactStore interface {
	// Commit 把 dir 中名为 names 的文件提交为 key 的产物。成功后 dir 的内容归存储所有。
	Commit(ctx context.Context, key, dir string, names []string) error
	// Exists 检查 key 的全部产物文件是否仍然存在。
	Exists(ctx context.Context, key string, names []string) (bool, error)
	// Open 打开单个产物文件并返回其大小。
	Open(ctx context.Context, key, name string) (io.ReadCloser, int64, error)
	// Delete 删除 key 的全部产物。
	Delete(ctx context.Context, key string) error
	// Locate 返回产物文件的可读位置（本地路径或对象 URL）。
	Locate(key, name string) string
}

// NewFileArtifacts 构建本地目录产物存储，布局为 <root>/<key[:2]>/<key>/<file>。
func NewFileArtifacts(root string) (ArtifactStore, error) {
	if root == "" {
		return nil, errors.New("artifacts root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts root: %w", err)
	}
	return &fileArtifacts{root: abs}, nil
}

type fileArtifacts struct {
	root string
}

func (a *fileArtifacts) dir(key string) string {
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(a.root, shard, key)
}

func (a *fileArtifacts) Commit(ctx context.Context, key, dir string, names []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := a.dir(key)
	if _, err := os.Stat(target); err == nil {
		// 已有产物保持不变，重复提交丢弃新结果。
		return os.RemoveAll(dir)
	}
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("artifact %s: %w", name, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Rename(dir, target); err != nil {
		return fmt.Errorf("commit artifacts: %w", err)
	}
	return nil
}

func (a *fileArtifacts) Exists(_ context.Context, key string, names []string) (bool, error) {
	for _, name := range names {
		info, err := os.Stat(filepath.Join(a.dir(key), name))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

func (a *fileArtifacts) Open(_ context.Context, key, name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(filepath.Join(a.dir(key), filepath.Base(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (a *fileArtifacts) Delete(_ context.Context, key string) error {
	return os.RemoveAll(a.dir(key))
}

func (a *fileArtifacts) Locate(key, name string) string {
	return filepath.Join(a.dir(key), name)
}
