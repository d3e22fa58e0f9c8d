package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// lockStripes 是文件写锁的分片数，同一 Locator 总落在同一分片。
const lockStripes = 64

// NewStore 以 basePath 为根目录构建磁盘存储。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	return &fileStore{root: abs}, nil
}

type fileStore struct {
	root  string
	locks [lockStripes]sync.Mutex
}

func (s *fileStore) lock(locator Locator) func() {
	h := fnv.New32a()
	h.Write([]byte(locator.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(locator.Path))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.Path(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		if err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return &ReadResult{
		Entry:  StagedFile{Locator: locator, FilePath: filePath, SizeBytes: info.Size(), ModTime: info.ModTime()},
		Reader: f,
	}, nil
}

// Put 先在目标目录写临时文件并设置时间戳，最后 rename，读者只会看到完整文件。
func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*StagedFile, error) {
	filePath, err := s.Path(locator)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(locator)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".staging-*")
	if err != nil {
		return nil, err
	}
	written, err := io.Copy(tmp, ctxReader{ctx: ctx, r: body})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err == nil {
		err = os.Chtimes(tmp.Name(), modTime, modTime)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filePath)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return &StagedFile{Locator: locator, FilePath: filePath, SizeBytes: written, ModTime: modTime}, nil
}

func (s *fileStore) Remove(_ context.Context, locator Locator) error {
	filePath, err := s.Path(locator)
	if err != nil {
		return err
	}
	unlock := s.lock(locator)
	defer unlock()
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Path 把 locator 映射到根目录下；命名空间不能含路径分隔符，相对路径先按 URL 规则清理。
func (s *fileStore) Path(locator Locator) (string, error) {
	ns := locator.Namespace
	switch {
	case ns == "":
		return "", errors.New("namespace required")
	case ns == "." || ns == ".." || strings.ContainsAny(ns, `/\`):
		return "", fmt.Errorf("invalid namespace %q", ns)
	}
	rel := strings.TrimPrefix(path.Clean("/"+locator.Path), "/")
	if rel == "" {
		rel = "root"
	}
	base := filepath.Join(s.root, ns)
	full := filepath.Join(base, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", errors.New("invalid staging path")
	}
	return full, nil
}

// ctxReader 在每次读取前检查 ctx，使长时间的拷贝可以被取消。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
