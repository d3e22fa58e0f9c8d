package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/failure"
)

// Options 控制产物缓存的容量与过期策略。
type Options struct {
	CapacityBytes int64
	MaxAge        time.Duration
	// StagingDir 存放构建中的产物，须与本地产物目录位于同一文件系统。
	StagingDir string
}

// BuildFunc 在 dir 中构建产物。ctx 在所有等待者离开后被取消。
type BuildFunc func(ctx context.Context, dir string) (Artifact, error)

// Cache 是按键寻址的产物缓存，并发安全。
type Cache struct {
	opts      Options
	artifacts ArtifactStore
	index     Index
	logger    *logrus.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // 队首为最近访问
	size    int64

	flightMu sync.Mutex
	flights  map[string]*flight

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type flight struct {
	done   chan struct{}
	cancel context.CancelFunc
	refs   int

	entry Entry
	hit   bool
	err   error
}

// removeStaleBuilds 删除上次进程中断时遗留的 build-* 目录。
func removeStaleBuilds(dir string) error {
	stale, err := filepath.Glob(filepath.Join(dir, "build-*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range stale {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open 载入索引并恢复 LRU 顺序。索引损坏时以空缓存启动。
func Open(ctx context.Context, opts Options, artifacts ArtifactStore, index Index, logger *logrus.Logger) (*Cache, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.StagingDir == "" {
		return nil, errors.New("cache staging dir required")
	}
	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache staging dir: %w", err)
	}
	if err := removeStaleBuilds(opts.StagingDir); err != nil {
		logger.WithError(err).Warn("cache_staging_cleanup_failed")
	}
	c := &Cache{
		opts:      opts,
		artifacts: artifacts,
		index:     index,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[string]*list.Element),
		lru:       list.New(),
		flights:   make(map[string]*flight),
	}

	loaded, err := index.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorruptIndex) {
			return nil, fmt.Errorf("load cache index: %w", err)
		}
		logger.WithError(err).Warn("cache_index_corrupt")
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].LastAccess.Before(loaded[j].LastAccess) })
	var expired []Entry
	c.mu.Lock()
	for _, e := range loaded {
		if c.expired(e) {
			expired = append(expired, e)
			continue
		}
		c.entries[e.Key] = c.lru.PushFront(e.clone())
		c.size += e.SizeBytes
	}
	evicted := c.evictLocked()
	c.mu.Unlock()
	c.discard(ctx, append(expired, evicted...), "startup")

	logger.WithFields(logrus.Fields{
		"entries":    len(c.entries),
		"size_bytes": c.size,
		"expired":    len(expired),
	}).Info("cache_loaded")
	return c, nil
}

func (c *Cache) expired(e Entry) bool {
	return c.opts.MaxAge > 0 && c.now().Sub(e.CreatedAt) > c.opts.MaxAge
}

// Lookup 返回有效条目并刷新其访问时间；过期或产物缺失的条目被静默移除。
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	e, ok := c.lookup(ctx, key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

func (c *Cache) lookup(ctx context.Context, key string) (Entry, bool) {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return Entry{}, false
	}
	e := el.Value.(Entry)
	if c.expired(e) {
		c.removeLocked(el)
		c.mu.Unlock()
		c.discard(ctx, []Entry{e}, "expired")
		return Entry{}, false
	}
	c.mu.Unlock()

	present, err := c.artifacts.Exists(ctx, key, e.Files)
	if err != nil {
		c.logger.WithError(err).WithField("cache_key", key).Warn("cache_artifact_check_failed")
		return Entry{}, false
	}
	if !present {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == el {
			c.removeLocked(el)
		}
		c.mu.Unlock()
		c.discard(ctx, []Entry{e}, "corrupt")
		return Entry{}, false
	}

	at := c.now().UTC()
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur == el {
		e = el.Value.(Entry)
		e.LastAccess = at
		el.Value = e
		c.lru.MoveToFront(el)
	}
	c.mu.Unlock()
	if err := c.index.Touch(ctx, key, at); err != nil {
		c.indexFailed(err, key)
	}
	return e.clone(), true
}

// Store 提交 dir 中的产物并登记条目。已存在的键保持原条目。
func (c *Cache) Store(ctx context.Context, key, dir string, art Artifact) (Entry, error) {
	names := make([]string, 0, len(art.Files))
	var size int64
	for _, f := range art.Files {
		info, err := os.Stat(f)
		if err != nil {
			return Entry{}, failure.Wrap(err, failure.CacheIOError, failure.StageCaching)
		}
		size += info.Size()
		names = append(names, filepath.Base(f))
	}

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(Entry)
		c.mu.Unlock()
		os.RemoveAll(dir)
		return e.clone(), nil
	}
	c.mu.Unlock()

	if err := c.artifacts.Commit(ctx, key, dir, names); err != nil {
		return Entry{}, failure.Wrap(err, failure.CacheIOError, failure.StageCaching)
	}
	primary := filepath.Base(art.Primary)
	now := c.now().UTC()
	e := Entry{
		Key:        key,
		Handle:     art.Handle,
		Primary:    primary,
		Files:      names,
		SizeBytes:  size,
		CreatedAt:  now,
		LastAccess: now,
	}
	e.Handle.Location = c.artifacts.Locate(key, primary)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		existing := el.Value.(Entry)
		c.mu.Unlock()
		return existing.clone(), nil
	}
	c.entries[key] = c.lru.PushFront(e)
	c.size += e.SizeBytes
	evicted := c.evictLocked()
	c.mu.Unlock()

	if err := c.index.Put(ctx, e); err != nil {
		c.indexFailed(err, key)
	}
	c.discard(ctx, evicted, "capacity")
	return e.clone(), nil
}

// evictLocked 从队尾淘汰直到容量达标，最新条目即使超限也保留。
func (c *Cache) evictLocked() []Entry {
	if c.opts.CapacityBytes <= 0 {
		return nil
	}
	var out []Entry
	for c.size > c.opts.CapacityBytes && c.lru.Len() > 1 {
		el := c.lru.Back()
		out = append(out, el.Value.(Entry))
		c.removeLocked(el)
	}
	return out
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(Entry)
	c.lru.Remove(el)
	delete(c.entries, e.Key)
	c.size -= e.SizeBytes
}

// discard 删除已从内存移除的条目的产物与索引记录。
func (c *Cache) discard(ctx context.Context, entries []Entry, reason string) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range entries {
		if reason == "capacity" {
			c.evictions.Add(1)
		}
		if err := c.artifacts.Delete(ctx, e.Key); err != nil {
			c.logger.WithError(err).WithField("cache_key", e.Key).Warn("cache_artifact_delete_failed")
		}
		if err := c.index.Delete(ctx, e.Key); err != nil {
			c.indexFailed(err, e.Key)
		}
		c.logger.WithFields(logrus.Fields{
			"cache_key":  e.Key,
			"reason":     reason,
			"size_bytes": e.SizeBytes,
		}).Info("cache_evict")
	}
}

func (c *Cache) indexFailed(err error, key string) {
	c.logger.WithError(failure.Wrap(err, failure.CacheIOError, failure.StageCaching)).
		WithField("cache_key", key).Warn("cache_index_failed")
}

// Materialize 返回 key 的条目，缺失时调用 build 构建。同一键的并发调用共享一次构建
// 及其结果（包括失败）；全部调用方离开后构建被取消。hit 表示条目来自缓存。
func (c *Cache) Materialize(ctx context.Context, key string, build BuildFunc) (entry Entry, hit bool, err error) {
	if e, ok := c.Lookup(ctx, key); ok {
		return e, true, nil
	}

	c.flightMu.Lock()
	f, ok := c.flights[key]
	if !ok {
		buildCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{done: make(chan struct{}), cancel: cancel}
		c.flights[key] = f
		go c.run(buildCtx, key, f, build)
	}
	f.refs++
	c.flightMu.Unlock()

	select {
	case <-f.done:
		c.leave(key, f)
		if f.err != nil {
			return Entry{}, false, f.err
		}
		return f.entry.clone(), f.hit, nil
	case <-ctx.Done():
		c.leave(key, f)
		return Entry{}, false, ctx.Err()
	}
}

func (c *Cache) leave(key string, f *flight) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f.refs--
	if f.refs > 0 {
		return
	}
	select {
	case <-f.done:
	default:
		f.cancel()
		if c.flights[key] == f {
			delete(c.flights, key)
		}
	}
}

func (c *Cache) run(ctx context.Context, key string, f *flight, build BuildFunc) {
	defer func() {
		f.cancel()
		c.flightMu.Lock()
		if c.flights[key] == f {
			delete(c.flights, key)
		}
		c.flightMu.Unlock()
		close(f.done)
	}()

	if e, ok := c.lookup(ctx, key); ok {
		f.entry, f.hit = e, true
		return
	}
	dir, err := os.MkdirTemp(c.opts.StagingDir, "build-*")
	if err != nil {
		f.err = failure.Wrap(err, failure.CacheIOError, failure.StageCaching)
		return
	}
	defer os.RemoveAll(dir)

	art, err := build(ctx, dir)
	if err != nil {
		f.err = err
		return
	}
	if err := ctx.Err(); err != nil {
		f.err = failure.Wrap(err, failure.Cancelled, failure.StageExecuting)
		return
	}
	f.entry, f.err = c.Store(ctx, key, dir, art)
}

// OpenArtifact 打开条目中的一个产物文件。
func (c *Cache) OpenArtifact(ctx context.Context, e Entry, name string) (io.ReadCloser, int64, error) {
	return c.artifacts.Open(ctx, e.Key, name)
}

// Stats 返回当前统计快照。
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	st := Stats{Entries: len(c.entries), SizeBytes: c.size, CapacityBytes: c.opts.CapacityBytes}
	c.mu.Unlock()
	c.flightMu.Lock()
	st.InFlight = len(c.flights)
	c.flightMu.Unlock()
	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	st.Evictions = c.evictions.Load()
	return st
}

// Close 刷写并关闭索引。
func (c *Cache) Close() error {
	return c.index.Close()
}
