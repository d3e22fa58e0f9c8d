package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/proxycad/proxycad/internal/config"
)

// ErrCorruptIndex 表示持久化索引无法解码，调用方应以空索引启动。
var ErrCorruptIndex = errors.New("cache index corrupt")

// Index 持久化缓存条目元数据，使进程重启后仍能命中已有产物。
type Index interface {
	Load(ctx context.Context) ([]Entry, error)
	Put(ctx context.Context, e Entry) error
	Touch(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewIndex 按配置选择索引后端。
func NewIndex(ctx context.Context, cfg *config.Config) (Index, error) {
	switch cfg.Index.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Index.RedisAddr,
			Password: cfg.Index.RedisPassword,
			DB:       cfg.Index.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Index.RedisAddr, err)
		}
		return NewRedisIndex(client, cfg.Index.RedisKey, true), nil
	default:
		return NewFileIndex(cfg.IndexPath())
	}
}

type snapshot struct {
	Version int     `cbor:"1,keyasint"`
	Entries []Entry `cbor:"2,keyasint"`
}

const snapshotVersion = 1

var (
	snapshotEnc cbor.EncMode
	snapshotDec cbor.DecMode
)

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	var err error
	if snapshotEnc, err = eo.EncMode(); err != nil {
		panic(err)
	}
	if snapshotDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// fileIndex 在内存中保存全部条目，Put/Delete/Close 时整体原子重写快照；
// Touch 只更新内存，随下一次写入落盘。
type fileIndex struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
	dirty   bool
}

// NewFileIndex 构建 CBOR 快照索引。
func NewFileIndex(path string) (Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileIndex{path: path, entries: make(map[string]Entry)}, nil
}

func (x *fileIndex) Load(_ context.Context) ([]Entry, error) {
	raw, err := os.ReadFile(x.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := snapshotDec.Unmarshal(raw, &snap); err != nil || snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %s", ErrCorruptIndex, x.path)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range snap.Entries {
		x.entries[e.Key] = e
	}
	return snap.Entries, nil
}

func (x *fileIndex) Put(_ context.Context, e Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[e.Key] = e
	return x.flushLocked()
}

func (x *fileIndex) Touch(_ context.Context, key string, at time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.entries[key]; ok {
		e.LastAccess = at
		x.entries[key] = e
		x.dirty = true
	}
	return nil
}

func (x *fileIndex) Delete(_ context.Context, key string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[key]; !ok {
		return nil
	}
	delete(x.entries, key)
	return x.flushLocked()
}

func (x *fileIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.dirty {
		return nil
	}
	return x.flushLocked()
}

func (x *fileIndex) flushLocked() error {
	snap := snapshot{Version: snapshotVersion, Entries: make([]Entry, 0, len(x.entries))}
	for _, e := range x.entries {
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })
	raw, err := snapshotEnc.Marshal(snap)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(x.path), ".index-*")
	if err != nil {
		return err
	}
	_, err = tmp.Write(raw)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), x.path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	x.dirty = false
	return nil
}

// HashClient 是索引用到的 Redis 哈希命令子集，goredis.UniversalClient 满足该接口。
type HashClient interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *goredis.IntCmd
	Close() error
}

// redisIndex 把条目以 msgpack 编码存入单个 Redis 哈希，字段为缓存键。
type redisIndex struct {
	rdb         HashClient
	hash        string
	closeClient bool
}

// NewRedisIndex 基于已有客户端构建索引；closeClient 为 true 时 Close 会关闭客户端。
func NewRedisIndex(client HashClient, hash string, closeClient bool) Index {
	return &redisIndex{rdb: client, hash: hash, closeClient: closeClient}
}

func (x *redisIndex) Load(ctx context.Context) ([]Entry, error) {
	all, err := x.rdb.HGetAll(ctx, x.hash).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(all))
	var broken []string
	for field, raw := range all {
		var e Entry
		if err := msgpack.Unmarshal([]byte(raw), &e); err != nil || e.Key != field {
			broken = append(broken, field)
			continue
		}
		entries = append(entries, e)
	}
	if len(broken) > 0 {
		if err := x.rdb.HDel(ctx, x.hash, broken...).Err(); err != nil {
			return entries, err
		}
	}
	return entries, nil
}

func (x *redisIndex) Put(ctx context.Context, e Entry) error {
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	return x.rdb.HSet(ctx, x.hash, e.Key, raw).Err()
}

func (x *redisIndex) Touch(ctx context.Context, key string, at time.Time) error {
	raw, err := x.rdb.HGet(ctx, x.hash, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return err
	}
	e.LastAccess = at
	return x.Put(ctx, e)
}

func (x *redisIndex) Delete(ctx context.Context, key string) error {
	return x.rdb.HDel(ctx, x.hash, key).Err()
}

func (x *redisIndex) Close() error {
	if !x.closeClient {
		return nil
	}
	if err := x.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
