package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/proxycad/proxycad/internal/cache"
	"github.com/proxycad/proxycad/internal/config"
	"github.com/proxycad/proxycad/internal/dataset"
	"github.com/proxycad/proxycad/internal/failure"
	"github.com/proxycad/proxycad/internal/geo"
)

// memoCost 是单个句柄在备忘缓存中的估算成本。
const memoCost = 1

// Options 汇总解析器需要的配置项。
type Options struct {
	Sources        []config.SourceConfig
	Roots          []string
	AllowRemote    bool
	NetworkTimeout time.Duration
	MemoTTL        time.Duration
	MemoEntries    int64
}

// OptionsFromConfig 从全局配置提取解析器参数。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Sources:        cfg.Sources,
		Roots:          cfg.Global.SourceRoots,
		AllowRemote:    cfg.Global.AllowRemote,
		NetworkTimeout: cfg.Global.NetworkTimeout.DurationValue(),
		MemoTTL:        cfg.Global.ResolveMemoTTL.DurationValue(),
	}
}

// Resolver 解析数据集标识。并发安全，整站复用一份实例。
type Resolver struct {
	opts    Options
	sources map[string]config.SourceConfig
	staging cache.Store
	client  *http.Client
	logger  *logrus.Logger

	memo  *ristretto.Cache
	group singleflight.Group
}

type memoEntry struct {
	handle dataset.Handle
	remote bool
}

// New 构建解析器。staging 为 nil 时不支持远程数据源。
func New(opts Options, staging cache.Store, client *http.Client, logger *logrus.Logger) (*Resolver, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if client == nil {
		client = http.DefaultClient
	}
	entries := opts.MemoEntries
	if entries <= 0 {
		entries = 4096
	}
	memo, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: entries * 10,
		MaxCost:     entries * memoCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create resolve memo: %w", err)
	}
	sources := make(map[string]config.SourceConfig, len(opts.Sources))
	for _, src := range opts.Sources {
		sources[strings.ToLower(src.Name)] = src
	}
	return &Resolver{
		opts:    opts,
		sources: sources,
		staging: staging,
		client:  client,
		logger:  logger,
		memo:    memo,
	}, nil
}

// Close 释放备忘缓存。
func (r *Resolver) Close() {
	r.memo.Wait()
	r.memo.Close()
}

// Sources 返回具名数据源（配置顺序）。
func (r *Resolver) Sources() []config.SourceConfig {
	return r.opts.Sources
}

// target 是标识解析后的中间结果。
type target struct {
	id       string
	location string
	remote   bool
	format   string
	probe    dataset.ProbeOptions
}

// Resolve 将标识解析为句柄。错误均为 *failure.Error。
func (r *Resolver) Resolve(ctx context.Context, identifier string) (dataset.Handle, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return dataset.Handle{}, failure.Newf(failure.UnresolvableSource, "empty source identifier")
	}
	if v, ok := r.memo.Get(identifier); ok {
		if entry, ok := v.(memoEntry); ok && r.fresh(entry) {
			return entry.handle, nil
		}
		r.memo.Del(identifier)
	}

	tgt, err := r.classify(identifier)
	if err != nil {
		return dataset.Handle{}, err
	}

	location := tgt.location
	if tgt.remote {
		location, err = r.stage(ctx, tgt)
		if err != nil {
			return dataset.Handle{}, err
		}
	}

	handle, err := r.probe(ctx, tgt, location)
	if err != nil {
		return dataset.Handle{}, err
	}
	if r.opts.MemoTTL > 0 {
		r.memo.SetWithTTL(identifier, memoEntry{handle: handle, remote: tgt.remote}, memoCost, r.opts.MemoTTL)
		r.memo.Wait()
	}
	r.logger.WithFields(logrus.Fields{
		"action":      "source_resolved",
		"source":      identifier,
		"format":      handle.Format,
		"srs":         handle.SRS,
		"fingerprint": handle.Fingerprint,
	}).Debug("source resolved")
	return handle, nil
}

// fresh 对本地数据集重新 stat，内容变化时备忘失效。
func (r *Resolver) fresh(entry memoEntry) bool {
	if entry.remote {
		return true
	}
	d, ok := dataset.Resolve(entry.handle.Format)
	if !ok {
		return false
	}
	fp, err := fingerprint(d, entry.handle.Location, "")
	return err == nil && fp == entry.handle.Fingerprint
}

func (r *Resolver) classify(identifier string) (target, error) {
	tgt := target{id: identifier, location: identifier}
	if src, ok := r.sources[strings.ToLower(identifier)]; ok {
		tgt.location = src.Location
		tgt.format = src.Format
		tgt.probe = dataset.ProbeOptions{SRS: geo.SRS(src.SRS), Categorical: src.Categorical}
		if isRemote(src.Location) {
			tgt.remote = true
			return tgt, nil
		}
		path, err := r.localPath(src.Location, true)
		if err != nil {
			return target{}, err
		}
		tgt.location = path
		return tgt, nil
	}

	if isRemote(identifier) {
		if !r.opts.AllowRemote {
			return target{}, failure.Newf(failure.UnresolvableSource, "remote sources are disabled")
		}
		tgt.remote = true
		return tgt, nil
	}
	path, err := r.localPath(identifier, false)
	if err != nil {
		return target{}, err
	}
	tgt.location = path
	return tgt, nil
}

// localPath 在 SourceRoots 中定位文件。trusted 为 true（具名数据源）时允许根目录以外的绝对路径。
func (r *Resolver) localPath(raw string, trusted bool) (string, error) {
	if filepath.IsAbs(raw) {
		clean := filepath.Clean(raw)
		if !trusted && !r.underRoots(clean) {
			return "", failure.Newf(failure.UnresolvableSource, "path is outside allowed source roots")
		}
		if _, err := os.Stat(clean); err != nil {
			return "", failure.New(failure.UnresolvableSource, err)
		}
		return clean, nil
	}
	for _, root := range r.opts.Roots {
		candidate := filepath.Join(root, filepath.FromSlash(raw))
		if !within(root, candidate) {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", failure.Newf(failure.UnresolvableSource, "source %q not found under allowed roots", raw)
}

func (r *Resolver) underRoots(path string) bool {
	for _, root := range r.opts.Roots {
		if within(root, path) {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (r *Resolver) driverFor(tgt target, location string) (dataset.Driver, error) {
	if tgt.format != "" {
		format, ok := dataset.NormalizeFormat(tgt.format)
		if ok {
			if d, ok := dataset.Resolve(format); ok {
				return d, nil
			}
		}
		return nil, failure.Newf(failure.UnsupportedFormat, "no driver for format %q", tgt.format)
	}
	d, ok := dataset.ForPath(location)
	if !ok {
		return nil, failure.Newf(failure.UnsupportedFormat, "no driver for %q", filepath.Ext(location))
	}
	return d, nil
}

func (r *Resolver) probe(ctx context.Context, tgt target, location string) (dataset.Handle, error) {
	d, err := r.driverFor(tgt, location)
	if err != nil {
		return dataset.Handle{}, err
	}
	handle, err := d.Probe(ctx, location, tgt.probe)
	if err != nil {
		if kind, ok := failure.KindOf(err); ok && (kind == failure.Cancelled || kind == failure.Timeout) {
			return dataset.Handle{}, failure.New(kind, err)
		}
		return dataset.Handle{}, failure.New(failure.UnresolvableSource, fmt.Errorf("probe %s: %w", filepath.Base(location), err))
	}
	handle.ID = tgt.id
	handle.Location = location
	seed := ""
	if tgt.remote {
		seed = tgt.location
	}
	handle.Fingerprint, err = fingerprint(d, location, seed)
	if err != nil {
		return dataset.Handle{}, failure.New(failure.UnresolvableSource, err)
	}
	return handle, nil
}

func isRemote(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// errRemoteStatus 表示远程数据源返回了非 200 状态。
var errRemoteStatus = errors.New("unexpected remote status")
