package dataset

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registry struct {
	mu      sync.RWMutex
	drivers map[Format]Driver
	byExt   map[string]Format
}

func newRegistry() *registry {
	return &registry{
		drivers: make(map[Format]Driver),
		byExt:   make(map[string]Format),
	}
}

// Register 将驱动加入全局注册表，重复格式或扩展名会返回错误。
func Register(d Driver) error {
	return globalRegistry.register(d)
}

// MustRegister 在注册失败时 panic，适合驱动 init() 中调用。
func MustRegister(d Driver) {
	if err := Register(d); err != nil {
		panic(err)
	}
}

// Resolve 返回格式标签对应的驱动。
func Resolve(format Format) (Driver, bool) {
	return globalRegistry.resolve(format)
}

// ForPath 按文件扩展名查找驱动。
func ForPath(path string) (Driver, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	globalRegistry.mu.RLock()
	format, ok := globalRegistry.byExt[ext]
	globalRegistry.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return Resolve(format)
}

// NormalizeFormat 接受格式标签、扩展名或媒体类型（如 image/png）。
func NormalizeFormat(raw string) (Format, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", false
	}
	for _, d := range List() {
		if string(d.Format()) == key || d.MediaType() == key {
			return d.Format(), true
		}
	}
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	format, ok := globalRegistry.byExt[strings.TrimPrefix(key, ".")]
	return format, ok
}

// List 返回按格式排序的驱动列表。
func List() []Driver {
	return globalRegistry.list()
}

// Formats 返回所有已注册格式标签，供诊断使用。
func Formats() []Format {
	items := List()
	result := make([]Format, len(items))
	for i, d := range items {
		result[i] = d.Format()
	}
	return result
}

func (r *registry) register(d Driver) error {
	if d == nil {
		return fmt.Errorf("driver is required")
	}
	format := Format(strings.ToLower(strings.TrimSpace(string(d.Format()))))
	if format == "" {
		return fmt.Errorf("driver format is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[format]; exists {
		return fmt.Errorf("driver %s already registered", format)
	}
	for _, ext := range d.Extensions() {
		if owner, exists := r.byExt[ext]; exists {
			return fmt.Errorf("extension %s already owned by %s", ext, owner)
		}
	}
	r.drivers[format] = d
	for _, ext := range d.Extensions() {
		r.byExt[ext] = format
	}
	return nil
}

func (r *registry) resolve(format Format) (Driver, bool) {
	normalized := Format(strings.ToLower(strings.TrimSpace(string(format))))
	if normalized == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[normalized]
	return d, ok
}

func (r *registry) list() []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.drivers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.drivers))
	for key := range r.drivers {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	result := make([]Driver, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.drivers[Format(key)])
	}
	return result
}
