package cache

import (
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RegistryEntry 记录一个由远程/卷拷贝产生的本地文件。TTL 仍以文件 mtime 为准，这里不保存。
type RegistryEntry struct {
	Path         string    `json:"path"`
	Origin       string    `json:"origin"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry 是进程级的已缓存路径索引，由启动流程创建并以引用方式共享给
// fetcher 与外部清理任务。它不包含任何删除或过期策略。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]RegistryEntry
	now     func() time.Time
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]RegistryEntry),
		now:     time.Now,
	}
}

// Register 记录 path；重复注册保持首次记录不变并返回 false。
func (r *Registry) Register(path, origin string) bool {
	if path == "" {
		return false
	}
	key := filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return false
	}
	r.entries[key] = RegistryEntry{
		Path:         key,
		Origin:       origin,
		RegisteredAt: r.now(),
	}
	return true
}

// Contains 判断 path 是否被登记为缓存管理的文件。
func (r *Registry) Contains(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[filepath.Clean(path)]
	return ok
}

// Forget 在清理任务删除文件后移除登记，返回是否存在过该条目。
func (r *Registry) Forget(path string) bool {
	key := filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	return true
}

// Len 返回登记条目数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List 返回按路径排序的条目快照。
func (r *Registry) List() []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil
	}
	result := make([]RegistryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})
	return result
}
