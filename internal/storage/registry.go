package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registry struct {
	mu      sync.RWMutex
	drivers map[string]DriverMetadata
}

func newRegistry() *registry {
	return &registry{drivers: make(map[string]DriverMetadata)}
}

// Register 将驱动元数据加入全局注册表，重复键会返回错误。
func Register(meta DriverMetadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合驱动 init() 中调用。
func MustRegister(meta DriverMetadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的驱动元数据。
func Resolve(key string) (DriverMetadata, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的驱动元数据列表。
func List() []DriverMetadata {
	return globalRegistry.list()
}

// Keys 返回所有已注册驱动的键值。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

// Open 使用 driverKey 对应的驱动构造卷实例。
func Open(driverKey string, opts Options) (Backend, error) {
	meta, ok := Resolve(driverKey)
	if !ok {
		return nil, fmt.Errorf("storage driver %s is not registered", driverKey)
	}
	backend, err := meta.New(opts)
	if err != nil {
		return nil, fmt.Errorf("volume %s: %w", opts.Name, err)
	}
	return backend, nil
}

func (r *registry) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(meta DriverMetadata) error {
	key := r.normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("driver key is required")
	}
	if meta.New == nil {
		return fmt.Errorf("driver %s has no factory", key)
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[key]; exists {
		return fmt.Errorf("driver %s already registered", key)
	}
	r.drivers[key] = meta
	return nil
}

func (r *registry) resolve(key string) (DriverMetadata, bool) {
	normalized := r.normalizeKey(key)
	if normalized == "" {
		return DriverMetadata{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.drivers[normalized]
	return meta, ok
}

func (r *registry) list() []DriverMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.drivers) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.drivers))
	for key := range r.drivers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]DriverMetadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.drivers[key])
	}
	return result
}
