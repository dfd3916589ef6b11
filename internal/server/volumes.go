package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/any-hub/imgcache/internal/config"
	"github.com/any-hub/imgcache/internal/storage"
)

// VolumeRoute 将卷配置、驱动元数据与已构造的 Backend 聚合在一起，供解析入口与诊断接口复用。
type VolumeRoute struct {
	Config  config.VolumeConfig
	Driver  storage.DriverMetadata
	Backend storage.Backend
}

// VolumeSet 提供 handle 到卷实例的查询能力，启动阶段构建一次，之后只读。
type VolumeSet struct {
	routes  map[string]*VolumeRoute
	ordered []*VolumeRoute
}

// NewVolumeSet 根据 [[Volume]] 配置构造所有卷；需要网络传输的驱动共享 client。
func NewVolumeSet(cfg *config.Config, client *http.Client) (*VolumeSet, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	set := &VolumeSet{
		routes: make(map[string]*VolumeRoute, len(cfg.Volumes)),
	}

	for _, volume := range cfg.Volumes {
		key := normalizeHandle(volume.Name)
		if key == "" {
			return nil, errors.New("volume name is required")
		}
		if _, exists := set.routes[key]; exists {
			return nil, fmt.Errorf("duplicate volume handle %s", key)
		}

		meta, ok := storage.Resolve(volume.Type)
		if !ok {
			return nil, fmt.Errorf("volume %s: storage driver %s is not registered", volume.Name, volume.Type)
		}
		backend, err := storage.Open(meta.Key, storage.Options{
			Name:     volume.Name,
			Root:     volume.Root,
			BaseURL:  volume.BaseURL,
			Endpoint: volume.Endpoint,
			Client:   client,
		})
		if err != nil {
			return nil, err
		}

		route := &VolumeRoute{Config: volume, Driver: meta, Backend: backend}
		set.routes[key] = route
		set.ordered = append(set.ordered, route)
	}

	return set, nil
}

// Lookup 根据 handle 查找卷，大小写不敏感。
func (s *VolumeSet) Lookup(handle string) (storage.Backend, bool) {
	if s == nil {
		return nil, false
	}
	route, ok := s.routes[normalizeHandle(handle)]
	if !ok {
		return nil, false
	}
	return route.Backend, true
}

// List 返回按配置顺序排列的卷列表，用于诊断输出。
func (s *VolumeSet) List() []VolumeRoute {
	if s == nil || len(s.ordered) == 0 {
		return nil
	}
	result := make([]VolumeRoute, len(s.ordered))
	for i, route := range s.ordered {
		result[i] = *route
	}
	return result
}

// Len 返回卷数量。
func (s *VolumeSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}

func normalizeHandle(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
