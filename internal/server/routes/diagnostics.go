package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/metrics"
	"github.com/any-hub/imgcache/internal/server"
	"github.com/any-hub/imgcache/internal/storage"
)

// RegisterDiagnosticRoutes 暴露 /-/cache、/-/volumes 与 /-/metrics 诊断接口，
// 供外部清理任务与运维查询缓存登记、卷配置及指标。
func RegisterDiagnosticRoutes(app *fiber.App, registry *cache.Registry, volumes *server.VolumeSet, collector *metrics.Collector) {
	if app == nil {
		return
	}

	if registry != nil {
		app.Get("/-/cache", func(c fiber.Ctx) error {
			entries := registry.List()
			if entries == nil {
				entries = []cache.RegistryEntry{}
			}
			return c.JSON(fiber.Map{
				"count":   len(entries),
				"entries": entries,
			})
		})
	}

	app.Get("/-/volumes", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"drivers": encodeDrivers(storage.List()),
			"volumes": encodeVolumes(volumes.List()),
		})
	})

	if collector != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(collector.Handler()))
	}
}

type driverPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	CopyOut     bool   `json:"copy_out"`
}

type volumePayload struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	CopyOut  bool   `json:"copy_out"`
	Root     string `json:"root,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

func encodeDrivers(drivers []storage.DriverMetadata) []driverPayload {
	result := make([]driverPayload, 0, len(drivers))
	for _, meta := range drivers {
		result = append(result, driverPayload{
			Key:         meta.Key,
			Description: meta.Description,
			CopyOut:     meta.CopyOut,
		})
	}
	return result
}

func encodeVolumes(routes []server.VolumeRoute) []volumePayload {
	result := make([]volumePayload, 0, len(routes))
	for _, route := range routes {
		item := volumePayload{
			Name:     route.Config.Name,
			Type:     route.Driver.Key,
			CopyOut:  route.Driver.CopyOut,
			BaseURL:  route.Config.BaseURL,
			Endpoint: route.Config.Endpoint,
		}
		if root, err := route.Backend.RootPath(); err == nil {
			item.Root = root
		}
		result = append(result, item)
	}
	return result
}
