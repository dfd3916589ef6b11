package integration

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/cache"
	"github.com/any-hub/imgcache/internal/config"
	"github.com/any-hub/imgcache/internal/fetch"
	"github.com/any-hub/imgcache/internal/metrics"
	"github.com/any-hub/imgcache/internal/server"
	"github.com/any-hub/imgcache/internal/server/routes"
	"github.com/any-hub/imgcache/internal/source"
)

// stack 按 CLI 启动顺序组装完整服务，供集成测试直接发请求。
type stack struct {
	app       *fiber.App
	cfg       *config.Config
	registry  *cache.Registry
	collector *metrics.Collector
	resolver  *source.Resolver
	fetcher   *fetch.Fetcher
}

func newStack(t *testing.T, mutate func(*config.Config)) *stack {
	t.Helper()

	base := t.TempDir()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			CacheURL:         "/imager/",
			CachePath:        filepath.Join(base, "cache"),
			DocumentRoot:     filepath.Join(base, "public"),
			RuntimePath:      filepath.Join(base, "runtime"),
			FetchTimeout:     config.Duration(5 * time.Second),
			HTTPClient:       true,
			AllowStreamFetch: true,
		},
	}
	config.ApplyDefaults(&cfg.Global)
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(cfg.Global.RuntimePath, cache.WithLogger(logger))
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	registry := cache.NewRegistry()
	collector := metrics.NewCollector()
	collector.TrackRegistrySize(registry.Len)

	client := server.NewUpstreamClient(cfg.Global)
	volumes, err := server.NewVolumeSet(cfg, client)
	if err != nil {
		t.Fatalf("volume error: %v", err)
	}
	transport, err := fetch.SelectTransport(cfg.Global, client)
	if err != nil && !errors.Is(err, fetch.ErrNoTransport) {
		t.Fatalf("transport error: %v", err)
	}
	fetcher, err := fetch.NewFetcher(cfg.Global, fetch.Options{
		Store:     store,
		Registry:  registry,
		Transport: transport,
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}

	resolver := source.NewResolver(cfg.Global)
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Config:   cfg,
		Resolver: resolver,
		Fetcher:  fetcher,
		Volumes:  volumes,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDiagnosticRoutes(app, registry, volumes, collector)

	return &stack{
		app:       app,
		cfg:       cfg,
		registry:  registry,
		collector: collector,
		resolver:  resolver,
		fetcher:   fetcher,
	}
}

func (s *stack) get(t *testing.T, target string) *http.Response {
	t.Helper()
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *stack) meta(t *testing.T, target string) resolvedMeta {
	t.Helper()
	resp := s.get(t, target)
	if resp.StatusCode != fiber.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200 for %s, got %d (body=%s)", target, resp.StatusCode, string(body))
	}
	var payload resolvedMeta
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	return payload
}

type resolvedMeta struct {
	Kind         string `json:"kind"`
	VolumeMode   string `json:"volume_mode"`
	Origin       string `json:"origin"`
	CanonicalURL string `json:"canonical_url"`
	SubPath      string `json:"sub_path"`
	Filename     string `json:"filename"`
	LocalPath    string `json:"local_path"`
	SizeBytes    int64  `json:"size_bytes"`
}
