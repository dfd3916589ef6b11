// Package metrics 汇总拉取与缓存命中相关的 Prometheus 指标。
//
// 每个 Collector 持有独立的 Registry，测试与多实例之间互不干扰；
// 所有方法对 nil 接收者安全，未配置指标时调用方无需判空。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imgcache"

// 查找结果标签。
const (
	LookupHit         = "hit"
	LookupMiss        = "miss"
	LookupPassthrough = "passthrough"
)

// 拉取结果标签。
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultShared  = "shared"
)

// Collector 指标收集器
type Collector struct {
	registry *prometheus.Registry

	fetchesTotal  *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	lookupsTotal  *prometheus.CounterVec
}

// NewCollector 创建收集器并注册 Go 运行时与进程指标。
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_total",
				Help:      "Total number of origin fetches by source kind and result",
			},
			[]string{"kind", "result"},
		),
		fetchBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_bytes_total",
				Help:      "Bytes promoted into the local cache",
			},
			[]string{"kind"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Origin fetch duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),
		lookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Local copy lookups by result",
			},
			[]string{"result"},
		),
	}
}

// ObserveFetch 记录一次拉取。bytes 仅在成功时计入。
func (c *Collector) ObserveFetch(kind, result string, bytes int64, duration time.Duration) {
	if c == nil {
		return
	}
	c.fetchesTotal.WithLabelValues(kind, result).Inc()
	if result == ResultSuccess {
		if bytes > 0 {
			c.fetchBytes.WithLabelValues(kind).Add(float64(bytes))
		}
		c.fetchDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// ObserveLookup 记录一次本地副本查找。
func (c *Collector) ObserveLookup(result string) {
	if c == nil {
		return
	}
	c.lookupsTotal.WithLabelValues(result).Inc()
}

// TrackRegistrySize 以 GaugeFunc 暴露缓存登记表的条目数。
func (c *Collector) TrackRegistrySize(size func() int) {
	if c == nil || size == nil {
		return
	}
	promauto.With(c.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entries",
			Help:      "Number of cache-managed paths recorded in this process",
		},
		func() float64 { return float64(size()) },
	)
}

// Registry 返回底层 Registry。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 /metrics 使用的 http.Handler。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
