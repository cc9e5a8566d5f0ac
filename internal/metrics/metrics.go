// Package metrics wraps a Prometheus registry the way the teacher's
// internal/edge/metrics package does: a small set of CounterVec/
// HistogramVec/Gauge instruments behind a collector struct, plus a
// fasthttpadaptor-wrapped promhttp.Handler for scraping. The dimension
// label here is the mirror slug rather than the teacher's render
// dimension.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Collector centralizes metrics recording for the mirror gateway.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHitsTotal  *prometheus.CounterVec
	cacheMissTotal  *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	activeRequests  prometheus.Gauge
	diskUsageBytes  prometheus.Gauge

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// New builds a Collector registered against prometheus.DefaultRegisterer.
func New(namespace string, logger *zap.Logger) *Collector {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewWithRegistry builds a Collector against a caller-supplied registerer,
// letting tests use a private registry instead of the global default one.
func NewWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger}

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "mirror", Name: "requests_total",
		Help: "Total number of mirrored requests processed",
	}, []string{"slug", "status"})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "mirror", Name: "request_duration_seconds",
		Help: "Time taken to serve a mirrored request", Buckets: prometheus.DefBuckets,
	}, []string{"slug", "status"})

	c.cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "mirror", Name: "cache_hits_total",
		Help: "Total number of cache hits",
	}, []string{"slug"})

	c.cacheMissTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "mirror", Name: "cache_misses_total",
		Help: "Total number of cache misses",
	}, []string{"slug"})

	c.upstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "mirror", Name: "upstream_errors_total",
		Help: "Total number of upstream fetch failures by reason",
	}, []string{"reason"})

	c.activeRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "mirror", Name: "active_requests",
		Help: "Number of in-flight mirrored requests",
	})

	c.diskUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "mirror", Name: "cache_disk_usage_bytes",
		Help: "Bytes reported in use on the filesystem backing the cache directory",
	})

	registerer.MustRegister(
		c.requestsTotal, c.requestDuration, c.cacheHitsTotal, c.cacheMissTotal,
		c.upstreamErrors, c.activeRequests, c.diskUsageBytes,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return c
}

// RecordRequest records one completed mirrored request.
func (c *Collector) RecordRequest(slug, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(slug, status).Inc()
	c.requestDuration.WithLabelValues(slug, status).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit for slug.
func (c *Collector) RecordCacheHit(slug string) { c.cacheHitsTotal.WithLabelValues(slug).Inc() }

// RecordCacheMiss records a cache miss for slug.
func (c *Collector) RecordCacheMiss(slug string) { c.cacheMissTotal.WithLabelValues(slug).Inc() }

// RecordUpstreamError records an upstream fetch failure by reason
// (ssrf-blocked, timeout, redirect-loop, upstream-error, other).
func (c *Collector) RecordUpstreamError(reason string) {
	c.upstreamErrors.WithLabelValues(reason).Inc()
}

// IncActiveRequests increments the in-flight request gauge.
func (c *Collector) IncActiveRequests() { c.activeRequests.Inc() }

// DecActiveRequests decrements the in-flight request gauge.
func (c *Collector) DecActiveRequests() { c.activeRequests.Dec() }

// SetDiskUsageBytes updates the reported cache-directory disk usage.
func (c *Collector) SetDiskUsageBytes(bytes float64) { c.diskUsageBytes.Set(bytes) }

// ServeHTTP exposes the registry in Prometheus text format.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) { c.httpHandler(ctx) }
