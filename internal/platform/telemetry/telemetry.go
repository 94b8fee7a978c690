// Package telemetry exposes Prometheus metrics for the HTTP server, the
// appointment event stream and the database pool. Every metric lives in a
// private registry so tests and multiple servers never collide.
package telemetry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opd/opd/internal/platform/events"
)

const namespace = "opd"

// Config controls the provider.
type Config struct {
	Enabled        bool
	ServiceVersion string
	Environment    string
}

// durationBuckets are the request duration histogram bounds in seconds.
var durationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// sizeBuckets are the response size histogram bounds in bytes.
var sizeBuckets = []float64{
	100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000,
}

// PoolStats is a point-in-time view of a connection pool.
type PoolStats struct {
	Acquired int32
	Idle     int32
	Total    int32
}

// Provider owns the metric registry and the collectors registered in it.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
	respSize prometheus.Histogram
	events   *prometheus.CounterVec
}

// NewProvider builds a provider with the HTTP, event and runtime collectors
// registered.
func NewProvider(cfg Config) *Provider {
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "0.0.0"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   durationBuckets,
		}, []string{"method", "route", "status_code"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Number of HTTP requests in flight.",
		}),
		respSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Size of HTTP response bodies in bytes.",
			Buckets:   sizeBuckets,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_events_total",
			Help:      "Appointment lifecycle events by type.",
		}, []string{"type"}),
	}

	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build and environment of the running server.",
		ConstLabels: prometheus.Labels{
			"version":     cfg.ServiceVersion,
			"environment": cfg.Environment,
		},
	})
	build.Set(1)

	p.registry.MustRegister(
		p.requests,
		p.duration,
		p.active,
		p.respSize,
		p.events,
		build,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry returns the registry backing Handler.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// ObservePool registers gauges read from stats at scrape time. Call it once
// per provider.
func (p *Provider) ObservePool(stats func() PoolStats) {
	gauge := func(name, help string, pick func(PoolStats) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	p.registry.MustRegister(
		gauge("acquired_connections", "Connections currently checked out of the pool.",
			func(s PoolStats) int32 { return s.Acquired }),
		gauge("idle_connections", "Idle connections in the pool.",
			func(s PoolStats) int32 { return s.Idle }),
		gauge("total_connections", "All connections owned by the pool.",
			func(s PoolStats) int32 { return s.Total }),
	)
}

// Publish counts an appointment event. It satisfies events.Publisher so the
// provider can sit in the same fanout as the hub and the broker.
func (p *Provider) Publish(_ context.Context, ev events.Event) error {
	p.events.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Middleware records request count, duration and response size keyed by the
// registered route pattern.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.Enabled {
				return next(c)
			}

			p.active.Inc()
			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()
			p.active.Dec()

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(responseStatus(c, err))
			method := c.Request().Method

			p.requests.WithLabelValues(method, route, status).Inc()
			p.duration.WithLabelValues(method, route, status).Observe(elapsed)
			if size := c.Response().Size; size > 0 {
				p.respSize.Observe(float64(size))
			}
			return err
		}
	}
}

// Handler serves the registry in the Prometheus text exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// responseStatus is the status the error handler will write when the handler
// returned an error before committing a response.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 500
}
