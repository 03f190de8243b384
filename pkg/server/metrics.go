package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-tailfilter/pkg/filter"
)

// Metrics holds the Prometheus metrics exposed on /metrics.
type Metrics struct {
	// Ingest metrics
	ingestedItems *prometheus.CounterVec
	ingestErrors  *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the metrics registry. When stats is non-nil the
// processor counters and buffer gauges are exported from it at scrape time.
func NewMetrics(stats func() filter.Stats) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		ingestedItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tailfilter_ingested_items_total",
				Help: "Total number of telemetry items accepted by source and kind",
			},
			[]string{"source", "kind"},
		),

		ingestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tailfilter_ingest_errors_total",
				Help: "Total number of rejected ingest requests by reason",
			},
			[]string{"source", "reason"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tailfilter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tailfilter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.ingestedItems,
		m.ingestErrors,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	if stats != nil {
		registry.MustRegister(newFilterCollector(stats))
	}

	return m
}

// RecordIngest records an accepted item.
func (m *Metrics) RecordIngest(source, kind string) {
	m.ingestedItems.WithLabelValues(source, kind).Inc()
}

// RecordIngestError records a rejected ingest request.
func (m *Metrics) RecordIngestError(source, reason string) {
	m.ingestErrors.WithLabelValues(source, reason).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request count and latency per endpoint.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func endpointName(path string) string {
	switch path {
	case ingestPath:
		return "telemetry"
	case "/healthz":
		return "health"
	case "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}

// filterCollector exports processor stats at scrape time.
type filterCollector struct {
	stats func() filter.Stats

	items             *prometheus.Desc
	requests          *prometheus.Desc
	pendingOperations *prometheus.Desc
	pendingItems      *prometheus.Desc
}

func newFilterCollector(stats func() filter.Stats) *filterCollector {
	return &filterCollector{
		stats: stats,
		items: prometheus.NewDesc(
			"tailfilter_filter_items_total",
			"Items handled by the tail filter by decision",
			[]string{"decision"}, nil,
		),
		requests: prometheus.NewDesc(
			"tailfilter_filter_requests_total",
			"Requests resolved by the tail filter by outcome",
			[]string{"outcome"}, nil,
		),
		pendingOperations: prometheus.NewDesc(
			"tailfilter_pending_operations",
			"Operations currently holding buffered items",
			nil, nil,
		),
		pendingItems: prometheus.NewDesc(
			"tailfilter_pending_items",
			"Items currently buffered",
			nil, nil,
		),
	}
}

func (c *filterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.items
	ch <- c.requests
	ch <- c.pendingOperations
	ch <- c.pendingItems
}

func (c *filterCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	for decision, v := range map[string]uint64{
		"received":       s.Received,
		"forwarded":      s.Forwarded,
		"dropped":        s.Dropped,
		"buffered":       s.Buffered,
		"flushed":        s.Flushed,
		"discarded":      s.Discarded,
		"evicted":        s.Evicted,
		"overflowed":     s.Overflowed,
		"late_forwarded": s.LateForwarded,
		"late_discarded": s.LateDiscarded,
	} {
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.CounterValue, float64(v), decision)
	}

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.FailedRequests), "failed")
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.Requests-s.FailedRequests), "other")
	ch <- prometheus.MustNewConstMetric(c.pendingOperations, prometheus.GaugeValue, float64(s.PendingOperations))
	ch <- prometheus.MustNewConstMetric(c.pendingItems, prometheus.GaugeValue, float64(s.PendingItems))
}
