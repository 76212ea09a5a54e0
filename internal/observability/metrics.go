package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API and engine flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	batchesFinalizedTotal *prometheus.CounterVec
	batchDuration         *prometheus.HistogramVec
	batchesActive         prometheus.Gauge
	itemsProcessedTotal   *prometheus.CounterVec
	itemAttemptsTotal     *prometheus.CounterVec
	attemptDuration       *prometheus.HistogramVec
	itemsInFlight         *prometheus.GaugeVec
	retriesScheduledTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "batch_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesFinalizedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "batches_finalized_total",
				Help:      "Total number of batches that reached a terminal status.",
			},
			[]string{"status", "type"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "batch_engine",
				Name:      "batch_duration_seconds",
				Help:      "Wall-clock batch run duration in seconds grouped by batch type.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"type"},
		),
		batchesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "batch_engine",
				Name:      "batches_active",
				Help:      "Current number of batch runs in flight.",
			},
		),
		itemsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "items_processed_total",
				Help:      "Total number of items that reached a terminal status.",
			},
			[]string{"status", "type"},
		),
		itemAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "item_attempts_total",
				Help:      "Total number of processing attempts grouped by batch type.",
			},
			[]string{"type"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "batch_engine",
				Name:      "attempt_duration_seconds",
				Help:      "Processor attempt duration in seconds grouped by batch type.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"type"},
		),
		itemsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "batch_engine",
				Name:      "items_in_flight",
				Help:      "Current number of items being processed grouped by batch type.",
			},
			[]string{"type"},
		),
		retriesScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "retries_scheduled_total",
				Help:      "Total number of item attempts scheduled for retry.",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesFinalizedTotal,
		m.batchDuration,
		m.batchesActive,
		m.itemsProcessedTotal,
		m.itemAttemptsTotal,
		m.attemptDuration,
		m.itemsInFlight,
		m.retriesScheduledTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatchFinalized(status string, batchType string) {
	if m == nil {
		return
	}
	m.batchesFinalizedTotal.WithLabelValues(normalizeLabel(status), normalizeLabel(batchType)).Inc()
}

func (m *Metrics) ObserveBatchDuration(batchType string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.batchDuration.WithLabelValues(normalizeLabel(batchType)).Observe(seconds)
}

func (m *Metrics) IncBatchActive() {
	if m == nil {
		return
	}
	m.batchesActive.Inc()
}

func (m *Metrics) DecBatchActive() {
	if m == nil {
		return
	}
	m.batchesActive.Dec()
}

func (m *Metrics) IncItemProcessed(status string, batchType string) {
	if m == nil {
		return
	}
	m.itemsProcessedTotal.WithLabelValues(normalizeLabel(status), normalizeLabel(batchType)).Inc()
}

func (m *Metrics) IncItemAttempt(batchType string) {
	if m == nil {
		return
	}
	m.itemAttemptsTotal.WithLabelValues(normalizeLabel(batchType)).Inc()
}

func (m *Metrics) ObserveAttemptDuration(batchType string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.attemptDuration.WithLabelValues(normalizeLabel(batchType)).Observe(seconds)
}

func (m *Metrics) IncItemsInFlight(batchType string) {
	if m == nil {
		return
	}
	m.itemsInFlight.WithLabelValues(normalizeLabel(batchType)).Inc()
}

func (m *Metrics) DecItemsInFlight(batchType string) {
	if m == nil {
		return
	}
	m.itemsInFlight.WithLabelValues(normalizeLabel(batchType)).Dec()
}

func (m *Metrics) IncRetryScheduled(batchType string) {
	if m == nil {
		return
	}
	m.retriesScheduledTotal.WithLabelValues(normalizeLabel(batchType)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
