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

const namespace = "orchestrator"

// Metrics stores Prometheus collectors used by the API, the orchestrator and
// the webhook worker.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	retriesTotal            *prometheus.CounterVec
	fallbacksTotal          *prometheus.CounterVec
	circuitState            *prometheus.GaugeVec
	circuitTransitionsTotal *prometheus.CounterVec
	webhooksNormalizedTotal *prometheus.CounterVec
	webhookFailuresTotal    *prometheus.CounterVec
	webhookWorkerInflight   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		providerRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total number of broker adapter calls by provider, operation, and outcome.",
			},
			[]string{"provider", "operation", "outcome"},
		),
		providerRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Broker adapter call duration in seconds by provider and operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider", "operation"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried broker calls.",
			},
			[]string{"provider"},
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Total number of sends moved from one provider to the next candidate.",
			},
			[]string{"from", "to"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit breaker state per provider (0 closed, 1 half open, 2 open).",
			},
			[]string{"provider"},
		),
		circuitTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker transitions by provider and target state.",
			},
			[]string{"provider", "to"},
		),
		webhooksNormalizedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_normalized_total",
				Help:      "Total number of webhook payloads normalized by provider and event.",
			},
			[]string{"provider", "event"},
		),
		webhookFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_failures_total",
				Help:      "Total number of webhook payloads that could not be processed.",
			},
			[]string{"reason"},
		),
		webhookWorkerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "webhook_worker_inflight",
				Help:      "Current number of webhook payloads being processed.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.providerRequestsTotal,
		m.providerRequestDuration,
		m.retriesTotal,
		m.fallbacksTotal,
		m.circuitState,
		m.circuitTransitionsTotal,
		m.webhooksNormalizedTotal,
		m.webhookFailuresTotal,
		m.webhookWorkerInflight,
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

// ObserveProviderCall records one adapter invocation.
func (m *Metrics) ObserveProviderCall(provider, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}

	providerLabel := normalizeLabel(provider)
	operationLabel := normalizeLabel(operation)
	m.providerRequestsTotal.WithLabelValues(providerLabel, operationLabel, normalizeLabel(outcome)).Inc()
	m.providerRequestDuration.WithLabelValues(providerLabel, operationLabel).Observe(seconds)
}

func (m *Metrics) IncRetry(provider string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) IncFallback(from, to string) {
	if m == nil {
		return
	}
	m.fallbacksTotal.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// SetCircuitState exports the breaker position and counts the transition.
func (m *Metrics) SetCircuitState(provider, state string) {
	if m == nil {
		return
	}

	value := 0.0
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "HALF_OPEN":
		value = 1
	case "OPEN":
		value = 2
	}

	providerLabel := normalizeLabel(provider)
	m.circuitState.WithLabelValues(providerLabel).Set(value)
	m.circuitTransitionsTotal.WithLabelValues(providerLabel, normalizeLabel(state)).Inc()
}

func (m *Metrics) IncWebhookNormalized(provider, event string) {
	if m == nil {
		return
	}
	m.webhooksNormalizedTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(event)).Inc()
}

func (m *Metrics) IncWebhookFailure(reason string) {
	if m == nil {
		return
	}
	m.webhookFailuresTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncWebhookInFlight() {
	if m == nil {
		return
	}
	m.webhookWorkerInflight.Inc()
}

func (m *Metrics) DecWebhookInFlight() {
	if m == nil {
		return
	}
	m.webhookWorkerInflight.Dec()
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
