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

// Metrics stores Prometheus collectors used by API, worker and scheduler flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	emailsSentTotal         *prometheus.CounterVec
	emailsFailedTotal       *prometheus.CounterVec
	emailSendDuration       *prometheus.HistogramVec
	workerInflight          *prometheus.GaugeVec
	retryScheduledTotal     *prometheus.CounterVec
	rateLimitPausesTotal    *prometheus.CounterVec
	statusesReconciledTotal *prometheus.CounterVec
	queueSize               *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_mailer",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "campaign_mailer",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		emailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_mailer",
				Name:      "emails_sent_total",
				Help:      "Total number of emails accepted by the provider.",
			},
			[]string{"provider"},
		),
		emailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_mailer",
				Name:      "emails_failed_total",
				Help:      "Total number of emails that ended in failed state.",
			},
			[]string{"provider", "reason"},
		),
		emailSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "campaign_mailer",
				Name:      "email_send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by provider.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "campaign_mailer",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight sends grouped by provider.",
			},
			[]string{"provider"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_mailer",
				Name:      "retry_scheduled_total",
				Help:      "Total number of emails scheduled for retry.",
			},
			[]string{"provider"},
		),
		rateLimitPausesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_mailer",
				Name:      "rate_limit_pauses_total",
				Help:      "Total number of provider pauses caused by rate-limited responses.",
			},
			[]string{"provider"},
		),
		statusesReconciledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_mailer",
				Name:      "statuses_reconciled_total",
				Help:      "Total number of stale pending statuses handled by the reconciler.",
			},
			[]string{"policy"},
		),
		queueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "campaign_mailer",
				Name:      "queue_size",
				Help:      "Number of jobs waiting in the pending list.",
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.emailsSentTotal,
		m.emailsFailedTotal,
		m.emailSendDuration,
		m.workerInflight,
		m.retryScheduledTotal,
		m.rateLimitPausesTotal,
		m.statusesReconciledTotal,
		m.queueSize,
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

func (m *Metrics) IncEmailSent(provider string) {
	if m == nil {
		return
	}
	m.emailsSentTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) IncEmailFailed(provider string, reason string) {
	if m == nil {
		return
	}
	m.emailsFailedTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveEmailSendDuration(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.emailSendDuration.WithLabelValues(normalizeLabel(provider)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(provider string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) DecWorkerInFlight(provider string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(provider)).Dec()
}

func (m *Metrics) IncRetryScheduled(provider string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) IncRateLimitPause(provider string) {
	if m == nil {
		return
	}
	m.rateLimitPausesTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) AddStatusesReconciled(policy string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.statusesReconciledTotal.WithLabelValues(normalizeLabel(policy)).Add(float64(n))
}

func (m *Metrics) SetQueueSize(queue string, size int64) {
	if m == nil {
		return
	}
	m.queueSize.WithLabelValues(strings.TrimSpace(queue)).Set(float64(size))
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
