// Package metrics exposes Prometheus instrumentation for payment processing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paycore"

// Metrics holds the service's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	paymentsTotal      *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	gatewayDuration    *prometheus.HistogramVec
	feesCollected      *prometheus.CounterVec
	trackingActive     prometheus.Gauge
	trackingStopped    *prometheus.CounterVec
	rateLimitExceeded  *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		paymentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Payments submitted to the gateway by method, provider and outcome",
			},
			[]string{"method", "provider", "outcome"},
		),
		validationFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Payment requests rejected before submission, by field",
			},
			[]string{"field"},
		),
		gatewayDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Duration of payment initiation calls",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		feesCollected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "platform_fees_minor_total",
				Help:      "Platform fees on accepted payments in minor currency units",
			},
			[]string{"currency", "transaction_type"},
		),
		trackingActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracking_sessions_active",
				Help:      "Payments currently being polled for status",
			},
		),
		trackingStopped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracking_sessions_stopped_total",
				Help:      "Finished tracking sessions by final status and stop reason",
			},
			[]string{"status", "reason"},
		),
		rateLimitExceeded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_exceeded_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PaymentSubmitted counts one gateway invocation and its latency.
func (m *Metrics) PaymentSubmitted(method, provider, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "none"
	}
	m.paymentsTotal.WithLabelValues(method, provider, outcome).Inc()
	m.gatewayDuration.WithLabelValues(method).Observe(took.Seconds())
}

// ValidationFailed counts a rejected request.
func (m *Metrics) ValidationFailed(field string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(field).Inc()
}

// FeeCollected adds an accepted payment's platform fee.
func (m *Metrics) FeeCollected(currency, transactionType string, minor int64) {
	if m == nil || minor <= 0 {
		return
	}
	m.feesCollected.WithLabelValues(currency, transactionType).Add(float64(minor))
}

// TrackingStarted marks a new tracking session.
func (m *Metrics) TrackingStarted() {
	if m == nil {
		return
	}
	m.trackingActive.Inc()
}

// TrackingStopped records how a tracking session ended.
func (m *Metrics) TrackingStopped(status, reason string) {
	if m == nil {
		return
	}
	m.trackingActive.Dec()
	m.trackingStopped.WithLabelValues(status, reason).Inc()
}

// RateLimited counts a throttled request.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitExceeded.WithLabelValues(route).Inc()
}

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
