// Package observability collects Prometheus metrics for the billing engine.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics gathers HTTP and engine metrics on one registry.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	distributionDuration prometheus.Histogram
	reversalDuration     prometheus.Histogram
	penaltySweepBills    *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lindero_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lindero_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	distribution := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lindero_payment_distribution_seconds",
		Help:    "End-to-end duration of payment distribution runs.",
		Buckets: prometheus.DefBuckets,
	})
	reversal := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lindero_transaction_reversal_seconds",
		Help:    "End-to-end duration of transaction reversals.",
		Buckets: prometheus.DefBuckets,
	})
	sweepBills := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lindero_penalty_sweep_bills_total",
		Help: "Bills seen by penalty recalculation, by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, distribution, reversal, sweepBills)
	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:        requests,
		requestDuration:      duration,
		distributionDuration: distribution,
		reversalDuration:     reversal,
		penaltySweepBills:    sweepBills,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDistribution records one payment distribution duration.
func (m *Metrics) ObserveDistribution(seconds float64) {
	if m == nil {
		return
	}
	m.distributionDuration.Observe(seconds)
}

// ObserveReversal records one transaction reversal duration.
func (m *Metrics) ObserveReversal(seconds float64) {
	if m == nil {
		return
	}
	m.reversalDuration.Observe(seconds)
}

// CountSweepBills adds penalty sweep outcomes: processed, updated,
// skipped_paid, skipped_out_of_scope.
func (m *Metrics) CountSweepBills(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.penaltySweepBills.WithLabelValues(outcome).Add(float64(n))
}

// Registerer exposes the registry so callers can add custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
