// Package metrics exposes Prometheus instrumentation for the HTTP facade
// and the core pipeline (connection plane, episodes, sessions).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vitalguard"

// HTTP metrics (counter/histogram — incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Core pipeline counters (incremented directly by components).
var (
	ConnectionsAuthenticatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_authenticated_total",
		Help:      "Total connections authenticated, by role.",
	}, []string{"role"})

	ConnectionsSupersededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_superseded_total",
		Help:      "Total connections evicted because a newer one claimed the same device id.",
	})

	FanoutDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_dropped_total",
		Help:      "Total fan-out sends dropped due to a full or closed subscriber channel.",
	}, []string{"target"})

	ReadingsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "readings_ingested_total",
		Help:      "Total biometric readings ingested, across all transports.",
	})

	InferencesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inferences_total",
		Help:      "Total inference calls, by outcome.",
	}, []string{"outcome"})

	AlertsActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alerts_active",
		Help:      "Current number of active alerts.",
	})

	EpisodesActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "episodes_active",
		Help:      "Current number of unresolved episodes.",
	})

	EscalationTimersActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "escalation_timers_active",
		Help:      "Current number of pending escalation timers.",
	})

	SessionsActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Current number of device sessions with an active agent conversation.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ConnectionsAuthenticatedTotal,
		ConnectionsSupersededTotal,
		FanoutDroppedTotal,
		ReadingsIngestedTotal,
		InferencesTotal,
		AlertsActiveGauge,
		EpisodesActiveGauge,
		EscalationTimersActiveGauge,
		SessionsActiveGauge,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
