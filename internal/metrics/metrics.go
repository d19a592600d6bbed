// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WorkersRunning tracks live worker processes in the pool
	WorkersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portcullis_workers_running",
			Help: "Number of live worker processes",
		},
	)

	// MessagesTotal counts dispatched messages per agent and outcome
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_messages_total",
			Help: "Total number of messages dispatched to workers",
		},
		[]string{"agent", "status"},
	)

	// MessageDuration tracks worker exchange latency
	MessageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portcullis_message_duration_seconds",
			Help:    "Worker exchange duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"agent"},
	)

	// SpendTotal accrues USD spend per client
	SpendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_spend_usd_total",
			Help: "Cumulative USD spend recorded against clients",
		},
		[]string{"client"},
	)

	// SessionsEvicted counts sessions removed by sweeps and caps
	SessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portcullis_sessions_evicted_total",
			Help: "Total number of sessions evicted",
		},
		[]string{"reason"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/a2a/jsonrpc", "/.well-known/agent-card.json":
		return path
	default:
		if strings.HasPrefix(path, "/a2a/rest/") {
			return "/a2a/rest"
		}
		if strings.HasPrefix(path, "/admin/") {
			return "/admin"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordMessage records one worker exchange
func RecordMessage(agent, status string, durationSeconds float64) {
	MessagesTotal.WithLabelValues(agent, status).Inc()
	MessageDuration.WithLabelValues(agent).Observe(durationSeconds)
}

// RecordSpend accrues USD spend for a client
func RecordSpend(client string, usd float64) {
	if usd > 0 {
		SpendTotal.WithLabelValues(client).Add(usd)
	}
}

// SetWorkersRunning sets the live worker count
func SetWorkersRunning(count float64) {
	WorkersRunning.Set(count)
}

// RecordEviction counts one evicted session
func RecordEviction(reason string) {
	SessionsEvicted.WithLabelValues(reason).Inc()
}
