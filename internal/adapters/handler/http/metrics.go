package http

import (
	"strconv"
	"time"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"previz.stage/internal/core/domain"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Job metrics
	jobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_status_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"status"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of currently running jobs",
		},
	)

	jobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_pending",
			Help: "Number of jobs waiting for promotion",
		},
	)

	// Supervision metrics
	processesSupervised = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "processes_supervised",
			Help: "Number of processes under liveness supervision",
		},
	)

	displaysActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "displays_active",
			Help: "Number of live virtual display sessions",
		},
	)

	displayTeardownsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "display_teardowns_total",
			Help: "Total number of display session teardowns",
		},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsSink counts observer events into Prometheus metrics. Wire it
// into the fan-out sink alongside the hub.
type MetricsSink struct{}

func (MetricsSink) Emit(ev domain.Event) {
	switch ev.Type {
	case domain.EventStatusChange:
		if ev.Status != "" {
			jobTransitionsTotal.WithLabelValues(ev.Status).Inc()
		}
	case domain.EventResourceFreed:
		displayTeardownsTotal.Inc()
	}
}

// SetJobGauges sets the pending/running job gauges.
func SetJobGauges(pending, running int) {
	jobsPending.Set(float64(pending))
	jobsRunning.Set(float64(running))
}

// SetSupervisedProcesses sets the supervised process gauge.
func SetSupervisedProcesses(count int) {
	processesSupervised.Set(float64(count))
}

// SetActiveDisplays sets the live display session gauge.
func SetActiveDisplays(count int) {
	displaysActive.Set(float64(count))
}
