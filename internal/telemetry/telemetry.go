// Package telemetry defines the Prometheus metrics for the window pool and
// the HTTP middleware that records request metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolWindows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_pool_windows",
			Help: "Number of pool windows by state (available, busy, rate_limited, login_required).",
		},
		[]string{"state"},
	)

	windowAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_window_acquisitions_total",
			Help: "Total window acquisition attempts, labeled by result.",
		},
		[]string{"result"},
	)

	windowAcquireWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_window_acquire_wait_seconds",
			Help:    "Histogram of time spent waiting for an eligible window.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	windowPenaltiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_window_penalties_total",
			Help: "Total penalties applied to windows, labeled by kind.",
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SetWindowState sets the gauge for one window state.
func SetWindowState(state string, count int) {
	poolWindows.WithLabelValues(state).Set(float64(count))
}

// ObserveAcquisition records a window acquisition attempt and its wait time.
func ObserveAcquisition(result string, wait time.Duration) {
	windowAcquisitionsTotal.WithLabelValues(result).Inc()
	windowAcquireWaitSeconds.Observe(wait.Seconds())
}

// ObservePenalty records a penalty application.
func ObservePenalty(kind string) {
	windowPenaltiesTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
