// Package metrics provides Prometheus instrumentation for the simulation
// engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecomputesTotal counts engine runs, partitioned by scenario and
	// whether every stage converged.
	RecomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_recomputes_total",
		Help: "Total number of scenario recomputations",
	}, []string{"scenario", "converged"})

	// RecomputePasses is the distribution of passes spent per recompute.
	RecomputePasses = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_recompute_passes",
		Help:    "Engine passes evaluated per recompute",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 32},
	}, []string{"scenario"})

	// RecomputeLatency tracks wall time of one recompute.
	RecomputeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_recompute_latency_seconds",
		Help:    "Recompute latency in seconds",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	}, []string{"scenario"})

	// RejectedEdits counts patches refused at the edit boundary or because
	// they produced a non-finite vector.
	RejectedEdits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_rejected_edits_total",
		Help: "Edits rejected before commit",
	}, []string{"scenario", "reason"})

	// PersistenceMisses counts loads that fell back to defaults.
	PersistenceMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_persistence_misses_total",
		Help: "Scenario loads that found no readable snapshot",
	}, []string{"scenario"})

	// StoreErrors counts failed snapshot reads and writes.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_store_errors_total",
		Help: "Snapshot store failures",
	}, []string{"op"})

	// ActiveWorkspaces tracks the number of live workspaces.
	ActiveWorkspaces = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simengine_active_workspaces",
		Help: "Number of live workspaces",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveRecompute records one engine run.
func ObserveRecompute(scenario string, converged bool, passes int, elapsed time.Duration) {
	RecomputesTotal.WithLabelValues(scenario, strconv.FormatBool(converged)).Inc()
	RecomputePasses.WithLabelValues(scenario).Observe(float64(passes))
	RecomputeLatency.WithLabelValues(scenario).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern; workspace IDs would explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
