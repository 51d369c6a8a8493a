// Package metrics provides Prometheus instrumentation for the order engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders, partitioned by type and direction.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"type", "direction"})

	// OrderFills counts settled fills. Trigger is "intake" for market
	// orders and "sweep" for matched limit orders.
	OrderFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_order_fills_total",
		Help: "Total number of orders filled",
	}, []string{"direction", "trigger"})

	// OrderRejections counts orders rejected at intake, by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_order_rejections_total",
		Help: "Orders rejected at intake",
	}, []string{"reason"})

	// OpenLimitOrders tracks currently resting limit orders.
	OpenLimitOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "order_engine_open_limit_orders",
		Help: "Number of currently open limit orders",
	})

	// SweepRuns counts matching sweep invocations.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_engine_sweep_runs_total",
		Help: "Total matching sweep passes",
	})

	// SweepDuration tracks how long a full sweep pass takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_engine_sweep_duration_seconds",
		Help:    "Matching sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SweepExpired counts orders lazily expired during sweeps.
	SweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_engine_sweep_expired_total",
		Help: "Orders expired during matching sweeps",
	})

	// SweepErrors counts per-order failures inside sweeps. These are
	// isolated and retried on the next pass.
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_engine_sweep_errors_total",
		Help: "Per-order failures during matching sweeps",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "order_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "order_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Use the path as label; routes here are low-cardinality.
		path := r.URL.Path
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
