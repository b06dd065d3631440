// Package metrics provides Prometheus instrumentation for the lending ledger.
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
	// OperationsTotal counts ledger operations applied, partitioned by op.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Total number of ledger operations applied",
	}, []string{"op"})

	// OperationLatency tracks the time to apply and persist an operation.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Rejections counts operations refused before any state changed.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Ledger operations rejected, by op and reason",
	}, []string{"op", "reason"})

	// ActiveMarkets tracks the number of markets loaded in memory.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_active_markets",
		Help: "Number of markets currently loaded",
	})

	// Liquidations counts executed liquidations per market.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_liquidations_total",
		Help: "Liquidations executed",
	}, []string{"market_id"})

	// BadDebt accumulates debt written off, in smallest loan-token units.
	BadDebt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_bad_debt_total",
		Help: "Debt written off after collateral was exhausted, in smallest units",
	}, []string{"market_id"})

	// AccruedInterest accumulates interest added to the borrow pool, in
	// smallest loan-token units.
	AccruedInterest = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_accrued_interest_total",
		Help: "Interest accrued, in smallest units",
	}, []string{"market_id"})

	// OracleRejections counts price readings refused as stale or invalid.
	OracleRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_oracle_rejections_total",
		Help: "Oracle readings rejected",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := RoutePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RoutePattern returns the chi route pattern matched by r, so market keys
// and accounts never become label values. Unrouted requests share one label.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the websocket upgrader take over connections that pass
// through Middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
