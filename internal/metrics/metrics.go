// Package metrics provides Prometheus instrumentation for the credit engine.
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
	// PriceFetches counts upstream spot-price fetch attempts by result.
	PriceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_price_fetches_total",
		Help: "Upstream spot price fetch attempts",
	}, []string{"result"})

	// PriceServes counts price points served to callers by source tag
	// (live, cached, fallback).
	PriceServes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_price_serves_total",
		Help: "Price points served to callers by source",
	}, []string{"source"})

	// SpotPrice exports the last observed spot price per asset.
	// Informational only — engine decisions never read this back.
	SpotPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_spot_price_usd",
		Help: "Last observed spot price in USD",
	}, []string{"asset"})

	// ValidationRejections counts gate rejections by reason.
	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_validation_rejections_total",
		Help: "Operations rejected by the validation gate",
	}, []string{"reason"})

	// Operations counts operation state transitions by kind and state.
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_operations_total",
		Help: "Operation state transitions",
	}, []string{"kind", "state"})

	// ConfirmationLatency tracks time from ledger submission to terminal
	// confirmation state.
	ConfirmationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_confirmation_latency_seconds",
		Help:    "Latency from submission to confirmed/failed",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	// PositionRefreshes counts ledger position re-syncs by result.
	PositionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_position_refreshes_total",
		Help: "Ledger position refreshes",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
