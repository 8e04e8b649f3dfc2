// Package metrics provides Prometheus instrumentation for the hedge engine.
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
	// HedgeDecisions counts engine decisions, partitioned by action kind.
	HedgeDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_decisions_total",
		Help: "Hedge decisions computed by the control loop",
	}, []string{"action"})

	// OrdersPlaced counts orders accepted by the venue, by action kind.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_orders_placed_total",
		Help: "Orders placed on the hedging venue",
	}, []string{"action"})

	// OrderPlacementErrors counts venue rejections or failures on placement.
	OrderPlacementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_order_placement_errors_total",
		Help: "Order placements that returned an error",
	}, []string{"kind"})

	// CyclesSkipped counts adjust cycles that ended without acting.
	CyclesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_cycles_skipped_total",
		Help: "Adjust cycles skipped, by reason",
	}, []string{"reason"})

	// AdjustmentPersistFailures counts audit writes that failed after the
	// venue side already executed.
	AdjustmentPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_adjustment_persist_failures_total",
		Help: "Adjustment records that could not be persisted",
	})

	// RecordsReconciled counts reconciliation outcomes, by record kind and
	// resulting state.
	RecordsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_records_reconciled_total",
		Help: "Reconciled orders and transfers, by kind and outcome",
	}, []string{"kind", "outcome"})

	// LostRecordsSwept counts lost records handled by the sweep.
	LostRecordsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_lost_records_swept_total",
		Help: "Lost records claimed by the recovery sweep",
	}, []string{"kind"})

	// LostFundsBTC accumulates the BTC amount tied to swept transfers.
	LostFundsBTC = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_lost_funds_btc_total",
		Help: "BTC amount tied to swept lost transfers",
	}, []string{"kind"})

	// PositionUSDCents is the last observed venue position.
	PositionUSDCents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_position_usd_cents",
		Help: "Last observed hedge position in USD cents (negative = short)",
	})

	// LiabilityUSDCents is the last observed liability.
	LiabilityUSDCents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_liability_usd_cents",
		Help: "Last observed synthetic-dollar liability in USD cents",
	})

	// PublishFailures counts best-effort publish failures, by sink.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_publish_failures_total",
		Help: "Failed best-effort publishes, by sink",
	}, []string{"sink"})

	// JobRuns counts scheduled task runs by job and result.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_job_runs_total",
		Help: "Scheduled job runs, by job and result",
	}, []string{"job", "result"})

	// JobDuration tracks scheduled task duration by job.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_job_duration_seconds",
		Help:    "Scheduled job duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_http_request_duration_seconds",
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return hj.Hijack()
}
