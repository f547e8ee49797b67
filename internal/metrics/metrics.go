// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

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
	// SettlementsTotal counts settlement events by kind and outcome
	// (completed, replayed, failed, error).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_settlements_total",
		Help: "Settlement events processed",
	}, []string{"kind", "outcome"})

	// SettlementDuration tracks how long a settlement event takes end to end.
	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_settlement_duration_seconds",
		Help:    "Settlement event duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// SettlementRetries counts wallet applications retried after a
	// retryable error.
	SettlementRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_settlement_retries_total",
		Help: "Wallet applications retried during settlement",
	}, []string{"kind"})

	// InvariantViolations counts settlement events halted by a failed
	// conservation check.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_invariant_violations_total",
		Help: "Settlement events halted by an arithmetic invariant violation",
	})

	// WalletTransactions counts wallet transactions by kind, and whether the
	// call was an idempotent replay.
	WalletTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_wallet_transactions_total",
		Help: "Wallet transactions applied",
	}, []string{"kind", "replayed"})

	// StakesPlaced counts stakes placed by ledger.
	StakesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_stakes_placed_total",
		Help: "Stakes placed",
	}, []string{"ledger"})

	// StakeLimitRejections counts stakes rejected by the exposure limiter.
	StakeLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_stake_limit_rejections_total",
		Help: "Stakes rejected by exposure limits",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_http_request_duration_seconds",
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

		// Route pattern keeps poll and user ids out of the label set.
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
