// Package metrics provides Prometheus instrumentation for luxescrow.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "luxescrow",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "luxescrow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow state transitions by chain and target status.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "luxescrow",
			Name:      "escrow_transitions_total",
			Help:      "Escrow state transitions by chain and resulting status.",
		},
		[]string{"chain", "status"},
	)

	// EscrowLockedUSD tracks the USD value currently held in locked or disputed escrows.
	EscrowLockedUSD = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "luxescrow",
			Name:      "escrow_locked_usd",
			Help:      "USD value currently held in locked or disputed escrows, per chain.",
		},
		[]string{"chain"},
	)

	// EscrowDuration observes time from creation to a terminal state.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "luxescrow",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to a terminal state in seconds.",
		Buckets:   []float64{3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 14 * 86400, 30 * 86400},
	})

	// ChainCallsTotal counts chain backend calls by chain, operation and result
	// (ok, rejected, unknown, circuit_open).
	ChainCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "luxescrow",
			Name:      "chain_calls_total",
			Help:      "Chain backend calls by chain, operation, and result.",
		},
		[]string{"chain", "op", "result"},
	)

	// ChainCallDuration observes chain backend latency.
	ChainCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "luxescrow",
			Name:      "chain_call_duration_seconds",
			Help:      "Chain backend call duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"chain", "op"},
	)

	// DisputesOpenedTotal counts dispute cases opened by required arbitrator tier.
	DisputesOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "luxescrow",
			Name:      "disputes_opened_total",
			Help:      "Dispute cases opened by minimum arbitrator tier.",
		},
		[]string{"tier"},
	)

	// DisputeResolutionsTotal counts resolutions by outcome and trigger (quorum, deadline).
	DisputeResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "luxescrow",
			Name:      "dispute_resolutions_total",
			Help:      "Dispute resolutions by outcome and trigger.",
		},
		[]string{"outcome", "trigger"},
	)

	// PayoutLegsTotal counts payout legs by role and final status.
	PayoutLegsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "luxescrow",
			Name:      "payout_legs_total",
			Help:      "Payout legs by role and status.",
		},
		[]string{"role", "status"},
	)

	// FeeQuotesTotal counts fee quotes by discount source.
	FeeQuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "luxescrow",
			Name:      "fee_quotes_total",
			Help:      "Fee quotes by discount source (subscription, volume, none) and cap.",
		},
		[]string{"discount", "capped"},
	)

	// ActiveWebSocketClients tracks connected event-stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "luxescrow",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected event-stream clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxescrow", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxescrow", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxescrow", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxescrow", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowLockedUSD,
		EscrowDuration,
		ChainCallsTotal,
		ChainCallDuration,
		DisputesOpenedTotal,
		DisputeResolutionsTotal,
		PayoutLegsTotal,
		FeeQuotesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not the raw path
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
