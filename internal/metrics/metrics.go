// Package metrics provides Prometheus instrumentation for the Reservoir service.
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
			Namespace: "reservoir",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reservoir",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ScansTotal counts merchant scans by source (fresh or cache).
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reservoir",
			Name:      "scans_total",
			Help:      "Total merchant scans by source.",
		},
		[]string{"source"},
	)

	// ScanDuration observes end-to-end fresh scan latency.
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reservoir",
		Name:      "scan_duration_seconds",
		Help:      "Fresh scan duration in seconds (fetch + score + persist).",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	})

	// DedupedScansTotal counts scans coalesced onto an in-flight execution.
	DedupedScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservoir",
		Name:      "deduped_scans_total",
		Help:      "Total scan requests coalesced onto an in-flight scan.",
	})

	// RateLimitDenialsTotal counts admission controller denials.
	RateLimitDenialsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservoir",
		Name:      "rate_limit_denials_total",
		Help:      "Total requests denied by the admission controller.",
	})

	// SSRFRejectionsTotal counts hostnames rejected by the SSRF guard.
	SSRFRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservoir",
		Name:      "ssrf_rejections_total",
		Help:      "Total hostnames rejected by the SSRF guard, by reason.",
	}, []string{"reason"})

	// LedgerAppendsTotal counts projection ledger appends by write reason and result.
	LedgerAppendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservoir",
		Name:      "ledger_appends_total",
		Help:      "Total projection ledger appends by write reason and result.",
	}, []string{"reason", "result"})

	// LedgerSkipsTotal counts forecasts whose write trigger decided not to append.
	LedgerSkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservoir",
		Name:      "ledger_skips_total",
		Help:      "Total forecasts skipped by the ledger write trigger.",
	})

	// LedgerVerifyFailuresTotal counts records failing read-time verification.
	LedgerVerifyFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reservoir",
		Name:      "ledger_verify_failures_total",
		Help:      "Total ledger records failing read-time verification, by check.",
	}, []string{"check"})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reservoir", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reservoir", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reservoir", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reservoir", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ScansTotal,
		ScanDuration,
		DedupedScansTotal,
		RateLimitDenialsTotal,
		SSRFRejectionsTotal,
		LedgerAppendsTotal,
		LedgerSkipsTotal,
		LedgerVerifyFailuresTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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
