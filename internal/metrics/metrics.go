// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huoyuan",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "huoyuan",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// FreezeOpsTotal counts ledger freeze/settle/refund operations by outcome.
	FreezeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huoyuan",
			Name:      "freeze_ops_total",
			Help:      "Ledger operations by op (freeze/settle/refund) and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// FreezeRetriesTotal counts lock-wait retries inside the ledger.
	FreezeRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "huoyuan",
		Name:      "freeze_retries_total",
		Help:      "Total ledger operation retries after lock-wait or deadlock.",
	})

	// ChatStreamsActive tracks currently open chat streams.
	ChatStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "huoyuan",
		Name:      "chat_streams_active",
		Help:      "Number of currently open chat streams.",
	})

	// ChatStreamsTotal counts finished chat streams by terminal state.
	ChatStreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huoyuan",
			Name:      "chat_streams_total",
			Help:      "Finished chat streams by terminal state (done/refunded/blocked/error).",
		},
		[]string{"state"},
	)

	// ProviderRequestDuration observes upstream LLM stream duration by provider.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "huoyuan",
			Name:      "provider_request_duration_seconds",
			Help:      "Upstream LLM stream duration in seconds by provider.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)

	// ProviderErrorsTotal counts upstream failures by provider.
	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huoyuan",
			Name:      "provider_errors_total",
			Help:      "Upstream LLM failures by provider and reason.",
		},
		[]string{"provider", "reason"},
	)

	// ModerationHitsTotal counts blocklist hits by stage (pre/post).
	ModerationHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huoyuan",
			Name:      "moderation_hits_total",
			Help:      "Moderation blocklist hits by stage.",
		},
		[]string{"stage"},
	)

	// PersistQueueDepth tracks jobs waiting in the persistence queue.
	PersistQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "huoyuan",
		Name:      "persist_queue_depth",
		Help:      "Jobs currently waiting in the persistence queue.",
	})

	// PersistJobsTotal counts persistence jobs by result.
	PersistJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huoyuan",
			Name:      "persist_jobs_total",
			Help:      "Persistence jobs by result (done/retried/dropped/inline).",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "huoyuan", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "huoyuan", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "huoyuan", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		FreezeOpsTotal,
		FreezeRetriesTotal,
		ChatStreamsActive,
		ChatStreamsTotal,
		ProviderRequestDuration,
		ProviderErrorsTotal,
		ModerationHitsTotal,
		PersistQueueDepth,
		PersistJobsTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
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
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
