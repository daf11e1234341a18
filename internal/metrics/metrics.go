// Package metrics provides Prometheus instrumentation for the GuardChain pipeline.
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
			Namespace: "guardchain",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guardchain",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsIngested counts ingested transactions by resulting status.
	TransactionsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardchain",
			Name:      "transactions_ingested_total",
			Help:      "Total transactions ingested by status.",
		},
		[]string{"status"},
	)

	// TransactionsRejected counts transactions rejected at the ingestion boundary.
	TransactionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardchain",
		Name:      "transactions_rejected_total",
		Help:      "Total transactions rejected by input validation.",
	})

	// RiskScore observes the distribution of computed risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardchain",
		Name:      "risk_score",
		Help:      "Distribution of computed transaction risk scores.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// AlertsGenerated counts fraud alerts by severity.
	AlertsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardchain",
			Name:      "alerts_generated_total",
			Help:      "Total fraud alerts generated by severity.",
		},
		[]string{"severity"},
	)

	// StreamPublished counts messages accepted by an event sink.
	StreamPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardchain",
			Name:      "stream_published_total",
			Help:      "Total messages published to the event stream by topic and sink.",
		},
		[]string{"topic", "sink"},
	)

	// StreamDropped counts messages dropped by an event sink.
	StreamDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardchain",
			Name:      "stream_dropped_total",
			Help:      "Total messages dropped by the event stream by topic and reason.",
		},
		[]string{"topic", "reason"},
	)

	// FanoutDeliveries counts per-connection deliveries by topic.
	FanoutDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardchain",
			Name:      "fanout_deliveries_total",
			Help:      "Total messages enqueued to viewer connections by topic.",
		},
		[]string{"topic"},
	)

	// FanoutDisconnects counts forcibly dropped connections by reason.
	FanoutDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guardchain",
			Name:      "fanout_disconnects_total",
			Help:      "Total viewer connections dropped by the broadcaster by reason.",
		},
		[]string{"reason"},
	)

	// ActiveWebSocketClients tracks connected WebSocket viewers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "guardchain",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket viewers.",
		},
	)

	// AuthFailures counts rejected connection handshakes.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guardchain",
		Name:      "auth_failures_total",
		Help:      "Total failed viewer authentication attempts.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardchain", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardchain", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardchain", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsIngested,
		TransactionsRejected,
		RiskScore,
		AlertsGenerated,
		StreamPublished,
		StreamDropped,
		FanoutDeliveries,
		FanoutDisconnects,
		ActiveWebSocketClients,
		AuthFailures,
		DBOpenConnections,
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
