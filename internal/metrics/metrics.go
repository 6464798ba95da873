// Package metrics provides Prometheus instrumentation for the MealTrust platform.
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
			Namespace: "mealtrust",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mealtrust",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowCommandsTotal counts command-handler operations by op and outcome.
	EscrowCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mealtrust",
			Name:      "escrow_commands_total",
			Help:      "Total escrow command operations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// ChainSubmissionDuration observes ledger submission latency by operation.
	ChainSubmissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mealtrust",
			Name:      "chain_submission_duration_seconds",
			Help:      "Ledger transaction submission duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)

	// EventsIngestedTotal counts ledger events observed by the listener.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mealtrust",
			Name:      "events_ingested_total",
			Help:      "Total ledger events observed by event type.",
		},
		[]string{"type"},
	)

	// EventsDedupedTotal counts envelopes discarded as already processed.
	EventsDedupedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mealtrust",
		Name:      "events_deduped_total",
		Help:      "Total envelopes discarded by the dedupe check.",
	})

	// ReconcileAppliesTotal counts reconciler applies by event type and result.
	ReconcileAppliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mealtrust",
			Name:      "reconcile_applies_total",
			Help:      "Total reconciler envelope applies by event type and result.",
		},
		[]string{"type", "result"},
	)

	// ReconciliationMismatchesTotal counts ledger/mirror disagreements.
	ReconciliationMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mealtrust",
		Name:      "reconciliation_mismatches_total",
		Help:      "Total detected ledger/mirror mismatches.",
	})

	// PoisonEnvelopesTotal counts envelopes dropped after exhausting retries.
	PoisonEnvelopesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mealtrust",
		Name:      "poison_envelopes_total",
		Help:      "Total envelopes dropped after repeated apply failures.",
	})

	// FeedEntriesTotal counts public feed entries created.
	FeedEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mealtrust",
		Name:      "feed_entries_total",
		Help:      "Total public feed entries created.",
	})

	// EventQueueDepth tracks the current event queue backlog.
	EventQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mealtrust",
		Name:      "event_queue_depth",
		Help:      "Current number of envelopes waiting in the event queue.",
	})

	// ListenerLastBlock tracks the last chain block the listener has scanned.
	ListenerLastBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mealtrust",
		Name:      "listener_last_block",
		Help:      "Last block number scanned by the event listener.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mealtrust",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mealtrust", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mealtrust", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mealtrust", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mealtrust", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowCommandsTotal,
		ChainSubmissionDuration,
		EventsIngestedTotal,
		EventsDedupedTotal,
		ReconcileAppliesTotal,
		ReconciliationMismatchesTotal,
		PoisonEnvelopesTotal,
		FeedEntriesTotal,
		EventQueueDepth,
		ListenerLastBlock,
		ActiveWebSocketClients,
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
