package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PostViewsCounted counts view increments that reached the database.
	PostViewsCounted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineage_post_views_counted_total",
		Help: "Total number of counted post views",
	})

	// ViewMilestones counts milestone events emitted by the view counter.
	ViewMilestones = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineage_view_milestones_total",
		Help: "Total number of view milestones reached",
	})

	// NotificationsSent counts milestone notifications by channel (mail, realtime).
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lineage_notifications_sent_total",
		Help: "Total number of notifications delivered by channel",
	}, []string{"channel"})

	// NotificationsFailed counts delivery failures by channel.
	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lineage_notifications_failed_total",
		Help: "Total number of notification delivery failures by channel",
	}, []string{"channel"})

	// NotificationsDropped counts events discarded because the queue was full.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineage_notifications_dropped_total",
		Help: "Total number of notification events dropped due to backpressure",
	})

	// SlugCollisions counts review slug candidates rejected as taken.
	SlugCollisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lineage_review_slug_collisions_total",
		Help: "Total number of review slug collisions by stage",
	}, []string{"stage"})

	// ModerationToggles counts visibility flips by resulting state.
	ModerationToggles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lineage_moderation_toggles_total",
		Help: "Total number of post visibility toggles",
	}, []string{"state"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lineage_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// CacheResults counts cache-aside lookups by key family and outcome.
	CacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lineage_cache_results_total",
		Help: "Cache-aside lookups by key family and result",
	}, []string{"family", "result"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lineage_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketConnections is the gauge of open notification sockets.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lineage_websocket_connections",
		Help: "Number of open notification WebSocket connections",
	})

	// WebSocketBackpressureDrops counts messages dropped for slow clients.
	WebSocketBackpressureDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineage_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
