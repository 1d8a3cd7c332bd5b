package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campusride"

var (
	PoolJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pool_joins_total", Help: "Pool join attempts by outcome"},
		[]string{"outcome"},
	)
	PoolCASRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "pool_cas_retries_total", Help: "Pool updates retried after a version conflict"})

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_created_total", Help: "Notifications persisted by type"},
		[]string{"type"},
	)
	NotificationsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_deduplicated_total", Help: "Notification writes collapsed onto an existing record"})
	NotificationToasts        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notification_toasts_total", Help: "Transient alerts raised for new unread notifications"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions"},
		[]string{"from", "to"},
	)

	TrackingSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_sessions_active", Help: "Open location tracking sessions"})
	TrackingLost           = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_lost_total", Help: "Tracking sessions that went stale"})
	DriversOnline          = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	RouteLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "route_latency_seconds", Help: "Routing service latency", Buckets: prometheus.DefBuckets})

	SubscriptionRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "subscription_restarts_total", Help: "Live subscriptions re-established after a collaborator failure"},
		[]string{"source"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
