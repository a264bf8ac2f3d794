package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	WSConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livechat_ws_connections",
			Help: "Open websocket connections",
		},
		[]string{"user_type"},
	)

	// Realtime layer
	FeedReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_feed_reconnects_total",
			Help: "Change feed stream reconnects",
		},
		[]string{"table"},
	)

	FeedStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_feed_streams",
			Help: "Distinct (table, filter) change feed streams",
		},
	)

	PresenceSyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_presence_syncs_total",
			Help: "Presence sync notifications delivered",
		},
	)

	TypingPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_typing_publishes_total",
			Help: "Typing state publishes after throttling",
		},
	)

	ResolverRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_resolver_refreshes_total",
			Help: "Assigned agent refreshes by trigger",
		},
		[]string{"trigger"},
	)

	ReassignmentLogs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_reassignment_logs_total",
			Help: "Reassignment log entries appended",
		},
		[]string{"reason"},
	)

	AgentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_agent_transitions_total",
			Help: "Inactivity monitor transitions",
		},
		[]string{"to"},
	)

	// Rate limit metrics
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_rate_limit_decisions_total",
			Help: "Login rate limit decisions",
		},
		[]string{"decision"}, // "allowed", "blocked" or "fail_open"
	)
)
