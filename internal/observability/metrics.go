package observability

import "github.com/prometheus/client_golang/prometheus"

// Messaging collectors. HTTP collectors live with the HTTP middleware.
var (
	// MessagesSent counts persisted messages by type.
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages persisted by the send pipeline.",
		},
		[]string{"type"},
	)

	// RateLimited counts sends rejected by the per-sender limiter.
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_send_rate_limited_total",
			Help: "Sends rejected by the per-sender rate limiter.",
		},
	)

	// RateLimiterFallbacks counts decisions served locally because Redis failed.
	RateLimiterFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_rate_limiter_fallback_total",
			Help: "Rate-limit decisions served by the local limiter after a Redis error.",
		},
	)

	// FanoutDropped counts events dropped for slow local subscribers, by
	// topic kind (conversation, user, presence).
	FanoutDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_fanout_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		},
		[]string{"kind"},
	)

	// RelayErrors counts failed publishes/decodes on the cross-process relay.
	RelayErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_errors_total",
			Help: "Errors publishing to or decoding from the cross-process relay.",
		},
	)

	// PresenceDropped counts presence transitions dropped by a full queue.
	PresenceDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_presence_dropped_total",
			Help: "Presence transitions dropped because the queue was full.",
		},
	)

	// Notifications counts e-mail fallback outcomes: sent, failed, dropped, skipped.
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_notifications_total",
			Help: "E-mail notification outcomes.",
		},
		[]string{"outcome"},
	)

	// Connections gauges live WebSocket connections in this process.
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_connections",
			Help: "Live WebSocket connections.",
		},
	)

	// OnlineUsers gauges users with at least one live connection in this process.
	OnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Users with at least one live connection.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesSent, RateLimited, RateLimiterFallbacks, FanoutDropped,
		RelayErrors, PresenceDropped, Notifications, Connections, OnlineUsers,
	)
}
