// Package metrics exposes Prometheus instrumentation for the relay and the
// reconnecting client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Eviction reasons.
const (
	ReasonProbeTimeout = "probe_timeout"
	ReasonTransport    = "transport"
	ReasonClosed       = "closed"
	ReasonShutdown     = "shutdown"
)

// Routing outcomes.
const (
	RouteDelivered       = "delivered"
	RouteEmpty           = "dropped_empty"
	RouteUnauthenticated = "dropped_unauthenticated"
	RouteMalformed       = "dropped_malformed"
	RoutePersistFailed   = "persist_failed"
	RouteRateLimited     = "rate_limited"
	RouteQueueFull       = "dropped_queue_full"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of registered relay connections",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Accepted relay connections by authentication outcome",
		},
		[]string{"auth"}, // "authenticated", "anonymous"
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_disconnects_total",
			Help: "Connections removed from the registry by reason",
		},
		[]string{"reason"},
	)

	HeartbeatProbes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_heartbeat_probes_total",
			Help: "Liveness probes sent to connections",
		},
	)

	PresenceAnnouncements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_presence_announcements_total",
			Help: "Presence snapshots computed and broadcast",
		},
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Outbound frames dropped because a connection's send buffer was full",
		},
	)

	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Inbound chat messages by routing outcome",
		},
		[]string{"result"},
	)

	AttachmentFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_attachment_failures_total",
			Help: "Attachments dropped because they could not be decoded or stored",
		},
	)

	ClientReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_client_reconnect_attempts_total",
			Help: "Dial attempts made by the reconnecting client",
		},
	)
)
