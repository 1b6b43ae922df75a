package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_gateway_requests_total",
			Help: "Total messaging gateway requests",
		},
		[]string{"op", "status"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wppsync_gateway_request_duration_seconds",
			Help:    "Messaging gateway request duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	// Real-time metrics
	TransportConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_transport_connects_total",
			Help: "Successful real-time transport connections",
		},
		[]string{"transport"},
	)

	TransportFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_transport_failures_total",
			Help: "Real-time transport failures",
		},
		[]string{"transport", "reason"}, // "connect", "drop", "protocol", "exhausted"
	)

	ActiveTransport = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wppsync_active_transport",
			Help: "1 for the currently active real-time transport",
		},
		[]string{"transport"},
	)

	// Business metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_messages_received_total",
			Help: "Message events received",
		},
		[]string{"transport"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_messages_sent_total",
			Help: "Messages sent through the gateway",
		},
		[]string{"result"}, // "ok" or "error"
	)

	ChatsDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wppsync_chats_discovered_total",
			Help: "Chats first seen through a live event",
		},
	)

	ChatsConfirmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wppsync_chats_confirmed_total",
			Help: "Locally-discovered chats confirmed by an authoritative fetch",
		},
	)

	DeviceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_device_transitions_total",
			Help: "Device status transitions",
		},
		[]string{"to"},
	)

	AutoReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_auto_replies_total",
			Help: "Automatic replies attempted",
		},
		[]string{"result"},
	)
)

// SetActiveTransport marks one transport as active and clears the others.
func SetActiveTransport(kind string) {
	for _, k := range []string{"websocket", "sse", "polling"} {
		v := 0.0
		if k == kind {
			v = 1
		}
		ActiveTransport.WithLabelValues(k).Set(v)
	}
}
