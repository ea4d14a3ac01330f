package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Messages by gate outcome (sent, rejected, quarantined, error)",
		},
		[]string{"outcome"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Current number of active WebSocket connections",
		},
	)

	PresenceSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_sessions_active",
			Help: "Presence sessions tracked by this instance",
		},
	)

	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_deliveries_total",
			Help: "Local fan-out deliveries by result (delivered, duplicate, dropped)",
		},
		[]string{"result"},
	)

	EventLogRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventlog_consumer_retries_total",
			Help: "Event log read retries after transient failures",
		},
	)

	EventDeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "event_delivery_latency_seconds",
			Help:    "Latency from event timestamp to local fan-out",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuthGatewayState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auth_gateway_breaker_open",
			Help: "1 when the auth gateway circuit breaker is open",
		},
	)
)
