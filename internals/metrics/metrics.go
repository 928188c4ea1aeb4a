package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms and connections
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_active_rooms",
		Help: "Number of rooms with at least one member",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_active_connections",
		Help: "Number of live websocket connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_connections_total",
		Help: "Total number of accepted websocket connections",
	})

	RoomsTornDownTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_rooms_torn_down_total",
		Help: "Total number of rooms retired after their last member left",
	})

	// Event traffic
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_events_received_total",
		Help: "Inbound client events by type",
	}, []string{"type"})

	EventErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_event_errors_total",
		Help: "Rejected inbound events by error code",
	}, []string{"code"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_messages_sent_total",
		Help: "Outbound messages queued for delivery by type",
	}, []string{"type"})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_messages_dropped_total",
		Help: "Outbound messages dropped because a send buffer was full or closed",
	})

	FanoutSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "echo_fanout_size",
		Help:    "Recipients per room broadcast",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	// Expiry
	WavesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_waves_expired_total",
		Help: "Sound waves removed by the expiry sweep",
	})

	SweepDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "echo_sweep_duration_ms",
		Help:    "Expiry sweep duration in milliseconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 50},
	})

	// Redis health
	RedisLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "echo_redis_latency_ms",
		Help:    "Redis operation latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50},
	})

	RedisErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_redis_errors_total",
		Help: "Total Redis errors",
	})

	RelayedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "echo_relayed_messages_total",
		Help: "Messages exchanged with other instances over Redis pub/sub",
	}, []string{"direction"})
)

// Helper functions

func RecordEvent(eventType string) {
	EventsReceived.WithLabelValues(eventType).Inc()
}

func RecordError(code string) {
	EventErrors.WithLabelValues(code).Inc()
}

func RecordSent(msgType string, delivered bool) {
	if delivered {
		MessagesSent.WithLabelValues(msgType).Inc()
	} else {
		MessagesDropped.Inc()
	}
}

func RecordRelay(outbound bool) {
	if outbound {
		RelayedMessagesTotal.WithLabelValues("out").Inc()
	} else {
		RelayedMessagesTotal.WithLabelValues("in").Inc()
	}
}
