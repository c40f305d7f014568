package server

import (
	"flowchat/protocol"

	"github.com/prometheus/client_golang/prometheus"
)

// Reasons an event did not reach its destination.
const (
	dropOffline     = "offline"
	dropQueueFull   = "queue_full"
	dropRateLimited = "rate_limited"
	dropRejected    = "rejected"
	dropInvalid     = "invalid"
	dropUnknown     = "unknown"
)

var knownEvents = map[string]bool{
	protocol.EventOnlineUsers:        true,
	protocol.EventTyping:             true,
	protocol.EventStopTyping:         true,
	protocol.EventMarkAsRead:         true,
	protocol.EventMessagesRead:       true,
	protocol.EventUpdateProfile:      true,
	protocol.EventUserProfileUpdated: true,
	protocol.EventDeleteMessage:      true,
	protocol.EventMessageDeleted:     true,
	protocol.EventNewMessage:         true,
}

// eventLabel keeps client-chosen event names out of metric labels.
func eventLabel(eventType string) string {
	if knownEvents[eventType] {
		return eventType
	}
	return "other"
}

type Metrics struct {
	onlineUsers   prometheus.Gauge
	connections   prometheus.Gauge
	eventsIn      *prometheus.CounterVec
	eventsOut     *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	messages      *prometheus.CounterVec
	markedRead    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowchat_online_users",
			Help: "Users with a registered live connection.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowchat_connections",
			Help: "Open live connections, including anonymous ones.",
		}),
		eventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowchat_events_received_total",
			Help: "Inbound live events by type.",
		}, []string{"event"}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowchat_events_pushed_total",
			Help: "Outbound live events queued to a connection.",
		}, []string{"event"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowchat_events_dropped_total",
			Help: "Live events that were not delivered, by reason.",
		}, []string{"event", "reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowchat_messages_created_total",
			Help: "Persisted messages by initial status.",
		}, []string{"status"}),
		markedRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowchat_messages_marked_read_total",
			Help: "Messages moved to read by read receipts.",
		}),
	}
	reg.MustRegister(m.onlineUsers, m.connections, m.eventsIn, m.eventsOut, m.eventsDropped, m.messages, m.markedRead)
	return m
}

func (m *Metrics) received(eventType string) {
	m.eventsIn.WithLabelValues(eventLabel(eventType)).Inc()
}

func (m *Metrics) pushed(eventType string) {
	m.eventsOut.WithLabelValues(eventLabel(eventType)).Inc()
}

func (m *Metrics) dropped(eventType, reason string) {
	m.eventsDropped.WithLabelValues(eventLabel(eventType), reason).Inc()
}
