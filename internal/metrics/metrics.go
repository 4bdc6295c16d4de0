package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tripmate"

var (
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Messages accepted by the send primitive, by type.",
	}, []string{"type"})

	SendRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_rejected_total",
		Help:      "Send attempts rejected before persistence, by reason.",
	}, []string{"reason"})

	ReactionsToggled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reactions_toggled_total",
		Help:      "Reaction toggles applied.",
	})

	ReceiptsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_receipts_created_total",
		Help:      "Read receipt rows created.",
	})

	Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Attachment uploads, by category and outcome.",
	}, []string{"category", "outcome"})

	PresenceWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_writes_total",
		Help:      "Presence heartbeats, by reported state.",
	}, []string{"online"})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_subscribers",
		Help:      "Live topic subscriptions across WebSocket and SSE clients.",
	})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_events_dropped_total",
		Help:      "Events dropped because a subscriber buffer was full.",
	})

	WebSocketConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_connections",
		Help:      "Open realtime WebSocket connections.",
	})
)

// Registry holds every collector of this service plus the Go runtime ones.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		MessagesSent,
		SendRejected,
		ReactionsToggled,
		ReceiptsCreated,
		Uploads,
		PresenceWrites,
		Subscribers,
		EventsDropped,
		WebSocketConnections,
	)
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
