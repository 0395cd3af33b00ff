// Package metrics provides Prometheus instrumentation for the LumoVerse
// realtime core. It exposes gauges for connections and presence, counters for
// message outcomes and moderation actions, and a histogram for message
// processing latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lumo_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts room messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lumo_messages_total",
		Help: "Total number of room messages processed",
	}, []string{"outcome"}) // outcome = "accepted", "rejected", "rate_limited", "banned"

	// RejectionsTotal counts rejection reasons. One rejected message may
	// contribute several reasons.
	RejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lumo_rejections_total",
		Help: "Total number of message rejection reasons",
	}, []string{"reason"})

	// MessageLatency records message processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lumo_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FlagsTotal counts content flags by origin ("user" or "system") and
	// whether the flag triggered auto-hide.
	FlagsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lumo_flags_total",
		Help: "Total number of content flags recorded",
	}, []string{"origin", "auto_hidden"})

	// BansTotal counts bans by kind ("auto" or "manual").
	BansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lumo_bans_total",
		Help: "Total number of bans issued",
	}, []string{"kind"})

	// PresenceEvents counts presence transitions by action.
	PresenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lumo_presence_events_total",
		Help: "Total number of presence transitions",
	}, []string{"action"}) // action = "joined", "left"

	// ActiveRooms tracks the number of rooms with at least one local subscriber.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lumo_active_rooms",
		Help: "Current number of rooms with local subscribers",
	})

	// ReconnectAttempts counts client reconnect attempts.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lumo_reconnect_attempts_total",
		Help: "Total number of client reconnect attempts",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		RejectionsTotal,
		MessageLatency,
		FlagsTotal,
		BansTotal,
		PresenceEvents,
		ActiveRooms,
		ReconnectAttempts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
