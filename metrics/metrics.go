// Package metrics defines the Prometheus collectors for the engine and the
// relay. Collectors are created per instance and registered on the
// Registerer passed in, so several engines can live in one process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "msim"

type Engine struct {
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	StatusUpdates    *prometheus.CounterVec
	Reactions        prometheus.Counter
	TypingEmitted    prometheus.Counter
	Dropped          *prometheus.CounterVec
	TransportErrors  *prometheus.CounterVec
	Conversations    prometheus.Gauge
	OnlineUsers      prometheus.Gauge
}

// NewEngine builds engine collectors. A nil reg leaves them unregistered.
func NewEngine(reg prometheus.Registerer) *Engine {
	m := &Engine{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "messages_sent_total",
			Help: "Messages composed locally.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "messages_received_total",
			Help: "Inbound messages appended to the ledger.",
		}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "status_updates_total",
			Help: "Delivery status advances applied, by new status.",
		}, []string{"status"}),
		Reactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "reaction_toggles_total",
			Help: "Reaction toggles applied.",
		}),
		TypingEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "typing_emitted_total",
			Help: "Outbound typing signals that passed the throttle.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "inbound_dropped_total",
			Help: "Inbound events dropped, by reason.",
		}, []string{"reason"}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "transport_errors_total",
			Help: "Failed emits, by event kind.",
		}, []string{"kind"}),
		Conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "conversations",
			Help: "Conversations in the directory.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine",
			Name: "online_users",
			Help: "Users currently reported online.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesSent, m.MessagesReceived, m.StatusUpdates, m.Reactions,
			m.TypingEmitted, m.Dropped, m.TransportErrors, m.Conversations, m.OnlineUsers,
		)
	}
	return m
}

type Relay struct {
	Sessions      prometheus.Gauge
	Packets       *prometheus.CounterVec
	Routed        *prometheus.CounterVec
	Undeliverable prometheus.Counter
	AuthFailures  prometheus.Counter
}

// NewRelay builds relay collectors. A nil reg leaves them unregistered.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "sessions",
			Help: "Authenticated sessions.",
		}),
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "packets_total",
			Help: "Packets read from clients, by type.",
		}, []string{"type"}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "routed_total",
			Help: "Events forwarded to a recipient session, by kind.",
		}, []string{"kind"}),
		Undeliverable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "undeliverable_total",
			Help: "Events whose recipient had no session.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "auth_failures_total",
			Help: "Rejected auth attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Packets, m.Routed, m.Undeliverable, m.AuthFailures)
	}
	return m
}
