package metrics

import "github.com/prometheus/client_golang/prometheus"

// ListenerMetrics holds Prometheus metrics for listeners.
type ListenerMetrics struct {
	ActiveListeners     prometheus.Gauge
	ActiveSessions      prometheus.Gauge
	MessagesRelayed     prometheus.Counter
	StaleMessages       prometheus.Counter
	ShardProbes         prometheus.Counter
	ShardSpaceExhausted prometheus.Counter
	Teardowns           prometheus.Counter
}

// NewListenerMetrics creates and registers listener metrics on the given registry.
func NewListenerMetrics(reg prometheus.Registerer) *ListenerMetrics {
	m := &ListenerMetrics{
		ActiveListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "active",
			Help:      "Number of live listener actors.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "sessions",
			Help:      "Number of client sessions attached to listeners.",
		}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "messages_relayed_total",
			Help:      "Total number of messages relayed to client sessions.",
		}),
		StaleMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "stale_messages_total",
			Help:      "Total number of messages dropped because their source did not match the subscription.",
		}),
		ShardProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "shard_probes_total",
			Help:      "Total number of subscribe calls made while probing for a shard.",
		}),
		ShardSpaceExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "shard_space_exhausted_total",
			Help:      "Total number of probes that found every shard full or unreachable.",
		}),
		Teardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "teardowns_total",
			Help:      "Total number of listeners torn down.",
		}),
	}

	reg.MustRegister(m.ActiveListeners, m.ActiveSessions, m.MessagesRelayed, m.StaleMessages, m.ShardProbes, m.ShardSpaceExhausted, m.Teardowns)
	return m
}
