package metrics

import "github.com/prometheus/client_golang/prometheus"

// ShardMetrics holds Prometheus metrics for topic shards.
type ShardMetrics struct {
	ActiveShards    prometheus.Gauge
	Members         prometheus.Gauge
	Subscriptions   *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	KeepalivesFired prometheus.Counter
	Teardowns       prometheus.Counter
	InitFailures    prometheus.Counter
}

// NewShardMetrics creates and registers shard metrics on the given registry.
func NewShardMetrics(reg prometheus.Registerer) *ShardMetrics {
	m := &ShardMetrics{
		ActiveShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "active",
			Help:      "Number of live topic shard actors.",
		}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "members",
			Help:      "Total listener memberships across all live shards.",
		}),
		Subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "subscriptions_total",
			Help:      "Subscribe requests by result (accepted, rejected, error).",
		}, []string{"result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "deliveries_total",
			Help:      "Message deliveries to listeners by result (ok, failed).",
		}, []string{"result"}),
		KeepalivesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "keepalives_fired_total",
			Help:      "Total number of keepalive timer firings.",
		}),
		Teardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "teardowns_total",
			Help:      "Total number of shards torn down after their last member left.",
		}),
		InitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "init_failures_total",
			Help:      "Total number of shard schema upgrades that failed.",
		}),
	}

	reg.MustRegister(m.ActiveShards, m.Members, m.Subscriptions, m.Deliveries, m.KeepalivesFired, m.Teardowns, m.InitFailures)
	return m
}
