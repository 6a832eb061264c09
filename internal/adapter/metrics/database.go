package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBMetrics holds Prometheus metrics for PostgreSQL queries.
type DBMetrics struct {
	QueryDuration *prometheus.HistogramVec
	Errors        *prometheus.CounterVec
}

// NewDBMetrics creates and registers database metrics on the given registry.
func NewDBMetrics(reg prometheus.Registerer) *DBMetrics {
	m := &DBMetrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries by statement kind.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"query"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "errors_total",
			Help:      "Total failed database queries by statement kind.",
		}, []string{"query"}),
	}

	reg.MustRegister(m.QueryDuration, m.Errors)
	return m
}
