package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
)

// MetricsTracer implements pgx.QueryTracer and records query duration and failures.
type MetricsTracer struct {
	clock   clockwork.Clock
	metrics *metrics.DBMetrics
}

var _ pgx.QueryTracer = (*MetricsTracer)(nil)

func NewMetricsTracer(clock clockwork.Clock, m *metrics.DBMetrics) *MetricsTracer {
	return &MetricsTracer{clock: clock, metrics: m}
}

type queryContextKey struct{}

type queryContext struct {
	start time.Time
	name  string
}

func (t *MetricsTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{
		start: t.clock.Now(),
		name:  queryName(data.SQL),
	})
}

func (t *MetricsTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}

	t.metrics.QueryDuration.WithLabelValues(qctx.name).Observe(t.clock.Since(qctx.start).Seconds())
	if data.Err != nil {
		t.metrics.Errors.WithLabelValues(qctx.name).Inc()
	}
}

// queryName reduces a statement to its lowercased leading keyword to bound label cardinality.
func queryName(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}

	name := strings.ToLower(fields[0])
	if len(name) > 20 {
		name = name[:20]
	}
	return name
}
