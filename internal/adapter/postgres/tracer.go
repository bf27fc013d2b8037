package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/votetally/internal/adapter/metrics"
)

const backendLabel = "postgres"

// QueryTracer records query latency and failures on the storage metrics.
type QueryTracer struct {
	metrics *metrics.StorageMetrics
}

var _ pgx.QueryTracer = (*QueryTracer)(nil)

type queryContextKey struct{}

type queryContext struct {
	start     time.Time
	operation string
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{
		start:     time.Now(),
		operation: operationName(data.SQL),
	})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}

	t.metrics.QueryDuration.WithLabelValues(backendLabel, qctx.operation).Observe(time.Since(qctx.start).Seconds())
	// constraint violations are how write-once rules surface, not backend faults
	if data.Err != nil && !isUniqueViolation(data.Err) && !isForeignKeyViolation(data.Err) {
		t.metrics.Errors.WithLabelValues(backendLabel).Inc()
	}
}

// operationName reduces a statement to its leading keyword to bound label cardinality.
func operationName(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
