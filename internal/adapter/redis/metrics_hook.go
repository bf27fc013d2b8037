package redis

import (
	"context"
	"net"
	"time"

	"github.com/pscheid92/votetally/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// MetricsHook observes command latency and counts backend failures.
type MetricsHook struct {
	metrics *metrics.StorageMetrics
}

var _ goredis.Hook = (*MetricsHook)(nil)

func NewMetricsHook(m *metrics.StorageMetrics) *MetricsHook {
	return &MetricsHook{metrics: m}
}

func (h *MetricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.metrics.Errors.WithLabelValues(backendLabel).Inc()
		}
		return conn, err
	}
}

func (h *MetricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.observe(cmd.Name(), start, err)
		return err
	}
}

func (h *MetricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.observe("pipeline", start, err)
		return err
	}
}

func (h *MetricsHook) observe(operation string, start time.Time, err error) {
	h.metrics.QueryDuration.WithLabelValues(backendLabel, operation).Observe(time.Since(start).Seconds())
	if isBackendFailure(err) {
		h.metrics.Errors.WithLabelValues(backendLabel).Inc()
	}
}
