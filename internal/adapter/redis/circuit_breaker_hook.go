package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/votetally/internal/adapter/metrics"
	"github.com/pscheid92/votetally/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const backendLabel = "redis"

// CircuitBreakerHook fails commands fast with domain.ErrBackendUnavailable while
// Redis is unhealthy. Writes are never served from a fallback.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook opens after a 60% failure rate over at least 5 commands in 10s,
// lets a trial command through after 30s and closes on the first success.
func NewCircuitBreakerHook(m *metrics.StorageMetrics) *CircuitBreakerHook {
	return newCircuitBreakerHook(m, 30*time.Second)
}

func newCircuitBreakerHook(m *metrics.StorageMetrics, delay time.Duration) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", backendLabel,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if m != nil {
				m.CircuitBreakerStateChanges.WithLabelValues(backendLabel, e.NewState.String()).Inc()
				m.CircuitBreakerState.WithLabelValues(backendLabel).Set(stateToFloat(e.NewState))
			}
		}).
		Build()

	return &CircuitBreakerHook{cb: cb}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

var errCircuitOpen = fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, circuitbreaker.ErrOpen)

// isBackendFailure reports whether err says something about Redis health. Replies
// from the server, including script error replies and nil, mean Redis is up.
func isBackendFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var redisErr goredis.Error
	return !errors.As(err, &redisErr)
}

func (h *CircuitBreakerHook) record(err error) {
	if isBackendFailure(err) {
		h.cb.RecordError(err)
		return
	}
	h.cb.RecordSuccess()
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, errCircuitOpen
		}
		conn, err := next(ctx, network, addr)
		h.record(err)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
		}
		return conn, nil
	}
}

// ProcessHook sets the rejection on cmd as well, since command helpers report cmd.Err().
func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			cmd.SetErr(errCircuitOpen)
			return errCircuitOpen
		}

		err := next(ctx, cmd)
		h.record(err)
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			for _, cmd := range cmds {
				cmd.SetErr(errCircuitOpen)
			}
			return errCircuitOpen
		}

		err := next(ctx, cmds)
		h.record(err)
		return err
	}
}

// State returns the breaker state.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
