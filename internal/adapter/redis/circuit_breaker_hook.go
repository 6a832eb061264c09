package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// CircuitBreakerHook implements redis.Hook and fails Redis operations fast while Redis is
// unavailable. Actor stores have no safe fallback value, so a rejected command carries an
// error wrapping circuitbreaker.ErrOpen.
type CircuitBreakerHook struct {
	cb      circuitbreaker.CircuitBreaker[any]
	metrics *metrics.RedisMetrics
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook creates a circuit breaker that opens at a 60% failure rate over at
// least 5 requests in a 10s window, probes again after 30s, and closes on one success.
func NewCircuitBreakerHook(m *metrics.RedisMetrics) *CircuitBreakerHook {
	return newCircuitBreakerHook(m, 30*time.Second)
}

func newCircuitBreakerHook(m *metrics.RedisMetrics, delay time.Duration) *CircuitBreakerHook {
	h := &CircuitBreakerHook{metrics: m}
	h.cb = circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			h.metrics.CircuitStateChanges.WithLabelValues(e.NewState.String()).Inc()
			h.metrics.CircuitBreakerState.Set(stateToFloat(e.NewState))
		}).
		Build()
	return h
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

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			slog.Debug("Circuit breaker open, rejecting command", "command", cmd.Name())
			err := fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
			cmd.SetErr(err)
			return err
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return err
		}
		h.cb.RecordSuccess()
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			err := fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
			for _, cmd := range cmds {
				cmd.SetErr(err)
			}
			return err
		}

		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		h.cb.RecordSuccess()
		return err
	}
}

// State returns the current circuit state.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
