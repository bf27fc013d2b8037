// Package retry runs an operation until it succeeds, the classifier marks
// its error permanent, or the attempt budget is spent.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

type Action int

const (
	Stop    Action = iota // permanent error, abort immediately
	Retry                 // transient error, back off exponentially
	After                 // rate-limited, wait RateLimitBackoff
	Restart               // lost a race, retry after a jittered pause from a doubling window
)

type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration // 0 means uncapped
	RateLimitBackoff time.Duration
	Clock            clockwork.Clock
	OnRetry          func(attempt int, err error, backoff time.Duration)
}

type Classify func(err error) Action
type Operation[T any] func(attempt int) (T, error)
type VoidOperation func(attempt int) error

func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		return zero, fmt.Errorf("retry: MaxAttempts must be >= 1, got %d", p.MaxAttempts)
	}

	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	backoff := p.InitialBackoff
	window := p.InitialBackoff

	for attempt := 1; ; attempt++ {
		val, err := op(attempt)
		if err == nil {
			return val, nil
		}

		action := classify(err)
		if action == Stop {
			return zero, &PermanentError{Err: err}
		}

		if attempt == p.MaxAttempts {
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		wait := backoff
		switch action {
		case After:
			wait = p.RateLimitBackoff
		case Restart:
			// Full jitter spreads contenders apart; the window grows so a crowd thins out.
			wait = jitter(window)
			window = grow(window, p.MaxBackoff)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		if wait > 0 {
			select {
			case <-clock.After(wait):
			case <-ctx.Done():
				return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			}
		} else if ctx.Err() != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}

		if action == Retry {
			backoff = grow(backoff, p.MaxBackoff)
		}
	}
}

func DoVoid(ctx context.Context, p Policy, classify Classify, op VoidOperation) error {
	_, err := Do(ctx, p, classify, func(attempt int) (struct{}, error) { return struct{}{}, op(attempt) })
	return err
}

func grow(d, limit time.Duration) time.Duration {
	d *= 2
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// jitter returns a duration in [0, d).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
