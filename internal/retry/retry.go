// Package retry provides configurable retry policies with backoff for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	// StrategyFixed waits the initial delay between every attempt.
	StrategyFixed Strategy = "fixed"
	// StrategyLinear grows the delay linearly with the attempt number.
	StrategyLinear Strategy = "linear"
	// StrategyExponential doubles the delay after every attempt.
	StrategyExponential Strategy = "exponential"
	// StrategyFibonacci grows the delay along the Fibonacci sequence.
	StrategyFibonacci Strategy = "fibonacci"
)

// ErrRetriesExhausted is returned when all retry attempts have failed.
// The last attempt's error is wrapped and reachable via errors.Unwrap.
var ErrRetriesExhausted = errors.New("all retry attempts exhausted")

// Policy defines retry behaviour for an operation class.
//
// MaxRetries counts retries, not attempts: MaxRetries=3 means up to 4 calls.
// A nil RetryIf retries every error.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     Strategy
	Jitter       float64 // fraction of the delay added as uniform random noise, 0 disables
	RetryIf      func(error) bool
}

// DefaultPolicy returns the policy used for transient document store failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Strategy:     StrategyExponential,
		Jitter:       0.2,
	}
}

// Do runs fn under the policy, sleeping between attempts according to the
// backoff strategy. It stops early when the context is cancelled, when fn
// succeeds, or when RetryIf reports the error as non-retryable.
func Do(ctx context.Context, policy Policy, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt)

			slog.Debug("retrying operation",
				slog.String("operation", operation),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled for %s: %w", operation, ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if policy.RetryIf != nil && !policy.RetryIf(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %w",
		ErrRetriesExhausted, operation, policy.MaxRetries+1, lastErr)
}

// Delay returns the backoff delay before the given attempt (attempt >= 1),
// capped at MaxDelay, with jitter applied last.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	base := p.InitialDelay

	switch p.Strategy {
	case StrategyFixed:
		// base unchanged
	case StrategyLinear:
		base = time.Duration(attempt) * p.InitialDelay
	case StrategyExponential:
		base = p.InitialDelay << uint(attempt-1)
	case StrategyFibonacci:
		base = time.Duration(fibonacci(attempt)) * p.InitialDelay
	default:
		base = p.InitialDelay << uint(attempt-1)
	}

	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}

	if p.Jitter > 0 {
		noise := time.Duration(rand.Int63n(int64(float64(base)*p.Jitter) + 1))
		base += noise

		if p.MaxDelay > 0 && base > p.MaxDelay {
			base = p.MaxDelay
		}
	}

	return base
}

// fibonacci returns the nth Fibonacci number with fibonacci(1) == fibonacci(2) == 1.
func fibonacci(n int) int {
	if n <= 2 {
		return 1
	}

	a, b := 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}

	return b
}
