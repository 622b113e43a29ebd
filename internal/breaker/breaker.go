// Package breaker implements a three-state circuit breaker guarding calls to
// external dependencies (document store, workflow engine, notification sinks).
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State identifies the admission state of a circuit breaker.
type State string

const (
	// StateClosed passes all calls through.
	StateClosed State = "closed"
	// StateOpen rejects all calls until the reset timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when a call is rejected by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError reports a rejected call together with the time remaining until
// the breaker will admit a probe. It unwraps to ErrCircuitOpen.
type OpenError struct {
	Name    string
	ResetIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, reset in %.0fs", e.Name, e.ResetIn.Seconds())
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Config controls trip and recovery behaviour.
type Config struct {
	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before admitting probes.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent in-flight probes while half-open.
	HalfOpenMaxCalls int
	// SuccessThreshold closes the breaker after this many consecutive
	// half-open successes.
	SuccessThreshold int
	// WindowSize bounds the sliding window of recent call outcomes.
	WindowSize int
	// MinCallsInWindow is the minimum window population before the failure
	// rate can trip the breaker.
	MinCallsInWindow int
	// FailureRateThreshold trips the breaker when the windowed failure rate
	// reaches this fraction.
	FailureRateThreshold float64
}

// DefaultConfig returns the breaker settings used for the document store.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		ResetTimeout:         60 * time.Second,
		HalfOpenMaxCalls:     1,
		SuccessThreshold:     2,
		WindowSize:           10,
		MinCallsInWindow:     10,
		FailureRateThreshold: 0.5,
	}
}

// Snapshot is a point-in-time view of breaker state for observability.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	WindowSize           int       `json:"window_size"`
	WindowFailureRate    float64   `json:"window_failure_rate"`
	TotalRequests        int64     `json:"total_requests"`
	TotalFailures        int64     `json:"total_failures"`
	RejectedRequests     int64     `json:"rejected_requests"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
}

// Breaker is a single named circuit breaker. All methods are safe for
// concurrent use.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu                   sync.Mutex
	state                State
	window               []bool // true = failure, bounded FIFO
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	openedAt             time.Time
	totalRequests        int64
	totalFailures        int64
	rejectedRequests     int64
}

// Option customizes breaker construction.
type Option func(*Breaker)

// WithClock substitutes the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker with the given name and config. Zero-valued
// config fields fall back to DefaultConfig.
func New(name string, config Config, opts ...Option) *Breaker {
	defaults := DefaultConfig()

	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}

	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}

	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}

	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}

	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}

	if config.MinCallsInWindow <= 0 {
		config.MinCallsInWindow = defaults.MinCallsInWindow
	}

	if config.FailureRateThreshold <= 0 {
		config.FailureRateThreshold = defaults.FailureRateThreshold
	}

	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
		window: make([]bool, 0, config.WindowSize),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// Allow decides admission for one call. It returns nil when the call may
// proceed; otherwise an *OpenError carrying the remaining reset time.
// Callers MUST report the outcome via RecordSuccess or RecordFailure when
// Allow returns nil.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.config.ResetTimeout {
			b.rejectedRequests++

			return &OpenError{Name: b.name, ResetIn: b.config.ResetTimeout - elapsed}
		}

		b.toHalfOpen()

		fallthrough

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			b.rejectedRequests++

			return &OpenError{Name: b.name, ResetIn: 0}
		}

		b.halfOpenInFlight++

		return nil
	}

	return nil
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.pushOutcome(false)
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}

		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.toClosed()
		}
	}
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalFailures++
	b.pushOutcome(true)
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0

	switch b.state {
	case StateClosed:
		if b.shouldTrip() {
			b.toOpen()
		}

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}

		b.toOpen()

	case StateOpen:
		// outcome from a call admitted before the trip; window already updated
	}
}

// State returns the current admission state, applying the open to half-open
// time transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
		b.toHalfOpen()
	}

	return b.state
}

// Snapshot returns current counters for metrics and health endpoints.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		WindowSize:           len(b.window),
		WindowFailureRate:    b.failureRate(),
		TotalRequests:        b.totalRequests,
		TotalFailures:        b.totalFailures,
		RejectedRequests:     b.rejectedRequests,
		OpenedAt:             b.openedAt,
	}
}

// shouldTrip reports whether the closed breaker must open. Caller holds mu.
func (b *Breaker) shouldTrip() bool {
	if b.consecutiveFailures >= b.config.FailureThreshold {
		return true
	}

	if len(b.window) >= b.config.MinCallsInWindow &&
		b.failureRate() >= b.config.FailureRateThreshold {
		return true
	}

	return false
}

// pushOutcome appends to the bounded FIFO window. Caller holds mu.
func (b *Breaker) pushOutcome(failure bool) {
	if len(b.window) >= b.config.WindowSize {
		b.window = b.window[1:]
	}

	b.window = append(b.window, failure)
}

// failureRate computes failures over window population. Caller holds mu.
func (b *Breaker) failureRate() float64 {
	if len(b.window) == 0 {
		return 0
	}

	failures := 0

	for _, failed := range b.window {
		if failed {
			failures++
		}
	}

	return float64(failures) / float64(len(b.window))
}

// toOpen transitions to open. Caller holds mu. The window persists.
func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.halfOpenInFlight = 0
	b.consecutiveSuccesses = 0
}

// toHalfOpen transitions to half-open. Caller holds mu.
func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.halfOpenInFlight = 0
	b.consecutiveSuccesses = 0
}

// toClosed transitions to closed. Caller holds mu. The window persists.
func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.halfOpenInFlight = 0
	b.consecutiveFailures = 0
}
