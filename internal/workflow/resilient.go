package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spindle-io/spindle/internal/breaker"
	"github.com/spindle-io/spindle/internal/retry"
)

// BreakerName is the registry name of the circuit breaker guarding the
// workflow engine.
const BreakerName = "workflow-engine"

// ErrEngineUnavailable wraps failures the decorator could not recover from:
// the breaker is open or retries are exhausted.
var ErrEngineUnavailable = errors.New("workflow engine unavailable")

// Resilient decorates a Trigger with a named circuit breaker and transient
// retry. Read paths (Runs, RunStatus) retry; TriggerRun does not, because a
// trigger that timed out may still have started a run on the engine side.
type Resilient struct {
	next    Trigger
	breaker *breaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
	timeout time.Duration
}

// ResilientOption configures a Resilient trigger.
type ResilientOption func(*Resilient)

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) {
		r.timeout = d
	}
}

// WithRetryPolicy overrides the read-path retry policy.
func WithRetryPolicy(policy retry.Policy) ResilientOption {
	return func(r *Resilient) {
		r.policy = policy
	}
}

// NewResilient wraps next with the engine breaker from the given registry
// and a transient retry policy for read paths.
func NewResilient(next Trigger, breakers *breaker.Registry, logger *slog.Logger, opts ...ResilientOption) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Resilient{
		next:    next,
		breaker: breakers.GetOrCreate(BreakerName, breaker.DefaultConfig()),
		policy:  retry.DefaultPolicy(),
		logger:  logger,
		timeout: DefaultTriggerTimeout,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// TriggerRun starts one run through the breaker, without retry.
func (r *Resilient) TriggerRun(ctx context.Context, dagID string, conf map[string]any, runID string) (*TriggerResult, error) {
	if err := r.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.next.TriggerRun(callCtx, dagID, conf, runID)
	if err != nil {
		r.breaker.RecordFailure()

		r.logger.Warn("workflow trigger failed",
			slog.String("dag_id", dagID),
			slog.String("run_id", runID),
			slog.Any("error", err),
		)

		return nil, fmt.Errorf("trigger dag %s: %w", dagID, err)
	}

	r.breaker.RecordSuccess()

	return result, nil
}

// Runs lists recent runs with breaker admission per retry attempt.
func (r *Resilient) Runs(ctx context.Context, dagID string, limit int) (*RunsResult, error) {
	var result *RunsResult

	err := retry.Do(ctx, r.policy, "workflow.runs", func() error {
		if err := r.breaker.Allow(); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		res, err := r.next.Runs(callCtx, dagID, limit)
		if err != nil {
			r.breaker.RecordFailure()

			return err
		}

		r.breaker.RecordSuccess()
		result = res

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list runs for dag %s: %w", ErrEngineUnavailable, dagID, err)
	}

	return result, nil
}

// RunStatus reads one run record with breaker admission per retry attempt.
func (r *Resilient) RunStatus(ctx context.Context, dagID, runID string) (*RunInfo, error) {
	var info *RunInfo

	err := retry.Do(ctx, r.policy, "workflow.run_status", func() error {
		if err := r.breaker.Allow(); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		res, err := r.next.RunStatus(callCtx, dagID, runID)
		if err != nil {
			r.breaker.RecordFailure()

			return err
		}

		r.breaker.RecordSuccess()
		info = res

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: run status %s/%s: %w", ErrEngineUnavailable, dagID, runID, err)
	}

	return info, nil
}

var _ Trigger = (*Resilient)(nil)
