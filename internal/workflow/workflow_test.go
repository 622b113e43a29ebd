package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/spindle-io/spindle/internal/breaker"
	"github.com/spindle-io/spindle/internal/retry"
)

var errEngineDown = errors.New("engine down")

// fakeTrigger counts calls and fails the first N of each method.
type fakeTrigger struct {
	mu           sync.Mutex
	triggerCalls int
	runsCalls    int
	statusCalls  int

	failTriggers int
	failRuns     int
	failStatus   int
}

func (f *fakeTrigger) TriggerRun(_ context.Context, dagID string, _ map[string]any, runID string) (*TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.triggerCalls++
	if f.triggerCalls <= f.failTriggers {
		return nil, errEngineDown
	}

	return &TriggerResult{Success: true, DagID: dagID, RunID: runID, Message: "queued"}, nil
}

func (f *fakeTrigger) Runs(_ context.Context, _ string, limit int) (*RunsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.runsCalls++
	if f.runsCalls <= f.failRuns {
		return nil, errEngineDown
	}

	runs := make([]RunInfo, 0, limit)
	runs = append(runs, RunInfo{RunID: "r1", State: "success"})

	return &RunsResult{Runs: runs}, nil
}

func (f *fakeTrigger) RunStatus(_ context.Context, _, runID string) (*RunInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++
	if f.statusCalls <= f.failStatus {
		return nil, errEngineDown
	}

	return &RunInfo{RunID: runID, State: "running"}, nil
}

func (f *fakeTrigger) calls() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.triggerCalls, f.runsCalls, f.statusCalls
}

// fastPolicy keeps retry delays out of test time.
func fastPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Strategy:     retry.StrategyFixed,
	}
}

func newTestResilient(fake *fakeTrigger, breakers *breaker.Registry, maxRetries int) *Resilient {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewResilient(fake, breakers, logger, WithRetryPolicy(fastPolicy(maxRetries)))
}

func TestResilientTriggerRunPassThrough(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := &fakeTrigger{}
	r := newTestResilient(fake, breaker.NewRegistry(), 2)

	result, err := r.TriggerRun(context.Background(), "crawl_news", map[string]any{"source_id": "abc"}, "run-1")
	if err != nil {
		t.Fatalf("TriggerRun() error = %v", err)
	}

	if !result.Success || result.DagID != "crawl_news" || result.RunID != "run-1" {
		t.Errorf("unexpected result: %+v", result)
	}

	if calls, _, _ := fake.calls(); calls != 1 {
		t.Errorf("TriggerRun called %d times, want 1", calls)
	}
}

func TestResilientTriggerRunDoesNotRetry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := &fakeTrigger{failTriggers: 99}
	r := newTestResilient(fake, breaker.NewRegistry(), 3)

	_, err := r.TriggerRun(context.Background(), "crawl_news", nil, "")
	if !errors.Is(err, errEngineDown) {
		t.Fatalf("expected engine error, got %v", err)
	}

	// A timed-out trigger may have started a run engine-side, so exactly
	// one attempt is made.
	if calls, _, _ := fake.calls(); calls != 1 {
		t.Errorf("TriggerRun called %d times, want 1", calls)
	}
}

func TestResilientRunsRetriesTransientFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := &fakeTrigger{failRuns: 2}
	r := newTestResilient(fake, breaker.NewRegistry(), 2)

	result, err := r.Runs(context.Background(), "crawl_news", 5)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}

	if len(result.Runs) != 1 || result.Runs[0].RunID != "r1" {
		t.Errorf("unexpected runs result: %+v", result)
	}

	if _, calls, _ := fake.calls(); calls != 3 {
		t.Errorf("Runs called %d times, want 3", calls)
	}
}

func TestResilientRunsExhaustsRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := &fakeTrigger{failRuns: 99}
	r := newTestResilient(fake, breaker.NewRegistry(), 1)

	_, err := r.Runs(context.Background(), "crawl_news", 5)

	if !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable, got %v", err)
	}

	if !errors.Is(err, retry.ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted in chain, got %v", err)
	}

	if !errors.Is(err, errEngineDown) {
		t.Errorf("expected the engine error in chain, got %v", err)
	}

	if _, calls, _ := fake.calls(); calls != 2 {
		t.Errorf("Runs called %d times, want 2 (1 retry)", calls)
	}
}

func TestResilientRunStatusRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fake := &fakeTrigger{failStatus: 1}
	r := newTestResilient(fake, breaker.NewRegistry(), 2)

	info, err := r.RunStatus(context.Background(), "crawl_news", "run-9")
	if err != nil {
		t.Fatalf("RunStatus() error = %v", err)
	}

	if info.RunID != "run-9" || info.State != "running" {
		t.Errorf("unexpected info: %+v", info)
	}

	if _, _, calls := fake.calls(); calls != 2 {
		t.Errorf("RunStatus called %d times, want 2", calls)
	}
}

func TestResilientBreakerRejectsWhenOpen(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Pre-register the engine breaker with a hair trigger; NewResilient
	// picks up the existing registration.
	breakers := breaker.NewRegistry()
	breakers.GetOrCreate(BreakerName, breaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
	})

	fake := &fakeTrigger{failTriggers: 99}
	r := newTestResilient(fake, breakers, 0)

	if _, err := r.TriggerRun(context.Background(), "crawl_news", nil, ""); err == nil {
		t.Fatal("expected first trigger to fail")
	}

	_, err := r.TriggerRun(context.Background(), "crawl_news", nil, "")
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("expected open-circuit rejection, got %v", err)
	}

	if !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable in chain, got %v", err)
	}

	if calls, _, _ := fake.calls(); calls != 1 {
		t.Errorf("engine called %d times, want 1 (second call rejected at the breaker)", calls)
	}
}
