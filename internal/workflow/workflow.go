// Package workflow defines the trigger capability the control plane uses to
// start pipeline runs on the external workflow engine. The concrete binding
// (an HTTP client to an Airflow-like server) lives outside the core; this
// package specifies what the domain needs and ships a resilience decorator
// so callers never talk to the engine unguarded.
package workflow

import (
	"context"
	"time"
)

// DefaultTriggerTimeout bounds one trigger round-trip to the engine.
const DefaultTriggerTimeout = 30 * time.Second

type (
	// TriggerResult reports the outcome of asking the engine to start a run.
	TriggerResult struct {
		Success bool   `json:"success"`
		DagID   string `json:"dag_id"`
		RunID   string `json:"run_id,omitempty"`
		Message string `json:"message,omitempty"`
	}

	// RunInfo is one engine-side run record.
	RunInfo struct {
		RunID     string         `json:"run_id"`
		State     string         `json:"state"`
		StartedAt *time.Time     `json:"started_at,omitempty"`
		EndedAt   *time.Time     `json:"ended_at,omitempty"`
		Conf      map[string]any `json:"conf,omitempty"`
	}

	// RunsResult lists recent runs of one dag.
	RunsResult struct {
		Runs  []RunInfo `json:"dag_runs"`
		Error string    `json:"error,omitempty"`
	}

	// Trigger is the workflow engine capability consumed by the control
	// plane. Implementations must be safe for concurrent use and honor ctx
	// cancellation; callers bound calls with DefaultTriggerTimeout.
	Trigger interface {
		// TriggerRun asks the engine to start one run of dagID. An empty
		// runID lets the engine assign one; conf is passed through opaque.
		TriggerRun(ctx context.Context, dagID string, conf map[string]any, runID string) (*TriggerResult, error)

		// Runs returns up to limit recent runs of dagID, newest first.
		Runs(ctx context.Context, dagID string, limit int) (*RunsResult, error)

		// RunStatus returns one run record.
		RunStatus(ctx context.Context, dagID, runID string) (*RunInfo, error)
	}
)
