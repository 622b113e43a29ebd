package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spindle-io/spindle/internal/workflow"
)

// engineClient binds workflow.Trigger to the engine's REST API
// (Airflow-compatible dag run endpoints). It is always consumed through
// workflow.NewResilient, which adds the breaker, retry and per-call
// deadlines; the client-level timeout is a backstop.
type engineClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

// dagRun is the engine's wire representation of one run.
type dagRun struct {
	DagRunID  string         `json:"dag_run_id"`
	State     string         `json:"state"`
	StartDate *time.Time     `json:"start_date"`
	EndDate   *time.Time     `json:"end_date"`
	Conf      map[string]any `json:"conf"`
}

func (r dagRun) info() workflow.RunInfo {
	return workflow.RunInfo{
		RunID:     r.DagRunID,
		State:     r.State,
		StartedAt: r.StartDate,
		EndedAt:   r.EndDate,
		Conf:      r.Conf,
	}
}

func newEngineClient(baseURL, username, password string, logger *slog.Logger) *engineClient {
	return &engineClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: workflow.DefaultTriggerTimeout},
		logger:   logger,
	}
}

// TriggerRun starts one dag run. An empty runID gets a client-generated one
// so the caller can poll the run before the engine response lands anywhere.
func (c *engineClient) TriggerRun(ctx context.Context, dagID string, conf map[string]any, runID string) (*workflow.TriggerResult, error) {
	if runID == "" {
		runID = fmt.Sprintf("spindle__%s", uuid.NewString())
	}

	if conf == nil {
		conf = map[string]any{}
	}

	body, err := json.Marshal(map[string]any{
		"dag_run_id": runID,
		"conf":       conf,
	})
	if err != nil {
		return nil, fmt.Errorf("encode trigger payload: %w", err)
	}

	var run dagRun

	path := fmt.Sprintf("/api/v1/dags/%s/dagRuns", url.PathEscape(dagID))
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body), &run); err != nil {
		return nil, err
	}

	c.logger.Info("triggered engine run",
		slog.String("dag_id", dagID),
		slog.String("run_id", run.DagRunID),
		slog.String("state", run.State),
	)

	return &workflow.TriggerResult{
		Success: true,
		DagID:   dagID,
		RunID:   run.DagRunID,
		Message: fmt.Sprintf("run %s is %s", run.DagRunID, run.State),
	}, nil
}

// Runs lists up to limit recent runs of one dag, newest first.
func (c *engineClient) Runs(ctx context.Context, dagID string, limit int) (*workflow.RunsResult, error) {
	if limit <= 0 {
		limit = 10
	}

	var payload struct {
		DagRuns []dagRun `json:"dag_runs"`
	}

	path := fmt.Sprintf("/api/v1/dags/%s/dagRuns?limit=%d&order_by=-logical_date", url.PathEscape(dagID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}

	result := &workflow.RunsResult{Runs: make([]workflow.RunInfo, 0, len(payload.DagRuns))}
	for i := 0; i < len(payload.DagRuns); i++ {
		result.Runs = append(result.Runs, payload.DagRuns[i].info())
	}

	return result, nil
}

// RunStatus reads one run record.
func (c *engineClient) RunStatus(ctx context.Context, dagID, runID string) (*workflow.RunInfo, error) {
	var run dagRun

	path := fmt.Sprintf("/api/v1/dags/%s/dagRuns/%s", url.PathEscape(dagID), url.PathEscape(runID))
	if err := c.do(ctx, http.MethodGet, path, nil, &run); err != nil {
		return nil, err
	}

	info := run.info()

	return &info, nil
}

// do executes one engine round-trip and decodes the JSON response into out.
func (c *engineClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build engine request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call workflow engine: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return fmt.Errorf("workflow engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}

	return nil
}

var _ workflow.Trigger = (*engineClient)(nil)
