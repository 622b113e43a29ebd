// Package monitoring watches pipeline runs: per-run metrics with dashboard
// aggregations, alert rules evaluated against finished runs, SLA evaluation
// with breach records, and data freshness tracking with an optional
// self-healing re-run hook.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/spindle-io/spindle/internal/storage"
)

// Monitoring errors.
var (
	// ErrValidation is returned for malformed monitoring input.
	ErrValidation = errors.New("monitoring: validation failed")

	// ErrNoActiveRun is returned when a run id has no in-flight metric.
	ErrNoActiveRun = errors.New("monitoring: no active run")
)

// PipelineMetric captures one pipeline run end to end. Running metrics live
// in the collector's in-process map; completion persists them.
type PipelineMetric struct {
	ID                  storage.ID          `bson:"_id,omitempty"            json:"id"`
	SourceID            storage.ID          `bson:"source_id"                json:"source_id"`
	RunID               string              `bson:"run_id"                   json:"run_id"`
	CrawlerID           *storage.ID         `bson:"crawler_id,omitempty"     json:"crawler_id,omitempty"`
	DagID               string              `bson:"dag_id,omitempty"         json:"dag_id,omitempty"`
	StartedAt           time.Time           `bson:"started_at"               json:"started_at"`
	CompletedAt         *time.Time          `bson:"completed_at,omitempty"   json:"completed_at,omitempty"`
	ExecutionTimeMillis int64               `bson:"execution_time_ms"        json:"execution_time_ms"`
	RecordsExtracted    int                 `bson:"records_extracted"        json:"records_extracted"`
	RecordsTransformed  int                 `bson:"records_transformed"      json:"records_transformed"`
	RecordsLoaded       int                 `bson:"records_loaded"           json:"records_loaded"`
	RecordsSkipped      int                 `bson:"records_skipped"          json:"records_skipped"`
	RecordsFailed       int                 `bson:"records_failed"           json:"records_failed"`
	QualityScore        *float64            `bson:"quality_score,omitempty"  json:"quality_score,omitempty"`
	ValidationPassed    int                 `bson:"validation_passed"        json:"validation_passed"`
	ValidationFailed    int                 `bson:"validation_failed"        json:"validation_failed"`
	ErrorCount          int                 `bson:"error_count"              json:"error_count"`
	WarningCount        int                 `bson:"warning_count"            json:"warning_count"`
	ErrorTypes          map[string]int      `bson:"error_types,omitempty"    json:"error_types,omitempty"`
	LastError           string              `bson:"last_error,omitempty"     json:"last_error,omitempty"`
	Status              storage.CrawlStatus `bson:"status"                   json:"status"`
	MemoryPeakMB        *float64            `bson:"memory_peak_mb,omitempty" json:"memory_peak_mb,omitempty"`
	CPUTimeMillis       *int64              `bson:"cpu_time_ms,omitempty"    json:"cpu_time_ms,omitempty"`
	NetworkBytes        *int64              `bson:"network_bytes,omitempty"  json:"network_bytes,omitempty"`
	Category            string              `bson:"category,omitempty"       json:"category,omitempty"`
	Metadata            map[string]any      `bson:"metadata,omitempty"       json:"metadata,omitempty"`
}

// MetricPatch updates an in-flight metric. Nil fields are untouched;
// Metadata merges key-wise.
type MetricPatch struct {
	CrawlerID          *storage.ID
	DagID              *string
	RecordsExtracted   *int
	RecordsTransformed *int
	RecordsLoaded      *int
	RecordsSkipped     *int
	RecordsFailed      *int
	QualityScore       *float64
	ValidationPassed   *int
	ValidationFailed   *int
	WarningCount       *int
	MemoryPeakMB       *float64
	CPUTimeMillis      *int64
	NetworkBytes       *int64
	Category           *string
	Metadata           map[string]any
}

// Collector tracks in-flight pipeline runs in memory and persists them on
// completion. The running map is keyed by run id and guarded by a mutex;
// all methods are safe for concurrent use.
type Collector struct {
	metrics *storage.Collection
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running map[string]*PipelineMetric
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithCollectorClock overrides the time source. Tests use this to pin
// timestamps.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCollector builds a metrics collector over the pipeline_metrics
// collection. A nil logger falls back to slog.Default().
func NewCollector(conn *storage.Connection, logger *slog.Logger, opts ...CollectorOption) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		metrics: conn.Collection(storage.CollPipelineMetrics),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		running: make(map[string]*PipelineMetric),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// StartMetric opens an in-flight metric for a run. A run id already being
// tracked is replaced: the workflow engine restarts runs under the same id
// and the fresh attempt is the one that counts.
func (c *Collector) StartMetric(sourceID storage.ID, runID string, patch MetricPatch) (*PipelineMetric, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is required", ErrValidation)
	}

	if sourceID.IsZero() {
		return nil, fmt.Errorf("%w: source id is required", ErrValidation)
	}

	m := &PipelineMetric{
		SourceID:  sourceID,
		RunID:     runID,
		StartedAt: c.now(),
		Status:    storage.CrawlStatusRunning,
	}
	patch.apply(m)

	c.mu.Lock()
	_, replaced := c.running[runID]
	c.running[runID] = m
	c.mu.Unlock()

	if replaced {
		c.logger.Warn("restarted metric for already tracked run", slog.String("run_id", runID))
	}

	return snapshotMetric(m), nil
}

// UpdateMetric patches an in-flight metric.
func (c *Collector) UpdateMetric(runID string, patch MetricPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.running[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveRun, runID)
	}

	patch.apply(m)

	return nil
}

// RecordError counts one error against an in-flight metric, bucketing by
// error type and keeping the latest message.
func (c *Collector) RecordError(runID, errorType, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.running[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveRun, runID)
	}

	m.ErrorCount++

	if errorType != "" {
		if m.ErrorTypes == nil {
			m.ErrorTypes = make(map[string]int)
		}

		m.ErrorTypes[errorType]++
	}

	if message != "" {
		m.LastError = message
	}

	return nil
}

// CompleteMetric finalizes an in-flight metric: stamps completed_at,
// computes execution time, removes the run from the in-process map and
// persists the metric.
func (c *Collector) CompleteMetric(ctx context.Context, runID string, status storage.CrawlStatus) (*PipelineMetric, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal status", ErrValidation, status)
	}

	c.mu.Lock()

	m, ok := c.running[runID]
	if ok {
		delete(c.running, runID)
	}

	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveRun, runID)
	}

	now := c.now()
	m.CompletedAt = &now
	m.ExecutionTimeMillis = now.Sub(m.StartedAt).Milliseconds()
	m.Status = status

	id, err := c.metrics.InsertOne(ctx, m)
	if err != nil {
		// The run stays observable: callers can re-complete via RecordMetric.
		return nil, fmt.Errorf("persist metric: %w", err)
	}

	m.ID = id

	c.logger.Info("pipeline metric completed",
		slog.String("run_id", runID),
		slog.String("status", string(status)),
		slog.Int64("execution_time_ms", m.ExecutionTimeMillis),
		slog.Int("records_loaded", m.RecordsLoaded),
		slog.Int("errors", m.ErrorCount),
	)

	return m, nil
}

// RecordMetric persists a fully formed metric in one shot, bypassing the
// in-process map. Used when the caller already has the complete run.
func (c *Collector) RecordMetric(ctx context.Context, m *PipelineMetric) (storage.ID, error) {
	if m.RunID == "" {
		return storage.NilID, fmt.Errorf("%w: run id is required", ErrValidation)
	}

	if m.SourceID.IsZero() {
		return storage.NilID, fmt.Errorf("%w: source id is required", ErrValidation)
	}

	if m.StartedAt.IsZero() {
		m.StartedAt = c.now()
	}

	if m.Status == "" {
		m.Status = storage.CrawlStatusSuccess
	}

	if m.CompletedAt == nil && m.Status.IsTerminal() {
		now := c.now()
		m.CompletedAt = &now
	}

	if m.ExecutionTimeMillis == 0 && m.CompletedAt != nil {
		m.ExecutionTimeMillis = m.CompletedAt.Sub(m.StartedAt).Milliseconds()
	}

	id, err := c.metrics.InsertOne(ctx, m)
	if err != nil {
		return storage.NilID, err
	}

	m.ID = id

	return id, nil
}

// ActiveRuns returns the run ids currently tracked in memory.
func (c *Collector) ActiveRuns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}

	return ids
}

// GetMetricByRunID loads a persisted metric by its run id.
func (c *Collector) GetMetricByRunID(ctx context.Context, runID string) (*PipelineMetric, error) {
	var m PipelineMetric
	if err := c.metrics.FindOne(ctx, bson.M{"run_id": runID}, &m); err != nil {
		return nil, err
	}

	return &m, nil
}

// apply copies the patch onto the metric.
func (p MetricPatch) apply(m *PipelineMetric) {
	if p.CrawlerID != nil {
		m.CrawlerID = p.CrawlerID
	}

	if p.DagID != nil {
		m.DagID = *p.DagID
	}

	if p.RecordsExtracted != nil {
		m.RecordsExtracted = *p.RecordsExtracted
	}

	if p.RecordsTransformed != nil {
		m.RecordsTransformed = *p.RecordsTransformed
	}

	if p.RecordsLoaded != nil {
		m.RecordsLoaded = *p.RecordsLoaded
	}

	if p.RecordsSkipped != nil {
		m.RecordsSkipped = *p.RecordsSkipped
	}

	if p.RecordsFailed != nil {
		m.RecordsFailed = *p.RecordsFailed
	}

	if p.QualityScore != nil {
		m.QualityScore = p.QualityScore
	}

	if p.ValidationPassed != nil {
		m.ValidationPassed = *p.ValidationPassed
	}

	if p.ValidationFailed != nil {
		m.ValidationFailed = *p.ValidationFailed
	}

	if p.WarningCount != nil {
		m.WarningCount = *p.WarningCount
	}

	if p.MemoryPeakMB != nil {
		m.MemoryPeakMB = p.MemoryPeakMB
	}

	if p.CPUTimeMillis != nil {
		m.CPUTimeMillis = p.CPUTimeMillis
	}

	if p.NetworkBytes != nil {
		m.NetworkBytes = p.NetworkBytes
	}

	if p.Category != nil {
		m.Category = *p.Category
	}

	if len(p.Metadata) > 0 {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(p.Metadata))
		}

		for k, v := range p.Metadata {
			m.Metadata[k] = v
		}
	}
}

// snapshotMetric copies a tracked metric so callers never hold a pointer
// into the running map.
func snapshotMetric(m *PipelineMetric) *PipelineMetric {
	out := *m

	if m.ErrorTypes != nil {
		out.ErrorTypes = make(map[string]int, len(m.ErrorTypes))
		for k, v := range m.ErrorTypes {
			out.ErrorTypes[k] = v
		}
	}

	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}

	return &out
}
