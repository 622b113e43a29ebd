package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spindle-io/spindle/internal/monitoring"
	"github.com/spindle-io/spindle/internal/storage"
)

// defaultErrorCode labels failed runs whose event carried no error detail.
const defaultErrorCode = "pipeline_failure"

// ReviewSeeder queues extracted records for human review. Satisfied by
// review.Service; nil disables seeding.
type ReviewSeeder interface {
	CreateReviewsFromCrawlResult(ctx context.Context, crawlResultID string) (int, error)
}

// Handler applies validated run events to the control plane: run records and
// source bookkeeping in the store, in-flight metrics in the collector, error
// logs and alert evaluation on failure, review seeding on data-bearing
// completions.
//
// Events are delivered at least once, so every write path is idempotent. The
// store's terminal transition reports whether this delivery performed it;
// completion side effects (source upkeep, error logs, alerts, reviews) run
// only on that first delivery.
type Handler struct {
	store     *storage.Store
	collector *monitoring.Collector
	alerts    *monitoring.AlertEngine
	reviews   ReviewSeeder
	logger    *slog.Logger
}

// NewHandler creates a run event handler. The store and collector are
// required; alerts and reviews may be nil to disable those side effects.
func NewHandler(
	store *storage.Store,
	collector *monitoring.Collector,
	alerts *monitoring.AlertEngine,
	reviews ReviewSeeder,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:     store,
		collector: collector,
		alerts:    alerts,
		reviews:   reviews,
		logger:    logger.With(slog.String("component", "ingest")),
	}
}

// Apply routes one validated event to its state transition. A returned error
// means the event was not durably applied and may be redelivered.
func (h *Handler) Apply(ctx context.Context, event *RunEvent) error {
	switch {
	case event.EventType == EventTypeStart:
		return h.applyStart(ctx, event)
	case event.EventType == EventTypeProgress:
		return h.applyProgress(ctx, event)
	case event.EventType.IsTerminal():
		return h.applyTerminal(ctx, event)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEventType, event.EventType)
	}
}

// applyStart opens in-flight metric tracking and the run record. A
// redelivered start finds the record already open and leaves it alone.
func (h *Handler) applyStart(ctx context.Context, event *RunEvent) error {
	if _, err := h.collector.StartMetric(event.sourceID(), event.RunID, h.metricPatch(event)); err != nil {
		return fmt.Errorf("start metric: %w", err)
	}

	_, err := h.store.GetCrawlResultByRunID(ctx, event.RunID)
	if err == nil {
		h.logger.Debug("run record already open", slog.String("run_id", event.RunID))

		return nil
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("look up run record: %w", err)
	}

	result := &storage.CrawlResult{
		SourceID:   event.sourceID(),
		RunID:      event.RunID,
		ExecutedAt: event.EventTime,
	}
	if id := event.crawlerID(); id != nil {
		result.CrawlerID = *id
	}

	if _, err := h.store.CreateCrawlResult(ctx, result); err != nil {
		return fmt.Errorf("create run record: %w", err)
	}

	h.logger.Info("run opened",
		slog.String("run_id", event.RunID),
		slog.String("source_id", event.SourceID),
		slog.String("producer", event.Producer),
	)

	return nil
}

// applyProgress folds interim counters into the in-flight metric. Progress
// for a run the collector is not tracking (typically after an ingester
// restart) re-opens tracking so later events still land.
func (h *Handler) applyProgress(ctx context.Context, event *RunEvent) error {
	err := h.collector.UpdateMetric(event.RunID, h.metricPatch(event))

	switch {
	case errors.Is(err, monitoring.ErrNoActiveRun):
		h.logger.Warn("progress for untracked run, re-opening metric",
			slog.String("run_id", event.RunID),
		)

		if _, err := h.collector.StartMetric(event.sourceID(), event.RunID, h.metricPatch(event)); err != nil {
			return fmt.Errorf("re-open metric: %w", err)
		}
	case err != nil:
		return fmt.Errorf("update metric: %w", err)
	}

	if event.Error != nil {
		if err := h.collector.RecordError(event.RunID, event.Error.Type, event.Error.Message); err != nil {
			return fmt.Errorf("record error: %w", err)
		}
	}

	return nil
}

// applyTerminal finalizes the metric, transitions the run record to its
// terminal status and, when this delivery performed the transition, runs the
// completion side effects.
func (h *Handler) applyTerminal(ctx context.Context, event *RunEvent) error {
	status := event.EventType.CrawlStatus()

	metric, err := h.finalizeMetric(ctx, event, status)
	if err != nil {
		return err
	}

	result, err := h.store.GetCrawlResultByRunID(ctx, event.RunID)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Terminal event whose start never arrived: open the record so
		// the completion still lands.
		h.logger.Warn("terminal event for unknown run, opening record",
			slog.String("run_id", event.RunID),
		)

		result = &storage.CrawlResult{
			SourceID:   event.sourceID(),
			RunID:      event.RunID,
			ExecutedAt: metric.StartedAt,
		}
		if id := event.crawlerID(); id != nil {
			result.CrawlerID = *id
		}

		if _, err := h.store.CreateCrawlResult(ctx, result); err != nil {
			return fmt.Errorf("create run record: %w", err)
		}
	case err != nil:
		return fmt.Errorf("look up run record: %w", err)
	}

	completion := storage.ResultCompletion{
		RecordCount:         metric.RecordsLoaded,
		ExecutionTimeMillis: metric.ExecutionTimeMillis,
		Data:                event.Data,
	}
	if completion.RecordCount == 0 {
		completion.RecordCount = len(event.Data)
	}

	if event.Error != nil {
		completion.ErrorCode = event.Error.Type
		completion.ErrorMessage = event.Error.Message
	}

	if status == storage.CrawlStatusFailed && completion.ErrorCode == "" {
		completion.ErrorCode = defaultErrorCode
	}

	completedNow, err := h.store.CompleteCrawlResult(ctx, result.ID, status, completion)
	if err != nil {
		return fmt.Errorf("complete run record: %w", err)
	}

	if !completedNow {
		// Redelivery: the first delivery already ran the side effects.
		h.logger.Debug("run already completed", slog.String("run_id", event.RunID))

		return nil
	}

	success := status != storage.CrawlStatusFailed
	if _, err := h.store.RecordSourceRun(ctx, result.SourceID, event.EventTime, success); err != nil {
		return fmt.Errorf("record source run: %w", err)
	}

	if status == storage.CrawlStatusFailed {
		if err := h.recordFailure(ctx, event, result); err != nil {
			return err
		}
	}

	h.logger.Info("run completed",
		slog.String("run_id", event.RunID),
		slog.String("source_id", event.SourceID),
		slog.String("status", string(status)),
		slog.Int("record_count", completion.RecordCount),
		slog.Int64("execution_time_ms", completion.ExecutionTimeMillis),
	)

	// The run record is durable; downstream effects are best-effort.
	h.evaluateAlerts(ctx, metric)
	h.seedReviews(ctx, event, result, status)

	return nil
}

// finalizeMetric closes out the run's in-flight metric. When the collector
// is not tracking the run, a metric persisted by an earlier delivery is
// reused; a run the control plane never saw is recorded one-shot from the
// event payload.
func (h *Handler) finalizeMetric(
	ctx context.Context,
	event *RunEvent,
	status storage.CrawlStatus,
) (*monitoring.PipelineMetric, error) {
	err := h.collector.UpdateMetric(event.RunID, h.metricPatch(event))

	switch {
	case err == nil:
		if event.Error != nil {
			if err := h.collector.RecordError(event.RunID, event.Error.Type, event.Error.Message); err != nil {
				return nil, fmt.Errorf("record error: %w", err)
			}
		}

		metric, err := h.collector.CompleteMetric(ctx, event.RunID, status)
		if err != nil {
			return nil, fmt.Errorf("complete metric: %w", err)
		}

		return metric, nil

	case errors.Is(err, monitoring.ErrNoActiveRun):
		metric, err := h.collector.GetMetricByRunID(ctx, event.RunID)
		if err == nil {
			return metric, nil
		}

		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("look up metric: %w", err)
		}

		h.logger.Warn("terminal event for untracked run, recording one-shot metric",
			slog.String("run_id", event.RunID),
		)

		metric = h.metricFromEvent(event, status)
		if _, err := h.collector.RecordMetric(ctx, metric); err != nil {
			return nil, fmt.Errorf("record metric: %w", err)
		}

		return metric, nil

	default:
		return nil, fmt.Errorf("update metric: %w", err)
	}
}

// recordFailure files an error log for a failed run.
func (h *Handler) recordFailure(ctx context.Context, event *RunEvent, result *storage.CrawlResult) error {
	entry := &storage.ErrorLog{
		SourceID:      result.SourceID,
		CrawlResultID: &result.ID,
		RunID:         event.RunID,
		ErrorCode:     defaultErrorCode,
		ErrorMessage:  "pipeline run failed",
		Severity:      "error",
	}

	if event.Error != nil {
		if event.Error.Type != "" {
			entry.ErrorCode = event.Error.Type
		}

		if event.Error.Message != "" {
			entry.ErrorMessage = event.Error.Message
		}
	}

	if _, err := h.store.CreateErrorLog(ctx, entry); err != nil {
		return fmt.Errorf("create error log: %w", err)
	}

	return nil
}

// evaluateAlerts runs the alert rules against the finished metric.
func (h *Handler) evaluateAlerts(ctx context.Context, metric *monitoring.PipelineMetric) {
	if h.alerts == nil {
		return
	}

	triggers, err := h.alerts.EvaluateMetric(ctx, metric)
	if err != nil {
		h.logger.Error("alert evaluation failed",
			slog.String("run_id", metric.RunID),
			slog.String("error", err.Error()),
		)

		return
	}

	if len(triggers) > 0 {
		h.logger.Info("alerts triggered",
			slog.String("run_id", metric.RunID),
			slog.Int("count", len(triggers)),
		)
	}
}

// seedReviews queues extracted records for review. Failed runs are skipped:
// their payload goes through the error path instead.
func (h *Handler) seedReviews(
	ctx context.Context,
	event *RunEvent,
	result *storage.CrawlResult,
	status storage.CrawlStatus,
) {
	if h.reviews == nil || status == storage.CrawlStatusFailed || len(event.Data) == 0 {
		return
	}

	count, err := h.reviews.CreateReviewsFromCrawlResult(ctx, result.ID.Hex())
	if err != nil {
		h.logger.Error("review seeding failed",
			slog.String("crawl_result_id", result.ID.Hex()),
			slog.String("error", err.Error()),
		)

		return
	}

	if count > 0 {
		h.logger.Info("reviews queued",
			slog.String("crawl_result_id", result.ID.Hex()),
			slog.Int("count", count),
		)
	}
}

// metricPatch maps an event's optional telemetry onto a collector patch.
func (h *Handler) metricPatch(event *RunEvent) monitoring.MetricPatch {
	patch := monitoring.MetricPatch{
		CrawlerID:          event.crawlerID(),
		RecordsExtracted:   event.RecordsExtracted,
		RecordsTransformed: event.RecordsTransformed,
		RecordsLoaded:      event.RecordsLoaded,
		RecordsSkipped:     event.RecordsSkipped,
		RecordsFailed:      event.RecordsFailed,
		QualityScore:       event.QualityScore,
		ValidationPassed:   event.ValidationPassed,
		ValidationFailed:   event.ValidationFailed,
		WarningCount:       event.WarningCount,
		MemoryPeakMB:       event.MemoryPeakMB,
		CPUTimeMillis:      event.CPUTimeMillis,
		NetworkBytes:       event.NetworkBytes,
		Metadata:           event.Metadata,
	}

	if event.DagID != "" {
		patch.DagID = &event.DagID
	}

	if event.Category != "" {
		patch.Category = &event.Category
	}

	return patch
}

// metricFromEvent builds a complete metric from a terminal event whose start
// was never observed. Execution time, when reported, back-dates started_at.
func (h *Handler) metricFromEvent(event *RunEvent, status storage.CrawlStatus) *monitoring.PipelineMetric {
	completed := event.EventTime

	m := &monitoring.PipelineMetric{
		SourceID:      event.sourceID(),
		RunID:         event.RunID,
		CrawlerID:     event.crawlerID(),
		DagID:         event.DagID,
		StartedAt:     event.EventTime,
		CompletedAt:   &completed,
		Status:        status,
		QualityScore:  event.QualityScore,
		MemoryPeakMB:  event.MemoryPeakMB,
		CPUTimeMillis: event.CPUTimeMillis,
		NetworkBytes:  event.NetworkBytes,
		Category:      event.Category,
		Metadata:      event.Metadata,
	}

	if event.ExecutionTimeMillis != nil {
		m.ExecutionTimeMillis = *event.ExecutionTimeMillis
		m.StartedAt = event.EventTime.Add(-time.Duration(*event.ExecutionTimeMillis) * time.Millisecond)
	}

	if event.RecordsExtracted != nil {
		m.RecordsExtracted = *event.RecordsExtracted
	}

	if event.RecordsTransformed != nil {
		m.RecordsTransformed = *event.RecordsTransformed
	}

	if event.RecordsLoaded != nil {
		m.RecordsLoaded = *event.RecordsLoaded
	}

	if event.RecordsSkipped != nil {
		m.RecordsSkipped = *event.RecordsSkipped
	}

	if event.RecordsFailed != nil {
		m.RecordsFailed = *event.RecordsFailed
	}

	if event.ValidationPassed != nil {
		m.ValidationPassed = *event.ValidationPassed
	}

	if event.ValidationFailed != nil {
		m.ValidationFailed = *event.ValidationFailed
	}

	if event.WarningCount != nil {
		m.WarningCount = *event.WarningCount
	}

	if event.Error != nil {
		m.ErrorCount = 1
		m.LastError = event.Error.Message

		if event.Error.Type != "" {
			m.ErrorTypes = map[string]int{event.Error.Type: 1}
		}
	}

	return m
}
