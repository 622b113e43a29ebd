// Package ingest provides the run-event intake path: the event model
// published by the workflow engine, semantic validation, and the Kafka
// consumer that drives the control plane from run state updates.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spindle-io/spindle/internal/storage"
)

type (
	// EventType is the run state carried by an event. Terminal states
	// (complete, partial, fail) are idempotent: redeliveries of a terminal
	// event for an already finalized run are absorbed without effect.
	EventType string

	// RunError describes one failure observed during a run. Progress events
	// carry it to count errors against the in-flight metric; a fail event
	// carries it to explain the terminal state.
	RunError struct {
		// Type buckets the failure for the error distribution, e.g.
		// "http_timeout", "parse_error", "validation_error".
		Type string `json:"type"`

		// Message is the human-readable failure detail.
		Message string `json:"message,omitempty"`
	}

	// RunEvent is one pipeline run state update. The workflow engine
	// publishes these to the run-event topic as JSON; the ingester consumes
	// them in partition order keyed by run id.
	//
	// Counter fields are pointers so a progress event can update only the
	// counters it knows about: absent fields leave the tracked metric
	// untouched.
	RunEvent struct {
		// EventTime is when the state change happened on the engine side.
		// Ordering and run bookkeeping use it, never arrival time.
		EventTime time.Time `json:"event_time"`

		// EventType is the run state: start, progress, complete, partial
		// or fail.
		EventType EventType `json:"event_type"`

		// Producer identifies the tool that emitted the event, e.g.
		// "airflow://scheduler/2.9.3".
		Producer string `json:"producer"`

		// SourceID is the hex id of the source the run crawls.
		SourceID string `json:"source_id"`

		// RunID is the engine-assigned run identifier, stable across all
		// events of one run.
		RunID string `json:"run_id"`

		// DagID names the workflow definition that ran. Usually set on
		// start events.
		DagID string `json:"dag_id,omitempty"`

		// CrawlerID is the hex id of the crawler version the run executed,
		// when the engine knows it.
		CrawlerID string `json:"crawler_id,omitempty"`

		// Run counters. Present fields overwrite the tracked values.
		RecordsExtracted   *int `json:"records_extracted,omitempty"`
		RecordsTransformed *int `json:"records_transformed,omitempty"`
		RecordsLoaded      *int `json:"records_loaded,omitempty"`
		RecordsSkipped     *int `json:"records_skipped,omitempty"`
		RecordsFailed      *int `json:"records_failed,omitempty"`
		ValidationPassed   *int `json:"validation_passed,omitempty"`
		ValidationFailed   *int `json:"validation_failed,omitempty"`
		WarningCount       *int `json:"warning_count,omitempty"`

		// QualityScore is the engine-computed data quality score for the
		// run, 0-100.
		QualityScore *float64 `json:"quality_score,omitempty"`

		// Resource usage, when the engine reports it.
		MemoryPeakMB  *float64 `json:"memory_peak_mb,omitempty"`
		CPUTimeMillis *int64   `json:"cpu_time_ms,omitempty"`
		NetworkBytes  *int64   `json:"network_bytes,omitempty"`

		// ExecutionTimeMillis is the engine-measured run duration. Terminal
		// events carry it so a run whose start was never consumed still gets
		// an accurate duration.
		ExecutionTimeMillis *int64 `json:"execution_time_ms,omitempty"`

		// Category tags the run for category statistics, e.g. "news".
		Category string `json:"category,omitempty"`

		// Metadata is merged key-wise onto the tracked metric.
		Metadata map[string]any `json:"metadata,omitempty"`

		// Error is the failure observed by this event, if any.
		Error *RunError `json:"error,omitempty"`

		// Data holds the crawled records on terminal events. Completed runs
		// carrying data get their records staged for review.
		Data []map[string]any `json:"data,omitempty"`
	}
)

// Run event types.
const (
	// EventTypeStart opens a run: the engine started executing the dag.
	EventTypeStart EventType = "start"

	// EventTypeProgress updates counters of an in-flight run.
	EventTypeProgress EventType = "progress"

	// EventTypeComplete closes a run that finished cleanly. Terminal.
	EventTypeComplete EventType = "complete"

	// EventTypePartial closes a run that delivered some records but not
	// all. Terminal.
	EventTypePartial EventType = "partial"

	// EventTypeFail closes a run that produced no usable result. Terminal.
	EventTypeFail EventType = "fail"
)

// ValidEventTypes returns all valid run event types.
func ValidEventTypes() []EventType {
	return []EventType{
		EventTypeStart,
		EventTypeProgress,
		EventTypeComplete,
		EventTypePartial,
		EventTypeFail,
	}
}

// IsValid checks if the EventType is a known run state.
func (et EventType) IsValid() bool {
	for _, valid := range ValidEventTypes() {
		if et == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true if the event type closes a run.
func (et EventType) IsTerminal() bool {
	return et == EventTypeComplete || et == EventTypePartial || et == EventTypeFail
}

// CrawlStatus maps the event type to the run status recorded on metrics and
// crawl results. Non-terminal event types map to running.
func (et EventType) CrawlStatus() storage.CrawlStatus {
	switch et {
	case EventTypeComplete:
		return storage.CrawlStatusSuccess
	case EventTypePartial:
		return storage.CrawlStatusPartial
	case EventTypeFail:
		return storage.CrawlStatusFailed
	default:
		return storage.CrawlStatusRunning
	}
}

// DecodeRunEvent parses one Kafka message value into a RunEvent. Decoding is
// structural only; semantic checks belong to the Validator.
func DecodeRunEvent(data []byte) (*RunEvent, error) {
	var event RunEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode run event: %w", err)
	}

	return &event, nil
}

// sourceID returns the parsed source identifier. Events pass validation
// before reaching callers, so a parse failure here is a programming error
// surfaced as the zero ID.
func (e *RunEvent) sourceID() storage.ID {
	id, err := storage.ParseID(e.SourceID)
	if err != nil {
		return storage.NilID
	}

	return id
}

// crawlerID returns the parsed crawler identifier or nil when the event
// carries none.
func (e *RunEvent) crawlerID() *storage.ID {
	if e.CrawlerID == "" {
		return nil
	}

	id, err := storage.ParseID(e.CrawlerID)
	if err != nil {
		return nil
	}

	return &id
}
