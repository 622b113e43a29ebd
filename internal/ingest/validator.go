package ingest

import (
	"errors"
	"fmt"

	"github.com/spindle-io/spindle/internal/storage"
)

// Sentinel errors for validation failures.
var (
	ErrNilEvent         = errors.New("event cannot be nil")
	ErrInvalidEventType = errors.New("invalid event_type")
	ErrMissingEventTime = errors.New("event_time is required")
	ErrMissingProducer  = errors.New("producer is required")
	ErrMissingSourceID  = errors.New("source_id is required")
	ErrInvalidSourceID  = errors.New("source_id is not a valid identifier")
	ErrInvalidCrawlerID = errors.New("crawler_id is not a valid identifier")
	ErrMissingRunID     = errors.New("run_id is required")
	ErrNegativeCounter  = errors.New("counter cannot be negative")
	ErrQualityScoreOut  = errors.New("quality_score must be between 0 and 100")
)

// Validator performs semantic validation of run events before they touch the
// control plane. Validation is semantic (decode + business rules) rather
// than formal schema validation: a malformed event is dropped at intake, so
// every rule violation must name the offending field.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateRunEvent checks that a run event carries every field the control
// plane needs and that its payload is internally consistent.
//
// Required fields:
//   - event_type: must be a known run state
//   - event_time: must not be zero
//   - producer: must not be empty
//   - source_id: must parse as a store identifier
//   - run_id: must not be empty
//
// Optional fields:
//   - crawler_id: must parse as a store identifier when present
//   - counters: must be non-negative when present
//   - quality_score: must be within 0-100 when present
//
// Returns nil if valid, an error naming the violated rule otherwise.
func (v *Validator) ValidateRunEvent(event *RunEvent) error {
	if event == nil {
		return ErrNilEvent
	}

	if !event.EventType.IsValid() {
		return fmt.Errorf(
			"%w: %q (valid: start, progress, complete, partial, fail)",
			ErrInvalidEventType, event.EventType,
		)
	}

	if event.EventTime.IsZero() {
		return ErrMissingEventTime
	}

	if event.Producer == "" {
		return ErrMissingProducer
	}

	if event.SourceID == "" {
		return ErrMissingSourceID
	}

	if _, err := storage.ParseID(event.SourceID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidSourceID, event.SourceID)
	}

	if event.RunID == "" {
		return ErrMissingRunID
	}

	if event.CrawlerID != "" {
		if _, err := storage.ParseID(event.CrawlerID); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidCrawlerID, event.CrawlerID)
		}
	}

	if err := v.validateCounters(event); err != nil {
		return err
	}

	if event.QualityScore != nil && (*event.QualityScore < 0 || *event.QualityScore > 100) {
		return fmt.Errorf("%w: got %v", ErrQualityScoreOut, *event.QualityScore)
	}

	return nil
}

// validateCounters rejects negative values on any present counter field.
func (v *Validator) validateCounters(event *RunEvent) error {
	counters := []struct {
		name  string
		value *int
	}{
		{"records_extracted", event.RecordsExtracted},
		{"records_transformed", event.RecordsTransformed},
		{"records_loaded", event.RecordsLoaded},
		{"records_skipped", event.RecordsSkipped},
		{"records_failed", event.RecordsFailed},
		{"validation_passed", event.ValidationPassed},
		{"validation_failed", event.ValidationFailed},
		{"warning_count", event.WarningCount},
	}

	for _, c := range counters {
		if c.value != nil && *c.value < 0 {
			return fmt.Errorf("%w: %s=%d", ErrNegativeCounter, c.name, *c.value)
		}
	}

	wide := []struct {
		name  string
		value *int64
	}{
		{"cpu_time_ms", event.CPUTimeMillis},
		{"network_bytes", event.NetworkBytes},
		{"execution_time_ms", event.ExecutionTimeMillis},
	}

	for _, c := range wide {
		if c.value != nil && *c.value < 0 {
			return fmt.Errorf("%w: %s=%d", ErrNegativeCounter, c.name, *c.value)
		}
	}

	if event.MemoryPeakMB != nil && *event.MemoryPeakMB < 0 {
		return fmt.Errorf("%w: memory_peak_mb=%v", ErrNegativeCounter, *event.MemoryPeakMB)
	}

	return nil
}
