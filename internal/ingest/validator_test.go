package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/spindle-io/spindle/internal/storage"
)

// validEvent builds a minimal event that passes validation.
func validEvent(eventType EventType) *RunEvent {
	return &RunEvent{
		EventTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EventType: eventType,
		Producer:  "airflow://dags/news_daily",
		SourceID:  storage.NewID().Hex(),
		RunID:     "scheduled__2026-03-02T09:00:00",
	}
}

func intPtr(i int) *int { return &i }

func int64Ptr(i int64) *int64 { return &i }

func floatPtr(f float64) *float64 { return &f }

func TestValidateRunEventAcceptsAllTypes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator()

	for _, et := range ValidEventTypes() {
		if err := v.ValidateRunEvent(validEvent(et)); err != nil {
			t.Errorf("expected %q event to validate, got %v", et, err)
		}
	}
}

func TestValidateRunEventAcceptsFullPayload(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator()

	event := validEvent(EventTypeComplete)
	event.DagID = "news_daily"
	event.CrawlerID = storage.NewID().Hex()
	event.RecordsExtracted = intPtr(120)
	event.RecordsTransformed = intPtr(119)
	event.RecordsLoaded = intPtr(118)
	event.RecordsSkipped = intPtr(1)
	event.RecordsFailed = intPtr(1)
	event.ValidationPassed = intPtr(118)
	event.ValidationFailed = intPtr(1)
	event.WarningCount = intPtr(2)
	event.QualityScore = floatPtr(96.5)
	event.MemoryPeakMB = floatPtr(412.5)
	event.CPUTimeMillis = int64Ptr(32000)
	event.NetworkBytes = int64Ptr(18 << 20)
	event.ExecutionTimeMillis = int64Ptr(45000)
	event.Category = "news"
	event.Metadata = map[string]any{"region": "eu"}
	event.Error = &RunError{Type: "timeout", Message: "two pages timed out"}
	event.Data = []map[string]any{{"title": "Rates climb"}}

	if err := v.ValidateRunEvent(event); err != nil {
		t.Errorf("expected fully loaded event to validate, got %v", err)
	}
}

func TestValidateRunEventRejections(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		mutate  func(*RunEvent)
		wantErr error
	}{
		{
			name:    "unknown event type",
			mutate:  func(e *RunEvent) { e.EventType = "done" },
			wantErr: ErrInvalidEventType,
		},
		{
			name:    "empty event type",
			mutate:  func(e *RunEvent) { e.EventType = "" },
			wantErr: ErrInvalidEventType,
		},
		{
			name:    "zero event time",
			mutate:  func(e *RunEvent) { e.EventTime = time.Time{} },
			wantErr: ErrMissingEventTime,
		},
		{
			name:    "empty producer",
			mutate:  func(e *RunEvent) { e.Producer = "" },
			wantErr: ErrMissingProducer,
		},
		{
			name:    "empty source id",
			mutate:  func(e *RunEvent) { e.SourceID = "" },
			wantErr: ErrMissingSourceID,
		},
		{
			name:    "malformed source id",
			mutate:  func(e *RunEvent) { e.SourceID = "not-a-hex-id" },
			wantErr: ErrInvalidSourceID,
		},
		{
			name:    "empty run id",
			mutate:  func(e *RunEvent) { e.RunID = "" },
			wantErr: ErrMissingRunID,
		},
		{
			name:    "malformed crawler id",
			mutate:  func(e *RunEvent) { e.CrawlerID = "nope" },
			wantErr: ErrInvalidCrawlerID,
		},
		{
			name:    "negative records counter",
			mutate:  func(e *RunEvent) { e.RecordsLoaded = intPtr(-1) },
			wantErr: ErrNegativeCounter,
		},
		{
			name:    "negative validation counter",
			mutate:  func(e *RunEvent) { e.ValidationFailed = intPtr(-5) },
			wantErr: ErrNegativeCounter,
		},
		{
			name:    "negative cpu time",
			mutate:  func(e *RunEvent) { e.CPUTimeMillis = int64Ptr(-1) },
			wantErr: ErrNegativeCounter,
		},
		{
			name:    "negative execution time",
			mutate:  func(e *RunEvent) { e.ExecutionTimeMillis = int64Ptr(-200) },
			wantErr: ErrNegativeCounter,
		},
		{
			name:    "negative memory peak",
			mutate:  func(e *RunEvent) { e.MemoryPeakMB = floatPtr(-0.5) },
			wantErr: ErrNegativeCounter,
		},
		{
			name:    "quality score above range",
			mutate:  func(e *RunEvent) { e.QualityScore = floatPtr(100.1) },
			wantErr: ErrQualityScoreOut,
		},
		{
			name:    "quality score below range",
			mutate:  func(e *RunEvent) { e.QualityScore = floatPtr(-1) },
			wantErr: ErrQualityScoreOut,
		},
	}

	v := NewValidator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent(EventTypeComplete)
			tt.mutate(event)

			err := v.ValidateRunEvent(event)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateRunEventNil(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := NewValidator().ValidateRunEvent(nil); !errors.Is(err, ErrNilEvent) {
		t.Errorf("expected ErrNilEvent, got %v", err)
	}
}

func TestValidateRunEventZeroCountersAllowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	v := NewValidator()

	event := validEvent(EventTypeFail)
	event.RecordsLoaded = intPtr(0)
	event.QualityScore = floatPtr(0)
	event.ExecutionTimeMillis = int64Ptr(0)

	if err := v.ValidateRunEvent(event); err != nil {
		t.Errorf("expected zero counters to validate, got %v", err)
	}
}
