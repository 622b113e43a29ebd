package promotion

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/spindle-io/spindle/internal/storage"
)

func TestTypeForSource(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		srcName  string
		srcURL   string
		expected string
	}{
		{"news by name", "Business Daily News", "https://bdn.example.com", TypeNews},
		{"news by url", "BDN Feed", "https://example.com/articles/latest", TypeNews},
		{"announcement", "Exchange Disclosure Portal", "", TypeAnnouncement},
		{"financial", "Quarterly Earnings Tracker", "", TypeFinancial},
		{"stock wins over exchange", "Tokyo Stock Exchange", "", TypeStock},
		{"exchange rates", "Forex Rates", "https://fx.example.com", TypeExchange},
		{"market index", "Composite Index Watch", "", TypeMarket},
		{"no hints", "Weather Station", "https://wx.example.com", TypeGeneric},
		{"case insensitive", "PRESS RELEASES", "", TypeNews},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TypeForSource(tt.srcName, tt.srcURL); got != tt.expected {
				t.Errorf("TypeForSource(%q, %q) = %q, want %q", tt.srcName, tt.srcURL, got, tt.expected)
			}
		})
	}
}

func TestBuildProductionDoc(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	stagingID := storage.NewID()
	sourceID := storage.NewID()
	crawledAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	staging := bson.M{
		"title":            "Rates climb",
		"amount":           "7000",
		"_source_id":       sourceID,
		"_crawl_result_id": storage.NewID(),
		"_record_index":    3,
		"_review_status":   StatusPending,
		"_crawled_at":      crawledAt,
		"_data_date":       "2026-03-01",
	}

	corrections := map[string]any{
		"amount":    "7,000",
		"_verified": false, // metadata wins over correction attempts
	}

	prod := buildProductionDoc(staging, stagingID, "reviewer-7", corrections, now)

	if prod["title"] != "Rates climb" {
		t.Errorf("payload field lost: %v", prod["title"])
	}

	if prod["amount"] != "7,000" {
		t.Errorf("correction not applied: %v", prod["amount"])
	}

	if _, ok := prod["_review_status"]; ok {
		t.Error("staging meta field leaked into production")
	}

	if _, ok := prod["_record_index"]; ok {
		t.Error("staging meta field leaked into production")
	}

	if prod["_source_id"] != sourceID {
		t.Errorf("_source_id not carried over: %v", prod["_source_id"])
	}

	if prod["_data_date"] != "2026-03-01" {
		t.Errorf("_data_date not carried over: %v", prod["_data_date"])
	}

	if prod["_crawled_at"] != crawledAt {
		t.Errorf("_crawled_at not carried over: %v", prod["_crawled_at"])
	}

	if prod["_verified"] != true {
		t.Errorf("corrections must not forge verification fields: %v", prod["_verified"])
	}

	if prod["_verified_by"] != "reviewer-7" {
		t.Errorf("_verified_by = %v", prod["_verified_by"])
	}

	if prod["_staging_id"] != stagingID {
		t.Errorf("_staging_id = %v", prod["_staging_id"])
	}

	if prod["_has_corrections"] != true {
		t.Errorf("_has_corrections = %v", prod["_has_corrections"])
	}

	if prod["_promoted_at"] != now {
		t.Errorf("_promoted_at = %v", prod["_promoted_at"])
	}
}

func TestBuildProductionDocNoCorrections(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	prod := buildProductionDoc(bson.M{"title": "x"}, storage.NewID(), "r", nil, time.Now())

	if prod["_has_corrections"] != false {
		t.Errorf("_has_corrections = %v, want false", prod["_has_corrections"])
	}
}

func TestSweepConfigWithDefaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	filled := SweepConfig{Interval: time.Minute}.withDefaults()

	if filled.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", filled.Interval)
	}

	if filled.RetentionDays != defaultRetentionDays {
		t.Errorf("RetentionDays = %d, want %d", filled.RetentionDays, defaultRetentionDays)
	}

	if filled.OrphanGrace != defaultOrphanGrace {
		t.Errorf("OrphanGrace = %v, want %v", filled.OrphanGrace, defaultOrphanGrace)
	}

	// Zero interval means "no sweep" and must survive default filling.
	disabled := SweepConfig{}.withDefaults()
	if disabled.Interval != 0 {
		t.Errorf("zero Interval must stay zero, got %v", disabled.Interval)
	}

	full := DefaultSweepConfig()
	if full.Interval != defaultSweepInterval || full.RetentionDays != defaultRetentionDays {
		t.Errorf("DefaultSweepConfig() = %+v", full)
	}
}
