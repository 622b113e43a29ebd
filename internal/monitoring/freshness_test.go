package monitoring

import (
	"testing"
	"time"

	"github.com/spindle-io/spindle/internal/storage"
)

func TestClassifyFreshnessBoundaries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &FreshnessConfig{
		ExpectedFrequencyHours: 24,
		WarningThresholdHours:  36,
		CriticalThresholdHours: 48,
	}

	tests := []struct {
		name string
		age  float64
		want FreshnessLevel
	}{
		{"well within expected", 30, FreshnessFresh},
		{"just below warning", 35.9, FreshnessFresh},
		{"at warning threshold", 36, FreshnessStale},
		{"between thresholds", 37, FreshnessStale},
		{"just below critical", 47.9, FreshnessStale},
		{"at critical threshold", 48, FreshnessCritical},
		{"far past critical", 49, FreshnessCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyFreshness(tt.age, cfg); got != tt.want {
				t.Errorf("classifyFreshness(%v) = %q, want %q", tt.age, got, tt.want)
			}
		})
	}
}

// Severity must never decrease as age grows.
func TestClassifyFreshnessMonotonic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &FreshnessConfig{
		ExpectedFrequencyHours: 6,
		WarningThresholdHours:  9,
		CriticalThresholdHours: 12,
	}

	rank := map[FreshnessLevel]int{
		FreshnessFresh:    0,
		FreshnessStale:    1,
		FreshnessCritical: 2,
	}

	prev := -1

	for age := 0.0; age <= 20; age += 0.25 {
		level := classifyFreshness(age, cfg)
		if rank[level] < prev {
			t.Fatalf("severity decreased at age %v: %q", age, level)
		}

		prev = rank[level]
	}
}

func TestMeanIntervalHours(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	// Newest first, 6h apart.
	times := []time.Time{
		base.Add(12 * time.Hour),
		base.Add(6 * time.Hour),
		base,
	}

	mean, ok := meanIntervalHours(times)
	if !ok {
		t.Fatal("expected two intervals to be enough")
	}
	if mean != 6 {
		t.Errorf("expected mean interval 6h, got %v", mean)
	}

	// Uneven gaps: 4h and 8h average to 6h.
	uneven := []time.Time{
		base.Add(12 * time.Hour),
		base.Add(8 * time.Hour),
		base,
	}

	mean, ok = meanIntervalHours(uneven)
	if !ok || mean != 6 {
		t.Errorf("expected mean of uneven gaps 6h, got (%v, %v)", mean, ok)
	}

	if _, ok := meanIntervalHours([]time.Time{base}); ok {
		t.Error("expected a single sample to be insufficient")
	}

	if _, ok := meanIntervalHours(nil); ok {
		t.Error("expected no samples to be insufficient")
	}
}

func TestDefaultFreshnessConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sourceID := storage.NewID()
	cfg := defaultFreshnessConfig(sourceID)

	if cfg.ExpectedFrequencyHours != 24 || cfg.WarningThresholdHours != 36 || cfg.CriticalThresholdHours != 48 {
		t.Errorf("unexpected default thresholds: %+v", cfg)
	}

	// Without a config row there is nowhere to persist cooldown state, so
	// the defaults must classify without paging anyone.
	if cfg.AlertOnStale || cfg.AlertOnCritical || cfg.AutoRemediate {
		t.Error("expected default config to keep alerts and remediation off")
	}

	if !cfg.Enabled {
		t.Error("expected default config enabled for classification")
	}
}
