package monitoring

import (
	"math"
	"testing"

	"github.com/spindle-io/spindle/internal/storage"
)

func TestRunScorePartialGetsHalfCredit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	stats := &AggregateStats{
		TotalRuns: 10,
		ByStatus: []StatusBucket{
			{Status: storage.CrawlStatusSuccess, Runs: 6},
			{Status: storage.CrawlStatusPartial, Runs: 2},
			{Status: storage.CrawlStatusFailed, Runs: 2},
		},
	}

	// (6 + 0.5*2) / 10 = 70%.
	if got := runScore(stats); got != 70 {
		t.Errorf("runScore = %v, want 70", got)
	}

	if got := runScore(&AggregateStats{}); got != 0 {
		t.Errorf("runScore with no runs = %v, want 0", got)
	}
}

func TestSLAScoreExcludesUnknown(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	summary := &ComplianceSummary{
		Total:     5,
		Compliant: 2,
		AtRisk:    1,
		Breached:  1,
		Unknown:   1,
	}

	// (2 + 0.5) / 4 = 62.5%.
	if got := slaScore(summary); got != 62.5 {
		t.Errorf("slaScore = %v, want 62.5", got)
	}

	if got := slaScore(&ComplianceSummary{Total: 2, Unknown: 2}); got != 0 {
		t.Errorf("slaScore with only unknowns = %v, want 0", got)
	}
}

func TestFreshnessScore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	overview := &FreshnessOverview{
		Total:    4,
		Fresh:    2,
		Stale:    1,
		Critical: 1,
	}

	// (2 + 0.5) / 4 = 62.5%.
	if got := freshnessScore(overview); got != 62.5 {
		t.Errorf("freshnessScore = %v, want 62.5", got)
	}
}

func TestAlertScoreClampsAtZero(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := alertScore(0); got != 100 {
		t.Errorf("alertScore(0) = %v, want 100", got)
	}

	if got := alertScore(3); got != 70 {
		t.Errorf("alertScore(3) = %v, want 70", got)
	}

	if got := alertScore(25); got != 0 {
		t.Errorf("alertScore(25) = %v, want 0", got)
	}
}

func TestCompositeScoreRenormalizesWeights(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Only two of four components present; their weights renormalize.
	components := []HealthComponent{
		{Name: "runs", Score: 100, Weight: weightRuns},
		{Name: "alerts", Score: 50, Weight: weightAlerts},
	}

	want := (100*weightRuns + 50*weightAlerts) / (weightRuns + weightAlerts)
	if got := compositeScore(components); math.Abs(got-want) > 1e-9 {
		t.Errorf("compositeScore = %v, want %v", got, want)
	}

	if got := compositeScore(nil); got != 0 {
		t.Errorf("compositeScore with no components = %v, want 0", got)
	}
}

func TestHealthStatusThresholds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		score float64
		want  string
	}{
		{100, HealthHealthy},
		{90, HealthHealthy},
		{89.9, HealthDegraded},
		{70, HealthDegraded},
		{69.9, HealthUnhealthy},
		{0, HealthUnhealthy},
	}

	for _, tt := range tests {
		if got := healthStatus(tt.score); got != tt.want {
			t.Errorf("healthStatus(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}
