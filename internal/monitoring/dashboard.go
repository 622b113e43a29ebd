package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spindle-io/spindle/internal/storage"
)

// Component weights for the composite health score. Weights of components
// with no data renormalize over the rest.
const (
	weightRuns      = 0.40
	weightSLA       = 0.25
	weightFreshness = 0.20
	weightAlerts    = 0.15

	// Every unresolved alert costs this many points of the alert component.
	alertPenalty = 10.0

	healthyFloor  = 90.0
	degradedFloor = 70.0
)

// Health statuses derived from the composite score.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

type (
	// HealthComponent is one weighted input to the composite score.
	HealthComponent struct {
		Name   string  `json:"name"`
		Score  float64 `json:"score"`
		Weight float64 `json:"weight"`
		Detail string  `json:"detail"`
	}

	// HealthReport is the authoritative platform health view: a weighted
	// composite of run outcomes, SLA compliance, data freshness and open
	// alerts.
	HealthReport struct {
		Score            float64           `json:"score"`
		Status           string            `json:"status"`
		Components       []HealthComponent `json:"components"`
		UnresolvedAlerts int64             `json:"unresolved_alerts"`
		WindowHours      int               `json:"window_hours"`
		GeneratedAt      time.Time         `json:"generated_at"`
	}

	// Snapshot is the full observability dashboard payload.
	Snapshot struct {
		Health     *HealthReport      `json:"health"`
		Runs       *AggregateStats    `json:"runs"`
		Sources    []SourceStats      `json:"sources"`
		Categories []CategoryStats    `json:"categories"`
		Errors     []ErrorTypeCount   `json:"errors"`
		Hourly     []HourlyBucket     `json:"hourly"`
		Compliance *ComplianceSummary `json:"compliance"`
		Freshness  *FreshnessOverview `json:"freshness"`
	}
)

// Dashboard composes the monitoring components into operator-facing views.
type Dashboard struct {
	collector *Collector
	alerts    *AlertEngine
	slas      *SLAMonitor
	freshness *FreshnessTracker
	logger    *slog.Logger
	now       func() time.Time
}

// NewDashboard builds the observability dashboard over the four monitoring
// components. A nil logger falls back to slog.Default().
func NewDashboard(collector *Collector, alerts *AlertEngine, slas *SLAMonitor, freshness *FreshnessTracker, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dashboard{
		collector: collector,
		alerts:    alerts,
		slas:      slas,
		freshness: freshness,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Health computes the composite health score over the given window. Each
// component scores 0-100; components without data drop out and the weights
// renormalize so a fresh install without SLAs is not penalized for them.
func (d *Dashboard) Health(ctx context.Context, windowHours int) (*HealthReport, error) {
	windowHours = windowOrDefault(windowHours)

	stats, err := d.collector.AggregateStats(ctx, nil, windowHours)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}

	compliance, err := d.slas.ComplianceSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("sla compliance: %w", err)
	}

	overview, err := d.freshness.Overview(ctx)
	if err != nil {
		return nil, fmt.Errorf("freshness overview: %w", err)
	}

	unresolved, err := d.alerts.CountUnresolvedTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("unresolved alerts: %w", err)
	}

	report := &HealthReport{
		UnresolvedAlerts: unresolved,
		WindowHours:      windowHours,
		GeneratedAt:      d.now(),
	}

	if stats.TotalRuns > 0 {
		report.Components = append(report.Components, HealthComponent{
			Name:   "runs",
			Score:  runScore(stats),
			Weight: weightRuns,
			Detail: fmt.Sprintf("%d runs, %.1f%% success", stats.TotalRuns, stats.SuccessRate),
		})
	}

	if measurable := compliance.Total - compliance.Unknown; measurable > 0 {
		report.Components = append(report.Components, HealthComponent{
			Name:   "sla",
			Score:  slaScore(compliance),
			Weight: weightSLA,
			Detail: fmt.Sprintf("%d/%d compliant", compliance.Compliant, measurable),
		})
	}

	if measurable := overview.Total - overview.Unknown; measurable > 0 {
		report.Components = append(report.Components, HealthComponent{
			Name:   "freshness",
			Score:  freshnessScore(overview),
			Weight: weightFreshness,
			Detail: fmt.Sprintf("%d fresh, %d stale, %d critical", overview.Fresh, overview.Stale, overview.Critical),
		})
	}

	report.Components = append(report.Components, HealthComponent{
		Name:   "alerts",
		Score:  alertScore(unresolved),
		Weight: weightAlerts,
		Detail: fmt.Sprintf("%d unresolved", unresolved),
	})

	report.Score = compositeScore(report.Components)
	report.Status = healthStatus(report.Score)

	return report, nil
}

// Snapshot assembles the full dashboard payload over the given window.
func (d *Dashboard) Snapshot(ctx context.Context, windowHours int) (*Snapshot, error) {
	windowHours = windowOrDefault(windowHours)

	health, err := d.Health(ctx, windowHours)
	if err != nil {
		return nil, err
	}

	runs, err := d.collector.AggregateStats(ctx, nil, windowHours)
	if err != nil {
		return nil, err
	}

	sources, err := d.collector.SourceStats(ctx, windowHours, defaultSourceStatLimit)
	if err != nil {
		return nil, err
	}

	categories, err := d.collector.CategoryStats(ctx, windowHours)
	if err != nil {
		return nil, err
	}

	errs, err := d.collector.ErrorDistribution(ctx, nil, windowHours)
	if err != nil {
		return nil, err
	}

	hourly, err := d.collector.HourlyTrend(ctx, nil, windowHours)
	if err != nil {
		return nil, err
	}

	compliance, err := d.slas.ComplianceSummary(ctx)
	if err != nil {
		return nil, err
	}

	freshness, err := d.freshness.Overview(ctx)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Health:     health,
		Runs:       runs,
		Sources:    sources,
		Categories: categories,
		Errors:     errs,
		Hourly:     hourly,
		Compliance: compliance,
		Freshness:  freshness,
	}, nil
}

// runScore rates run outcomes: full credit for success, half for partial.
func runScore(stats *AggregateStats) float64 {
	if stats.TotalRuns == 0 {
		return 0
	}

	var success, partial int64

	for _, bucket := range stats.ByStatus {
		switch bucket.Status {
		case storage.CrawlStatusSuccess:
			success = bucket.Runs
		case storage.CrawlStatusPartial:
			partial = bucket.Runs
		}
	}

	return (float64(success) + 0.5*float64(partial)) / float64(stats.TotalRuns) * 100
}

// slaScore rates compliance: full credit for compliant, half for at-risk,
// none for breached. Unknowns are excluded.
func slaScore(summary *ComplianceSummary) float64 {
	measurable := summary.Total - summary.Unknown
	if measurable == 0 {
		return 0
	}

	return (float64(summary.Compliant) + 0.5*float64(summary.AtRisk)) / float64(measurable) * 100
}

// freshnessScore rates source staleness: full credit for fresh, half for
// stale, none for critical. Unknowns are excluded.
func freshnessScore(overview *FreshnessOverview) float64 {
	measurable := overview.Total - overview.Unknown
	if measurable == 0 {
		return 0
	}

	return (float64(overview.Fresh) + 0.5*float64(overview.Stale)) / float64(measurable) * 100
}

// alertScore starts at 100 and loses alertPenalty per unresolved trigger.
func alertScore(unresolved int64) float64 {
	score := 100 - float64(unresolved)*alertPenalty
	if score < 0 {
		return 0
	}

	return score
}

// compositeScore weights the available components, renormalizing so the
// present weights sum to one.
func compositeScore(components []HealthComponent) float64 {
	var weighted, totalWeight float64

	for _, c := range components {
		weighted += c.Score * c.Weight
		totalWeight += c.Weight
	}

	if totalWeight == 0 {
		return 0
	}

	return weighted / totalWeight
}

// healthStatus maps a composite score to the operator-facing status.
func healthStatus(score float64) string {
	switch {
	case score >= healthyFloor:
		return HealthHealthy
	case score >= degradedFloor:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}
