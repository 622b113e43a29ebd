package storage

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	// SourceCounters breaks sources down by lifecycle state.
	SourceCounters struct {
		Total    int64 `json:"total"`
		Pending  int64 `json:"pending"`
		Active   int64 `json:"active"`
		Inactive int64 `json:"inactive"`
		Error    int64 `json:"error"`
		Disabled int64 `json:"disabled"`
	}

	// CrawlerCounters breaks crawlers down by status.
	CrawlerCounters struct {
		Total  int64 `json:"total"`
		Active int64 `json:"active"`
	}

	// RunCounters summarizes the last 24 hours of pipeline runs.
	RunCounters struct {
		Total              int64   `json:"total"`
		Success            int64   `json:"success"`
		Partial            int64   `json:"partial"`
		Failed             int64   `json:"failed"`
		Running            int64   `json:"running"`
		SuccessRate        float64 `json:"success_rate"`
		AvgExecutionMillis float64 `json:"avg_execution_ms"`
	}

	// DashboardStats is the main dashboard snapshot. HealthScore here is
	// the simple backward-compatible score; the observability dashboard
	// computes the authoritative one.
	DashboardStats struct {
		Sources          SourceCounters  `json:"sources"`
		Crawlers         CrawlerCounters `json:"crawlers"`
		Runs             RunCounters     `json:"runs_24h"`
		UnresolvedErrors int64           `json:"unresolved_errors"`
		HealthScore      float64         `json:"health_score"`
		GeneratedAt      time.Time       `json:"generated_at"`
	}

	// facetCount is one $group row inside a $facet branch.
	facetCount struct {
		ID string `bson:"_id"`
		N  int64  `bson:"n"`
	}

	// facetTotal is the single $count row inside a $facet branch.
	facetTotal struct {
		N int64 `bson:"n"`
	}
)

// DashboardStats computes the dashboard counters with three aggregation
// round-trips (sources, crawlers, runs) plus one unresolved-error count.
func (s *Store) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	start := time.Now()
	stats := &DashboardStats{GeneratedAt: start.UTC()}

	if err := s.sourceCounters(ctx, &stats.Sources); err != nil {
		return nil, err
	}

	if err := s.crawlerCounters(ctx, &stats.Crawlers); err != nil {
		return nil, err
	}

	if err := s.runCounters(ctx, &stats.Runs); err != nil {
		return nil, err
	}

	unresolved, err := s.CountUnresolvedErrors(ctx)
	if err != nil {
		return nil, err
	}

	stats.UnresolvedErrors = unresolved
	stats.HealthScore = simpleHealthScore(stats)

	s.logger.Debug("dashboard stats computed",
		slog.Duration("duration", time.Since(start)),
		slog.Int64("sources", stats.Sources.Total),
		slog.Int64("runs_24h", stats.Runs.Total),
	)

	return stats, nil
}

func (s *Store) sourceCounters(ctx context.Context, out *SourceCounters) error {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$facet", Value: bson.M{
			"total": bson.A{bson.M{"$count": "n"}},
			"by_status": bson.A{
				bson.M{"$group": bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}},
			},
		}}},
	}

	var rows []struct {
		Total    []facetTotal `bson:"total"`
		ByStatus []facetCount `bson:"by_status"`
	}

	if err := s.sources.Aggregate(ctx, pipeline, &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}

	if len(rows[0].Total) > 0 {
		out.Total = rows[0].Total[0].N
	}

	for _, row := range rows[0].ByStatus {
		switch SourceStatus(row.ID) {
		case SourceStatusPending:
			out.Pending = row.N
		case SourceStatusActive:
			out.Active = row.N
		case SourceStatusInactive:
			out.Inactive = row.N
		case SourceStatusError:
			out.Error = row.N
		case SourceStatusDisabled:
			out.Disabled = row.N
		}
	}

	return nil
}

func (s *Store) crawlerCounters(ctx context.Context, out *CrawlerCounters) error {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$facet", Value: bson.M{
			"total": bson.A{bson.M{"$count": "n"}},
			"by_status": bson.A{
				bson.M{"$group": bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}},
			},
		}}},
	}

	var rows []struct {
		Total    []facetTotal `bson:"total"`
		ByStatus []facetCount `bson:"by_status"`
	}

	if err := s.crawlers.Aggregate(ctx, pipeline, &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}

	if len(rows[0].Total) > 0 {
		out.Total = rows[0].Total[0].N
	}

	for _, row := range rows[0].ByStatus {
		if CrawlerStatus(row.ID) == CrawlerStatusActive {
			out.Active = row.N
		}
	}

	return nil
}

func (s *Store) runCounters(ctx context.Context, out *RunCounters) error {
	since := time.Now().UTC().Add(-24 * time.Hour)

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"executed_at": bson.M{"$gte": since}}}},
		bson.D{{Key: "$facet", Value: bson.M{
			"by_status": bson.A{
				bson.M{"$group": bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}},
			},
			"timing": bson.A{
				bson.M{"$group": bson.M{
					"_id": nil,
					"avg": bson.M{"$avg": "$execution_time_ms"},
				}},
			},
		}}},
	}

	var rows []struct {
		ByStatus []facetCount `bson:"by_status"`
		Timing   []struct {
			Avg float64 `bson:"avg"`
		} `bson:"timing"`
	}

	if err := s.crawlResults.Aggregate(ctx, pipeline, &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}

	for _, row := range rows[0].ByStatus {
		out.Total += row.N

		switch CrawlStatus(row.ID) {
		case CrawlStatusSuccess:
			out.Success = row.N
		case CrawlStatusPartial:
			out.Partial = row.N
		case CrawlStatusFailed:
			out.Failed = row.N
		case CrawlStatusRunning:
			out.Running = row.N
		}
	}

	if len(rows[0].Timing) > 0 {
		out.AvgExecutionMillis = rows[0].Timing[0].Avg
	}

	completed := out.Success + out.Partial + out.Failed
	if completed > 0 {
		out.SuccessRate = float64(out.Success) / float64(completed) * 100
	}

	return nil
}

// simpleHealthScore is the backward-compatible dashboard score: start at
// 100, subtract up to 50 for run failures, up to 30 for sources in error,
// up to 20 for unresolved error volume. Clamped to [0, 100].
func simpleHealthScore(stats *DashboardStats) float64 {
	score := 100.0

	completed := stats.Runs.Success + stats.Runs.Partial + stats.Runs.Failed
	if completed > 0 {
		failureRate := float64(stats.Runs.Failed) / float64(completed)
		score -= failureRate * 50
	}

	if stats.Sources.Total > 0 {
		errorRate := float64(stats.Sources.Error) / float64(stats.Sources.Total)
		score -= errorRate * 30
	}

	errorPressure := float64(stats.UnresolvedErrors) / 50.0
	if errorPressure > 1 {
		errorPressure = 1
	}

	score -= errorPressure * 20

	if score < 0 {
		score = 0
	}

	return score
}
