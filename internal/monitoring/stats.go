package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/spindle-io/spindle/internal/storage"
)

// Aggregation window defaults.
const (
	defaultWindowHours     = 24
	defaultSourceStatLimit = 20
)

type (
	// StatusBucket is one status group of an aggregate query.
	StatusBucket struct {
		Status             storage.CrawlStatus `bson:"_id"               json:"status"`
		Runs               int64               `bson:"runs"              json:"runs"`
		RecordsLoaded      int64               `bson:"records_loaded"    json:"records_loaded"`
		ErrorCount         int64               `bson:"error_count"       json:"error_count"`
		AvgExecutionMillis float64             `bson:"avg_execution_ms"  json:"avg_execution_ms"`
	}

	// AggregateStats summarizes runs over a window, grouped by status.
	AggregateStats struct {
		WindowHours        int            `json:"window_hours"`
		TotalRuns          int64          `json:"total_runs"`
		SuccessRate        float64        `json:"success_rate"`
		ErrorRate          float64        `json:"error_rate"`
		TotalRecordsLoaded int64          `json:"total_records_loaded"`
		TotalErrors        int64          `json:"total_errors"`
		AvgExecutionMillis float64        `json:"avg_execution_ms"`
		ByStatus           []StatusBucket `json:"by_status"`
	}

	// SourceStats is one source's rollup over a window.
	SourceStats struct {
		SourceID           storage.ID `bson:"_id"               json:"source_id"`
		TotalRuns          int64      `bson:"total_runs"        json:"total_runs"`
		Success            int64      `bson:"success"           json:"success"`
		Partial            int64      `bson:"partial"           json:"partial"`
		Failed             int64      `bson:"failed"            json:"failed"`
		SuccessRate        float64    `bson:"-"                 json:"success_rate"`
		RecordsLoaded      int64      `bson:"records_loaded"    json:"records_loaded"`
		ErrorCount         int64      `bson:"error_count"       json:"error_count"`
		AvgExecutionMillis float64    `bson:"avg_execution_ms"  json:"avg_execution_ms"`
		LastRunAt          time.Time  `bson:"last_run_at"       json:"last_run_at"`
	}

	// CategoryStats is one category's rollup over a window.
	CategoryStats struct {
		Category           string  `bson:"_id"              json:"category"`
		TotalRuns          int64   `bson:"total_runs"       json:"total_runs"`
		Success            int64   `bson:"success"          json:"success"`
		Failed             int64   `bson:"failed"           json:"failed"`
		RecordsLoaded      int64   `bson:"records_loaded"   json:"records_loaded"`
		AvgExecutionMillis float64 `bson:"avg_execution_ms" json:"avg_execution_ms"`
	}

	// ErrorTypeCount is one error type's total over a window.
	ErrorTypeCount struct {
		Type  string `bson:"_id"   json:"type"`
		Count int64  `bson:"count" json:"count"`
	}

	// HourlyBucket is one hour of run activity. Hour is the UTC bucket key
	// in YYYY-MM-DDTHH:00:00Z form.
	HourlyBucket struct {
		Hour          string `bson:"_id"            json:"hour"`
		Runs          int64  `bson:"runs"           json:"runs"`
		Success       int64  `bson:"success"        json:"success"`
		Failed        int64  `bson:"failed"         json:"failed"`
		RecordsLoaded int64  `bson:"records_loaded" json:"records_loaded"`
	}
)

// AggregateStats groups runs in the window by status and derives totals.
// SuccessRate counts success runs; ErrorRate counts failed runs; partial
// runs count toward neither rate.
func (c *Collector) AggregateStats(ctx context.Context, sourceID *storage.ID, hours int) (*AggregateStats, error) {
	hours = windowOrDefault(hours)

	pipeline := []bson.M{
		{"$match": c.windowFilter(sourceID, hours)},
		{"$group": bson.M{
			"_id":              "$status",
			"runs":             bson.M{"$sum": 1},
			"records_loaded":   bson.M{"$sum": "$records_loaded"},
			"error_count":      bson.M{"$sum": "$error_count"},
			"avg_execution_ms": bson.M{"$avg": "$execution_time_ms"},
		}},
		{"$sort": bson.M{"_id": 1}},
	}

	var buckets []StatusBucket
	if err := c.metrics.Aggregate(ctx, pipeline, &buckets); err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}

	stats := &AggregateStats{WindowHours: hours, ByStatus: buckets}

	var weightedExecution float64

	for _, b := range buckets {
		stats.TotalRuns += b.Runs
		stats.TotalRecordsLoaded += b.RecordsLoaded
		stats.TotalErrors += b.ErrorCount
		weightedExecution += b.AvgExecutionMillis * float64(b.Runs)

		switch b.Status {
		case storage.CrawlStatusSuccess:
			stats.SuccessRate += float64(b.Runs)
		case storage.CrawlStatusFailed:
			stats.ErrorRate += float64(b.Runs)
		}
	}

	if stats.TotalRuns > 0 {
		stats.SuccessRate = stats.SuccessRate / float64(stats.TotalRuns) * 100
		stats.ErrorRate = stats.ErrorRate / float64(stats.TotalRuns) * 100
		stats.AvgExecutionMillis = weightedExecution / float64(stats.TotalRuns)
	}

	return stats, nil
}

// SourceStats rolls runs up per source, busiest first.
func (c *Collector) SourceStats(ctx context.Context, hours, limit int) ([]SourceStats, error) {
	hours = windowOrDefault(hours)

	if limit <= 0 {
		limit = defaultSourceStatLimit
	}

	pipeline := []bson.M{
		{"$match": c.windowFilter(nil, hours)},
		{"$group": bson.M{
			"_id":              "$source_id",
			"total_runs":       bson.M{"$sum": 1},
			"success":          statusCond(storage.CrawlStatusSuccess),
			"partial":          statusCond(storage.CrawlStatusPartial),
			"failed":           statusCond(storage.CrawlStatusFailed),
			"records_loaded":   bson.M{"$sum": "$records_loaded"},
			"error_count":      bson.M{"$sum": "$error_count"},
			"avg_execution_ms": bson.M{"$avg": "$execution_time_ms"},
			"last_run_at":      bson.M{"$max": "$started_at"},
		}},
		{"$sort": bson.M{"total_runs": -1}},
		{"$limit": limit},
	}

	var stats []SourceStats
	if err := c.metrics.Aggregate(ctx, pipeline, &stats); err != nil {
		return nil, fmt.Errorf("source stats: %w", err)
	}

	for i := range stats {
		if stats[i].TotalRuns > 0 {
			stats[i].SuccessRate = float64(stats[i].Success) / float64(stats[i].TotalRuns) * 100
		}
	}

	return stats, nil
}

// CategoryStats rolls runs up per category. Runs without a category land
// in "uncategorized".
func (c *Collector) CategoryStats(ctx context.Context, hours int) ([]CategoryStats, error) {
	hours = windowOrDefault(hours)

	pipeline := []bson.M{
		{"$match": c.windowFilter(nil, hours)},
		{"$group": bson.M{
			"_id":              bson.M{"$ifNull": bson.A{"$category", "uncategorized"}},
			"total_runs":       bson.M{"$sum": 1},
			"success":          statusCond(storage.CrawlStatusSuccess),
			"failed":           statusCond(storage.CrawlStatusFailed),
			"records_loaded":   bson.M{"$sum": "$records_loaded"},
			"avg_execution_ms": bson.M{"$avg": "$execution_time_ms"},
		}},
		{"$sort": bson.M{"total_runs": -1}},
	}

	var stats []CategoryStats
	if err := c.metrics.Aggregate(ctx, pipeline, &stats); err != nil {
		return nil, fmt.Errorf("category stats: %w", err)
	}

	return stats, nil
}

// ErrorDistribution un-nests the per-run error_types maps and sums counts
// per error type, most frequent first.
func (c *Collector) ErrorDistribution(ctx context.Context, sourceID *storage.ID, hours int) ([]ErrorTypeCount, error) {
	hours = windowOrDefault(hours)

	pipeline := []bson.M{
		{"$match": c.windowFilter(sourceID, hours)},
		{"$project": bson.M{
			"kv": bson.M{"$objectToArray": bson.M{"$ifNull": bson.A{"$error_types", bson.M{}}}},
		}},
		{"$unwind": "$kv"},
		{"$group": bson.M{
			"_id":   "$kv.k",
			"count": bson.M{"$sum": "$kv.v"},
		}},
		{"$sort": bson.M{"count": -1}},
	}

	var counts []ErrorTypeCount
	if err := c.metrics.Aggregate(ctx, pipeline, &counts); err != nil {
		return nil, fmt.Errorf("error distribution: %w", err)
	}

	return counts, nil
}

// HourlyTrend buckets runs by start hour (UTC), oldest first.
func (c *Collector) HourlyTrend(ctx context.Context, sourceID *storage.ID, hours int) ([]HourlyBucket, error) {
	hours = windowOrDefault(hours)

	pipeline := []bson.M{
		{"$match": c.windowFilter(sourceID, hours)},
		{"$group": bson.M{
			"_id": bson.M{"$dateToString": bson.M{
				"format": "%Y-%m-%dT%H:00:00Z",
				"date":   "$started_at",
			}},
			"runs":           bson.M{"$sum": 1},
			"success":        statusCond(storage.CrawlStatusSuccess),
			"failed":         statusCond(storage.CrawlStatusFailed),
			"records_loaded": bson.M{"$sum": "$records_loaded"},
		}},
		{"$sort": bson.M{"_id": 1}},
	}

	var buckets []HourlyBucket
	if err := c.metrics.Aggregate(ctx, pipeline, &buckets); err != nil {
		return nil, fmt.Errorf("hourly trend: %w", err)
	}

	return buckets, nil
}

// windowFilter matches runs started within the last hours, optionally for
// one source.
func (c *Collector) windowFilter(sourceID *storage.ID, hours int) bson.M {
	filter := bson.M{
		"started_at": bson.M{"$gte": c.now().Add(-time.Duration(hours) * time.Hour)},
	}

	if sourceID != nil {
		filter["source_id"] = *sourceID
	}

	return filter
}

// statusCond counts runs with the given status inside a $group.
func statusCond(status storage.CrawlStatus) bson.M {
	return bson.M{"$sum": bson.M{"$cond": bson.A{
		bson.M{"$eq": bson.A{"$status", string(status)}}, 1, 0,
	}}}
}

// windowOrDefault clamps a window to the default when unset.
func windowOrDefault(hours int) int {
	if hours <= 0 {
		return defaultWindowHours
	}

	return hours
}
