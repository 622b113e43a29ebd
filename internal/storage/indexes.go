package storage

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// indexSpec binds one collection to its index models.
type indexSpec struct {
	collection string
	models     []mongo.IndexModel
}

// requiredIndexes is the startup index set. Creation is idempotent: an
// existing index with the same key pattern is left untouched.
func requiredIndexes() []indexSpec {
	return []indexSpec{
		{CollSources, []mongo.IndexModel{
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{CollCrawlers, []mongo.IndexModel{
			{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "version", Value: -1}}},
		}},
		{CollCrawlResults, []mongo.IndexModel{
			{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "executed_at", Value: -1}}},
			{Keys: bson.D{{Key: "run_id", Value: 1}}},
		}},
		{CollErrorLogs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "resolved", Value: 1}, {Key: "created_at", Value: -1}}},
		}},
		{CollSchemaRegistry, []mongo.IndexModel{
			{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "version", Value: -1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "fingerprint", Value: 1}}},
		}},
		{CollDataCatalog, []mongo.IndexModel{
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{CollDataColumns, []mongo.IndexModel{
			{Keys: bson.D{{Key: "dataset_id", Value: 1}, {Key: "name", Value: 1}}},
		}},
		{CollDataLineage, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "source_id", Value: 1}, {Key: "target_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		}},
		{CollColumnLineage, []mongo.IndexModel{
			{
				Keys: bson.D{
					{Key: "source_dataset_id", Value: 1},
					{Key: "source_column", Value: 1},
					{Key: "target_dataset_id", Value: 1},
					{Key: "target_column", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "target_dataset_id", Value: 1}, {Key: "target_column", Value: 1}}},
		}},
		{CollDataReviews, []mongo.IndexModel{
			{Keys: bson.D{{Key: "review_status", Value: 1}, {Key: "created_at", Value: 1}}},
			{
				Keys: bson.D{
					{Key: "crawl_result_id", Value: 1},
					{Key: "data_record_index", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		}},
		{CollReviewerBookmarks, []mongo.IndexModel{
			{Keys: bson.D{{Key: "reviewer_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{CollBulkJobs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		}},
		{CollPipelineMetrics, []mongo.IndexModel{
			{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "started_at", Value: -1}}},
			{Keys: bson.D{{Key: "run_id", Value: 1}}},
		}},
		{CollFreshnessConfig, []mongo.IndexModel{
			{Keys: bson.D{{Key: "source_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{CollFreshnessHistory, []mongo.IndexModel{
			{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "checked_at", Value: -1}}},
		}},
		{CollAlertHistory, []mongo.IndexModel{
			{Keys: bson.D{{Key: "triggered_at", Value: -1}}},
		}},
		{CollSLAEvaluations, []mongo.IndexModel{
			{Keys: bson.D{{Key: "sla_id", Value: 1}, {Key: "evaluated_at", Value: -1}}},
		}},
	}
}

// EnsureIndexes creates every required index. Called once at startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, spec := range requiredIndexes() {
		if err := s.conn.Collection(spec.collection).CreateIndexes(ctx, spec.models); err != nil {
			return fmt.Errorf("ensure indexes for %s: %w", spec.collection, err)
		}
	}

	s.logger.Info("store indexes ensured", slog.Int("collections", len(requiredIndexes())))

	return nil
}
