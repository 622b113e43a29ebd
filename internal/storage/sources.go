package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SourceUpdate is a partial patch for a source. Nil fields are untouched.
type SourceUpdate struct {
	Name     *string
	URL      *string
	Type     *SourceType
	Fields   []SourceField
	Schedule *string
	Status   *SourceStatus
	Metadata map[string]any
}

// CascadeResult reports the outcome of a cascading source deletion.
type CascadeResult struct {
	SourceDeleted bool             `json:"source_deleted"`
	Deleted       map[string]int64 `json:"deleted"`
	Failed        []string         `json:"failed,omitempty"`
}

// CreateSource inserts a new crawling target. New sources start pending
// with a zero error count. A duplicate name fails with ErrDuplicateKey.
func (s *Store) CreateSource(ctx context.Context, src *Source) (ID, error) {
	if src.Name == "" {
		return NilID, fmt.Errorf("%w: source name is required", ErrOperation)
	}

	if !src.Type.IsValid() {
		return NilID, fmt.Errorf("%w: unknown source type %q", ErrOperation, src.Type)
	}

	src.ID = NewID()
	src.Status = SourceStatusPending
	src.ErrorCount = 0
	src.CreatedAt = time.Now().UTC()
	src.UpdatedAt = nil

	id, err := s.sources.InsertOne(ctx, src)
	if err != nil {
		return NilID, err
	}

	s.logger.Info("source created",
		slog.String("source_id", id.Hex()),
		slog.String("name", src.Name),
		slog.String("type", string(src.Type)),
	)

	return id, nil
}

// GetSource loads one source by id string.
func (s *Store) GetSource(ctx context.Context, id string) (*Source, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	var src Source
	if err := s.sources.FindOne(ctx, idFilter(oid), &src); err != nil {
		return nil, err
	}

	return &src, nil
}

// GetSourceByName loads one source by its unique name.
func (s *Store) GetSourceByName(ctx context.Context, name string) (*Source, error) {
	var src Source
	if err := s.sources.FindOne(ctx, bson.M{"name": name}, &src); err != nil {
		return nil, err
	}

	return &src, nil
}

// ListSources returns sources matching the filter, newest first.
func (s *Store) ListSources(ctx context.Context, filter SourceFilter, page Pagination) ([]Source, error) {
	page = NormalizePagination(page)

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	sources := make([]Source, 0, page.Limit)
	if err := s.sources.Find(ctx, sourceFilterDoc(filter), &sources, opts); err != nil {
		return nil, err
	}

	return sources, nil
}

// CountSources returns the number of sources matching the filter.
func (s *Store) CountSources(ctx context.Context, filter SourceFilter) (int64, error) {
	return s.sources.CountDocuments(ctx, sourceFilterDoc(filter))
}

// UpdateSource applies a partial patch. Returns whether the source existed.
func (s *Store) UpdateSource(ctx context.Context, id string, patch SourceUpdate) (bool, error) {
	oid, err := ParseID(id)
	if err != nil {
		return false, err
	}

	set := bson.M{"updated_at": time.Now().UTC()}

	if patch.Name != nil {
		set["name"] = *patch.Name
	}

	if patch.URL != nil {
		set["url"] = *patch.URL
	}

	if patch.Type != nil {
		if !patch.Type.IsValid() {
			return false, fmt.Errorf("%w: unknown source type %q", ErrOperation, *patch.Type)
		}

		set["type"] = *patch.Type
	}

	if patch.Fields != nil {
		set["fields"] = patch.Fields
	}

	if patch.Schedule != nil {
		set["schedule"] = *patch.Schedule
	}

	if patch.Status != nil {
		if !patch.Status.IsValid() {
			return false, fmt.Errorf("%w: unknown source status %q", ErrOperation, *patch.Status)
		}

		set["status"] = *patch.Status
	}

	if patch.Metadata != nil {
		set["metadata"] = patch.Metadata
	}

	return s.sources.UpdateByID(ctx, oid, bson.M{"$set": set})
}

// UpdateSourceStatus moves a source to the given lifecycle state.
func (s *Store) UpdateSourceStatus(ctx context.Context, id string, status SourceStatus) (bool, error) {
	st := status

	return s.UpdateSource(ctx, id, SourceUpdate{Status: &st})
}

// RecordSourceRun updates run bookkeeping after a pipeline run finishes.
// Success stamps last_success and clears the error count; failure
// increments it. The updated source is returned.
func (s *Store) RecordSourceRun(ctx context.Context, id ID, at time.Time, success bool) (*Source, error) {
	update := bson.M{
		"$set": bson.M{
			"last_run":   at,
			"updated_at": time.Now().UTC(),
		},
	}

	if success {
		update["$set"].(bson.M)["last_success"] = at
		update["$set"].(bson.M)["error_count"] = 0
	} else {
		update["$inc"] = bson.M{"error_count": 1}
	}

	var src Source
	if err := s.sources.FindOneAndUpdate(ctx, idFilter(id), update, &src); err != nil {
		return nil, err
	}

	return &src, nil
}

// sourceChildCollections lists every child collection keyed by source_id,
// swept during a cascading delete.
var sourceChildCollections = []string{
	CollCrawlers,
	CollCrawlerHistory,
	CollCrawlResults,
	CollErrorLogs,
	CollDataReviews,
	CollSchemaRegistry,
	CollPipelineMetrics,
	CollFreshnessConfig,
	CollFreshnessHistory,
}

// DeleteSource removes a source and all its children. Children are deleted
// first, the parent last. A child collection failure is recorded and the
// sweep continues; leftover orphans are reaped by the maintenance sweep.
func (s *Store) DeleteSource(ctx context.Context, id string) (*CascadeResult, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	result := &CascadeResult{Deleted: make(map[string]int64, len(sourceChildCollections))}
	childFilter := bson.M{"source_id": oid}

	for _, name := range sourceChildCollections {
		deleted, err := s.conn.Collection(name).DeleteMany(ctx, childFilter)
		if err != nil {
			result.Failed = append(result.Failed, name)
			s.logger.Warn("cascade delete failed for child collection",
				slog.String("source_id", id),
				slog.String("collection", name),
				slog.Any("error", err),
			)

			continue
		}

		result.Deleted[name] = deleted
	}

	sourceDeleted, err := s.sources.DeleteByID(ctx, oid)
	if err != nil {
		return result, err
	}

	result.SourceDeleted = sourceDeleted

	s.logger.Info("source deleted",
		slog.String("source_id", id),
		slog.Bool("found", sourceDeleted),
		slog.Int("failed_child_collections", len(result.Failed)),
	)

	return result, nil
}

// sourceFilterDoc translates a SourceFilter into a query document.
func sourceFilterDoc(filter SourceFilter) bson.M {
	doc := bson.M{}

	if filter.Status != nil {
		doc["status"] = *filter.Status
	}

	if filter.Type != nil {
		doc["type"] = *filter.Type
	}

	if filter.NameContains != nil {
		doc["name"] = primitive.Regex{Pattern: *filter.NameContains, Options: "i"}
	}

	return doc
}
