// Package lineage tracks dataset-to-dataset data flow. Edges live in the
// data_lineage collection (scope "dataset", alongside the record-level
// promotion rows) with optional per-column mappings mirrored into
// column_lineage. The catalog's upstream/downstream summaries are updated
// on every edge write; the edge collection stays the source of truth.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/spindle-io/spindle/internal/catalog"
	"github.com/spindle-io/spindle/internal/storage"
)

// Lineage errors.
var (
	// ErrSelfLoop is returned when an edge would connect a dataset to
	// itself.
	ErrSelfLoop = errors.New("lineage: self-loop edges are not allowed")

	// ErrValidation is returned for malformed lineage input.
	ErrValidation = errors.New("lineage: validation failed")
)

// edgeScope marks dataset-level rows in data_lineage, which is shared
// with the record-level rows written by promotion.
const edgeScope = "dataset"

type (
	// Relationship describes how a target dataset is produced from its
	// source.
	Relationship string

	// ColumnMapping ties one source column to one target column on an
	// edge.
	ColumnMapping struct {
		SourceColumn   string `bson:"source_column"            json:"source_column"`
		TargetColumn   string `bson:"target_column"            json:"target_column"`
		Transformation string `bson:"transformation,omitempty" json:"transformation,omitempty"`
	}

	// Edge is one dataset-level lineage edge. At most one edge exists per
	// ordered (source, target) pair; re-creating it updates in place.
	Edge struct {
		ID                  storage.ID      `bson:"_id,omitempty"                  json:"id"`
		SourceID            storage.ID      `bson:"source_id"                      json:"source_id"`
		TargetID            storage.ID      `bson:"target_id"                      json:"target_id"`
		SourceName          string          `bson:"source_name"                    json:"source_name"`
		TargetName          string          `bson:"target_name"                    json:"target_name"`
		Relationship        Relationship    `bson:"relationship_type"              json:"relationship_type"`
		Scope               string          `bson:"scope"                          json:"scope"`
		TransformationLogic string          `bson:"transformation_logic,omitempty" json:"transformation_logic,omitempty"`
		ColumnMappings      []ColumnMapping `bson:"column_mappings,omitempty"      json:"column_mappings,omitempty"`
		JobID               string          `bson:"job_id,omitempty"               json:"job_id,omitempty"`
		CreatedAt           time.Time       `bson:"created_at"                     json:"created_at"`
		UpdatedAt           *time.Time      `bson:"updated_at,omitempty"           json:"updated_at,omitempty"`
	}

	// columnEdge is one column_lineage row, keyed by the full
	// (source dataset, source column, target dataset, target column)
	// tuple.
	columnEdge struct {
		ID                storage.ID `bson:"_id,omitempty"`
		SourceDatasetID   storage.ID `bson:"source_dataset_id"`
		SourceDatasetName string     `bson:"source_dataset_name"`
		SourceColumn      string     `bson:"source_column"`
		TargetDatasetID   storage.ID `bson:"target_dataset_id"`
		TargetDatasetName string     `bson:"target_dataset_name"`
		TargetColumn      string     `bson:"target_column"`
		Transformation    string     `bson:"transformation,omitempty"`
		UpdatedAt         time.Time  `bson:"updated_at"`
	}

	// EdgeOptions carries the optional parts of an edge write.
	EdgeOptions struct {
		TransformationLogic string
		ColumnMappings      []ColumnMapping
		JobID               string
	}
)

// Edge relationships.
const (
	RelCopies      Relationship = "copies"
	RelAggregates  Relationship = "aggregates"
	RelDerivesFrom Relationship = "derives_from"
	RelTransforms  Relationship = "transforms"
)

// IsValid returns true when the relationship is a known kind.
func (r Relationship) IsValid() bool {
	switch r {
	case RelCopies, RelAggregates, RelDerivesFrom, RelTransforms:
		return true
	default:
		return false
	}
}

// Service answers lineage questions over catalogued datasets.
type Service struct {
	edges   *storage.Collection
	columns *storage.Collection
	catalog *catalog.Catalog

	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a lineage Service.
type Option func(*Service)

// WithClock overrides the time source. Tests use this to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a lineage service over the given store connection and
// catalog. A nil logger falls back to slog.Default().
func New(conn *storage.Connection, cat *catalog.Catalog, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		edges:   conn.Collection(storage.CollDataLineage),
		columns: conn.Collection(storage.CollColumnLineage),
		catalog: cat,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CreateEdge records that target is produced from source. The edge is
// upserted by its ordered (source, target) pair; the datasets' adjacency
// summaries are replaced, and column mappings are mirrored into
// column_lineage. Self-loops are rejected.
func (s *Service) CreateEdge(ctx context.Context, sourceID, targetID string, rel Relationship, opts EdgeOptions) (*Edge, error) {
	srcID, err := storage.ParseID(sourceID)
	if err != nil {
		return nil, err
	}

	tgtID, err := storage.ParseID(targetID)
	if err != nil {
		return nil, err
	}

	if srcID == tgtID {
		return nil, fmt.Errorf("%w: dataset %s", ErrSelfLoop, srcID.Hex())
	}

	if !rel.IsValid() {
		return nil, fmt.Errorf("%w: unknown relationship %q", ErrValidation, rel)
	}

	src, err := s.catalog.GetDataset(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("source dataset: %w", err)
	}

	tgt, err := s.catalog.GetDataset(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("target dataset: %w", err)
	}

	now := s.now()

	update := bson.M{
		"$set": bson.M{
			"source_name":          src.Name,
			"target_name":          tgt.Name,
			"relationship_type":    rel,
			"scope":                edgeScope,
			"transformation_logic": opts.TransformationLogic,
			"column_mappings":      opts.ColumnMappings,
			"job_id":               opts.JobID,
			"updated_at":           now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}

	pair := bson.M{"source_id": srcID, "target_id": tgtID}

	if _, err := s.edges.Upsert(ctx, pair, update); err != nil {
		return nil, err
	}

	var edge Edge
	if err := s.edges.FindOne(ctx, pair, &edge); err != nil {
		return nil, err
	}

	if err := s.catalog.ReplaceNeighbor(ctx, srcID, catalog.NeighborDownstream, catalog.NeighborRef{
		DatasetID:    tgtID,
		Relationship: string(rel),
	}); err != nil {
		return nil, err
	}

	if err := s.catalog.ReplaceNeighbor(ctx, tgtID, catalog.NeighborUpstream, catalog.NeighborRef{
		DatasetID:    srcID,
		Relationship: string(rel),
	}); err != nil {
		return nil, err
	}

	if err := s.mirrorColumnMappings(ctx, &edge); err != nil {
		return nil, err
	}

	s.logger.Info("lineage edge recorded",
		slog.String("source", src.Name),
		slog.String("target", tgt.Name),
		slog.String("relationship", string(rel)),
	)

	return &edge, nil
}

// DeleteEdge removes the edge for an ordered pair along with its column
// rows and adjacency summaries. Returns whether an edge existed.
func (s *Service) DeleteEdge(ctx context.Context, sourceID, targetID string) (bool, error) {
	srcID, err := storage.ParseID(sourceID)
	if err != nil {
		return false, err
	}

	tgtID, err := storage.ParseID(targetID)
	if err != nil {
		return false, err
	}

	deleted, err := s.edges.DeleteOne(ctx, bson.M{
		"source_id": srcID,
		"target_id": tgtID,
		"scope":     edgeScope,
	})
	if err != nil || !deleted {
		return deleted, err
	}

	if _, err := s.columns.DeleteMany(ctx, bson.M{
		"source_dataset_id": srcID,
		"target_dataset_id": tgtID,
	}); err != nil {
		return true, err
	}

	if err := s.catalog.RemoveNeighbor(ctx, srcID, catalog.NeighborDownstream, tgtID); err != nil {
		return true, err
	}

	if err := s.catalog.RemoveNeighbor(ctx, tgtID, catalog.NeighborUpstream, srcID); err != nil {
		return true, err
	}

	return true, nil
}

// GetEdges returns every dataset-level edge touching the dataset, in both
// directions.
func (s *Service) GetEdges(ctx context.Context, datasetID string) ([]Edge, error) {
	id, err := storage.ParseID(datasetID)
	if err != nil {
		return nil, err
	}

	var edges []Edge

	filter := bson.M{
		"scope": edgeScope,
		"$or": []bson.M{
			{"source_id": id},
			{"target_id": id},
		},
	}

	if err := s.edges.Find(ctx, filter, &edges); err != nil {
		return nil, err
	}

	return edges, nil
}

// DetectLineageFromETL records lineage observed from an ETL job by
// collection names, registering either collection in the catalog when
// missing. The relationship is inferred from the target name: staging
// collections are copies, aggregate/summary collections are aggregates,
// anything else derives from its source.
func (s *Service) DetectLineageFromETL(ctx context.Context, sourceCollection, targetCollection, jobID string) (*Edge, error) {
	if sourceCollection == "" || targetCollection == "" {
		return nil, fmt.Errorf("%w: source and target collections are required", ErrValidation)
	}

	src, err := s.catalog.EnsureDataset(ctx, sourceCollection)
	if err != nil {
		return nil, fmt.Errorf("resolve source %q: %w", sourceCollection, err)
	}

	tgt, err := s.catalog.EnsureDataset(ctx, targetCollection)
	if err != nil {
		return nil, fmt.Errorf("resolve target %q: %w", targetCollection, err)
	}

	return s.CreateEdge(ctx, src.ID.Hex(), tgt.ID.Hex(), relationshipForTarget(targetCollection), EdgeOptions{
		JobID: jobID,
	})
}

// relationshipForTarget infers the edge relationship from a target
// collection name.
func relationshipForTarget(name string) Relationship {
	switch {
	case strings.HasPrefix(name, "staging_"):
		return RelCopies
	case strings.HasPrefix(name, "agg_"), strings.HasPrefix(name, "summary_"):
		return RelAggregates
	default:
		return RelDerivesFrom
	}
}

// mirrorColumnMappings upserts one column_lineage row per mapping on the
// edge.
func (s *Service) mirrorColumnMappings(ctx context.Context, edge *Edge) error {
	for _, m := range edge.ColumnMappings {
		if m.SourceColumn == "" || m.TargetColumn == "" {
			return fmt.Errorf("%w: column mapping needs both ends", ErrValidation)
		}

		filter := bson.M{
			"source_dataset_id": edge.SourceID,
			"source_column":     m.SourceColumn,
			"target_dataset_id": edge.TargetID,
			"target_column":     m.TargetColumn,
		}

		update := bson.M{"$set": bson.M{
			"source_dataset_name": edge.SourceName,
			"target_dataset_name": edge.TargetName,
			"transformation":      m.Transformation,
			"updated_at":          s.now(),
		}}

		if _, err := s.columns.Upsert(ctx, filter, update); err != nil {
			return err
		}
	}

	return nil
}
