// Package catalog maintains the dataset catalog: one entry per data
// collection, with lifecycle state, column schemas, tags and quality
// metrics. Columns live embedded on the dataset document (the display
// model) and mirrored in the data_columns collection (for cross-dataset
// column search); every write keeps both in sync.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spindle-io/spindle/internal/storage"
)

// Catalog errors.
var (
	// ErrDuplicateName is returned when a dataset with the same name
	// already exists. Dataset names are unique across the catalog.
	ErrDuplicateName = errors.New("catalog: dataset name already exists")

	// ErrInvalidTransition is returned when a lifecycle change is not
	// allowed from the dataset's current status.
	ErrInvalidTransition = errors.New("catalog: invalid status transition")

	// ErrValidation is returned for malformed catalog input.
	ErrValidation = errors.New("catalog: validation failed")

	// ErrNotArchived is returned when deleting a dataset that has not
	// been archived first.
	ErrNotArchived = errors.New("catalog: only archived datasets can be deleted")
)

// NeighborField selects which adjacency summary a lineage write updates.
type NeighborField string

// Adjacency fields on the dataset document.
const (
	NeighborUpstream   NeighborField = "upstream"
	NeighborDownstream NeighborField = "downstream"
)

// Catalog is the dataset catalog service.
type Catalog struct {
	conn     *storage.Connection
	datasets *storage.Collection
	columns  *storage.Collection
	tags     *storage.Collection

	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Catalog.
type Option func(*Catalog)

// WithClock overrides the time source. Tests use this to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds a dataset catalog over the given store connection. A nil
// logger falls back to slog.Default().
func New(conn *storage.Connection, logger *slog.Logger, opts ...Option) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Catalog{
		conn:     conn,
		datasets: conn.Collection(storage.CollDataCatalog),
		columns:  conn.Collection(storage.CollDataColumns),
		tags:     conn.Collection(storage.CollDataTags),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CreateDataset registers a new dataset. Names are unique; a clash fails
// with ErrDuplicateName. Datasets start in draft unless a valid status is
// supplied.
func (c *Catalog) CreateDataset(ctx context.Context, d *Dataset) (storage.ID, error) {
	if d.Name == "" {
		return storage.NilID, fmt.Errorf("%w: dataset name is required", ErrValidation)
	}

	if d.Type == "" {
		d.Type = TypeProduction
	}

	if !d.Type.IsValid() {
		return storage.NilID, fmt.Errorf("%w: unknown dataset type %q", ErrValidation, d.Type)
	}

	if d.Status == "" {
		d.Status = StatusDraft
	}

	if !d.Status.IsValid() {
		return storage.NilID, fmt.Errorf("%w: unknown dataset status %q", ErrValidation, d.Status)
	}

	d.ID = storage.NewID()
	d.Columns = reindexColumns(d.Columns)
	d.CreatedAt = c.now()
	d.UpdatedAt = nil

	id, err := c.datasets.InsertOne(ctx, d)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return storage.NilID, fmt.Errorf("%w: %q", ErrDuplicateName, d.Name)
		}

		return storage.NilID, err
	}

	if err := c.mirrorColumns(ctx, d); err != nil {
		return storage.NilID, err
	}

	c.logger.Info("dataset created",
		slog.String("dataset_id", id.Hex()),
		slog.String("name", d.Name),
		slog.String("type", string(d.Type)),
	)

	return id, nil
}

// GetDataset loads one dataset by id string.
func (c *Catalog) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return nil, err
	}

	var d Dataset
	if err := c.datasets.FindOne(ctx, bson.M{"_id": oid}, &d); err != nil {
		return nil, err
	}

	return &d, nil
}

// GetDatasetByName loads one dataset by its unique name.
func (c *Catalog) GetDatasetByName(ctx context.Context, name string) (*Dataset, error) {
	var d Dataset
	if err := c.datasets.FindOne(ctx, bson.M{"name": name}, &d); err != nil {
		return nil, err
	}

	return &d, nil
}

// GetDatasetsByIDs loads a batch of datasets in one round-trip. Missing
// ids are silently absent from the result.
func (c *Catalog) GetDatasetsByIDs(ctx context.Context, ids []storage.ID) ([]Dataset, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	datasets := make([]Dataset, 0, len(ids))
	if err := c.datasets.Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, &datasets); err != nil {
		return nil, err
	}

	return datasets, nil
}

// ListDatasets returns datasets matching the filter, sorted by name.
func (c *Catalog) ListDatasets(ctx context.Context, filter DatasetFilter, page storage.Pagination) ([]Dataset, error) {
	page = storage.NormalizePagination(page)

	opts := options.Find().
		SetSort(bson.D{{Key: "name", Value: 1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	datasets := make([]Dataset, 0, page.Limit)
	if err := c.datasets.Find(ctx, datasetFilterDoc(filter), &datasets, opts); err != nil {
		return nil, err
	}

	return datasets, nil
}

// CountDatasets returns the number of datasets matching the filter.
func (c *Catalog) CountDatasets(ctx context.Context, filter DatasetFilter) (int64, error) {
	return c.datasets.CountDocuments(ctx, datasetFilterDoc(filter))
}

// DatasetUpdate is a partial patch for a dataset's descriptive fields.
// Nil fields are untouched. Columns, status, tags and quality have their
// own write paths.
type DatasetUpdate struct {
	DisplayName *string
	Domain      *string
	Description *string
	Owner       *string
	RecordCount *int64
	Metadata    map[string]any
}

// UpdateDataset applies a partial patch. Returns whether the dataset
// existed.
func (c *Catalog) UpdateDataset(ctx context.Context, id string, patch DatasetUpdate) (bool, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return false, err
	}

	set := bson.M{"updated_at": c.now()}

	if patch.DisplayName != nil {
		set["display_name"] = *patch.DisplayName
	}

	if patch.Domain != nil {
		set["domain"] = *patch.Domain
	}

	if patch.Description != nil {
		set["description"] = *patch.Description
	}

	if patch.Owner != nil {
		set["owner"] = *patch.Owner
	}

	if patch.RecordCount != nil {
		set["record_count"] = *patch.RecordCount
	}

	if patch.Metadata != nil {
		set["metadata"] = patch.Metadata
	}

	return c.datasets.UpdateByID(ctx, oid, bson.M{"$set": set})
}

// TransitionStatus moves a dataset through its lifecycle. Disallowed
// moves fail with ErrInvalidTransition.
func (c *Catalog) TransitionStatus(ctx context.Context, id string, next DatasetStatus) error {
	if !next.IsValid() {
		return fmt.Errorf("%w: unknown dataset status %q", ErrValidation, next)
	}

	d, err := c.GetDataset(ctx, id)
	if err != nil {
		return err
	}

	if d.Status == next {
		return nil
	}

	if !d.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, next)
	}

	if _, err := c.datasets.UpdateByID(ctx, d.ID, bson.M{"$set": bson.M{
		"status":     next,
		"updated_at": c.now(),
	}}); err != nil {
		return err
	}

	c.logger.Info("dataset status changed",
		slog.String("dataset_id", d.ID.Hex()),
		slog.String("name", d.Name),
		slog.String("from", string(d.Status)),
		slog.String("to", string(next)),
	)

	return nil
}

// DeleteDataset removes an archived dataset and its mirrored column rows.
// Lineage edges are kept as history. Non-archived datasets are refused.
func (c *Catalog) DeleteDataset(ctx context.Context, id string) (bool, error) {
	d, err := c.GetDataset(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	if d.Status != StatusArchived {
		return false, fmt.Errorf("%w: %q is %s", ErrNotArchived, d.Name, d.Status)
	}

	if _, err := c.columns.DeleteMany(ctx, bson.M{"dataset_id": d.ID}); err != nil {
		return false, err
	}

	deleted, err := c.datasets.DeleteByID(ctx, d.ID)
	if err != nil {
		return false, err
	}

	if deleted {
		c.logger.Info("dataset deleted",
			slog.String("dataset_id", d.ID.Hex()),
			slog.String("name", d.Name),
		)
	}

	return deleted, nil
}

// SetColumns replaces a dataset's column schema. Positions are reassigned
// in order; the data_columns mirror is rewritten to match.
func (c *Catalog) SetColumns(ctx context.Context, id string, cols []Column) error {
	d, err := c.GetDataset(ctx, id)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(cols))

	for _, col := range cols {
		if col.Name == "" {
			return fmt.Errorf("%w: column name is required", ErrValidation)
		}

		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrValidation, col.Name)
		}

		seen[col.Name] = struct{}{}
	}

	d.Columns = reindexColumns(cols)

	if _, err := c.datasets.UpdateByID(ctx, d.ID, bson.M{"$set": bson.M{
		"columns":    d.Columns,
		"updated_at": c.now(),
	}}); err != nil {
		return err
	}

	return c.mirrorColumns(ctx, d)
}

// UpsertColumn adds or replaces a single column by name, keeping the rest
// of the schema untouched.
func (c *Catalog) UpsertColumn(ctx context.Context, id string, col Column) error {
	d, err := c.GetDataset(ctx, id)
	if err != nil {
		return err
	}

	if col.Name == "" {
		return fmt.Errorf("%w: column name is required", ErrValidation)
	}

	replaced := false

	for i := range d.Columns {
		if d.Columns[i].Name == col.Name {
			col.Position = d.Columns[i].Position
			d.Columns[i] = col
			replaced = true

			break
		}
	}

	if !replaced {
		col.Position = len(d.Columns)
		d.Columns = append(d.Columns, col)
	}

	if _, err := c.datasets.UpdateByID(ctx, d.ID, bson.M{"$set": bson.M{
		"columns":    d.Columns,
		"updated_at": c.now(),
	}}); err != nil {
		return err
	}

	return c.mirrorColumns(ctx, d)
}

// AttachTag adds a tag to a dataset and bumps the tag's usage counter.
// Attaching an already-present tag is a no-op and does not count. Unknown
// tags are created on first use.
func (c *Catalog) AttachTag(ctx context.Context, id string, tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: tag name is required", ErrValidation)
	}

	d, err := c.GetDataset(ctx, id)
	if err != nil {
		return err
	}

	if d.HasTag(tag) {
		return nil
	}

	if _, err := c.datasets.UpdateByID(ctx, d.ID, bson.M{
		"$addToSet": bson.M{"tags": tag},
		"$set":      bson.M{"updated_at": c.now()},
	}); err != nil {
		return err
	}

	// Usage counts attachments over all time, not current holders:
	// DetachTag never decrements.
	_, err = c.tags.Upsert(ctx, bson.M{"name": tag}, bson.M{
		"$inc":         bson.M{"usage_count": 1},
		"$setOnInsert": bson.M{"name": tag, "created_at": c.now()},
	})

	return err
}

// DetachTag removes a tag from a dataset. The tag's usage counter is left
// alone. Returns whether the tag was present.
func (c *Catalog) DetachTag(ctx context.Context, id string, tag string) (bool, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return false, err
	}

	n, err := c.datasets.UpdateOne(ctx,
		bson.M{"_id": oid, "tags": tag},
		bson.M{
			"$pull": bson.M{"tags": tag},
			"$set":  bson.M{"updated_at": c.now()},
		},
	)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// ListTags returns every known tag sorted by name.
func (c *Catalog) ListTags(ctx context.Context) ([]Tag, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})

	var tags []Tag
	if err := c.tags.Find(ctx, bson.M{}, &tags, opts); err != nil {
		return nil, err
	}

	return tags, nil
}

// UpdateQualityMetrics attaches a quality snapshot to a dataset. Dimension
// scores come from external evaluators on a 0-100 scale; the overall score
// is recomputed here as the fixed weighted sum.
func (c *Catalog) UpdateQualityMetrics(ctx context.Context, id string, m QualityMetrics) (*QualityMetrics, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return nil, err
	}

	for name, v := range map[string]float64{
		"completeness": m.Completeness,
		"accuracy":     m.Accuracy,
		"consistency":  m.Consistency,
		"timeliness":   m.Timeliness,
		"uniqueness":   m.Uniqueness,
		"validity":     m.Validity,
	} {
		if v < 0 || v > 100 {
			return nil, fmt.Errorf("%w: %s score %.2f outside [0,100]", ErrValidation, name, v)
		}
	}

	m.OverallScore = OverallScoreOf(m)
	m.EvaluatedAt = c.now()

	ok, err := c.datasets.UpdateByID(ctx, oid, bson.M{"$set": bson.M{
		"quality":    m,
		"updated_at": c.now(),
	}})
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: dataset %s", storage.ErrNotFound, id)
	}

	return &m, nil
}

// ReplaceNeighbor records a lineage adjacency on the dataset document,
// replacing any existing entry for the same neighbor so the arrays stay
// duplicate-free. The data_lineage collection remains the source of
// truth; this is the denormalized summary the catalog serves.
func (c *Catalog) ReplaceNeighbor(ctx context.Context, datasetID storage.ID, field NeighborField, ref NeighborRef) error {
	if field != NeighborUpstream && field != NeighborDownstream {
		return fmt.Errorf("%w: unknown neighbor field %q", ErrValidation, field)
	}

	// $pull and $push cannot target the same array in one update, so the
	// replace takes two writes. Worst case a reader between them misses
	// one entry; the lineage collection still has the edge.
	if _, err := c.datasets.UpdateByID(ctx, datasetID, bson.M{
		"$pull": bson.M{string(field): bson.M{"dataset_id": ref.DatasetID}},
	}); err != nil {
		return err
	}

	_, err := c.datasets.UpdateByID(ctx, datasetID, bson.M{
		"$push": bson.M{string(field): ref},
		"$set":  bson.M{"updated_at": c.now()},
	})

	return err
}

// RemoveNeighbor drops a lineage adjacency entry from the dataset
// document.
func (c *Catalog) RemoveNeighbor(ctx context.Context, datasetID storage.ID, field NeighborField, neighborID storage.ID) error {
	if field != NeighborUpstream && field != NeighborDownstream {
		return fmt.Errorf("%w: unknown neighbor field %q", ErrValidation, field)
	}

	_, err := c.datasets.UpdateByID(ctx, datasetID, bson.M{
		"$pull": bson.M{string(field): bson.M{"dataset_id": neighborID}},
		"$set":  bson.M{"updated_at": c.now()},
	})

	return err
}

// SearchColumns finds columns by case-insensitive substring match across
// every dataset, using the data_columns mirror.
func (c *Catalog) SearchColumns(ctx context.Context, nameContains string, page storage.Pagination) ([]ColumnMatch, error) {
	if nameContains == "" {
		return nil, fmt.Errorf("%w: search term is required", ErrValidation)
	}

	page = storage.NormalizePagination(page)

	opts := options.Find().
		SetSort(bson.D{{Key: "dataset_name", Value: 1}, {Key: "name", Value: 1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	filter := bson.M{"name": primitive.Regex{
		Pattern: regexp.QuoteMeta(nameContains),
		Options: "i",
	}}

	matches := make([]ColumnMatch, 0, page.Limit)
	if err := c.columns.Find(ctx, filter, &matches, opts); err != nil {
		return nil, err
	}

	return matches, nil
}

// mirrorColumns rewrites the data_columns rows for a dataset to match its
// embedded column schema.
func (c *Catalog) mirrorColumns(ctx context.Context, d *Dataset) error {
	if _, err := c.columns.DeleteMany(ctx, bson.M{"dataset_id": d.ID}); err != nil {
		return err
	}

	if len(d.Columns) == 0 {
		return nil
	}

	now := c.now()
	docs := make([]any, 0, len(d.Columns))

	for _, col := range d.Columns {
		docs = append(docs, columnRecord{
			DatasetID:   d.ID,
			DatasetName: d.Name,
			Column:      col,
			UpdatedAt:   now,
		})
	}

	_, err := c.columns.InsertMany(ctx, docs)

	return err
}

// reindexColumns assigns sequential positions in slice order.
func reindexColumns(cols []Column) []Column {
	for i := range cols {
		cols[i].Position = i
	}

	return cols
}

// datasetFilterDoc builds the query document for a dataset filter.
func datasetFilterDoc(f DatasetFilter) bson.M {
	doc := bson.M{}

	if f.Status != nil {
		doc["status"] = *f.Status
	}

	if f.Type != nil {
		doc["type"] = *f.Type
	}

	if f.Domain != nil {
		doc["domain"] = *f.Domain
	}

	if f.Tag != nil {
		doc["tags"] = *f.Tag
	}

	if f.NameContains != nil {
		doc["name"] = primitive.Regex{
			Pattern: regexp.QuoteMeta(*f.NameContains),
			Options: "i",
		}
	}

	return doc
}
