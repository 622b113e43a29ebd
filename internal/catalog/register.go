package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spindle-io/spindle/internal/storage"
)

// registerSampleSize caps how many documents column inference reads per
// collection.
const registerSampleSize = 100

// systemCollections is the set of control-plane collections the catalog
// registers as system datasets. Collections outside this set and without
// a staging_ prefix are left for explicit registration or lineage
// detection.
var systemCollections = nameSet(
	storage.CollSources,
	storage.CollCrawlers,
	storage.CollCrawlerHistory,
	storage.CollCrawlResults,
	storage.CollErrorLogs,
	storage.CollSchemaRegistry,
	storage.CollDataReviews,
	storage.CollPipelineMetrics,
	storage.CollAlertRules,
	storage.CollAlertHistory,
	storage.CollSLADefinitions,
	storage.CollSLABreaches,
	storage.CollSLAEvaluations,
	storage.CollFreshnessConfig,
	storage.CollFreshnessHistory,
)

func nameSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))

	for _, n := range names {
		set[n] = struct{}{}
	}

	return set
}

// ClassifyCollection derives the dataset type from a collection name:
// staging_ prefixes are staging, agg_/summary_ prefixes are derived,
// known control-plane collections are system, everything else is treated
// as production data.
func ClassifyCollection(name string) DatasetType {
	switch {
	case strings.HasPrefix(name, "staging_"):
		return TypeStaging
	case strings.HasPrefix(name, "agg_"), strings.HasPrefix(name, "summary_"):
		return TypeDerived
	default:
		if _, ok := systemCollections[name]; ok {
			return TypeSystem
		}

		return TypeProduction
	}
}

// RegisterExistingCollections creates catalog entries for every known
// system collection and every staging collection that exists in the
// database but not yet in the catalog. Columns are inferred by sampling.
// Returns the number of datasets created.
func (c *Catalog) RegisterExistingCollections(ctx context.Context) (int, error) {
	names, err := c.conn.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return 0, err
	}

	sort.Strings(names)

	created := 0

	for _, name := range names {
		kind := ClassifyCollection(name)

		// Auto-registration covers the control plane's own collections
		// and crawler staging output; production collections enter the
		// catalog through promotion lineage or explicit registration.
		if kind != TypeSystem && kind != TypeStaging {
			continue
		}

		if _, err := c.GetDatasetByName(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return created, err
		}

		if _, err := c.registerCollection(ctx, name, kind); err != nil {
			return created, fmt.Errorf("register %q: %w", name, err)
		}

		created++
	}

	c.logger.Info("existing collections registered",
		slog.Int("created", created),
		slog.Int("scanned", len(names)),
	)

	return created, nil
}

// EnsureDataset returns the dataset for a collection name, registering it
// with sampled columns when it is not catalogued yet.
func (c *Catalog) EnsureDataset(ctx context.Context, collection string) (*Dataset, error) {
	d, err := c.GetDatasetByName(ctx, collection)
	if err == nil {
		return d, nil
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	return c.registerCollection(ctx, collection, ClassifyCollection(collection))
}

// RefreshRecordCounts recounts the backing collection of every catalogued
// dataset whose name matches a real collection. Returns how many datasets
// were updated.
func (c *Catalog) RefreshRecordCounts(ctx context.Context) (int, error) {
	names, err := c.conn.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return 0, err
	}

	existing := make(map[string]struct{}, len(names))
	for _, n := range names {
		existing[n] = struct{}{}
	}

	var datasets []Dataset
	if err := c.datasets.Find(ctx, bson.M{}, &datasets); err != nil {
		return 0, err
	}

	updated := 0

	for i := range datasets {
		d := &datasets[i]

		if _, ok := existing[d.Name]; !ok {
			continue
		}

		n, err := c.conn.Collection(d.Name).CountDocuments(ctx, bson.M{})
		if err != nil {
			return updated, err
		}

		if n == d.RecordCount {
			continue
		}

		if _, err := c.datasets.UpdateByID(ctx, d.ID, bson.M{"$set": bson.M{
			"record_count": n,
			"updated_at":   c.now(),
		}}); err != nil {
			return updated, err
		}

		updated++
	}

	return updated, nil
}

// registerCollection samples a collection and creates its catalog entry.
func (c *Catalog) registerCollection(ctx context.Context, name string, kind DatasetType) (*Dataset, error) {
	coll := c.conn.Collection(name)

	// bson.D keeps document field order, so inferred column positions are
	// stable across runs.
	samples := make([]bson.D, 0, registerSampleSize)
	opts := options.Find().SetLimit(registerSampleSize)

	if err := coll.Find(ctx, bson.M{}, &samples, opts); err != nil {
		return nil, err
	}

	count, err := coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	d := &Dataset{
		Name:        name,
		DisplayName: displayNameFor(name),
		Type:        kind,
		Status:      StatusActive,
		Columns:     inferColumns(samples),
		RecordCount: count,
		Description: "Auto-registered from existing collection",
	}

	if _, err := c.CreateDataset(ctx, d); err != nil {
		return nil, err
	}

	return d, nil
}

// columnStats accumulates per-field observations during sampling.
type columnStats struct {
	typeCounts map[string]int
	nullSeen   bool
	first      int
}

// inferColumns derives a column schema from sampled documents: each
// field's data type is the mode of its observed value types, nullable is
// set when any null was seen, and _id is marked as the primary key.
func inferColumns(samples []bson.D) []Column {
	stats := make(map[string]*columnStats)
	order := make([]string, 0)

	for _, doc := range samples {
		for _, elem := range doc {
			field, value := elem.Key, elem.Value

			st, ok := stats[field]
			if !ok {
				st = &columnStats{typeCounts: make(map[string]int), first: len(order)}
				stats[field] = st

				order = append(order, field)
			}

			if value == nil {
				st.nullSeen = true

				continue
			}

			st.typeCounts[valueTypeName(value)]++
		}
	}

	sort.Slice(order, func(i, j int) bool {
		return stats[order[i]].first < stats[order[j]].first
	})

	cols := make([]Column, 0, len(order))

	for i, field := range order {
		st := stats[field]

		cols = append(cols, Column{
			Name:         field,
			DataType:     dominantType(st.typeCounts),
			Nullable:     st.nullSeen,
			IsPrimaryKey: field == "_id",
			Position:     i,
		})
	}

	return cols
}

// dominantType picks the most frequent observed type, breaking ties by
// name for determinism. Fields observed only as null come back "unknown".
func dominantType(counts map[string]int) string {
	best, bestCount := "unknown", 0

	for name, n := range counts {
		if n > bestCount || (n == bestCount && bestCount > 0 && name < best) {
			best, bestCount = name, n
		}
	}

	return best
}

// valueTypeName maps a decoded document value to a catalog data type.
func valueTypeName(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case int, int32, int64:
		return "integer"
	case float32, float64:
		return "float"
	case string:
		return "string"
	case time.Time, primitive.DateTime, primitive.Timestamp:
		return "datetime"
	case primitive.ObjectID:
		return "objectid"
	case primitive.Decimal128:
		return "float"
	case bson.A, []any:
		return "array"
	case bson.M, bson.D, map[string]any:
		return "object"
	case primitive.Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// displayNameFor turns a collection name into a title-ish label:
// "staging_news" becomes "Staging News".
func displayNameFor(name string) string {
	parts := strings.Split(name, "_")

	for i, p := range parts {
		if p == "" {
			continue
		}

		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}

	return strings.Join(parts, " ")
}
