package catalog

import (
	"time"

	"github.com/spindle-io/spindle/internal/storage"
)

type (
	// DatasetStatus is the catalog lifecycle state of a dataset.
	DatasetStatus string

	// DatasetType classifies where a dataset sits in the pipeline.
	DatasetType string
)

// Dataset lifecycle: draft entries are being described, active entries are
// consumable, deprecated entries warn downstream users, archived entries are
// kept for lineage history only.
const (
	StatusDraft      DatasetStatus = "draft"
	StatusActive     DatasetStatus = "active"
	StatusDeprecated DatasetStatus = "deprecated"
	StatusArchived   DatasetStatus = "archived"
)

// Dataset types.
const (
	TypeSystem     DatasetType = "system"     // control-plane collection
	TypeStaging    DatasetType = "staging"    // pre-review crawl output
	TypeProduction DatasetType = "production" // promoted, review-approved data
	TypeDerived    DatasetType = "derived"    // computed from other datasets
	TypeExternal   DatasetType = "external"   // outside the document store
)

// IsValid returns true when the status is a known lifecycle state.
func (s DatasetStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusDeprecated, StatusArchived:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle allows moving to next. The
// lifecycle only moves forward: draft → active → deprecated → archived.
// Deprecated datasets may be reactivated; archived ones are final.
func (s DatasetStatus) CanTransitionTo(next DatasetStatus) bool {
	switch s {
	case StatusDraft:
		return next == StatusActive || next == StatusArchived
	case StatusActive:
		return next == StatusDeprecated || next == StatusArchived
	case StatusDeprecated:
		return next == StatusActive || next == StatusArchived
	case StatusArchived:
		return false
	default:
		return false
	}
}

// IsValid returns true when the type is a known dataset type.
func (t DatasetType) IsValid() bool {
	switch t {
	case TypeSystem, TypeStaging, TypeProduction, TypeDerived, TypeExternal:
		return true
	default:
		return false
	}
}

type (
	// Column describes one field of a dataset. Statistics are regenerated
	// by sampling, never edited by hand.
	Column struct {
		Name         string         `bson:"name"                   json:"name"`
		DataType     string         `bson:"data_type"              json:"data_type"`
		Description  string         `bson:"description,omitempty"  json:"description,omitempty"`
		Nullable     bool           `bson:"nullable"               json:"nullable"`
		IsPrimaryKey bool           `bson:"is_primary_key"         json:"is_primary_key"`
		Position     int            `bson:"position"               json:"position"`
		Statistics   map[string]any `bson:"statistics,omitempty"   json:"statistics,omitempty"`
		Tags         []string       `bson:"tags,omitempty"         json:"tags,omitempty"`
	}

	// columnRecord is the data_columns mirror of an embedded column. The
	// embedded copy on the dataset is the display model; these rows serve
	// cross-dataset column search.
	columnRecord struct {
		ID          storage.ID `bson:"_id,omitempty"`
		DatasetID   storage.ID `bson:"dataset_id"`
		DatasetName string     `bson:"dataset_name"`
		Column      `bson:",inline"`
		UpdatedAt   time.Time `bson:"updated_at"`
	}

	// NeighborRef is a lineage adjacency summary stored on the dataset
	// document. The data_lineage collection is the source of truth; these
	// summaries let the catalog answer "what feeds this" without a join.
	NeighborRef struct {
		DatasetID    storage.ID `bson:"dataset_id"   json:"dataset_id"`
		Relationship string     `bson:"relationship" json:"relationship"`
	}

	// QualityMetrics is the per-dataset quality snapshot. Dimension scores
	// are consumed from external evaluators on a 0-100 scale; only the
	// overall score is computed here, as the fixed weighted sum.
	QualityMetrics struct {
		Completeness float64        `bson:"completeness"       json:"completeness"`
		Accuracy     float64        `bson:"accuracy"           json:"accuracy"`
		Consistency  float64        `bson:"consistency"        json:"consistency"`
		Timeliness   float64        `bson:"timeliness"         json:"timeliness"`
		Uniqueness   float64        `bson:"uniqueness"         json:"uniqueness"`
		Validity     float64        `bson:"validity"           json:"validity"`
		OverallScore float64        `bson:"overall_score"      json:"overall_score"`
		Details      map[string]any `bson:"details,omitempty"  json:"details,omitempty"`
		EvaluatedAt  time.Time      `bson:"evaluated_at"       json:"evaluated_at"`
	}

	// Dataset is one catalogued data collection.
	Dataset struct {
		ID          storage.ID      `bson:"_id,omitempty"          json:"id"`
		Name        string          `bson:"name"                   json:"name"`
		DisplayName string          `bson:"display_name,omitempty" json:"display_name,omitempty"`
		Type        DatasetType     `bson:"type"                   json:"type"`
		Domain      string          `bson:"domain,omitempty"       json:"domain,omitempty"`
		Description string          `bson:"description,omitempty"  json:"description,omitempty"`
		Status      DatasetStatus   `bson:"status"                 json:"status"`
		Columns     []Column        `bson:"columns,omitempty"      json:"columns,omitempty"`
		Tags        []string        `bson:"tags,omitempty"         json:"tags,omitempty"`
		Upstream    []NeighborRef   `bson:"upstream,omitempty"     json:"upstream,omitempty"`
		Downstream  []NeighborRef   `bson:"downstream,omitempty"   json:"downstream,omitempty"`
		Quality     *QualityMetrics `bson:"quality,omitempty"      json:"quality,omitempty"`
		RecordCount int64           `bson:"record_count"           json:"record_count"`
		Owner       string          `bson:"owner,omitempty"        json:"owner,omitempty"`
		Metadata    map[string]any  `bson:"metadata,omitempty"     json:"metadata,omitempty"`
		CreatedAt   time.Time       `bson:"created_at"             json:"created_at"`
		UpdatedAt   *time.Time      `bson:"updated_at,omitempty"   json:"updated_at,omitempty"`
	}

	// Tag is a named label attached to datasets and columns. The usage
	// counter only ever grows: it counts attachments, not current holders.
	Tag struct {
		ID          storage.ID `bson:"_id,omitempty"         json:"id"`
		Name        string     `bson:"name"                  json:"name"`
		Description string     `bson:"description,omitempty" json:"description,omitempty"`
		UsageCount  int64      `bson:"usage_count"           json:"usage_count"`
		CreatedAt   time.Time  `bson:"created_at"            json:"created_at"`
	}

	// DatasetFilter narrows dataset list queries. Nil fields are ignored.
	DatasetFilter struct {
		Status       *DatasetStatus
		Type         *DatasetType
		Domain       *string
		Tag          *string
		NameContains *string
	}

	// ColumnMatch is one cross-dataset column search hit.
	ColumnMatch struct {
		DatasetID   storage.ID `bson:"dataset_id"   json:"dataset_id"`
		DatasetName string     `bson:"dataset_name" json:"dataset_name"`
		Column      `bson:",inline"`
	}
)

// Quality dimension weights for the overall score. Fixed; they sum to 1.
const (
	weightCompleteness = 0.20
	weightAccuracy     = 0.25
	weightConsistency  = 0.15
	weightTimeliness   = 0.10
	weightUniqueness   = 0.15
	weightValidity     = 0.15
)

// OverallScoreOf computes the fixed weighted sum over the six quality
// dimensions.
func OverallScoreOf(m QualityMetrics) float64 {
	return m.Completeness*weightCompleteness +
		m.Accuracy*weightAccuracy +
		m.Consistency*weightConsistency +
		m.Timeliness*weightTimeliness +
		m.Uniqueness*weightUniqueness +
		m.Validity*weightValidity
}

// QualityScore returns the dataset's overall quality score, zero when no
// metrics are attached.
func (d *Dataset) QualityScore() float64 {
	if d.Quality == nil {
		return 0
	}

	return d.Quality.OverallScore
}

// GetColumn returns the named embedded column.
func (d *Dataset) GetColumn(name string) (Column, bool) {
	for i := range d.Columns {
		if d.Columns[i].Name == name {
			return d.Columns[i], true
		}
	}

	return Column{}, false
}

// HasTag returns true when the dataset carries the named tag.
func (d *Dataset) HasTag(name string) bool {
	for _, t := range d.Tags {
		if t == name {
			return true
		}
	}

	return false
}
