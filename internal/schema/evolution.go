package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActionType names one migration step kind.
type ActionType string

// Migration step actions.
const (
	ActionAddField         ActionType = "add_field"
	ActionRemoveField      ActionType = "remove_field"
	ActionRenameField      ActionType = "rename_field"
	ActionChangeType       ActionType = "change_type"
	ActionAddConstraint    ActionType = "add_constraint"
	ActionRemoveConstraint ActionType = "remove_constraint"
	ActionSetDefault       ActionType = "set_default"
	ActionSetNullable      ActionType = "set_nullable"
	ActionSetRequired      ActionType = "set_required"
	ActionMergeFields      ActionType = "merge_fields"
	ActionSplitField       ActionType = "split_field"
)

// OnError selects how batch migration treats a record that fails a step.
type OnError string

// Batch error policies.
const (
	OnErrorSkip OnError = "skip"
	OnErrorFail OnError = "fail"
	OnErrorNull OnError = "null"
)

var (
	// ErrNoConverter is returned when a change_type step names a type pair
	// with no registered converter.
	ErrNoConverter = errors.New("no converter for type pair")

	// ErrMigrationFailed is returned by batch migration under the fail
	// policy when a record cannot be migrated.
	ErrMigrationFailed = errors.New("migration failed")
)

type (
	// MigrationStep is one ordered action in a migration plan. Reversible
	// steps carry an explicit reverse step for rollback plans.
	MigrationStep struct {
		Action      ActionType     `bson:"action"                 json:"action"`
		FieldName   string         `bson:"field_name"             json:"field_name"`
		Params      map[string]any `bson:"params,omitempty"       json:"params,omitempty"`
		Reversible  bool           `bson:"reversible"             json:"reversible"`
		Reverse     *MigrationStep `bson:"reverse,omitempty"      json:"reverse,omitempty"`
		Description string         `bson:"description,omitempty"  json:"description,omitempty"`
	}

	// MigrationPlan is an ordered list of steps transforming records from
	// one schema version to another.
	MigrationPlan struct {
		SourceID         string          `bson:"source_id,omitempty" json:"source_id,omitempty"`
		FromVersion      int             `bson:"from_version"        json:"from_version"`
		ToVersion        int             `bson:"to_version"          json:"to_version"`
		Steps            []MigrationStep `bson:"steps"               json:"steps"`
		RequiresBackfill bool            `bson:"requires_backfill"   json:"requires_backfill"`
		BreakingChanges  bool            `bson:"breaking_changes"    json:"breaking_changes"`
		CreatedAt        time.Time       `bson:"created_at"          json:"created_at"`
	}

	// BatchError records the failure of one record during batch migration.
	BatchError struct {
		Index   int    `bson:"index"   json:"index"`
		Message string `bson:"message" json:"message"`
	}

	// BatchResult summarizes a batch migration run.
	BatchResult struct {
		Success        bool             `bson:"success"         json:"success"`
		Total          int              `bson:"total"           json:"total"`
		MigratedCount  int              `bson:"migrated_count"  json:"migrated_count"`
		FailedCount    int              `bson:"failed_count"    json:"failed_count"`
		SkippedCount   int              `bson:"skipped_count"   json:"skipped_count"`
		Errors         []BatchError     `bson:"errors"          json:"errors"`
		Records        []map[string]any `bson:"-"               json:"-"`
		DurationMillis int64            `bson:"duration_ms"     json:"duration_ms"`
	}

	// FieldImpact estimates conversion outcomes for one field.
	FieldImpact struct {
		Attempted   int     `json:"attempted"`
		Failed      int     `json:"failed"`
		FailureRate float64 `json:"failure_rate"`
	}

	// ImpactEstimate is the dry-run assessment of a plan against sample data.
	ImpactEstimate struct {
		TotalRecords   int                    `json:"total_records"`
		FieldImpacts   map[string]FieldImpact `json:"field_impacts"`
		DataLossFields []string               `json:"data_loss_fields"`
		RiskLevel      string                 `json:"risk_level"`
	}

	converter func(any) (any, error)
)

// typeConverters holds the supported value conversions: the widening and
// narrowing pairs from the compatibility tables plus string/boolean and the
// date/datetime cases.
var typeConverters = map[FieldType]map[FieldType]converter{
	TypeInteger: {
		TypeFloat:   convertToFloat,
		TypeString:  convertToString,
		TypeBoolean: convertIntegerToBoolean,
		TypeAny:     convertIdentity,
	},
	TypeFloat: {
		TypeInteger: convertFloatToInteger,
		TypeString:  convertToString,
		TypeAny:     convertIdentity,
	},
	TypeBoolean: {
		TypeString:  convertBooleanToString,
		TypeInteger: convertBooleanToInteger,
		TypeAny:     convertIdentity,
	},
	TypeString: {
		TypeInteger:  convertStringToInteger,
		TypeFloat:    convertToFloat,
		TypeBoolean:  convertStringToBoolean,
		TypeDate:     convertToDate,
		TypeDatetime: convertToDatetime,
		TypeAny:      convertIdentity,
	},
	TypeDate: {
		TypeDatetime: convertToDatetime,
		TypeString:   convertToString,
		TypeAny:      convertIdentity,
	},
	TypeDatetime: {
		TypeDate:   convertToDate,
		TypeString: convertToString,
		TypeAny:    convertIdentity,
	},
	TypeArray:  {TypeAny: convertIdentity},
	TypeObject: {TypeAny: convertIdentity},
	TypeAny: {
		TypeString:   convertToString,
		TypeInteger:  convertStringToInteger,
		TypeFloat:    convertToFloat,
		TypeBoolean:  convertStringToBoolean,
		TypeDate:     convertToDate,
		TypeDatetime: convertToDatetime,
	},
}

// Converter returns the conversion function for a type pair.
func Converter(from, to FieldType) (func(any) (any, error), error) {
	if from == to {
		return convertIdentity, nil
	}

	byTarget, ok := typeConverters[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s to %s", ErrNoConverter, from, to)
	}

	conv, ok := byTarget[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s to %s", ErrNoConverter, from, to)
	}

	return conv, nil
}

func convertIdentity(v any) (any, error) {
	return v, nil
}

func convertToString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func convertToFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to float: %w", t, err)
		}

		return f, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to float", v)
	}
}

func convertFloatToInteger(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case float32:
		return int64(t), nil
	case int, int32, int64:
		return v, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func convertStringToInteger(v any) (any, error) {
	switch t := v.(type) {
	case int, int32, int64:
		return v, nil
	case float64:
		return int64(t), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to integer: %w", t, err)
		}

		return i, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func convertIntegerToBoolean(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return t != 0, nil
	case int32:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case bool:
		return t, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

func convertBooleanToString(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("cannot convert %T to string as boolean", v)
	}

	return strconv.FormatBool(b), nil
}

func convertBooleanToInteger(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("cannot convert %T to integer as boolean", v)
	}

	if b {
		return int64(1), nil
	}

	return int64(0), nil
}

var trueWords = map[string]bool{
	"true": true, "yes": true, "y": true, "1": true, "on": true,
}

var falseWords = map[string]bool{
	"false": true, "no": true, "n": true, "0": true, "off": true,
}

func convertStringToBoolean(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		word := strings.ToLower(strings.TrimSpace(t))

		if trueWords[word] {
			return true, nil
		}

		if falseWords[word] {
			return false, nil
		}

		return nil, fmt.Errorf("cannot convert %q to boolean", t)
	default:
		return nil, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

// convertToDate yields a UTC midnight timestamp.
func convertToDate(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case string:
		parsed, err := parseTemporal(t)
		if err != nil {
			return nil, err
		}

		return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to date", v)
	}
}

func convertToDatetime(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := parseTemporal(t)
		if err != nil {
			return nil, err
		}

		return parsed.UTC(), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to datetime", v)
	}
}

// parseTemporal tries the known datetime layouts, then the date layouts.
func parseTemporal(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)

	for _, p := range datetimePatterns {
		if !p.re.MatchString(trimmed) {
			continue
		}

		layouts := []string{p.layout}
		if p.layout == time.RFC3339 {
			// RFC3339 requires a zone; bare ISO timestamps are common.
			layouts = append(layouts, "2006-01-02T15:04:05", "2006-01-02 15:04:05")
		}

		for _, layout := range layouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t, nil
			}
		}
	}

	for _, p := range datePatterns {
		if !p.re.MatchString(trimmed) {
			continue
		}

		if t, err := time.Parse(p.layout, strings.TrimSuffix(trimmed, ".")); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("cannot parse %q as date or datetime", s)
}
