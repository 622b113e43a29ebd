package schema

import (
	"fmt"
	"time"
)

// Severity ranks a compatibility issue.
type Severity string

// Issue severities. Only error issues make a result incompatible, unless the
// checker runs in strict mode where warnings count too.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IssueType names the kind of schema change an issue describes.
type IssueType string

// Issue types emitted by the checker.
const (
	IssueAddedRequiredField  IssueType = "added_required_field"
	IssueAddedField          IssueType = "added_field"
	IssueRemovedField        IssueType = "removed_field"
	IssueTypeWidened         IssueType = "type_widened"
	IssueTypeNarrowed        IssueType = "type_narrowed"
	IssueTypeIncompatible    IssueType = "type_incompatible"
	IssueRequiredAdded       IssueType = "required_added"
	IssueRequiredRemoved     IssueType = "required_removed"
	IssueNullableRemoved     IssueType = "nullable_removed"
	IssueConstraintTightened IssueType = "constraint_tightened"
	IssueEnumValuesRemoved   IssueType = "enum_values_removed"
	IssueEnumValuesAdded     IssueType = "enum_values_added"
)

type (
	// Issue is one compatibility finding for a field.
	Issue struct {
		FieldName string    `bson:"field_name" json:"field_name"`
		IssueType IssueType `bson:"issue_type" json:"issue_type"`
		Severity  Severity  `bson:"severity"   json:"severity"`
		Message   string    `bson:"message"    json:"message"`
		OldValue  any       `bson:"old_value,omitempty" json:"old_value,omitempty"`
		NewValue  any       `bson:"new_value,omitempty" json:"new_value,omitempty"`
	}

	// CompatibilityResult is the outcome of checking one schema change.
	CompatibilityResult struct {
		IsCompatible bool              `bson:"is_compatible" json:"is_compatible"`
		Issues       []Issue           `bson:"issues"        json:"issues"`
		Mode         CompatibilityMode `bson:"mode"          json:"mode"`
		CheckedAt    time.Time         `bson:"checked_at"    json:"checked_at"`
	}

	// Checker evaluates whether a schema change is safe under a
	// compatibility mode. Checkers are stateless and safe for concurrent use.
	Checker struct {
		strict bool
		now    func() time.Time
	}

	// CheckerOption configures a Checker.
	CheckerOption func(*Checker)
)

// Errors returns only the error-severity issues.
func (r *CompatibilityResult) Errors() []Issue {
	errs := make([]Issue, 0)

	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			errs = append(errs, issue)
		}
	}

	return errs
}

// Warnings returns only the warning-severity issues.
func (r *CompatibilityResult) Warnings() []Issue {
	warns := make([]Issue, 0)

	for _, issue := range r.Issues {
		if issue.Severity == SeverityWarning {
			warns = append(warns, issue)
		}
	}

	return warns
}

// WithStrictMode makes warnings count against compatibility as well.
func WithStrictMode() CheckerOption {
	return func(c *Checker) {
		c.strict = true
	}
}

// WithCheckerClock overrides the time source. Used by tests.
func WithCheckerClock(now func() time.Time) CheckerOption {
	return func(c *Checker) {
		c.now = now
	}
}

// NewChecker builds a compatibility checker.
func NewChecker(opts ...CheckerOption) *Checker {
	c := &Checker{now: time.Now}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// wideningTable lists the type changes a new reader can absorb while still
// reading data written under the old type (BACKWARD-safe).
var wideningTable = map[FieldType][]FieldType{
	TypeInteger:  {TypeFloat, TypeString, TypeAny},
	TypeFloat:    {TypeString, TypeAny},
	TypeBoolean:  {TypeString, TypeInteger, TypeAny},
	TypeDate:     {TypeDatetime, TypeString, TypeAny},
	TypeDatetime: {TypeString, TypeAny},
	TypeString:   {TypeAny},
	TypeArray:    {TypeAny},
	TypeObject:   {TypeAny},
}

// narrowingTable lists the type changes an old reader can absorb when new
// writers emit the narrower type (FORWARD-safe, only when explicit).
var narrowingTable = map[FieldType][]FieldType{
	TypeAny: {
		TypeString, TypeInteger, TypeFloat, TypeBoolean,
		TypeDate, TypeDatetime, TypeArray, TypeObject,
	},
	TypeString:   {TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeDatetime},
	TypeFloat:    {TypeInteger},
	TypeDatetime: {TypeDate},
}

// IsWidening reports whether changing from old to new is in the widening table.
func IsWidening(old, updated FieldType) bool {
	for _, t := range wideningTable[old] {
		if t == updated {
			return true
		}
	}

	return false
}

// IsNarrowing reports whether changing from old to new is in the narrowing table.
func IsNarrowing(old, updated FieldType) bool {
	for _, t := range narrowingTable[old] {
		if t == updated {
			return true
		}
	}

	return false
}

// Check evaluates the change from old to updated under the given mode.
//
// The checks, per field pair and for the added/removed sets:
//  1. Added required field without default: error under BACKWARD-family modes
//  2. Removed field: error under FORWARD-family modes
//  3. Type change: classified by the widening/narrowing tables
//  4. Optional field became required, or required became optional
//  5. Nullable field became non-nullable
//  6. Constraints tightened (bounds, lengths, pattern, enum values)
//
// Under ModeNone nothing is an error; issues are still reported so callers
// can surface what changed.
func (c *Checker) Check(old, updated *Schema, mode CompatibilityMode) CompatibilityResult {
	issues := make([]Issue, 0)

	oldFields := make(map[string]FieldSchema, len(old.Fields))
	for i := range old.Fields {
		oldFields[old.Fields[i].Name] = old.Fields[i]
	}

	for i := range updated.Fields {
		field := updated.Fields[i]

		oldField, existed := oldFields[field.Name]
		if !existed {
			issues = append(issues, checkAddedField(field, mode))

			continue
		}

		issues = append(issues, checkFieldPair(oldField, field, mode)...)
	}

	for i := range old.Fields {
		if !updated.HasField(old.Fields[i].Name) {
			issues = append(issues, checkRemovedField(old.Fields[i], mode))
		}
	}

	return c.finalize(issues, mode)
}

// CheckAll evaluates the change against every prior schema and merges the
// results. Transitive modes use this with all prior active versions; the
// result is compatible only when every pairwise check is.
func (c *Checker) CheckAll(priors []*Schema, updated *Schema, mode CompatibilityMode) CompatibilityResult {
	merged := make([]Issue, 0)

	for _, prior := range priors {
		result := c.Check(prior, updated, mode)
		merged = append(merged, result.Issues...)
	}

	return c.finalize(merged, mode)
}

func (c *Checker) finalize(issues []Issue, mode CompatibilityMode) CompatibilityResult {
	compatible := true

	for _, issue := range issues {
		if issue.Severity == SeverityError {
			compatible = false

			break
		}

		if c.strict && issue.Severity == SeverityWarning {
			compatible = false

			break
		}
	}

	return CompatibilityResult{
		IsCompatible: compatible,
		Issues:       issues,
		Mode:         mode,
		CheckedAt:    c.now().UTC(),
	}
}

// errorUnder downgrades to warning when the mode does not demand the check.
// ModeNone never produces errors.
func errorUnder(demanded bool, mode CompatibilityMode) Severity {
	if mode == ModeNone {
		return SeverityWarning
	}

	if demanded {
		return SeverityError
	}

	return SeverityWarning
}

func checkAddedField(field FieldSchema, mode CompatibilityMode) Issue {
	if field.Required && !field.HasDefault() {
		return Issue{
			FieldName: field.Name,
			IssueType: IssueAddedRequiredField,
			Severity:  errorUnder(mode.RequiresBackward(), mode),
			Message:   fmt.Sprintf("required field %q added without a default; existing data cannot satisfy it", field.Name),
			NewValue:  field.FieldType,
		}
	}

	severity := SeverityInfo
	if field.HasDefault() {
		severity = SeverityWarning
	}

	return Issue{
		FieldName: field.Name,
		IssueType: IssueAddedField,
		Severity:  severity,
		Message:   fmt.Sprintf("field %q added", field.Name),
		NewValue:  field.FieldType,
	}
}

func checkRemovedField(field FieldSchema, mode CompatibilityMode) Issue {
	if mode.RequiresForward() {
		return Issue{
			FieldName: field.Name,
			IssueType: IssueRemovedField,
			Severity:  errorUnder(true, mode),
			Message:   fmt.Sprintf("field %q removed; readers of new data still expect it", field.Name),
			OldValue:  field.FieldType,
		}
	}

	severity := SeverityInfo
	if field.Required {
		severity = SeverityWarning
	}

	return Issue{
		FieldName: field.Name,
		IssueType: IssueRemovedField,
		Severity:  severity,
		Message:   fmt.Sprintf("field %q removed", field.Name),
		OldValue:  field.FieldType,
	}
}

func checkFieldPair(old, updated FieldSchema, mode CompatibilityMode) []Issue {
	issues := make([]Issue, 0)

	if old.FieldType != updated.FieldType {
		issues = append(issues, checkTypeChange(old, updated, mode))
	}

	issues = append(issues, checkRequiredChange(old, updated, mode)...)

	if old.Nullable && !updated.Nullable {
		issues = append(issues, Issue{
			FieldName: updated.Name,
			IssueType: IssueNullableRemoved,
			Severity:  errorUnder(mode.RequiresBackward(), mode),
			Message:   fmt.Sprintf("field %q no longer accepts null; stored nulls become invalid", updated.Name),
			OldValue:  true,
			NewValue:  false,
		})
	}

	issues = append(issues, checkConstraints(old, updated, mode)...)

	return issues
}

func checkTypeChange(old, updated FieldSchema, mode CompatibilityMode) Issue {
	widening := IsWidening(old.FieldType, updated.FieldType)
	narrowing := IsNarrowing(old.FieldType, updated.FieldType)

	switch {
	case widening:
		// Safe for new readers over old data, unsafe the other way around.
		return Issue{
			FieldName: updated.Name,
			IssueType: IssueTypeWidened,
			Severity:  widenSeverity(mode),
			Message:   fmt.Sprintf("field %q type widened from %s to %s", updated.Name, old.FieldType, updated.FieldType),
			OldValue:  old.FieldType,
			NewValue:  updated.FieldType,
		}
	case narrowing:
		return Issue{
			FieldName: updated.Name,
			IssueType: IssueTypeNarrowed,
			Severity:  narrowSeverity(mode),
			Message:   fmt.Sprintf("field %q type narrowed from %s to %s; old data may not convert", updated.Name, old.FieldType, updated.FieldType),
			OldValue:  old.FieldType,
			NewValue:  updated.FieldType,
		}
	default:
		return Issue{
			FieldName: updated.Name,
			IssueType: IssueTypeIncompatible,
			Severity:  errorUnder(mode != ModeNone, mode),
			Message:   fmt.Sprintf("field %q type changed from %s to %s with no safe conversion", updated.Name, old.FieldType, updated.FieldType),
			OldValue:  old.FieldType,
			NewValue:  updated.FieldType,
		}
	}
}

// widenSeverity grades a widening change: fine for backward-only modes, an
// error when the mode also demands forward compatibility.
func widenSeverity(mode CompatibilityMode) Severity {
	if mode.RequiresForward() {
		return SeverityError
	}

	return SeverityInfo
}

// narrowSeverity mirrors widenSeverity: narrowing is forward-safe, so only
// backward-family modes reject it.
func narrowSeverity(mode CompatibilityMode) Severity {
	if mode.RequiresBackward() {
		return SeverityError
	}

	return SeverityInfo
}

func checkRequiredChange(old, updated FieldSchema, mode CompatibilityMode) []Issue {
	issues := make([]Issue, 0, 1)

	switch {
	case !old.Required && updated.Required:
		severity := SeverityWarning
		if !updated.HasDefault() {
			severity = errorUnder(mode.RequiresBackward(), mode)
		}

		issues = append(issues, Issue{
			FieldName: updated.Name,
			IssueType: IssueRequiredAdded,
			Severity:  severity,
			Message:   fmt.Sprintf("field %q became required", updated.Name),
			OldValue:  false,
			NewValue:  true,
		})
	case old.Required && !updated.Required:
		issues = append(issues, Issue{
			FieldName: updated.Name,
			IssueType: IssueRequiredRemoved,
			Severity:  errorUnder(mode.RequiresForward(), mode),
			Message:   fmt.Sprintf("field %q became optional; readers of new data may miss it", updated.Name),
			OldValue:  true,
			NewValue:  false,
		})
	}

	return issues
}

func checkConstraints(old, updated FieldSchema, mode CompatibilityMode) []Issue {
	issues := make([]Issue, 0)

	tightened := func(what string, oldValue, newValue any) {
		issues = append(issues, Issue{
			FieldName: updated.Name,
			IssueType: IssueConstraintTightened,
			Severity:  errorUnder(mode.RequiresBackward(), mode),
			Message:   fmt.Sprintf("field %q %s tightened; existing data may violate it", updated.Name, what),
			OldValue:  oldValue,
			NewValue:  newValue,
		})
	}

	if old.MinValue != nil && updated.MinValue != nil && *updated.MinValue > *old.MinValue {
		tightened("min_value", *old.MinValue, *updated.MinValue)
	}

	if old.MinValue == nil && updated.MinValue != nil {
		tightened("min_value", nil, *updated.MinValue)
	}

	if old.MaxValue != nil && updated.MaxValue != nil && *updated.MaxValue < *old.MaxValue {
		tightened("max_value", *old.MaxValue, *updated.MaxValue)
	}

	if old.MaxValue == nil && updated.MaxValue != nil {
		tightened("max_value", nil, *updated.MaxValue)
	}

	if old.MinLength != nil && updated.MinLength != nil && *updated.MinLength > *old.MinLength {
		tightened("min_length", *old.MinLength, *updated.MinLength)
	}

	if old.MinLength == nil && updated.MinLength != nil {
		tightened("min_length", nil, *updated.MinLength)
	}

	if old.MaxLength != nil && updated.MaxLength != nil && *updated.MaxLength < *old.MaxLength {
		tightened("max_length", *old.MaxLength, *updated.MaxLength)
	}

	if old.MaxLength == nil && updated.MaxLength != nil {
		tightened("max_length", nil, *updated.MaxLength)
	}

	if old.Pattern == "" && updated.Pattern != "" {
		tightened("pattern", nil, updated.Pattern)
	}

	// Introducing an enum where none existed shrinks the accepted value set
	// from everything to the listed values, the same way adding a pattern does.
	if len(old.EnumValues) == 0 && len(updated.EnumValues) > 0 {
		tightened("enum_values", nil, updated.EnumValues)
	}

	if removed := enumRemoved(old.EnumValues, updated.EnumValues); len(old.EnumValues) > 0 && len(removed) > 0 {
		issues = append(issues, Issue{
			FieldName: updated.Name,
			IssueType: IssueEnumValuesRemoved,
			Severity:  errorUnder(mode.RequiresBackward(), mode),
			Message:   fmt.Sprintf("field %q enum values removed; existing data may use them", updated.Name),
			OldValue:  old.EnumValues,
			NewValue:  updated.EnumValues,
		})
	}

	if added := enumRemoved(updated.EnumValues, old.EnumValues); len(old.EnumValues) > 0 && len(added) > 0 {
		issues = append(issues, Issue{
			FieldName: updated.Name,
			IssueType: IssueEnumValuesAdded,
			Severity:  errorUnder(mode.RequiresForward(), mode),
			Message:   fmt.Sprintf("field %q enum values added; old readers reject them", updated.Name),
			OldValue:  old.EnumValues,
			NewValue:  updated.EnumValues,
		})
	}

	return issues
}
