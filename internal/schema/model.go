// Package schema provides the schema model for crawled records: typed field
// definitions, fingerprinting, compatibility checking between versions,
// detection of schemas from raw records, and migration plans for evolving
// stored data between versions.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FieldType classifies the value domain of a single field.
type FieldType string

// Field types, ordered roughly from narrow to wide.
const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBoolean  FieldType = "boolean"
	TypeDate     FieldType = "date"
	TypeDatetime FieldType = "datetime"
	TypeArray    FieldType = "array"
	TypeObject   FieldType = "object"
	TypeAny      FieldType = "any"
)

// IsValid returns true when the field type is one of the known kinds.
func (t FieldType) IsValid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeDate,
		TypeDatetime, TypeArray, TypeObject, TypeAny:
		return true
	default:
		return false
	}
}

// DataCategory groups sources by the kind of records they produce. The
// promotion layer maps each category to a staging/production collection pair.
type DataCategory string

// Known data categories.
const (
	CategoryNews         DataCategory = "news"
	CategoryFinancial    DataCategory = "financial"
	CategoryStock        DataCategory = "stock"
	CategoryExchange     DataCategory = "exchange"
	CategoryMarket       DataCategory = "market"
	CategoryAnnouncement DataCategory = "announcement"
	CategoryGeneric      DataCategory = "generic"
)

// CompatibilityMode selects which direction of schema evolution must stay
// safe when a new version is registered.
type CompatibilityMode string

// Compatibility modes. Transitive variants check against every prior active
// version instead of only the latest.
const (
	ModeNone               CompatibilityMode = "none"
	ModeBackward           CompatibilityMode = "backward"
	ModeForward            CompatibilityMode = "forward"
	ModeFull               CompatibilityMode = "full"
	ModeBackwardTransitive CompatibilityMode = "backward_transitive"
	ModeForwardTransitive  CompatibilityMode = "forward_transitive"
	ModeFullTransitive     CompatibilityMode = "full_transitive"
)

// IsValid returns true when the mode is a known compatibility mode.
func (m CompatibilityMode) IsValid() bool {
	switch m {
	case ModeNone, ModeBackward, ModeForward, ModeFull,
		ModeBackwardTransitive, ModeForwardTransitive, ModeFullTransitive:
		return true
	default:
		return false
	}
}

// RequiresBackward returns true when new versions must be able to read data
// written under old versions.
func (m CompatibilityMode) RequiresBackward() bool {
	switch m {
	case ModeBackward, ModeBackwardTransitive, ModeFull, ModeFullTransitive:
		return true
	default:
		return false
	}
}

// RequiresForward returns true when old versions must be able to read data
// written under new versions.
func (m CompatibilityMode) RequiresForward() bool {
	switch m {
	case ModeForward, ModeForwardTransitive, ModeFull, ModeFullTransitive:
		return true
	default:
		return false
	}
}

// IsTransitive returns true when the mode checks against all prior active
// versions rather than only the latest.
func (m CompatibilityMode) IsTransitive() bool {
	switch m {
	case ModeBackwardTransitive, ModeForwardTransitive, ModeFullTransitive:
		return true
	default:
		return false
	}
}

var (
	// ErrDuplicateField is returned when adding a field whose name already
	// exists in the schema.
	ErrDuplicateField = errors.New("duplicate field name")

	// ErrFieldNotFound is returned when a named field does not exist.
	ErrFieldNotFound = errors.New("field not found")
)

type (
	// FieldSchema describes one field of a record: its type, whether it must
	// be present, and optional value constraints.
	FieldSchema struct {
		Name              string         `bson:"name"                         json:"name"`
		FieldType         FieldType      `bson:"field_type"                   json:"field_type"`
		Required          bool           `bson:"required"                     json:"required"`
		Nullable          bool           `bson:"nullable"                     json:"nullable"`
		Default           any            `bson:"default,omitempty"            json:"default,omitempty"`
		Description       string         `bson:"description,omitempty"        json:"description,omitempty"`
		Pattern           string         `bson:"pattern,omitempty"            json:"pattern,omitempty"`
		MinValue          *float64       `bson:"min_value,omitempty"          json:"min_value,omitempty"`
		MaxValue          *float64       `bson:"max_value,omitempty"          json:"max_value,omitempty"`
		MinLength         *int           `bson:"min_length,omitempty"         json:"min_length,omitempty"`
		MaxLength         *int           `bson:"max_length,omitempty"         json:"max_length,omitempty"`
		EnumValues        []any          `bson:"enum_values,omitempty"        json:"enum_values,omitempty"`
		NestedSchema      *Schema        `bson:"nested_schema,omitempty"      json:"nested_schema,omitempty"`
		Examples          []any          `bson:"examples,omitempty"           json:"examples,omitempty"`
		Deprecated        bool           `bson:"deprecated,omitempty"         json:"deprecated,omitempty"`
		DeprecatedMessage string         `bson:"deprecated_message,omitempty" json:"deprecated_message,omitempty"`
		Metadata          map[string]any `bson:"metadata,omitempty"           json:"metadata,omitempty"`
	}

	// Schema is an ordered collection of field definitions describing the
	// records a source produces. Field order is preserved; the fingerprint
	// is computed over the ordered canonical form.
	Schema struct {
		Fields         []FieldSchema  `bson:"fields"                    json:"fields"`
		Description    string         `bson:"description,omitempty"     json:"description,omitempty"`
		DataCategory   DataCategory   `bson:"data_category,omitempty"   json:"data_category,omitempty"`
		CollectionName string         `bson:"collection_name,omitempty" json:"collection_name,omitempty"`
		Metadata       map[string]any `bson:"metadata,omitempty"        json:"metadata,omitempty"`
	}

	// SchemaVersion is one immutable registered version of a source schema.
	// Deprecation flips is_active and records the audit fields; the schema
	// content itself never changes after registration.
	SchemaVersion struct {
		Version           int               `bson:"version"                      json:"version"`
		Schema            Schema            `bson:"schema"                       json:"schema"`
		Fingerprint       string            `bson:"fingerprint"                  json:"fingerprint"`
		CreatedAt         time.Time         `bson:"created_at"                   json:"created_at"`
		CreatedBy         string            `bson:"created_by"                   json:"created_by"`
		ChangeDescription string            `bson:"change_description,omitempty" json:"change_description,omitempty"`
		IsActive          bool              `bson:"is_active"                    json:"is_active"`
		CompatibilityMode CompatibilityMode `bson:"compatibility_mode"           json:"compatibility_mode"`
		Tags              []string          `bson:"tags,omitempty"               json:"tags,omitempty"`
		DeprecatedAt      *time.Time        `bson:"deprecated_at,omitempty"      json:"deprecated_at,omitempty"`
		DeprecatedReason  string            `bson:"deprecated_reason,omitempty"  json:"deprecated_reason,omitempty"`
	}
)

// HasDefault returns true when the field declares a default value.
func (f *FieldSchema) HasDefault() bool {
	return f.Default != nil
}

// Clone returns a deep copy of the field definition.
func (f *FieldSchema) Clone() FieldSchema {
	out := *f

	if f.MinValue != nil {
		v := *f.MinValue
		out.MinValue = &v
	}

	if f.MaxValue != nil {
		v := *f.MaxValue
		out.MaxValue = &v
	}

	if f.MinLength != nil {
		v := *f.MinLength
		out.MinLength = &v
	}

	if f.MaxLength != nil {
		v := *f.MaxLength
		out.MaxLength = &v
	}

	if f.EnumValues != nil {
		out.EnumValues = append([]any(nil), f.EnumValues...)
	}

	if f.Examples != nil {
		out.Examples = append([]any(nil), f.Examples...)
	}

	if f.NestedSchema != nil {
		out.NestedSchema = f.NestedSchema.Clone()
	}

	if f.Metadata != nil {
		out.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}

	return out
}

// New returns an empty schema.
func New(description string) *Schema {
	return &Schema{
		Fields:      make([]FieldSchema, 0),
		Description: description,
	}
}

// GetField returns the named field definition.
func (s *Schema) GetField(name string) (FieldSchema, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return s.Fields[i], true
		}
	}

	return FieldSchema{}, false
}

// HasField returns true when the named field exists.
func (s *Schema) HasField(name string) bool {
	_, ok := s.GetField(name)

	return ok
}

// AddField appends a field definition, rejecting duplicate names.
func (s *Schema) AddField(field FieldSchema) error {
	if s.HasField(field.Name) {
		return fmt.Errorf("%w: %s", ErrDuplicateField, field.Name)
	}

	s.Fields = append(s.Fields, field)

	return nil
}

// RemoveField drops the named field, preserving the order of the rest.
func (s *Schema) RemoveField(name string) error {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			s.Fields = append(s.Fields[:i], s.Fields[i+1:]...)

			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrFieldNotFound, name)
}

// FieldNames returns the field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i := range s.Fields {
		names[i] = s.Fields[i].Name
	}

	return names
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	out := &Schema{
		Description:    s.Description,
		DataCategory:   s.DataCategory,
		CollectionName: s.CollectionName,
		Fields:         make([]FieldSchema, 0, len(s.Fields)),
	}

	for i := range s.Fields {
		out.Fields = append(out.Fields, s.Fields[i].Clone())
	}

	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}

	return out
}

// fingerprintLength is the number of hex characters kept from the SHA-256
// digest. 16 hex chars (64 bits) is plenty to distinguish schema revisions
// of a single source.
const fingerprintLength = 16

// Fingerprint computes a short deterministic hash identifying the schema
// content. Metadata is excluded so that annotations never produce a new
// version; everything else, including field order, participates.
//
// The canonical form is JSON with object keys sorted, which encoding/json
// guarantees for map values.
func (s *Schema) Fingerprint() string {
	canonical, err := json.Marshal(s.canonicalForm())
	if err != nil {
		// canonicalForm only emits JSON-encodable values; fmt fallback keeps
		// the fingerprint deterministic if a caller smuggles in something else.
		canonical = []byte(fmt.Sprintf("%#v", s.Fields))
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// canonicalForm converts the schema to plain maps so the JSON encoder sorts
// every object's keys. Metadata is dropped at both schema and field level.
func (s *Schema) canonicalForm() map[string]any {
	fields := make([]map[string]any, 0, len(s.Fields))
	for i := range s.Fields {
		fields = append(fields, s.Fields[i].canonicalForm())
	}

	form := map[string]any{
		"fields":      fields,
		"description": s.Description,
	}

	if s.DataCategory != "" {
		form["data_category"] = string(s.DataCategory)
	}

	if s.CollectionName != "" {
		form["collection_name"] = s.CollectionName
	}

	return form
}

func (f *FieldSchema) canonicalForm() map[string]any {
	form := map[string]any{
		"name":       f.Name,
		"field_type": string(f.FieldType),
		"required":   f.Required,
		"nullable":   f.Nullable,
	}

	if f.Default != nil {
		form["default"] = f.Default
	}

	if f.Description != "" {
		form["description"] = f.Description
	}

	if f.Pattern != "" {
		form["pattern"] = f.Pattern
	}

	if f.MinValue != nil {
		form["min_value"] = *f.MinValue
	}

	if f.MaxValue != nil {
		form["max_value"] = *f.MaxValue
	}

	if f.MinLength != nil {
		form["min_length"] = *f.MinLength
	}

	if f.MaxLength != nil {
		form["max_length"] = *f.MaxLength
	}

	if len(f.EnumValues) > 0 {
		form["enum_values"] = f.EnumValues
	}

	if f.NestedSchema != nil {
		form["nested_schema"] = f.NestedSchema.canonicalForm()
	}

	if f.Deprecated {
		form["deprecated"] = true
	}

	return form
}

type (
	// SchemaDiff summarizes the field-level differences between two schemas.
	SchemaDiff struct {
		AddedFields    []string      `json:"added_fields"`
		RemovedFields  []string      `json:"removed_fields"`
		ModifiedFields []FieldChange `json:"modified_fields"`
	}

	// FieldChange records what changed for one field present in both schemas.
	FieldChange struct {
		Name    string            `json:"name"`
		Changes map[string]Change `json:"changes"`
	}

	// Change is an old/new value pair for a single field attribute.
	Change struct {
		Old any `json:"old"`
		New any `json:"new"`
	}
)

// Diff computes the added, removed, and modified fields between two schemas.
// Examples and metadata differences are ignored.
func Diff(old, updated *Schema) SchemaDiff {
	diff := SchemaDiff{
		AddedFields:    make([]string, 0),
		RemovedFields:  make([]string, 0),
		ModifiedFields: make([]FieldChange, 0),
	}

	oldFields := make(map[string]FieldSchema, len(old.Fields))
	for i := range old.Fields {
		oldFields[old.Fields[i].Name] = old.Fields[i]
	}

	for i := range updated.Fields {
		name := updated.Fields[i].Name

		oldField, existed := oldFields[name]
		if !existed {
			diff.AddedFields = append(diff.AddedFields, name)

			continue
		}

		if changes := fieldChanges(oldField, updated.Fields[i]); len(changes) > 0 {
			diff.ModifiedFields = append(diff.ModifiedFields, FieldChange{Name: name, Changes: changes})
		}
	}

	for i := range old.Fields {
		if !updated.HasField(old.Fields[i].Name) {
			diff.RemovedFields = append(diff.RemovedFields, old.Fields[i].Name)
		}
	}

	return diff
}

func fieldChanges(old, updated FieldSchema) map[string]Change {
	changes := make(map[string]Change)

	if old.FieldType != updated.FieldType {
		changes["field_type"] = Change{Old: old.FieldType, New: updated.FieldType}
	}

	if old.Required != updated.Required {
		changes["required"] = Change{Old: old.Required, New: updated.Required}
	}

	if old.Nullable != updated.Nullable {
		changes["nullable"] = Change{Old: old.Nullable, New: updated.Nullable}
	}

	if fmt.Sprint(old.Default) != fmt.Sprint(updated.Default) {
		changes["default"] = Change{Old: old.Default, New: updated.Default}
	}

	if old.Pattern != updated.Pattern {
		changes["pattern"] = Change{Old: old.Pattern, New: updated.Pattern}
	}

	if !float64PtrEqual(old.MinValue, updated.MinValue) {
		changes["min_value"] = Change{Old: ptrValue(old.MinValue), New: ptrValue(updated.MinValue)}
	}

	if !float64PtrEqual(old.MaxValue, updated.MaxValue) {
		changes["max_value"] = Change{Old: ptrValue(old.MaxValue), New: ptrValue(updated.MaxValue)}
	}

	if !intPtrEqual(old.MinLength, updated.MinLength) {
		changes["min_length"] = Change{Old: ptrValue(old.MinLength), New: ptrValue(updated.MinLength)}
	}

	if !intPtrEqual(old.MaxLength, updated.MaxLength) {
		changes["max_length"] = Change{Old: ptrValue(old.MaxLength), New: ptrValue(updated.MaxLength)}
	}

	if len(old.EnumValues) != len(updated.EnumValues) ||
		len(enumRemoved(old.EnumValues, updated.EnumValues)) > 0 {
		changes["enum_values"] = Change{Old: old.EnumValues, New: updated.EnumValues}
	}

	return changes
}

func float64PtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// ptrValue dereferences a pointer for diff output, mapping nil to nil.
func ptrValue[T any](p *T) any {
	if p == nil {
		return nil
	}

	return *p
}

// enumRemoved returns the entries of old that are absent from updated,
// comparing by printed form since enum values may be any scalar.
func enumRemoved(old, updated []any) []any {
	present := make(map[string]struct{}, len(updated))
	for _, v := range updated {
		present[fmt.Sprint(v)] = struct{}{}
	}

	removed := make([]any, 0)

	for _, v := range old {
		if _, ok := present[fmt.Sprint(v)]; !ok {
			removed = append(removed, v)
		}
	}

	return removed
}
