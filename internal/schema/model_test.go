package schema

import (
	"errors"
	"testing"
)

func stringField(name string, required bool) FieldSchema {
	return FieldSchema{Name: name, FieldType: TypeString, Required: required}
}

func buildSchema(t *testing.T, fields ...FieldSchema) *Schema {
	t.Helper()

	s := New("test schema")

	for _, field := range fields {
		if err := s.AddField(field); err != nil {
			t.Fatalf("AddField(%s): %v", field.Name, err)
		}
	}

	return s
}

func TestAddFieldRejectsDuplicates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := buildSchema(t, stringField("title", true))

	err := s.AddField(stringField("title", false))
	if !errors.Is(err, ErrDuplicateField) {
		t.Fatalf("AddField(duplicate) error = %v, want ErrDuplicateField", err)
	}

	if len(s.Fields) != 1 {
		t.Errorf("schema has %d fields after rejected add, want 1", len(s.Fields))
	}
}

func TestRemoveFieldPreservesOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := buildSchema(t,
		stringField("a", true),
		stringField("b", true),
		stringField("c", true),
	)

	if err := s.RemoveField("b"); err != nil {
		t.Fatalf("RemoveField(b): %v", err)
	}

	names := s.FieldNames()
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Errorf("FieldNames() = %v, want [a c]", names)
	}

	if err := s.RemoveField("missing"); !errors.Is(err, ErrFieldNotFound) {
		t.Errorf("RemoveField(missing) error = %v, want ErrFieldNotFound", err)
	}
}

func TestFingerprintStability(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := buildSchema(t, stringField("title", true), stringField("content", false))

	first := s.Fingerprint()
	second := s.Fingerprint()

	if first != second {
		t.Errorf("fingerprint not stable: %q vs %q", first, second)
	}

	if len(first) != fingerprintLength {
		t.Errorf("fingerprint length = %d, want %d", len(first), fingerprintLength)
	}
}

func TestFingerprintMatchesClone(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	minLen := 1
	s := buildSchema(t,
		FieldSchema{Name: "title", FieldType: TypeString, Required: true, MinLength: &minLen},
		FieldSchema{Name: "views", FieldType: TypeInteger, Default: 0},
	)
	s.DataCategory = CategoryNews

	clone := s.Clone()

	if clone.Fingerprint() != s.Fingerprint() {
		t.Error("clone fingerprint differs from original")
	}
}

func TestFingerprintIgnoresMetadata(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := buildSchema(t, stringField("title", true))
	withMeta := s.Clone()
	withMeta.Metadata = map[string]any{"annotated_by": "ops", "note": "ignore me"}

	if withMeta.Fingerprint() != s.Fingerprint() {
		t.Error("metadata changed the fingerprint")
	}
}

func TestFingerprintSensitiveToFieldOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ab := buildSchema(t, stringField("a", true), stringField("b", true))
	ba := buildSchema(t, stringField("b", true), stringField("a", true))

	if ab.Fingerprint() == ba.Fingerprint() {
		t.Error("reordered fields produced the same fingerprint")
	}
}

func TestFingerprintSensitiveToContent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	optional := buildSchema(t, stringField("title", false))
	required := buildSchema(t, stringField("title", true))

	if optional.Fingerprint() == required.Fingerprint() {
		t.Error("required flag change did not change the fingerprint")
	}
}

func TestCloneIsDeep(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	minValue := 0.0
	s := buildSchema(t, FieldSchema{
		Name:       "price",
		FieldType:  TypeFloat,
		MinValue:   &minValue,
		EnumValues: []any{"a", "b"},
	})

	clone := s.Clone()

	*clone.Fields[0].MinValue = 99
	clone.Fields[0].EnumValues[0] = "mutated"
	clone.Fields[0].Name = "renamed"

	original := s.Fields[0]

	if *original.MinValue != 0 {
		t.Error("mutating clone min_value leaked into original")
	}

	if original.EnumValues[0] != "a" {
		t.Error("mutating clone enum values leaked into original")
	}

	if original.Name != "price" {
		t.Error("mutating clone name leaked into original")
	}
}

func TestDiff(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	old := buildSchema(t,
		stringField("title", true),
		stringField("content", false),
		FieldSchema{Name: "views", FieldType: TypeInteger},
	)

	updated := buildSchema(t,
		stringField("title", true),
		FieldSchema{Name: "views", FieldType: TypeFloat},
		stringField("author", false),
	)

	diff := Diff(old, updated)

	if len(diff.AddedFields) != 1 || diff.AddedFields[0] != "author" {
		t.Errorf("AddedFields = %v, want [author]", diff.AddedFields)
	}

	if len(diff.RemovedFields) != 1 || diff.RemovedFields[0] != "content" {
		t.Errorf("RemovedFields = %v, want [content]", diff.RemovedFields)
	}

	if len(diff.ModifiedFields) != 1 {
		t.Fatalf("ModifiedFields = %v, want one entry", diff.ModifiedFields)
	}

	change, ok := diff.ModifiedFields[0].Changes["field_type"]
	if diff.ModifiedFields[0].Name != "views" || !ok {
		t.Fatalf("modified field = %+v, want views with field_type change", diff.ModifiedFields[0])
	}

	if change.Old != TypeInteger || change.New != TypeFloat {
		t.Errorf("field_type change = %+v, want integer -> float", change)
	}
}

func TestCompatibilityModeFamilies(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		mode       CompatibilityMode
		backward   bool
		forward    bool
		transitive bool
	}{
		{ModeNone, false, false, false},
		{ModeBackward, true, false, false},
		{ModeForward, false, true, false},
		{ModeFull, true, true, false},
		{ModeBackwardTransitive, true, false, true},
		{ModeForwardTransitive, false, true, true},
		{ModeFullTransitive, true, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := tt.mode.RequiresBackward(); got != tt.backward {
				t.Errorf("RequiresBackward() = %v, want %v", got, tt.backward)
			}

			if got := tt.mode.RequiresForward(); got != tt.forward {
				t.Errorf("RequiresForward() = %v, want %v", got, tt.forward)
			}

			if got := tt.mode.IsTransitive(); got != tt.transitive {
				t.Errorf("IsTransitive() = %v, want %v", got, tt.transitive)
			}
		})
	}
}
