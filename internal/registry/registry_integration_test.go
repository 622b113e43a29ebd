package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-io/spindle/internal/breaker"
	"github.com/spindle-io/spindle/internal/config"
	"github.com/spindle-io/spindle/internal/schema"
	"github.com/spindle-io/spindle/internal/storage"
)

// setupRegistry provisions a migrated MongoDB container and returns a
// Registry backed by it.
func setupRegistry(ctx context.Context, t *testing.T) *Registry {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	conn, err := storage.Connect(ctx, storage.NewConfig(testDB.URL, testDB.Database), logger, breaker.NewRegistry())
	require.NoError(t, err, "Failed to connect to document store")
	t.Cleanup(func() {
		_ = conn.Close(context.Background())
	})

	store := storage.NewStore(conn, logger)
	require.NoError(t, store.EnsureIndexes(ctx), "Failed to ensure indexes")

	return New(conn, logger)
}

// newsSchema builds the baseline schema the lifecycle test registers first.
func newsSchema() *schema.Schema {
	s := schema.New("news article records")
	s.DataCategory = schema.CategoryNews

	_ = s.AddField(schema.FieldSchema{Name: "title", FieldType: schema.TypeString, Required: true})
	_ = s.AddField(schema.FieldSchema{Name: "url", FieldType: schema.TypeString, Required: true})
	_ = s.AddField(schema.FieldSchema{Name: "published_at", FieldType: schema.TypeDatetime})

	return s
}

// TestSchemaRegistryLifecycle walks a source schema through its full life:
//
// 1. Register the initial schema (version 1, backward mode by default)
// 2. Re-register identical content (deduplicated by fingerprint, no new version)
// 3. Register a safe evolution with a new optional field (version 2)
// 4. Attempt an unsafe evolution (rejected, nothing written)
// 5. Read versions back explicitly and implicitly
// 6. Compare versions
// 7. Deprecate version 2 and observe reads fall back to version 1
// 8. Detect drift between live records and the registered schema.
func TestSchemaRegistryLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	reg := setupRegistry(ctx, t)

	sourceID := storage.NewID()

	// 1. Register the initial schema
	v1, result, err := reg.Register(ctx, RegisterRequest{
		SourceID:    sourceID,
		Schema:      newsSchema(),
		CreatedBy:   "crawler-team",
		Description: "initial schema",
	})
	require.NoError(t, err, "Failed to register initial schema")

	assert.Equal(t, 1, v1.Version, "First registration should be version 1")
	assert.True(t, v1.IsActive, "New versions start active")
	assert.Equal(t, schema.ModeBackward, v1.CompatibilityMode, "Empty mode should default to backward")
	assert.Len(t, v1.Fingerprint, 16, "Fingerprint should be 16 hex chars")
	assert.Equal(t, "crawler-team", v1.CreatedBy, "CreatedBy mismatch")
	assert.False(t, v1.CreatedAt.IsZero(), "CreatedAt should be set")
	assert.True(t, result.IsCompatible, "First version has nothing to conflict with")
	assert.Empty(t, result.Issues, "First version should have no issues")

	// 2. Re-register identical content
	dup, _, err := reg.Register(ctx, RegisterRequest{
		SourceID:  sourceID,
		Schema:    newsSchema(),
		CreatedBy: "crawler-team",
	})
	require.NoError(t, err, "Identical re-registration should succeed")
	assert.Equal(t, 1, dup.Version, "Identical content must not create a new version")
	assert.Equal(t, v1.Fingerprint, dup.Fingerprint, "Fingerprint mismatch on dedup")

	versions, err := reg.List(ctx, sourceID)
	require.NoError(t, err, "Failed to list versions")
	assert.Len(t, versions, 1, "Dedup must not write a second version")

	// 3. Register a safe evolution: one new optional field
	evolved := newsSchema()
	require.NoError(t, evolved.AddField(schema.FieldSchema{
		Name: "summary", FieldType: schema.TypeString,
	}))

	v2, result, err := reg.Register(ctx, RegisterRequest{
		SourceID:    sourceID,
		Schema:      evolved,
		CreatedBy:   "crawler-team",
		Description: "add summary",
	})
	require.NoError(t, err, "Safe evolution should register")
	assert.Equal(t, 2, v2.Version, "Safe evolution should become version 2")
	assert.True(t, result.IsCompatible, "Adding an optional field is compatible")
	assert.Empty(t, result.Errors(), "Adding an optional field produces no errors")

	// 4. Attempt an unsafe evolution: new required field without a default
	unsafe := evolved.Clone()
	require.NoError(t, unsafe.AddField(schema.FieldSchema{
		Name: "author", FieldType: schema.TypeString, Required: true,
	}))

	rejected, result, err := reg.Register(ctx, RegisterRequest{
		SourceID:  sourceID,
		Schema:    unsafe,
		CreatedBy: "crawler-team",
	})
	require.Error(t, err, "Unsafe evolution must be rejected")
	assert.True(t, errors.Is(err, ErrIncompatible), "Rejection should match ErrIncompatible")

	var incompatible *IncompatibleError
	require.True(t, errors.As(err, &incompatible), "Rejection should be an IncompatibleError")
	assert.NotEmpty(t, incompatible.Issues, "Rejection should carry the failing issues")
	assert.Equal(t, "author", incompatible.Issues[0].FieldName, "Issue should name the offending field")

	assert.Nil(t, rejected, "No version is returned on rejection")
	require.NotNil(t, result, "Rejection still reports the compatibility result")
	assert.False(t, result.IsCompatible, "Result should be incompatible")

	versions, err = reg.List(ctx, sourceID)
	require.NoError(t, err, "Failed to list versions")
	assert.Len(t, versions, 2, "Rejected registration must not write")

	// 5. Read back: explicit version, implicit latest, missing version
	got, err := reg.Get(ctx, sourceID, intPtr(1))
	require.NoError(t, err, "Failed to get version 1")
	assert.Equal(t, 1, got.Version, "Explicit get returned wrong version")
	assert.True(t, got.Schema.HasField("title"), "Version 1 schema should round-trip")

	latest, err := reg.Get(ctx, sourceID, nil)
	require.NoError(t, err, "Failed to get latest version")
	assert.Equal(t, 2, latest.Version, "Latest should be version 2")

	_, err = reg.Get(ctx, sourceID, intPtr(99))
	assert.True(t, errors.Is(err, storage.ErrNotFound), "Missing version should be ErrNotFound")

	// 6. Compare versions
	diff, err := reg.Compare(ctx, sourceID, 1, 2)
	require.NoError(t, err, "Failed to compare versions")
	assert.Equal(t, []string{"summary"}, diff.AddedFields, "Diff should show the added field")
	assert.Empty(t, diff.RemovedFields, "Diff should show no removed fields")
	assert.Empty(t, diff.ModifiedFields, "Diff should show no modified fields")

	// 7. Deprecate version 2; reads fall back to the highest active version
	require.NoError(t, reg.Deprecate(ctx, sourceID, 2, "summary extraction broken"), "Failed to deprecate")

	latest, err = reg.Get(ctx, sourceID, nil)
	require.NoError(t, err, "Failed to get latest after deprecation")
	assert.Equal(t, 1, latest.Version, "Latest should fall back to version 1")

	// Deprecating again is a no-op, not an error
	require.NoError(t, reg.Deprecate(ctx, sourceID, 2, "second call"), "Repeat deprecation should succeed")

	versions, err = reg.List(ctx, sourceID)
	require.NoError(t, err, "Failed to list versions")
	assert.False(t, versions[1].IsActive, "Version 2 should be inactive")
	assert.NotNil(t, versions[1].DeprecatedAt, "DeprecatedAt should be set")
	assert.Equal(t, "summary extraction broken", versions[1].DeprecatedReason,
		"Repeat deprecation must not overwrite the original reason")

	// 8. Detect drift: live records lost the url field and grew a new one
	sample := []map[string]any{
		{"title": "Markets rally on earnings", "clickbait_score": 3},
		{"title": "Regulator opens new inquiry", "clickbait_score": 8},
		{"title": "Chipmaker guidance disappoints", "clickbait_score": 5},
	}

	drift, err := reg.DetectDrift(ctx, sourceID, sample)
	require.NoError(t, err, "Failed to detect drift")
	assert.False(t, drift.IsCompatible, "Losing a required field is incompatible drift")

	driftFields := make(map[string]bool)
	for _, issue := range drift.Errors() {
		driftFields[issue.FieldName] = true
	}
	assert.True(t, driftFields["url"], "Drift should flag the missing url field")
}

// TestSchemaRegistryUnknownSource verifies reads against a source that never
// registered a schema.
func TestSchemaRegistryUnknownSource(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	reg := setupRegistry(ctx, t)

	sourceID := storage.NewID()

	versions, err := reg.List(ctx, sourceID)
	require.NoError(t, err, "Listing an unknown source should not error")
	assert.Empty(t, versions, "Unknown source has no versions")

	_, err = reg.Get(ctx, sourceID, nil)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "Unknown source should be ErrNotFound")
	assert.Contains(t, err.Error(), "no schema registered", "Error should explain the miss")
}

// TestSchemaRegistryModeNone verifies that none mode skips the compatibility
// gate entirely while still recording versions.
func TestSchemaRegistryModeNone(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	reg := setupRegistry(ctx, t)

	sourceID := storage.NewID()

	_, _, err := reg.Register(ctx, RegisterRequest{
		SourceID: sourceID,
		Schema:   newsSchema(),
		Mode:     schema.ModeNone,
	})
	require.NoError(t, err, "Failed to register initial schema")

	// A change that backward mode would reject sails through under none.
	breaking := schema.New("rewritten")
	require.NoError(t, breaking.AddField(schema.FieldSchema{
		Name: "payload", FieldType: schema.TypeObject, Required: true,
	}))

	v2, result, err := reg.Register(ctx, RegisterRequest{
		SourceID: sourceID,
		Schema:   breaking,
		Mode:     schema.ModeNone,
	})
	require.NoError(t, err, "None mode must not reject any change")
	assert.Equal(t, 2, v2.Version, "Breaking change should still version up")
	assert.True(t, result.IsCompatible, "None mode reports compatible")
}

func intPtr(v int) *int { return &v }
