// Package registry persists versioned source schemas and guards their
// evolution: registering a changed schema runs compatibility checks against
// the prior versions, identical content is deduplicated by fingerprint, and
// version numbers per source stay a contiguous 1..N sequence.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spindle-io/spindle/internal/keylock"
	"github.com/spindle-io/spindle/internal/schema"
	"github.com/spindle-io/spindle/internal/storage"
)

// ErrIncompatible is the sentinel wrapped by IncompatibleError. Check with
// errors.Is.
var ErrIncompatible = errors.New("schema incompatible")

// IncompatibleError reports a rejected registration. No version was written;
// Issues holds the error-severity findings that caused the rejection.
type IncompatibleError struct {
	Issues []schema.Issue
}

func (e *IncompatibleError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.FieldName, issue.Message))
	}

	return fmt.Sprintf("schema incompatible: %s", strings.Join(parts, "; "))
}

func (e *IncompatibleError) Unwrap() error { return ErrIncompatible }

// versionRecord is the persisted form of one schema version.
type versionRecord struct {
	ID                   storage.ID `bson:"_id,omitempty"`
	SourceID             storage.ID `bson:"source_id"`
	schema.SchemaVersion `bson:",inline"`
}

type (
	// Registry manages schema versions for sources.
	Registry struct {
		coll     *storage.Collection
		checker  *schema.Checker
		detector *schema.Detector
		locks    *keylock.KeyedMutex
		logger   *slog.Logger
		now      func() time.Time

		mu    sync.RWMutex
		cache map[string][]schema.SchemaVersion
	}

	// Option configures a Registry.
	Option func(*Registry)

	// RegisterRequest carries the inputs for one schema registration.
	RegisterRequest struct {
		SourceID    storage.ID
		Schema      *schema.Schema
		CreatedBy   string
		Description string
		Mode        schema.CompatibilityMode
		Tags        []string
	}
)

// WithClock overrides the registry's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithDetector overrides the drift detector.
func WithDetector(d *schema.Detector) Option {
	return func(r *Registry) {
		r.detector = d
	}
}

// New builds a schema registry over the given connection.
func New(conn *storage.Connection, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		coll:     conn.Collection(storage.CollSchemaRegistry),
		checker:  schema.NewChecker(),
		detector: schema.NewDetector(),
		locks:    keylock.New(),
		logger:   logger,
		now:      time.Now,
		cache:    make(map[string][]schema.SchemaVersion),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register stores a new schema version for a source.
//
// Algorithm:
//  1. Compute the schema fingerprint.
//  2. If the latest version has the same fingerprint, return it; identical
//     content never creates a new version.
//  3. Otherwise check compatibility against the prior version(s) under the
//     requested mode. Errors reject the registration with IncompatibleError;
//     nothing is written.
//  4. Persist the new version as latest+1, active.
//
// Registrations for the same source are serialized in-process; the unique
// (source_id, version) index backstops concurrent registrations from other
// processes.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*schema.SchemaVersion, *schema.CompatibilityResult, error) {
	if req.Schema == nil {
		return nil, nil, fmt.Errorf("%w: schema is required", storage.ErrOperation)
	}

	mode := req.Mode
	if mode == "" {
		mode = schema.ModeBackward
	}

	if !mode.IsValid() {
		return nil, nil, fmt.Errorf("%w: unknown compatibility mode %q", storage.ErrOperation, mode)
	}

	unlock := r.locks.Lock(req.SourceID.Hex())
	defer unlock()

	fingerprint := req.Schema.Fingerprint()

	versions, err := r.load(ctx, req.SourceID)
	if err != nil {
		return nil, nil, err
	}

	emptyResult := &schema.CompatibilityResult{
		IsCompatible: true,
		Issues:       make([]schema.Issue, 0),
		Mode:         mode,
		CheckedAt:    r.now().UTC(),
	}

	if len(versions) == 0 {
		version, err := r.persist(ctx, req, 1, fingerprint, mode)
		if err != nil {
			return nil, nil, err
		}

		return version, emptyResult, nil
	}

	latest := versions[len(versions)-1]
	if latest.Fingerprint == fingerprint {
		r.logger.Debug("schema already registered",
			slog.String("source_id", req.SourceID.Hex()),
			slog.Int("version", latest.Version),
			slog.String("fingerprint", fingerprint),
		)

		return &latest, emptyResult, nil
	}

	result := emptyResult

	if mode != schema.ModeNone {
		checked := r.checkCompatibility(versions, req.Schema, mode)
		result = &checked

		if errs := checked.Errors(); len(errs) > 0 {
			return nil, result, &IncompatibleError{Issues: errs}
		}
	}

	version, err := r.persist(ctx, req, latest.Version+1, fingerprint, mode)
	if err != nil {
		return nil, result, err
	}

	return version, result, nil
}

// checkCompatibility runs the pairwise checks the mode demands: transitive
// modes check every prior active version, the rest only the latest.
func (r *Registry) checkCompatibility(versions []schema.SchemaVersion, updated *schema.Schema, mode schema.CompatibilityMode) schema.CompatibilityResult {
	if !mode.IsTransitive() {
		latest := versions[len(versions)-1]

		return r.checker.Check(&latest.Schema, updated, mode)
	}

	priors := make([]*schema.Schema, 0, len(versions))

	for i := range versions {
		if versions[i].IsActive {
			priors = append(priors, &versions[i].Schema)
		}
	}

	if len(priors) == 0 {
		latest := versions[len(versions)-1]
		priors = append(priors, &latest.Schema)
	}

	return r.checker.CheckAll(priors, updated, mode)
}

func (r *Registry) persist(ctx context.Context, req RegisterRequest, version int, fingerprint string, mode schema.CompatibilityMode) (*schema.SchemaVersion, error) {
	record := versionRecord{
		SourceID: req.SourceID,
		SchemaVersion: schema.SchemaVersion{
			Version:           version,
			Schema:            *req.Schema.Clone(),
			Fingerprint:       fingerprint,
			CreatedAt:         r.now().UTC(),
			CreatedBy:         req.CreatedBy,
			ChangeDescription: req.Description,
			IsActive:          true,
			CompatibilityMode: mode,
			Tags:              req.Tags,
		},
	}

	if _, err := r.coll.InsertOne(ctx, record); err != nil {
		return nil, fmt.Errorf("register schema version %d: %w", version, err)
	}

	r.invalidate(req.SourceID)

	r.logger.Info("schema version registered",
		slog.String("source_id", req.SourceID.Hex()),
		slog.Int("version", version),
		slog.String("fingerprint", fingerprint),
		slog.String("mode", string(mode)),
	)

	return &record.SchemaVersion, nil
}

// Get returns the requested version, or the highest-numbered active version
// when version is nil, falling back to the highest version of any status.
func (r *Registry) Get(ctx context.Context, sourceID storage.ID, version *int) (*schema.SchemaVersion, error) {
	if version != nil {
		var record versionRecord

		filter := bson.M{"source_id": sourceID, "version": *version}
		if err := r.coll.FindOne(ctx, filter, &record); err != nil {
			return nil, err
		}

		return &record.SchemaVersion, nil
	}

	versions, err := r.load(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: no schema registered for source %s", storage.ErrNotFound, sourceID.Hex())
	}

	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].IsActive {
			return &versions[i], nil
		}
	}

	return &versions[len(versions)-1], nil
}

// List returns all versions for a source in ascending version order.
func (r *Registry) List(ctx context.Context, sourceID storage.ID) ([]schema.SchemaVersion, error) {
	versions, err := r.load(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	out := make([]schema.SchemaVersion, len(versions))
	copy(out, versions)

	return out, nil
}

// Deprecate marks a version inactive with an audit trail. Calling it again
// for the same version succeeds without changing the original audit fields.
func (r *Registry) Deprecate(ctx context.Context, sourceID storage.ID, version int, reason string) error {
	filter := bson.M{"source_id": sourceID, "version": version}

	var record versionRecord
	if err := r.coll.FindOne(ctx, filter, &record); err != nil {
		return err
	}

	if !record.IsActive {
		return nil
	}

	update := bson.M{"$set": bson.M{
		"is_active":         false,
		"deprecated_at":     r.now().UTC(),
		"deprecated_reason": reason,
	}}

	if _, err := r.coll.UpdateOne(ctx, filter, update); err != nil {
		return err
	}

	r.invalidate(sourceID)

	r.logger.Info("schema version deprecated",
		slog.String("source_id", sourceID.Hex()),
		slog.Int("version", version),
		slog.String("reason", reason),
	)

	return nil
}

// Compare diffs two registered versions of a source.
func (r *Registry) Compare(ctx context.Context, sourceID storage.ID, v1, v2 int) (schema.SchemaDiff, error) {
	older, err := r.Get(ctx, sourceID, &v1)
	if err != nil {
		return schema.SchemaDiff{}, fmt.Errorf("load version %d: %w", v1, err)
	}

	newer, err := r.Get(ctx, sourceID, &v2)
	if err != nil {
		return schema.SchemaDiff{}, fmt.Errorf("load version %d: %w", v2, err)
	}

	return schema.Diff(&older.Schema, &newer.Schema), nil
}

// DetectDrift infers a schema from sample records and checks it against the
// registered schema under full compatibility, surfacing drift as issues.
func (r *Registry) DetectDrift(ctx context.Context, sourceID storage.ID, sample []map[string]any) (*schema.CompatibilityResult, error) {
	registered, err := r.Get(ctx, sourceID, nil)
	if err != nil {
		return nil, err
	}

	actual := r.detector.Detect(sample, nil, registered.Schema.DataCategory)

	result := r.checker.Check(&registered.Schema, actual, schema.ModeFull)

	return &result, nil
}

// load returns the source's versions ascending, caching per source. Writes
// invalidate the entry so subsequent reads rebuild it.
func (r *Registry) load(ctx context.Context, sourceID storage.ID) ([]schema.SchemaVersion, error) {
	key := sourceID.Hex()

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()

	if ok {
		return cached, nil
	}

	var records []versionRecord

	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	if err := r.coll.Find(ctx, bson.M{"source_id": sourceID}, &records, opts); err != nil {
		return nil, err
	}

	versions := make([]schema.SchemaVersion, 0, len(records))
	for i := range records {
		versions = append(versions, records[i].SchemaVersion)
	}

	r.mu.Lock()
	r.cache[key] = versions
	r.mu.Unlock()

	return versions, nil
}

func (r *Registry) invalidate(sourceID storage.ID) {
	r.mu.Lock()
	delete(r.cache, sourceID.Hex())
	r.mu.Unlock()
}
