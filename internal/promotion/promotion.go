// Package promotion moves review-approved staging records into their
// production collections and maintains the data_lineage audit trail joining
// them. The lineage row is the source of truth for whether a record moved:
// staging marked promoted without a lineage row is reconciled back to
// pending by the background sweep.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/spindle-io/spindle/internal/keylock"
	"github.com/spindle-io/spindle/internal/storage"
)

// Staging record review states, kept in the _review_status meta field.
const (
	StatusPending    = "pending"
	StatusPromoted   = "promoted"
	StatusRolledBack = "rolled_back"
	StatusRejected   = "rejected"
)

// RelationshipPromoted marks lineage rows written by record promotion,
// distinguishing them from dataset-level edges in the same collection.
const RelationshipPromoted = "promoted"

type (
	// LineageRow joins a staging document to the production document it was
	// promoted into. SourceID and TargetID are the staging and production
	// document ids; the pair is unique.
	LineageRow struct {
		ID               storage.ID `bson:"_id,omitempty"             json:"id"`
		SourceID         storage.ID `bson:"source_id"                 json:"source_id"`
		TargetID         storage.ID `bson:"target_id"                 json:"target_id"`
		RelationshipType string     `bson:"relationship_type"         json:"relationship_type"`
		SourceColl       string     `bson:"source_collection"         json:"source_collection"`
		TargetColl       string     `bson:"target_collection"         json:"target_collection"`
		CrawlSourceID    storage.ID `bson:"crawl_source_id,omitempty" json:"crawl_source_id,omitempty"`
		PromotedBy       string     `bson:"promoted_by"               json:"promoted_by"`
		PromotedAt       time.Time  `bson:"promoted_at"               json:"promoted_at"`
		HasCorrections   bool       `bson:"has_corrections"           json:"has_corrections"`
		RolledBack       bool       `bson:"rolled_back"               json:"rolled_back"`
		RolledBackAt     *time.Time `bson:"rolled_back_at,omitempty"  json:"rolled_back_at,omitempty"`
		RolledBackBy     string     `bson:"rolled_back_by,omitempty"  json:"rolled_back_by,omitempty"`
		RollbackReason   string     `bson:"rollback_reason,omitempty" json:"rollback_reason,omitempty"`
	}

	// BatchResult reports a bulk promotion outcome. Success + Failed always
	// equals Total; per-id failures land in Errors instead of aborting the
	// batch.
	BatchResult struct {
		Total   int      `json:"total"`
		Success int      `json:"success"`
		Failed  int      `json:"failed"`
		Errors  []string `json:"errors,omitempty"`
	}

	// StagingRef locates one staging record by id and collection.
	StagingRef struct {
		ID         storage.ID `json:"id"`
		Collection string     `json:"collection"`
	}

	// Promoter routes crawled records through staging into production.
	// Promotions and rollbacks for the same staging id are serialized by
	// keyed locks.
	Promoter struct {
		conn    *storage.Connection
		cfg     *Config
		sources *storage.Collection
		lineage *storage.Collection
		locks   *keylock.KeyedMutex
		logger  *slog.Logger
		now     func() time.Time

		sweep     SweepConfig
		sweepStop chan struct{}
		sweepDone chan struct{}
		closeOnce sync.Once
	}

	// Option configures a Promoter.
	Option func(*Promoter)
)

// WithClock overrides the promoter's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Promoter) {
		p.now = now
	}
}

// WithSweep enables the background staging sweep. Zero fields take the
// package defaults.
func WithSweep(cfg SweepConfig) Option {
	return func(p *Promoter) {
		p.sweep = cfg.withDefaults()
	}
}

// New builds a promoter over the given connection. A nil cfg uses the
// compiled-in collection map. When a sweep is configured via WithSweep, the
// sweep goroutine starts immediately and stops on Close.
func New(conn *storage.Connection, cfg *Config, logger *slog.Logger, opts ...Option) *Promoter {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if logger == nil {
		logger = slog.Default()
	}

	p := &Promoter{
		conn:      conn,
		cfg:       cfg,
		sources:   conn.Collection(storage.CollSources),
		lineage:   conn.Collection(storage.CollDataLineage),
		locks:     keylock.New(),
		logger:    logger,
		now:       time.Now,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.sweep.Interval > 0 {
		go p.runSweep()

		p.logger.Info("staging sweep started",
			slog.Duration("interval", p.sweep.Interval),
			slog.Int("retention_days", p.sweep.RetentionDays),
			slog.Duration("orphan_grace", p.sweep.OrphanGrace),
		)
	}

	return p
}

// Close stops the background sweep, waiting briefly for the current pass to
// finish. Safe to call multiple times and without a configured sweep.
func (p *Promoter) Close() {
	p.closeOnce.Do(func() {
		if p.sweep.Interval <= 0 {
			return
		}

		close(p.sweepStop)

		select {
		case <-p.sweepDone:
		case <-time.After(sweepShutdownTimeout):
			p.logger.Warn("staging sweep did not stop within timeout")
		}
	})
}

// typeRules maps heuristic substrings in a source's name or url to a type
// key. First match wins; stock precedes exchange so "stock exchange" sources
// route to stock.
var typeRules = []struct {
	key   string
	hints []string
}{
	{TypeNews, []string{"news", "article", "press"}},
	{TypeAnnouncement, []string{"announcement", "notice", "disclosure"}},
	{TypeFinancial, []string{"financial", "finance", "earnings"}},
	{TypeStock, []string{"stock", "ticker", "equity"}},
	{TypeExchange, []string{"exchange", "forex", "currency"}},
	{TypeMarket, []string{"market", "index"}},
}

// TypeForSource picks a type key from heuristic substrings in the source
// name and url. No match falls back to generic.
func TypeForSource(name, url string) string {
	haystack := strings.ToLower(name) + " " + strings.ToLower(url)

	for _, rule := range typeRules {
		for _, hint := range rule.hints {
			if strings.Contains(haystack, hint) {
				return rule.key
			}
		}
	}

	return TypeGeneric
}

// DetermineType resolves a source's type key from its name and url. A
// source that cannot be loaded routes to generic so its records stay
// reviewable.
func (p *Promoter) DetermineType(ctx context.Context, sourceID storage.ID) string {
	var src struct {
		Name string `bson:"name"`
		URL  string `bson:"url"`
	}

	if err := p.sources.FindOne(ctx, bson.M{"_id": sourceID}, &src); err != nil {
		p.logger.Warn("type lookup failed, routing to generic",
			slog.String("source_id", sourceID.Hex()),
			slog.Any("error", err),
		)

		return TypeGeneric
	}

	return TypeForSource(src.Name, src.URL)
}

// SaveToStaging writes one crawled record into the staging collection for
// typeKey, attaching the staging meta fields. An empty typeKey is resolved
// via DetermineType. Returns the new staging id.
func (p *Promoter) SaveToStaging(
	ctx context.Context,
	data map[string]any,
	sourceID storage.ID,
	crawlResultID storage.ID,
	recordIndex int,
	typeKey string,
) (storage.ID, error) {
	if typeKey == "" {
		typeKey = p.DetermineType(ctx, sourceID)
	}

	pair, ok := p.cfg.Pair(typeKey)
	if !ok {
		return storage.NilID, fmt.Errorf("%w: unknown collection type %q", storage.ErrOperation, typeKey)
	}

	now := p.now().UTC()

	doc := make(bson.M, len(data)+7)
	for k, v := range data {
		doc[k] = v
	}

	// _crawled_at from the record wins; the pipeline stamps it when the
	// extractor reports its own run time.
	if _, ok := doc["_crawled_at"]; !ok {
		doc["_crawled_at"] = now
	}

	doc["_source_id"] = sourceID
	doc["_crawl_result_id"] = crawlResultID
	doc["_record_index"] = recordIndex
	doc["_review_status"] = StatusPending
	doc["_collection_type"] = typeKey
	doc["_staged_at"] = now

	id, err := p.conn.Collection(pair.Staging).InsertOne(ctx, doc)
	if err != nil {
		return storage.NilID, fmt.Errorf("save to staging %s: %w", pair.Staging, err)
	}

	return id, nil
}

// Promote copies a staging record into its production collection.
//
// Steps, short-circuiting on the first failure:
//  1. Locate the staging record across the mapped staging collections.
//  2. Build the production document: non-underscore fields, corrections
//     applied, production metadata attached.
//  3. Insert into the production collection.
//  4. Mark the staging record promoted with a back-reference.
//  5. Insert the data_lineage row joining the two.
//
// Re-promoting an already promoted record returns the existing production
// id, so bulk retries stay safe. A failure between steps 3 and 5 leaves
// staging without a lineage row; the reconciliation sweep reverts it to
// pending.
func (p *Promoter) Promote(
	ctx context.Context,
	stagingID storage.ID,
	reviewerID string,
	corrections map[string]any,
) (storage.ID, error) {
	unlock := p.locks.Lock(stagingID.Hex())
	defer unlock()

	staging, typeKey, err := p.findStaging(ctx, stagingID)
	if err != nil {
		return storage.NilID, err
	}

	if staging["_review_status"] == StatusPromoted {
		if existing, ok := staging["_promoted_to"].(storage.ID); ok {
			p.logger.Debug("staging record already promoted",
				slog.String("staging_id", stagingID.Hex()),
				slog.String("production_id", existing.Hex()),
			)

			return existing, nil
		}
	}

	pair, _ := p.cfg.Pair(typeKey)
	now := p.now().UTC()
	prod := buildProductionDoc(staging, stagingID, reviewerID, corrections, now)

	productionID, err := p.conn.Collection(pair.Production).InsertOne(ctx, prod)
	if err != nil {
		return storage.NilID, fmt.Errorf("insert production %s: %w", pair.Production, err)
	}

	marked, err := p.conn.Collection(pair.Staging).UpdateByID(ctx, stagingID, bson.M{
		"$set": bson.M{
			"_review_status": StatusPromoted,
			"_promoted_to":   productionID,
			"_promoted_at":   now,
		},
	})
	if err != nil {
		return storage.NilID, fmt.Errorf("mark staging promoted: %w", err)
	}

	if !marked {
		return storage.NilID, fmt.Errorf("%w: staging record %s vanished mid-promotion",
			storage.ErrOperation, stagingID.Hex())
	}

	row := LineageRow{
		SourceID:         stagingID,
		TargetID:         productionID,
		RelationshipType: RelationshipPromoted,
		SourceColl:       pair.Staging,
		TargetColl:       pair.Production,
		PromotedBy:       reviewerID,
		PromotedAt:       now,
		HasCorrections:   len(corrections) > 0,
	}

	if crawlSource, ok := staging["_source_id"].(storage.ID); ok {
		row.CrawlSourceID = crawlSource
	}

	if _, err := p.lineage.InsertOne(ctx, row); err != nil {
		return storage.NilID, fmt.Errorf("insert lineage row: %w", err)
	}

	p.logger.Info("record promoted",
		slog.String("staging_id", stagingID.Hex()),
		slog.String("production_id", productionID.Hex()),
		slog.String("collection", pair.Production),
		slog.String("reviewer_id", reviewerID),
		slog.Bool("has_corrections", len(corrections) > 0),
	)

	return productionID, nil
}

// Rollback reverses a promotion: the production document is deleted, the
// staging record reverts to rolled_back with its promotion back-reference
// removed, and the lineage row is marked rolled back. Safe to repeat.
func (p *Promoter) Rollback(ctx context.Context, productionID storage.ID, reason, operatorID string) error {
	var row LineageRow

	filter := bson.M{"target_id": productionID, "relationship_type": RelationshipPromoted}
	if err := p.lineage.FindOne(ctx, filter, &row); err != nil {
		return fmt.Errorf("locate lineage for production %s: %w", productionID.Hex(), err)
	}

	unlock := p.locks.Lock(row.SourceID.Hex())
	defer unlock()

	deleted, err := p.conn.Collection(row.TargetColl).DeleteByID(ctx, productionID)
	if err != nil {
		return fmt.Errorf("delete production %s: %w", productionID.Hex(), err)
	}

	now := p.now().UTC()

	_, err = p.conn.Collection(row.SourceColl).UpdateByID(ctx, row.SourceID, bson.M{
		"$set": bson.M{
			"_review_status":  StatusRolledBack,
			"_rolled_back_at": now,
		},
		"$unset": bson.M{"_promoted_to": ""},
	})
	if err != nil {
		return fmt.Errorf("revert staging %s: %w", row.SourceID.Hex(), err)
	}

	_, err = p.lineage.UpdateByID(ctx, row.ID, bson.M{
		"$set": bson.M{
			"rolled_back":     true,
			"rolled_back_at":  now,
			"rolled_back_by":  operatorID,
			"rollback_reason": reason,
		},
	})
	if err != nil {
		return fmt.Errorf("mark lineage rolled back: %w", err)
	}

	p.logger.Info("promotion rolled back",
		slog.String("production_id", productionID.Hex()),
		slog.String("staging_id", row.SourceID.Hex()),
		slog.Bool("production_deleted", deleted),
		slog.String("operator_id", operatorID),
		slog.String("reason", reason),
	)

	return nil
}

// BatchPromote promotes each staging id in turn. Per-id failures are
// recorded and the batch continues; the result always satisfies
// Success + Failed == Total.
func (p *Promoter) BatchPromote(ctx context.Context, stagingIDs []storage.ID, reviewerID string) *BatchResult {
	result := &BatchResult{Total: len(stagingIDs)}

	for _, id := range stagingIDs {
		if _, err := p.Promote(ctx, id, reviewerID, nil); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", id.Hex(), err))

			continue
		}

		result.Success++
	}

	if result.Failed > 0 {
		p.logger.Warn("batch promotion had failures",
			slog.Int("total", result.Total),
			slog.Int("success", result.Success),
			slog.Int("failed", result.Failed),
		)
	}

	return result
}

// MarkRejected stamps a staging record rejected with reviewer metadata.
// Promotion of the same id is serialized against the rejection.
func (p *Promoter) MarkRejected(ctx context.Context, stagingID storage.ID, reviewerID, reason string) error {
	unlock := p.locks.Lock(stagingID.Hex())
	defer unlock()

	_, typeKey, err := p.findStaging(ctx, stagingID)
	if err != nil {
		return err
	}

	pair, _ := p.cfg.Pair(typeKey)

	_, err = p.conn.Collection(pair.Staging).UpdateByID(ctx, stagingID, bson.M{
		"$set": bson.M{
			"_review_status":    StatusRejected,
			"_rejected_at":      p.now().UTC(),
			"_rejected_by":      reviewerID,
			"_rejection_reason": reason,
		},
	})
	if err != nil {
		return fmt.Errorf("mark staging rejected: %w", err)
	}

	return nil
}

// FindStagingByCrawlResult maps record index to staging ref for every
// staging record written from one crawl result, scanning the mapped
// staging collections. Review seeding uses this to link reviews to the
// records they gate.
func (p *Promoter) FindStagingByCrawlResult(ctx context.Context, crawlResultID storage.ID) (map[int]StagingRef, error) {
	refs := make(map[int]StagingRef)

	for _, typeKey := range p.cfg.TypeKeys() {
		pair, _ := p.cfg.Pair(typeKey)

		var rows []struct {
			ID          storage.ID `bson:"_id"`
			RecordIndex int        `bson:"_record_index"`
		}

		filter := bson.M{"_crawl_result_id": crawlResultID}
		if err := p.conn.Collection(pair.Staging).Find(ctx, filter, &rows); err != nil {
			return nil, fmt.Errorf("scan staging %s: %w", pair.Staging, err)
		}

		for _, row := range rows {
			refs[row.RecordIndex] = StagingRef{ID: row.ID, Collection: pair.Staging}
		}
	}

	return refs, nil
}

// findStaging locates a staging record by id, scanning the mapped staging
// collections in configured order. First hit wins.
func (p *Promoter) findStaging(ctx context.Context, stagingID storage.ID) (bson.M, string, error) {
	for _, typeKey := range p.cfg.TypeKeys() {
		pair, _ := p.cfg.Pair(typeKey)

		var doc bson.M

		err := p.conn.Collection(pair.Staging).FindOne(ctx, bson.M{"_id": stagingID}, &doc)
		if err == nil {
			return doc, typeKey, nil
		}

		if !errors.Is(err, storage.ErrNotFound) {
			return nil, "", fmt.Errorf("scan staging %s: %w", pair.Staging, err)
		}
	}

	return nil, "", fmt.Errorf("%w: staging record %s", storage.ErrNotFound, stagingID.Hex())
}

// buildProductionDoc assembles the production document from a staging
// record: non-underscore fields are copied, corrections override field
// values, and production metadata is attached last so corrections cannot
// forge verification fields. _source_id, _data_date, and _crawled_at carry
// over from staging.
func buildProductionDoc(
	staging bson.M,
	stagingID storage.ID,
	reviewerID string,
	corrections map[string]any,
	now time.Time,
) bson.M {
	prod := make(bson.M, len(staging)+9)

	for k, v := range staging {
		if strings.HasPrefix(k, "_") {
			continue
		}

		prod[k] = v
	}

	for field, corrected := range corrections {
		prod[field] = corrected
	}

	if v, ok := staging["_source_id"]; ok {
		prod["_source_id"] = v
	}

	if v, ok := staging["_data_date"]; ok {
		prod["_data_date"] = v
	}

	if v, ok := staging["_crawled_at"]; ok {
		prod["_crawled_at"] = v
	}

	prod["_staging_id"] = stagingID
	prod["_verified"] = true
	prod["_verified_at"] = now
	prod["_verified_by"] = reviewerID
	prod["_has_corrections"] = len(corrections) > 0
	prod["_promoted_at"] = now

	return prod
}
