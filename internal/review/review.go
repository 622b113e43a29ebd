// Package review gates crawled records between staging and production.
// Every record of a crawl result gets one review row; approving a review
// promotes its staging record, rejecting stamps it rejected, and reverting
// rolls the promotion back. Bulk operations process ids in fixed batches
// and report per-id failures instead of aborting.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spindle-io/spindle/internal/promotion"
	"github.com/spindle-io/spindle/internal/storage"
)

// Review errors.
var (
	// ErrValidation is returned for malformed review input.
	ErrValidation = errors.New("review: validation failed")

	// ErrInvalidState is returned when an operation does not apply to the
	// review's current status.
	ErrInvalidState = errors.New("review: invalid state for operation")
)

// Status is the review state of one crawled record.
type Status string

// Review lifecycle. Pending reviews are the work queue; approved,
// rejected and corrected are terminal unless reverted.
const (
	StatusPending         Status = "pending"
	StatusApproved        Status = "approved"
	StatusOnHold          Status = "on_hold"
	StatusNeedsCorrection Status = "needs_correction"
	StatusCorrected       Status = "corrected"
	StatusRejected        Status = "rejected"
)

// IsValid returns true when the status is a known review state.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusOnHold,
		StatusNeedsCorrection, StatusCorrected, StatusRejected:
		return true
	default:
		return false
	}
}

// IsCompleted returns true for states a reviewer has finished with.
func (s Status) IsCompleted() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCorrected:
		return true
	default:
		return false
	}
}

// completedStatuses is the filter form of Status.IsCompleted.
var completedStatuses = []Status{StatusApproved, StatusRejected, StatusCorrected}

type (
	// RevertEntry is one revert event pushed onto a review's history.
	RevertEntry struct {
		PreviousStatus Status    `bson:"previous_status" json:"previous_status"`
		RevertedBy     string    `bson:"reverted_by"     json:"reverted_by"`
		RevertedAt     time.Time `bson:"reverted_at"     json:"reverted_at"`
		HadPromotion   bool      `bson:"had_promotion"   json:"had_promotion"`
	}

	// Correction is one reviewer-supplied field override. Approval applies
	// corrections to the promoted production document.
	Correction struct {
		Field          string    `bson:"field"                    json:"field"`
		CorrectedValue any       `bson:"corrected_value"          json:"corrected_value"`
		OriginalValue  any       `bson:"original_value,omitempty" json:"original_value,omitempty"`
		CorrectedBy    string    `bson:"corrected_by,omitempty"   json:"corrected_by,omitempty"`
		CorrectedAt    time.Time `bson:"corrected_at,omitempty"   json:"corrected_at,omitempty"`
	}

	// Review is one record's gate between staging and production. The
	// (crawl_result_id, data_record_index) pair is unique.
	Review struct {
		ID                storage.ID     `bson:"_id,omitempty"                 json:"id"`
		SourceID          storage.ID     `bson:"source_id"                     json:"source_id"`
		CrawlResultID     storage.ID     `bson:"crawl_result_id"               json:"crawl_result_id"`
		RunID             string         `bson:"run_id,omitempty"              json:"run_id,omitempty"`
		DataRecordIndex   int            `bson:"data_record_index"             json:"data_record_index"`
		StagingID         *storage.ID    `bson:"staging_id,omitempty"          json:"staging_id,omitempty"`
		StagingCollection string         `bson:"staging_collection,omitempty"  json:"staging_collection,omitempty"`
		ProductionID      *storage.ID    `bson:"production_id,omitempty"       json:"production_id,omitempty"`
		Status            Status         `bson:"review_status"                 json:"review_status"`
		OriginalData      map[string]any `bson:"original_data,omitempty"       json:"original_data,omitempty"`
		CorrectedData     map[string]any `bson:"corrected_data,omitempty"      json:"corrected_data,omitempty"`
		Corrections       []Correction   `bson:"corrections,omitempty"         json:"corrections,omitempty"`
		Confidence        *float64       `bson:"confidence,omitempty"          json:"confidence,omitempty"`
		OCRConfidence     *float64       `bson:"ocr_confidence,omitempty"      json:"ocr_confidence,omitempty"`
		AIConfidence      *float64       `bson:"ai_confidence,omitempty"       json:"ai_confidence,omitempty"`
		NeedsNumberReview bool           `bson:"needs_number_review,omitempty" json:"needs_number_review,omitempty"`
		UncertainNumbers  []string       `bson:"uncertain_numbers,omitempty"   json:"uncertain_numbers,omitempty"`
		Highlights        any            `bson:"highlights,omitempty"          json:"highlights,omitempty"`
		ReviewerID        string         `bson:"reviewer_id,omitempty"         json:"reviewer_id,omitempty"`
		ReviewedAt        *time.Time     `bson:"reviewed_at,omitempty"         json:"reviewed_at,omitempty"`
		Notes             string         `bson:"notes,omitempty"               json:"notes,omitempty"`
		RejectionReason   string         `bson:"rejection_reason,omitempty"    json:"rejection_reason,omitempty"`
		PromotedAt        *time.Time     `bson:"promoted_at,omitempty"         json:"promoted_at,omitempty"`
		RevertHistory     []RevertEntry  `bson:"revert_history,omitempty"      json:"revert_history,omitempty"`
		CreatedAt         time.Time      `bson:"created_at"                    json:"created_at"`
		UpdatedAt         *time.Time     `bson:"updated_at,omitempty"          json:"updated_at,omitempty"`
	}

	// Filter narrows review list queries. Nil fields are ignored.
	Filter struct {
		Status        *Status
		SourceID      *storage.ID
		CrawlResultID *storage.ID
		ReviewerID    *string
	}
)

// Service runs the review workflow over the document store and the
// promotion pipeline.
type Service struct {
	conn      *storage.Connection
	reviews   *storage.Collection
	bookmarks *storage.Collection
	jobs      *storage.Collection
	audit     *storage.Collection
	promoter  *promotion.Promoter

	logger *slog.Logger
	now    func() time.Time

	jobPoll   time.Duration
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a review Service.
type Option func(*Service)

// WithClock overrides the time source. Tests use this to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJobPollInterval overrides how often the background worker looks for
// queued bulk jobs.
func WithJobPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.jobPoll = d
		}
	}
}

// New builds a review service. The bulk-job worker starts immediately and
// stops on Close. A nil logger falls back to slog.Default().
func New(conn *storage.Connection, promoter *promotion.Promoter, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		conn:      conn,
		reviews:   conn.Collection(storage.CollDataReviews),
		bookmarks: conn.Collection(storage.CollReviewerBookmarks),
		jobs:      conn.Collection(storage.CollBulkJobs),
		audit:     conn.Collection(storage.CollAuditLog),
		promoter:  promoter,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		jobPoll:   defaultJobPoll,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.runJobs()

	return s
}

// Close stops the bulk-job worker and waits for it to drain. Safe to call
// more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

// CreateReviewsFromCrawlResult seeds one pending review per record of a
// crawl result, keyed by (crawl_result_id, data_record_index). Existing
// rows are left untouched, so re-running after a partial crawl retry is
// safe. Confidence signals present on a record are copied onto its
// review, and staging records written from the same result are linked in.
// Returns how many reviews were inserted.
func (s *Service) CreateReviewsFromCrawlResult(ctx context.Context, crawlResultID string) (int, error) {
	resultID, err := storage.ParseID(crawlResultID)
	if err != nil {
		return 0, err
	}

	var result storage.CrawlResult
	if err := s.conn.Collection(storage.CollCrawlResults).FindOne(ctx, bson.M{"_id": resultID}, &result); err != nil {
		return 0, fmt.Errorf("load crawl result: %w", err)
	}

	if len(result.Data) == 0 {
		return 0, nil
	}

	stagingRefs, err := s.promoter.FindStagingByCrawlResult(ctx, resultID)
	if err != nil {
		return 0, err
	}

	created := 0
	now := s.now()

	for i, record := range result.Data {
		doc := bson.M{
			"source_id":         result.SourceID,
			"crawl_result_id":   resultID,
			"run_id":            result.RunID,
			"data_record_index": i,
			"review_status":     StatusPending,
			"original_data":     record,
			"created_at":        now,
		}

		if ref, ok := stagingRefs[i]; ok {
			doc["staging_id"] = ref.ID
			doc["staging_collection"] = ref.Collection
		}

		seedConfidenceSignals(doc, record)

		insertedID, err := s.reviews.Upsert(ctx,
			bson.M{"crawl_result_id": resultID, "data_record_index": i},
			bson.M{"$setOnInsert": doc},
		)
		if err != nil {
			return created, fmt.Errorf("seed review %d: %w", i, err)
		}

		if insertedID != nil {
			created++
		}
	}

	s.logger.Info("reviews seeded from crawl result",
		slog.String("crawl_result_id", crawlResultID),
		slog.Int("records", len(result.Data)),
		slog.Int("created", created),
	)

	return created, nil
}

// GetReview loads one review by id string.
func (s *Service) GetReview(ctx context.Context, id string) (*Review, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return nil, err
	}

	var r Review
	if err := s.reviews.FindOne(ctx, bson.M{"_id": oid}, &r); err != nil {
		return nil, err
	}

	return &r, nil
}

// ListReviews returns reviews matching the filter, oldest first: the
// pending queue order.
func (s *Service) ListReviews(ctx context.Context, filter Filter, page storage.Pagination) ([]Review, error) {
	page = storage.NormalizePagination(page)

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	reviews := make([]Review, 0, page.Limit)
	if err := s.reviews.Find(ctx, reviewFilterDoc(filter), &reviews, opts); err != nil {
		return nil, err
	}

	return reviews, nil
}

// CountReviews returns the number of reviews matching the filter.
func (s *Service) CountReviews(ctx context.Context, filter Filter) (int64, error) {
	return s.reviews.CountDocuments(ctx, reviewFilterDoc(filter))
}

// SetStatus moves a single review between non-terminal states: pending to
// on_hold or needs_correction, on_hold back to pending, corrected back to
// pending for re-review. Approval and rejection go through the bulk
// operations so promotion stays attached; the needs_correction to corrected
// transition goes through Correct so the corrected data is captured.
func (s *Service) SetStatus(ctx context.Context, id string, next Status, reviewerID, note string) (*Review, error) {
	if !next.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, next)
	}

	if next == StatusApproved || next == StatusRejected {
		return nil, fmt.Errorf("%w: %s is set by bulk operations", ErrInvalidState, next)
	}

	if next == StatusCorrected {
		return nil, fmt.Errorf("%w: %s is set by Correct", ErrInvalidState, next)
	}

	r, err := s.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}

	if !statusTransitionAllowed(r.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, r.Status, next)
	}

	now := s.now()
	set := bson.M{
		"review_status": next,
		"updated_at":    now,
	}

	if reviewerID != "" {
		set["reviewer_id"] = reviewerID
	}

	if note != "" {
		set["notes"] = note
	}

	var updated Review
	if err := s.reviews.FindOneAndUpdate(ctx, bson.M{"_id": r.ID}, bson.M{"$set": set}, &updated); err != nil {
		return nil, err
	}

	return &updated, nil
}

// Correct moves a needs_correction review to corrected, recording the
// reviewer's field overrides. The corrections accumulate on the review and
// corrected_data holds the original record with every correction applied;
// approval promotes the corrected values into production.
func (s *Service) Correct(ctx context.Context, id, reviewerID string, corrections []Correction, note string) (*Review, error) {
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewer id is required", ErrValidation)
	}

	if len(corrections) == 0 {
		return nil, fmt.Errorf("%w: at least one correction is required", ErrValidation)
	}

	for i := range corrections {
		if corrections[i].Field == "" {
			return nil, fmt.Errorf("%w: correction %d has no field", ErrValidation, i)
		}
	}

	r, err := s.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}

	if !statusTransitionAllowed(r.Status, StatusCorrected) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, r.Status, StatusCorrected)
	}

	now := s.now()

	stamped := make([]Correction, len(corrections))
	for i, c := range corrections {
		c.CorrectedBy = reviewerID
		c.CorrectedAt = now

		if c.OriginalValue == nil && r.OriginalData != nil {
			c.OriginalValue = r.OriginalData[c.Field]
		}

		stamped[i] = c
	}

	set := bson.M{
		"review_status":  StatusCorrected,
		"reviewer_id":    reviewerID,
		"reviewed_at":    now,
		"updated_at":     now,
		"corrected_data": applyCorrections(r.OriginalData, append(r.Corrections, stamped...)),
	}

	if note != "" {
		set["notes"] = note
	}

	var updated Review
	err = s.reviews.FindOneAndUpdate(ctx, bson.M{"_id": r.ID}, bson.M{
		"$set":  set,
		"$push": bson.M{"corrections": bson.M{"$each": stamped}},
	}, &updated)
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// applyCorrections overlays corrections onto a copy of the original record.
// Later corrections to the same field win.
func applyCorrections(original map[string]any, corrections []Correction) map[string]any {
	out := make(map[string]any, len(original)+len(corrections))

	for k, v := range original {
		out[k] = v
	}

	for _, c := range corrections {
		out[c.Field] = c.CorrectedValue
	}

	return out
}

// correctionOverrides flattens a review's corrections into the field map
// the promotion pipeline applies to the production document.
func correctionOverrides(corrections []Correction) map[string]any {
	if len(corrections) == 0 {
		return nil
	}

	overrides := make(map[string]any, len(corrections))

	for _, c := range corrections {
		overrides[c.Field] = c.CorrectedValue
	}

	return overrides
}

// statusTransitionAllowed is the single-review state machine. Terminal
// states only leave via Revert.
func statusTransitionAllowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusOnHold || to == StatusNeedsCorrection
	case StatusOnHold:
		return to == StatusPending || to == StatusNeedsCorrection
	case StatusNeedsCorrection:
		return to == StatusCorrected || to == StatusPending
	case StatusCorrected:
		return to == StatusPending
	default:
		return false
	}
}

// seedConfidenceSignals copies recognized per-record confidence fields
// onto a new review document.
func seedConfidenceSignals(doc bson.M, record map[string]any) {
	if v, ok := toFloat(record["confidence"]); ok {
		doc["confidence"] = v
	}

	if v, ok := toFloat(record["ocr_confidence"]); ok {
		doc["ocr_confidence"] = v
	}

	if v, ok := toFloat(record["ai_confidence"]); ok {
		doc["ai_confidence"] = v
	}

	if v, ok := record["needs_number_review"].(bool); ok && v {
		doc["needs_number_review"] = true
	}

	if nums, ok := record["uncertain_numbers"]; ok {
		if list := toStringSlice(nums); len(list) > 0 {
			doc["uncertain_numbers"] = list
		}
	}

	if h, ok := record["_highlights"]; ok && h != nil {
		doc["highlights"] = h
	}
}

// toFloat accepts the numeric shapes a decoded document can carry.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toStringSlice keeps the string members of a decoded array.
func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct
		}

		return nil
	}

	out := make([]string, 0, len(items))

	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// reviewFilterDoc builds the query document for a review filter.
func reviewFilterDoc(f Filter) bson.M {
	doc := bson.M{}

	if f.Status != nil {
		doc["review_status"] = *f.Status
	}

	if f.SourceID != nil {
		doc["source_id"] = *f.SourceID
	}

	if f.CrawlResultID != nil {
		doc["crawl_result_id"] = *f.CrawlResultID
	}

	if f.ReviewerID != nil {
		doc["reviewer_id"] = *f.ReviewerID
	}

	return doc
}
