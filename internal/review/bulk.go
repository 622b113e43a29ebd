package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spindle-io/spindle/internal/storage"
)

// batchSize is how many reviews a bulk operation processes per store
// round-trip.
const batchSize = 100

// Filter resolution bounds for BulkApproveByFilter.
const (
	defaultFilterLimit = 1000
	maxFilterLimit     = 10000
)

type (
	// BulkOperationResult reports a bulk review outcome. Success + Failed
	// always equals Total.
	BulkOperationResult struct {
		Total     int      `bson:"total"                json:"total"`
		Success   int      `bson:"success"              json:"success"`
		Failed    int      `bson:"failed"               json:"failed"`
		FailedIDs []string `bson:"failed_ids,omitempty" json:"failed_ids,omitempty"`
		Errors    []string `bson:"errors,omitempty"     json:"errors,omitempty"`
	}

	// ApproveFilter selects pending reviews for filter-driven approval.
	ApproveFilter struct {
		SourceID      string
		ConfidenceMin *float64
		DateFrom      *time.Time
		DateTo        *time.Time
		Limit         int
	}

	// batchProgress is called after every processed batch. The async job
	// runner uses it to persist progress.
	batchProgress func(result *BulkOperationResult)
)

// fail records one per-id failure on the result.
func (r *BulkOperationResult) fail(id, reason string) {
	r.Failed++
	r.FailedIDs = append(r.FailedIDs, id)
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", id, reason))
}

// approvableStatuses are the review states bulk approval accepts: the
// pending queue plus corrected reviews awaiting final sign-off. A corrected
// review's corrections flow into the promoted production document.
var approvableStatuses = []Status{StatusPending, StatusCorrected}

// BulkApprove approves pending and corrected reviews and promotes their
// staging records, applying any recorded corrections. Invalid ids, missing
// or non-approvable reviews, and failed promotions count as per-id
// failures; the operation never aborts mid-list. Reviews without a staging
// record approve without promotion (the legacy data path).
func (s *Service) BulkApprove(ctx context.Context, ids []string, reviewerID, comment string) (*BulkOperationResult, error) {
	return s.bulkApprove(ctx, ids, reviewerID, comment, nil)
}

// BulkReject rejects pending reviews with a reason and stamps their
// staging records rejected.
func (s *Service) BulkReject(ctx context.Context, ids []string, reviewerID, reason, comment string) (*BulkOperationResult, error) {
	return s.bulkReject(ctx, ids, reviewerID, reason, comment, nil)
}

// BulkApproveByFilter resolves approvable review ids by filter, capped at
// the filter limit, and approves them. Chunking happens once, inside the
// approve path.
func (s *Service) BulkApproveByFilter(ctx context.Context, f ApproveFilter, reviewerID string) (*BulkOperationResult, error) {
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewer id is required", ErrValidation)
	}

	query := bson.M{"review_status": bson.M{"$in": approvableStatuses}}

	if f.SourceID != "" {
		sourceID, err := storage.ParseID(f.SourceID)
		if err != nil {
			return nil, err
		}

		query["source_id"] = sourceID
	}

	if f.ConfidenceMin != nil {
		query["confidence"] = bson.M{"$gte": *f.ConfidenceMin}
	}

	if f.DateFrom != nil || f.DateTo != nil {
		span := bson.M{}

		if f.DateFrom != nil {
			span["$gte"] = *f.DateFrom
		}

		if f.DateTo != nil {
			span["$lte"] = *f.DateTo
		}

		query["created_at"] = span
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultFilterLimit
	}

	if limit > maxFilterLimit {
		limit = maxFilterLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})

	var rows []struct {
		ID storage.ID `bson:"_id"`
	}

	if err := s.reviews.Find(ctx, query, &rows, opts); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID.Hex())
	}

	s.logger.Info("bulk approve by filter resolved",
		slog.Int("matched", len(ids)),
		slog.String("reviewer_id", reviewerID),
	)

	return s.BulkApprove(ctx, ids, reviewerID, "")
}

// bulkApprove is the batch engine behind BulkApprove; progress, when
// non-nil, runs after every batch.
func (s *Service) bulkApprove(ctx context.Context, ids []string, reviewerID, comment string, progress batchProgress) (*BulkOperationResult, error) {
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewer id is required", ErrValidation)
	}

	result := &BulkOperationResult{Total: len(ids)}

	oids, invalid := storage.ParseIDs(ids)
	for _, bad := range invalid {
		result.fail(bad, "invalid review id")
	}

	var lastDone *Review

	for start := 0; start < len(oids); start += batchSize {
		end := min(start+batchSize, len(oids))
		batch := oids[start:end]

		done, err := s.approveBatch(ctx, batch, reviewerID, comment, result)
		if err != nil {
			return result, err
		}

		if done != nil {
			lastDone = done
		}

		if progress != nil {
			progress(result)
		}
	}

	if lastDone != nil {
		s.updateBookmark(ctx, reviewerID, lastDone)
	}

	s.logger.Info("bulk approve finished",
		slog.Int("total", result.Total),
		slog.Int("success", result.Success),
		slog.Int("failed", result.Failed),
		slog.String("reviewer_id", reviewerID),
	)

	return result, nil
}

// approveBatch approves one id batch: a single atomic status flip for the
// still-approvable reviews, then promotion per review with a staging
// record, passing the review's corrections through to the production
// document. Returns the last successfully approved review for bookmark
// upkeep.
func (s *Service) approveBatch(
	ctx context.Context,
	batch []storage.ID,
	reviewerID, comment string,
	result *BulkOperationResult,
) (*Review, error) {
	var approvable []Review

	filter := bson.M{"_id": bson.M{"$in": batch}, "review_status": bson.M{"$in": approvableStatuses}}
	if err := s.reviews.Find(ctx, filter, &approvable); err != nil {
		return nil, err
	}

	byID := make(map[storage.ID]*Review, len(approvable))
	approvableIDs := make([]storage.ID, 0, len(approvable))

	for i := range approvable {
		byID[approvable[i].ID] = &approvable[i]
		approvableIDs = append(approvableIDs, approvable[i].ID)
	}

	for _, id := range batch {
		if _, ok := byID[id]; !ok {
			result.fail(id.Hex(), "not found or not approvable")
		}
	}

	if len(approvableIDs) == 0 {
		return nil, nil
	}

	now := s.now()
	set := bson.M{
		"review_status": StatusApproved,
		"reviewer_id":   reviewerID,
		"reviewed_at":   now,
		"updated_at":    now,
	}

	if comment != "" {
		set["notes"] = comment
	}

	// Atomic flip: a review grabbed by a concurrent bulk operation is no
	// longer approvable and silently drops out here.
	if _, err := s.reviews.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": approvableIDs}, "review_status": bson.M{"$in": approvableStatuses}},
		bson.M{"$set": set},
	); err != nil {
		return nil, err
	}

	var lastDone *Review

	for _, id := range approvableIDs {
		r := byID[id]

		if r.StagingID == nil {
			result.Success++

			lastDone = r

			continue
		}

		productionID, err := s.promoter.Promote(ctx, *r.StagingID, reviewerID, correctionOverrides(r.Corrections))
		if err != nil {
			result.fail(id.Hex(), fmt.Sprintf("promotion failed: %v", err))
			s.resetAfterFailedPromotion(ctx, id, r.Status)

			continue
		}

		if _, err := s.reviews.UpdateByID(ctx, id, bson.M{"$set": bson.M{
			"production_id": productionID,
			"promoted_at":   now,
			"updated_at":    now,
		}}); err != nil {
			return nil, err
		}

		result.Success++

		lastDone = r
	}

	return lastDone, nil
}

// bulkReject is the batch engine behind BulkReject; progress, when
// non-nil, runs after every batch.
func (s *Service) bulkReject(ctx context.Context, ids []string, reviewerID, reason, comment string, progress batchProgress) (*BulkOperationResult, error) {
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewer id is required", ErrValidation)
	}

	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	result := &BulkOperationResult{Total: len(ids)}

	oids, invalid := storage.ParseIDs(ids)
	for _, bad := range invalid {
		result.fail(bad, "invalid review id")
	}

	var lastDone *Review

	for start := 0; start < len(oids); start += batchSize {
		end := min(start+batchSize, len(oids))
		batch := oids[start:end]

		done, err := s.rejectBatch(ctx, batch, reviewerID, reason, comment, result)
		if err != nil {
			return result, err
		}

		if done != nil {
			lastDone = done
		}

		if progress != nil {
			progress(result)
		}
	}

	if lastDone != nil {
		s.updateBookmark(ctx, reviewerID, lastDone)
	}

	s.logger.Info("bulk reject finished",
		slog.Int("total", result.Total),
		slog.Int("success", result.Success),
		slog.Int("failed", result.Failed),
		slog.String("reviewer_id", reviewerID),
	)

	return result, nil
}

// rejectBatch rejects one id batch: atomic status flip, then staging
// records stamped rejected. A staging record that is already gone counts
// as success; the review itself is what gates the data.
func (s *Service) rejectBatch(
	ctx context.Context,
	batch []storage.ID,
	reviewerID, reason, comment string,
	result *BulkOperationResult,
) (*Review, error) {
	var pending []Review

	filter := bson.M{"_id": bson.M{"$in": batch}, "review_status": StatusPending}
	if err := s.reviews.Find(ctx, filter, &pending); err != nil {
		return nil, err
	}

	byID := make(map[storage.ID]*Review, len(pending))
	pendingIDs := make([]storage.ID, 0, len(pending))

	for i := range pending {
		byID[pending[i].ID] = &pending[i]
		pendingIDs = append(pendingIDs, pending[i].ID)
	}

	for _, id := range batch {
		if _, ok := byID[id]; !ok {
			result.fail(id.Hex(), "not found or not pending")
		}
	}

	if len(pendingIDs) == 0 {
		return nil, nil
	}

	now := s.now()
	set := bson.M{
		"review_status":    StatusRejected,
		"rejection_reason": reason,
		"reviewer_id":      reviewerID,
		"reviewed_at":      now,
		"updated_at":       now,
	}

	if comment != "" {
		set["notes"] = comment
	}

	if _, err := s.reviews.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": pendingIDs}, "review_status": StatusPending},
		bson.M{"$set": set},
	); err != nil {
		return nil, err
	}

	var lastDone *Review

	for _, id := range pendingIDs {
		r := byID[id]

		if r.StagingID != nil {
			err := s.promoter.MarkRejected(ctx, *r.StagingID, reviewerID, reason)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				result.fail(id.Hex(), fmt.Sprintf("staging rejection failed: %v", err))

				continue
			}
		}

		result.Success++

		lastDone = r
	}

	return lastDone, nil
}

// resetAfterFailedPromotion is the compensating step for a failed
// promotion: the review goes back to its pre-approval status instead of
// sitting approved with no production record. Recorded corrections stay on
// the review for the retry.
func (s *Service) resetAfterFailedPromotion(ctx context.Context, id storage.ID, prev Status) {
	_, err := s.reviews.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{"review_status": prev, "updated_at": s.now()},
		"$unset": bson.M{
			"reviewer_id": "",
			"reviewed_at": "",
		},
	})
	if err != nil {
		s.logger.Error("failed to reset review after promotion failure",
			slog.String("review_id", id.Hex()),
			slog.Any("error", err),
		)
	}
}
