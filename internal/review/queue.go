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

// QueueDirection is which way Next walks the pending queue.
type QueueDirection string

// Queue walk directions.
const (
	DirectionForward  QueueDirection = "forward"
	DirectionBackward QueueDirection = "backward"
)

type (
	// bookmark is one reviewer's position in the queue, updated whenever
	// they complete a review.
	bookmark struct {
		ID             storage.ID `bson:"_id,omitempty"`
		ReviewerID     string     `bson:"reviewer_id"`
		LastReviewID   storage.ID `bson:"last_review_id"`
		LastReviewedAt time.Time  `bson:"last_reviewed_at"`
		UpdatedAt      time.Time  `bson:"updated_at"`
	}

	// NextResult carries the next review to work on. Fallback is set when
	// a backward walk ran out of pending reviews and returned the most
	// recently completed one for context instead.
	NextResult struct {
		Review   *Review `json:"review"`
		Fallback bool    `json:"fallback"`
	}

	// ResumeInfo summarizes where a reviewer left off.
	ResumeInfo struct {
		HasBookmark            bool       `json:"has_bookmark"`
		LastReviewID           string     `json:"last_review_id,omitempty"`
		LastReviewedAt         *time.Time `json:"last_reviewed_at,omitempty"`
		RemainingAfterBookmark int64      `json:"remaining_after_bookmark"`
		TotalPending           int64      `json:"total_pending"`
	}

	// NextRequest parameterizes a queue walk. CurrentID and SourceID are
	// optional; an empty CurrentID resolves from the reviewer's bookmark.
	NextRequest struct {
		ReviewerID string
		CurrentID  string
		SourceID   string
		Direction  QueueDirection
	}
)

// Next returns the adjacent pending review by created_at order. Without
// an anchor (no current id and no bookmark) it returns the oldest pending
// review. A backward walk that finds no pending predecessor falls back to
// the reviewer's most recently completed review so they can see where
// they stopped.
func (s *Service) Next(ctx context.Context, req NextRequest) (*NextResult, error) {
	if req.Direction == "" {
		req.Direction = DirectionForward
	}

	if req.Direction != DirectionForward && req.Direction != DirectionBackward {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrValidation, req.Direction)
	}

	scope := bson.M{}

	if req.SourceID != "" {
		sourceID, err := storage.ParseID(req.SourceID)
		if err != nil {
			return nil, err
		}

		scope["source_id"] = sourceID
	}

	anchor, err := s.resolveAnchor(ctx, req)
	if err != nil {
		return nil, err
	}

	if anchor == nil {
		r, err := s.findPendingEdge(ctx, scope)
		if err != nil {
			return nil, err
		}

		return &NextResult{Review: r}, nil
	}

	filter := bson.M{"review_status": StatusPending}
	for k, v := range scope {
		filter[k] = v
	}

	var sort bson.D

	if req.Direction == DirectionForward {
		filter["created_at"] = bson.M{"$gt": anchor.CreatedAt}
		sort = bson.D{{Key: "created_at", Value: 1}}
	} else {
		filter["created_at"] = bson.M{"$lt": anchor.CreatedAt}
		sort = bson.D{{Key: "created_at", Value: -1}}
	}

	var next Review

	err = s.reviews.FindOne(ctx, filter, &next, options.FindOne().SetSort(sort))
	if err == nil {
		return &NextResult{Review: &next}, nil
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if req.Direction == DirectionForward {
		return &NextResult{}, nil
	}

	return s.backwardFallback(ctx, scope)
}

// GetResumeInfo reports the reviewer's bookmark and how much of the queue
// remains past it.
func (s *Service) GetResumeInfo(ctx context.Context, reviewerID string) (*ResumeInfo, error) {
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewer id is required", ErrValidation)
	}

	total, err := s.reviews.CountDocuments(ctx, bson.M{"review_status": StatusPending})
	if err != nil {
		return nil, err
	}

	info := &ResumeInfo{
		TotalPending:           total,
		RemainingAfterBookmark: total,
	}

	var bm bookmark

	err = s.bookmarks.FindOne(ctx, bson.M{"reviewer_id": reviewerID}, &bm)
	if errors.Is(err, storage.ErrNotFound) {
		return info, nil
	}

	if err != nil {
		return nil, err
	}

	info.HasBookmark = true
	info.LastReviewID = bm.LastReviewID.Hex()
	info.LastReviewedAt = &bm.LastReviewedAt

	var last Review

	err = s.reviews.FindOne(ctx, bson.M{"_id": bm.LastReviewID}, &last)
	if errors.Is(err, storage.ErrNotFound) {
		// Bookmarked review deleted: every pending review is ahead.
		return info, nil
	}

	if err != nil {
		return nil, err
	}

	remaining, err := s.reviews.CountDocuments(ctx, bson.M{
		"review_status": StatusPending,
		"created_at":    bson.M{"$gt": last.CreatedAt},
	})
	if err != nil {
		return nil, err
	}

	info.RemainingAfterBookmark = remaining

	return info, nil
}

// resolveAnchor loads the review the walk starts from: the explicit
// current id when given, otherwise the reviewer's bookmark, otherwise
// nil.
func (s *Service) resolveAnchor(ctx context.Context, req NextRequest) (*Review, error) {
	if req.CurrentID != "" {
		return s.GetReview(ctx, req.CurrentID)
	}

	if req.ReviewerID == "" {
		return nil, nil
	}

	var bm bookmark

	err := s.bookmarks.FindOne(ctx, bson.M{"reviewer_id": req.ReviewerID}, &bm)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var anchor Review

	err = s.reviews.FindOne(ctx, bson.M{"_id": bm.LastReviewID}, &anchor)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &anchor, nil
}

// findPendingEdge returns the oldest pending review in scope, or nil when
// the queue is empty.
func (s *Service) findPendingEdge(ctx context.Context, scope bson.M) (*Review, error) {
	filter := bson.M{"review_status": StatusPending}
	for k, v := range scope {
		filter[k] = v
	}

	var r Review

	err := s.reviews.FindOne(ctx, filter, &r,
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &r, nil
}

// backwardFallback returns the most recently completed review for context
// when the backward walk runs out of pending work.
func (s *Service) backwardFallback(ctx context.Context, scope bson.M) (*NextResult, error) {
	filter := bson.M{"review_status": bson.M{"$in": completedStatuses}}
	for k, v := range scope {
		filter[k] = v
	}

	var r Review

	err := s.reviews.FindOne(ctx, filter, &r,
		options.FindOne().SetSort(bson.D{{Key: "reviewed_at", Value: -1}}))
	if errors.Is(err, storage.ErrNotFound) {
		return &NextResult{}, nil
	}

	if err != nil {
		return nil, err
	}

	return &NextResult{Review: &r, Fallback: true}, nil
}

// updateBookmark moves the reviewer's queue position to the given review.
// Bookmark loss is tolerable, so failures only log.
func (s *Service) updateBookmark(ctx context.Context, reviewerID string, r *Review) {
	now := s.now()

	_, err := s.bookmarks.Upsert(ctx,
		bson.M{"reviewer_id": reviewerID},
		bson.M{"$set": bson.M{
			"last_review_id":   r.ID,
			"last_reviewed_at": now,
			"updated_at":       now,
		}},
	)
	if err != nil {
		s.logger.Warn("bookmark update failed",
			slog.String("reviewer_id", reviewerID),
			slog.Any("error", err),
		)
	}
}
