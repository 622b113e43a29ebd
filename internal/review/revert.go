package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/spindle-io/spindle/internal/storage"
)

// revertRollbackReason is stamped on rolled-back production records when a
// reviewer reverts an approval.
const revertRollbackReason = "review reverted"

// Revert returns a non-pending review to the queue. An approved review that
// was promoted gets its production record rolled back first; a production
// record already gone (swept or rolled back out of band) is tolerated. The
// review keeps a revert_history entry and the action lands in the audit log.
func (s *Service) Revert(ctx context.Context, id, revertedBy string) (*Review, error) {
	if revertedBy == "" {
		return nil, fmt.Errorf("%w: reverted_by is required", ErrValidation)
	}

	r, err := s.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.Status == StatusPending {
		return nil, fmt.Errorf("%w: review %s is already pending", ErrInvalidState, id)
	}

	hadPromotion := r.ProductionID != nil

	if hadPromotion {
		err := s.promoter.Rollback(ctx, *r.ProductionID, revertRollbackReason, revertedBy)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("rollback promotion: %w", err)
		}

		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("reverting review whose production record is already gone",
				slog.String("review_id", id),
				slog.String("production_id", r.ProductionID.Hex()),
			)
		}
	}

	now := s.now()
	entry := RevertEntry{
		PreviousStatus: r.Status,
		RevertedBy:     revertedBy,
		RevertedAt:     now,
		HadPromotion:   hadPromotion,
	}

	var updated Review

	err = s.reviews.FindOneAndUpdate(ctx,
		bson.M{"_id": r.ID},
		bson.M{
			"$set": bson.M{
				"review_status": StatusPending,
				"updated_at":    now,
			},
			"$unset": bson.M{
				"reviewer_id":      "",
				"reviewed_at":      "",
				"production_id":    "",
				"promoted_at":      "",
				"rejection_reason": "",
			},
			"$push": bson.M{"revert_history": entry},
		},
		&updated,
	)
	if err != nil {
		return nil, err
	}

	s.auditRevert(ctx, &updated, entry)

	s.logger.Info("review reverted",
		slog.String("review_id", id),
		slog.String("previous_status", string(entry.PreviousStatus)),
		slog.Bool("had_promotion", hadPromotion),
		slog.String("reverted_by", revertedBy),
	)

	return &updated, nil
}

// auditRevert appends the revert to the audit log. The revert itself has
// already happened, so audit failures only log.
func (s *Service) auditRevert(ctx context.Context, r *Review, entry RevertEntry) {
	_, err := s.audit.InsertOne(ctx, bson.M{
		"action":    "review_revert",
		"review_id": r.ID,
		"actor":     entry.RevertedBy,
		"details": bson.M{
			"previous_status": entry.PreviousStatus,
			"had_promotion":   entry.HadPromotion,
			"source_id":       r.SourceID,
			"crawl_result_id": r.CrawlResultID,
		},
		"created_at": entry.RevertedAt,
	})
	if err != nil {
		s.logger.Error("audit log write failed",
			slog.String("review_id", r.ID.Hex()),
			slog.Any("error", err),
		)
	}
}
