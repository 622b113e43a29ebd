package review

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/spindle-io/spindle/internal/breaker"
	"github.com/spindle-io/spindle/internal/config"
	"github.com/spindle-io/spindle/internal/promotion"
	"github.com/spindle-io/spindle/internal/storage"
)

// reviewHarness bundles everything a review integration test touches.
type reviewHarness struct {
	svc      *Service
	store    *storage.Store
	promoter *promotion.Promoter
	conn     *storage.Connection
	sourceID storage.ID
	advance  func(time.Duration)
}

// setupReview provisions a migrated MongoDB container, a promoter with the
// default collection map, and a review service with a fast job poll and a
// controllable clock.
func setupReview(ctx context.Context, t *testing.T) *reviewHarness {
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

	promoter := promotion.New(conn, nil, logger)
	t.Cleanup(promoter.Close)

	// The job worker reads the clock concurrently with test advances.
	var mu sync.Mutex

	current := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		current = current.Add(d)
		mu.Unlock()
	}

	svc := New(conn, promoter, logger,
		WithClock(clock),
		WithJobPollInterval(100*time.Millisecond),
	)
	t.Cleanup(svc.Close)

	sourceID, err := store.CreateSource(ctx, &storage.Source{
		Name: "business daily news",
		URL:  "https://news.example.com",
		Type: storage.SourceTypeHTML,
	})
	require.NoError(t, err, "Failed to create source")

	return &reviewHarness{
		svc:      svc,
		store:    store,
		promoter: promoter,
		conn:     conn,
		sourceID: sourceID,
		advance:  advance,
	}
}

// seedCrawl completes one crawl result with the given records, stages each
// record under the news type, and seeds the reviews. Returns the crawl
// result id and the seeded reviews in record order.
func (h *reviewHarness) seedCrawl(ctx context.Context, t *testing.T, records []map[string]any) (storage.ID, []Review) {
	t.Helper()

	resultID, err := h.store.CreateCrawlResult(ctx, &storage.CrawlResult{
		SourceID: h.sourceID,
		RunID:    fmt.Sprintf("run-%s", storage.NewID().Hex()),
	})
	require.NoError(t, err, "Failed to create crawl result")

	_, err = h.store.CompleteCrawlResult(ctx, resultID, storage.CrawlStatusSuccess, storage.ResultCompletion{
		RecordCount: len(records),
		Data:        records,
	})
	require.NoError(t, err, "Failed to complete crawl result")

	for i, record := range records {
		_, err := h.promoter.SaveToStaging(ctx, record, h.sourceID, resultID, i, promotion.TypeNews)
		require.NoError(t, err, "Failed to stage record %d", i)
	}

	created, err := h.svc.CreateReviewsFromCrawlResult(ctx, resultID.Hex())
	require.NoError(t, err, "Failed to seed reviews")
	require.Equal(t, len(records), created, "one review per record")

	crawlID := resultID
	reviews, err := h.svc.ListReviews(ctx, Filter{CrawlResultID: &crawlID}, storage.Pagination{})
	require.NoError(t, err)
	require.Len(t, reviews, len(records))

	return resultID, reviews
}

// TestReviewSeedingAndStatus covers seeding from a crawl result and the
// single-review status machine.
func TestReviewSeedingAndStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupReview(ctx, t)

	resultID, reviews := h.seedCrawl(ctx, t, []map[string]any{
		{"title": "Rates climb", "confidence": 0.93},
		{"title": "Merger talks", "confidence": 0.41, "needs_number_review": true, "uncertain_numbers": []any{"7,000"}},
	})

	// Staging linkage, the original record, and confidence signals land on
	// the reviews.
	first := reviews[0]
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, 0, first.DataRecordIndex)
	assert.Equal(t, "Rates climb", first.OriginalData["title"])
	require.NotNil(t, first.StagingID, "staged records link their review")
	assert.Equal(t, "staging_news", first.StagingCollection)
	require.NotNil(t, first.Confidence)
	assert.InDelta(t, 0.93, *first.Confidence, 0.001)

	second := reviews[1]
	assert.True(t, second.NeedsNumberReview)
	assert.Equal(t, []string{"7,000"}, second.UncertainNumbers)

	// Re-seeding the same crawl result inserts nothing.
	created, err := h.svc.CreateReviewsFromCrawlResult(ctx, resultID.Hex())
	require.NoError(t, err)
	assert.Zero(t, created, "seeding is idempotent per (crawl_result, record)")

	// pending -> on_hold -> pending round trip.
	held, err := h.svc.SetStatus(ctx, first.ID.Hex(), StatusOnHold, "alice", "needs a second look")
	require.NoError(t, err)
	assert.Equal(t, StatusOnHold, held.Status)
	assert.Equal(t, "alice", held.ReviewerID)
	assert.Equal(t, "needs a second look", held.Notes)

	back, err := h.svc.SetStatus(ctx, first.ID.Hex(), StatusPending, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, back.Status)

	// needs_correction -> corrected records the overrides and stamps
	// reviewed_at.
	_, err = h.svc.SetStatus(ctx, second.ID.Hex(), StatusNeedsCorrection, "alice", "number is garbled")
	require.NoError(t, err)

	corrected, err := h.svc.Correct(ctx, second.ID.Hex(), "alice",
		[]Correction{{Field: "title", CorrectedValue: "Merger talks resume"}}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCorrected, corrected.Status)
	require.NotNil(t, corrected.ReviewedAt)
	require.Len(t, corrected.Corrections, 1)
	assert.Equal(t, "title", corrected.Corrections[0].Field)
	assert.Equal(t, "alice", corrected.Corrections[0].CorrectedBy)
	assert.Equal(t, "Merger talks", corrected.Corrections[0].OriginalValue)
	assert.Equal(t, "Merger talks resume", corrected.CorrectedData["title"])
	assert.Equal(t, "Merger talks", corrected.OriginalData["title"], "original record is untouched")

	// Corrections require a correctable review and at least one field.
	_, err = h.svc.Correct(ctx, first.ID.Hex(), "alice",
		[]Correction{{Field: "title", CorrectedValue: "x"}}, "")
	assert.ErrorIs(t, err, ErrInvalidState, "pending cannot jump straight to corrected")

	_, err = h.svc.Correct(ctx, second.ID.Hex(), "alice", nil, "")
	assert.ErrorIs(t, err, ErrValidation)

	// Approval, rejection and correction are not SetStatus hops.
	_, err = h.svc.SetStatus(ctx, first.ID.Hex(), StatusApproved, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.SetStatus(ctx, first.ID.Hex(), StatusCorrected, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidState, "corrected is set by Correct")

	_, err = h.svc.SetStatus(ctx, first.ID.Hex(), Status("done"), "alice", "")
	assert.ErrorIs(t, err, ErrValidation)
}

// TestBulkApproveAndRevert walks a record through approve -> promote ->
// revert -> rollback.
func TestBulkApproveAndRevert(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupReview(ctx, t)

	_, reviews := h.seedCrawl(ctx, t, []map[string]any{
		{"title": "Quarterly results", "confidence": 0.91},
		{"title": "Board reshuffle", "confidence": 0.88},
	})

	ids := []string{reviews[0].ID.Hex(), reviews[1].ID.Hex()}
	bogus := storage.NewID().Hex()

	result, err := h.svc.BulkApprove(ctx, append(ids, bogus, "not-a-hex-id"), "alice", "looks clean")
	require.NoError(t, err)
	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 2, result.Failed)
	assert.Contains(t, result.FailedIDs, bogus)
	assert.Contains(t, result.FailedIDs, "not-a-hex-id")

	// The review carries the promotion outcome.
	approved, err := h.svc.GetReview(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "alice", approved.ReviewerID)
	require.NotNil(t, approved.ProductionID)
	require.NotNil(t, approved.PromotedAt)

	// Staging is marked promoted and production holds the record.
	var staged bson.M
	require.NoError(t, h.conn.Collection("staging_news").FindOne(ctx, bson.M{"_id": *approved.StagingID}, &staged))
	assert.Equal(t, promotion.StatusPromoted, staged["_review_status"])

	prodCount, err := h.conn.Collection("news_articles").CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, prodCount)

	// Approving again fails per id: nothing is pending anymore.
	again, err := h.svc.BulkApprove(ctx, ids, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Failed)

	// Revert pulls the record back out of production.
	reverted, err := h.svc.Revert(ctx, ids[0], "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reverted.Status)
	assert.Nil(t, reverted.ProductionID)
	assert.Empty(t, reverted.ReviewerID)
	require.Len(t, reverted.RevertHistory, 1)
	assert.Equal(t, StatusApproved, reverted.RevertHistory[0].PreviousStatus)
	assert.Equal(t, "bob", reverted.RevertHistory[0].RevertedBy)
	assert.True(t, reverted.RevertHistory[0].HadPromotion)

	prodCount, err = h.conn.Collection("news_articles").CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, prodCount, "rollback removed the production doc")

	require.NoError(t, h.conn.Collection("staging_news").FindOne(ctx, bson.M{"_id": *approved.StagingID}, &staged))
	assert.Equal(t, promotion.StatusRolledBack, staged["_review_status"])

	auditCount, err := h.conn.Collection(storage.CollAuditLog).
		CountDocuments(ctx, bson.M{"action": "review_revert", "review_id": reviews[0].ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, auditCount)

	// A pending review has nothing to revert.
	_, err = h.svc.Revert(ctx, ids[0], "bob")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.Revert(ctx, ids[1], "")
	assert.ErrorIs(t, err, ErrValidation)
}

// TestCorrectedReviewPromotesWithCorrections walks a garbled record through
// needs_correction -> corrected -> bulk approval and checks that the corrected
// value, not the crawled one, lands in production.
func TestCorrectedReviewPromotesWithCorrections(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupReview(ctx, t)

	_, reviews := h.seedCrawl(ctx, t, []map[string]any{
		{"title": "Quartrly revnue", "confidence": 0.44},
	})

	id := reviews[0].ID.Hex()

	_, err := h.svc.SetStatus(ctx, id, StatusNeedsCorrection, "alice", "garbled title")
	require.NoError(t, err)

	corrected, err := h.svc.Correct(ctx, id, "alice",
		[]Correction{{Field: "title", CorrectedValue: "Quarterly revenue"}}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCorrected, corrected.Status)
	assert.Equal(t, "Quarterly revenue", corrected.CorrectedData["title"])

	result, err := h.svc.BulkApprove(ctx, []string{id}, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Success)
	assert.Zero(t, result.Failed)

	approved, err := h.svc.GetReview(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ProductionID)
	require.NotNil(t, approved.PromotedAt)

	// Production carries the corrected value and is flagged as corrected.
	var prod bson.M
	require.NoError(t, h.conn.Collection("news_articles").FindOne(ctx, bson.M{"_id": *approved.ProductionID}, &prod))
	assert.Equal(t, "Quarterly revenue", prod["title"])
	assert.Equal(t, true, prod["_has_corrections"])
	assert.Equal(t, "alice", prod["_verified_by"])

	var staged bson.M
	require.NoError(t, h.conn.Collection("staging_news").FindOne(ctx, bson.M{"_id": *approved.StagingID}, &staged))
	assert.Equal(t, promotion.StatusPromoted, staged["_review_status"])

	// Lineage records that corrections were applied.
	var row promotion.LineageRow
	require.NoError(t, h.conn.Collection(storage.CollDataLineage).FindOne(ctx,
		bson.M{"target_id": *approved.ProductionID}, &row))
	assert.True(t, row.HasCorrections)
}

// TestBulkRejectAndFilterApprove covers rejection with staging stamping and
// the filter-driven approval path.
func TestBulkRejectAndFilterApprove(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupReview(ctx, t)

	_, reviews := h.seedCrawl(ctx, t, []map[string]any{
		{"title": "Duplicate story", "confidence": 0.97},
		{"title": "Garbled scan", "confidence": 0.32},
	})

	_, err := h.svc.BulkReject(ctx, []string{reviews[1].ID.Hex()}, "alice", "", "")
	assert.ErrorIs(t, err, ErrValidation, "rejection requires a reason")

	result, err := h.svc.BulkReject(ctx, []string{reviews[1].ID.Hex()}, "alice", "unreadable numbers", "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Success)

	rejected, err := h.svc.GetReview(ctx, reviews[1].ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "unreadable numbers", rejected.RejectionReason)

	var staged bson.M
	require.NoError(t, h.conn.Collection("staging_news").FindOne(ctx, bson.M{"_id": *rejected.StagingID}, &staged))
	assert.Equal(t, promotion.StatusRejected, staged["_review_status"])

	// Filter approval only reaches the still-pending high-confidence review.
	confidenceMin := 0.9
	filtered, err := h.svc.BulkApproveByFilter(ctx, ApproveFilter{
		SourceID:      h.sourceID.Hex(),
		ConfidenceMin: &confidenceMin,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, filtered.Total)
	assert.Equal(t, 1, filtered.Success)

	approved, err := h.svc.GetReview(ctx, reviews[0].ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)

	_, err = h.svc.BulkApproveByFilter(ctx, ApproveFilter{}, "")
	assert.ErrorIs(t, err, ErrValidation)
}

// TestQueueNavigation drives Next and GetResumeInfo across three reviews
// seeded at distinct times.
func TestQueueNavigation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupReview(ctx, t)

	var ids []string

	for i := 0; i < 3; i++ {
		_, reviews := h.seedCrawl(ctx, t, []map[string]any{
			{"title": fmt.Sprintf("story %d", i)},
		})
		ids = append(ids, reviews[0].ID.Hex())
		h.advance(time.Minute)
	}

	// No anchor: the oldest pending review.
	next, err := h.svc.Next(ctx, NextRequest{})
	require.NoError(t, err)
	require.NotNil(t, next.Review)
	assert.Equal(t, ids[0], next.Review.ID.Hex())
	assert.False(t, next.Fallback)

	// Forward from an explicit current id.
	next, err = h.svc.Next(ctx, NextRequest{CurrentID: ids[0], Direction: DirectionForward})
	require.NoError(t, err)
	require.NotNil(t, next.Review)
	assert.Equal(t, ids[1], next.Review.ID.Hex())

	// Approvals move the reviewer's bookmark; Next resumes past it.
	_, err = h.svc.BulkApprove(ctx, ids[:2], "alice", "")
	require.NoError(t, err)

	next, err = h.svc.Next(ctx, NextRequest{ReviewerID: "alice"})
	require.NoError(t, err)
	require.NotNil(t, next.Review)
	assert.Equal(t, ids[2], next.Review.ID.Hex(), "bookmark anchors the walk")

	info, err := h.svc.GetResumeInfo(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, info.HasBookmark)
	assert.Equal(t, ids[1], info.LastReviewID)
	assert.EqualValues(t, 1, info.TotalPending)
	assert.EqualValues(t, 1, info.RemainingAfterBookmark)

	// Backward from the last pending review: its predecessors are approved,
	// so the walk falls back to the most recently completed one.
	next, err = h.svc.Next(ctx, NextRequest{CurrentID: ids[2], Direction: DirectionBackward})
	require.NoError(t, err)
	require.NotNil(t, next.Review)
	assert.True(t, next.Fallback)
	assert.Equal(t, StatusApproved, next.Review.Status)

	// Forward past the end of the queue.
	next, err = h.svc.Next(ctx, NextRequest{CurrentID: ids[2], Direction: DirectionForward})
	require.NoError(t, err)
	assert.Nil(t, next.Review)

	_, err = h.svc.Next(ctx, NextRequest{Direction: QueueDirection("sideways")})
	assert.ErrorIs(t, err, ErrValidation)

	// A reviewer without history has no bookmark and the full queue ahead.
	info, err = h.svc.GetResumeInfo(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, info.HasBookmark)
	assert.EqualValues(t, 1, info.TotalPending)
	assert.EqualValues(t, 1, info.RemainingAfterBookmark)
}

// TestAsyncBulkJobs queues a bulk approval and waits for the worker to
// finish it.
func TestAsyncBulkJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupReview(ctx, t)

	_, reviews := h.seedCrawl(ctx, t, []map[string]any{
		{"title": "Index rallies"},
		{"title": "Currency slides"},
	})

	ids := []string{reviews[0].ID.Hex(), reviews[1].ID.Hex()}

	jobID, err := h.svc.EnqueueBulkApprove(ctx, ids, "alice", "batch pass")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	// Queued jobs report immediately, before the worker claims them.
	job, err := h.svc.GetBulkJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobBulkApprove, job.Operation)
	assert.Equal(t, 2, job.Total)

	require.Eventually(t, func() bool {
		job, err = h.svc.GetBulkJobStatus(ctx, jobID)

		return err == nil && job.Status == JobCompleted
	}, 15*time.Second, 100*time.Millisecond, "job should complete")

	assert.Equal(t, 2, job.Processed)
	assert.Equal(t, 2, job.Success)
	assert.Zero(t, job.Failed)
	require.NotNil(t, job.Result)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	approved, err := h.svc.GetReview(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ProductionID)

	// Enqueue validation.
	_, err = h.svc.EnqueueBulkApprove(ctx, nil, "alice", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.EnqueueBulkApprove(ctx, ids, "", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.EnqueueBulkReject(ctx, ids, "alice", "", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.GetBulkJobStatus(ctx, "no-such-job")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
