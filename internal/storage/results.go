package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ResultCompletion carries the terminal fields of a finishing run.
type ResultCompletion struct {
	RecordCount         int
	ExecutionTimeMillis int64
	ErrorCode           string
	ErrorMessage        string
	Data                []map[string]any
}

// CreateCrawlResult opens a new run record in running state.
func (s *Store) CreateCrawlResult(ctx context.Context, result *CrawlResult) (ID, error) {
	if result.SourceID.IsZero() {
		return NilID, fmt.Errorf("%w: crawl result requires a source id", ErrOperation)
	}

	if result.RunID == "" {
		return NilID, fmt.Errorf("%w: crawl result requires a run id", ErrOperation)
	}

	result.ID = NewID()
	result.Status = CrawlStatusRunning

	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = time.Now().UTC()
	}

	return s.crawlResults.InsertOne(ctx, result)
}

// CompleteCrawlResult finalizes a running result. Results are immutable
// after completion: a second completion matches nothing and returns false.
func (s *Store) CompleteCrawlResult(ctx context.Context, id ID, status CrawlStatus, completion ResultCompletion) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %q is not a terminal status", ErrOperation, status)
	}

	set := bson.M{
		"status":            status,
		"record_count":      completion.RecordCount,
		"execution_time_ms": completion.ExecutionTimeMillis,
	}

	if completion.ErrorCode != "" {
		set["error_code"] = completion.ErrorCode
	}

	if completion.ErrorMessage != "" {
		set["error_message"] = completion.ErrorMessage
	}

	if completion.Data != nil {
		set["data"] = completion.Data
	}

	filter := bson.M{"_id": id, "status": CrawlStatusRunning}

	matched, err := s.crawlResults.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, err
	}

	if matched == 0 {
		s.logger.Warn("completion ignored for non-running crawl result",
			slog.String("crawl_result_id", id.Hex()),
			slog.String("status", string(status)),
		)
	}

	return matched > 0, nil
}

// GetCrawlResult loads one run record by id string.
func (s *Store) GetCrawlResult(ctx context.Context, id string) (*CrawlResult, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	var result CrawlResult
	if err := s.crawlResults.FindOne(ctx, idFilter(oid), &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// GetCrawlResultByRunID loads the run record carrying the external run id.
func (s *Store) GetCrawlResultByRunID(ctx context.Context, runID string) (*CrawlResult, error) {
	var result CrawlResult
	if err := s.crawlResults.FindOne(ctx, bson.M{"run_id": runID}, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// ListCrawlResults returns run records matching the filter, newest first.
func (s *Store) ListCrawlResults(ctx context.Context, filter CrawlResultFilter, page Pagination) ([]CrawlResult, error) {
	page = NormalizePagination(page)

	opts := options.Find().
		SetSort(bson.D{{Key: "executed_at", Value: -1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	doc := bson.M{}

	if filter.SourceID != nil {
		doc["source_id"] = *filter.SourceID
	}

	if filter.Status != nil {
		doc["status"] = *filter.Status
	}

	if filter.Since != nil {
		doc["executed_at"] = bson.M{"$gte": *filter.Since}
	}

	var results []CrawlResult
	if err := s.crawlResults.Find(ctx, doc, &results, opts); err != nil {
		return nil, err
	}

	return results, nil
}

// CreateErrorLog records one failure.
func (s *Store) CreateErrorLog(ctx context.Context, entry *ErrorLog) (ID, error) {
	if entry.SourceID.IsZero() {
		return NilID, fmt.Errorf("%w: error log requires a source id", ErrOperation)
	}

	entry.ID = NewID()
	entry.Resolved = false
	entry.CreatedAt = time.Now().UTC()

	return s.errorLogs.InsertOne(ctx, entry)
}

// ResolveErrorLog marks an error resolved exactly once. Returns false when
// the entry does not exist or was already resolved.
func (s *Store) ResolveErrorLog(ctx context.Context, id string, method ResolutionMethod, detail string) (bool, error) {
	oid, err := ParseID(id)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	filter := bson.M{"_id": oid, "resolved": false}
	update := bson.M{"$set": bson.M{
		"resolved":          true,
		"resolved_at":       now,
		"resolution_method": method,
		"resolution_detail": detail,
	}}

	matched, err := s.errorLogs.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}

	return matched > 0, nil
}

// ListErrorLogs returns error entries matching the filter, newest first.
func (s *Store) ListErrorLogs(ctx context.Context, filter ErrorLogFilter, page Pagination) ([]ErrorLog, error) {
	page = NormalizePagination(page)

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	doc := bson.M{}

	if filter.SourceID != nil {
		doc["source_id"] = *filter.SourceID
	}

	if filter.Resolved != nil {
		doc["resolved"] = *filter.Resolved
	}

	var entries []ErrorLog
	if err := s.errorLogs.Find(ctx, doc, &entries, opts); err != nil {
		return nil, err
	}

	return entries, nil
}

// CountUnresolvedErrors returns the number of open error entries.
func (s *Store) CountUnresolvedErrors(ctx context.Context) (int64, error) {
	return s.errorLogs.CountDocuments(ctx, bson.M{"resolved": false})
}
