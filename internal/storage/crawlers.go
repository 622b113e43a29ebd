package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateCrawler registers a new extractor version for a source. Versions
// are monotonic per source starting at 1. When the new crawler is active,
// previously active versions are deactivated first so that at most one
// active crawler exists per source. A history row is appended.
func (s *Store) CreateCrawler(ctx context.Context, crawler *Crawler, changeNote string) (*Crawler, error) {
	if crawler.SourceID.IsZero() {
		return nil, fmt.Errorf("%w: crawler requires a source id", ErrOperation)
	}

	unlock := s.crawlerLocks.Lock(crawler.SourceID.Hex())
	defer unlock()

	latest, err := s.latestCrawlerVersion(ctx, crawler.SourceID)
	if err != nil {
		return nil, err
	}

	crawler.ID = NewID()
	crawler.Version = latest + 1
	crawler.CreatedAt = time.Now().UTC()

	if crawler.Status == "" {
		crawler.Status = CrawlerStatusActive
	}

	if crawler.Status == CrawlerStatusActive {
		if err := s.deactivateCrawlers(ctx, crawler.SourceID); err != nil {
			return nil, err
		}
	}

	if _, err := s.crawlers.InsertOne(ctx, crawler); err != nil {
		return nil, err
	}

	history := &CrawlerHistory{
		ID:         NewID(),
		CrawlerID:  crawler.ID,
		SourceID:   crawler.SourceID,
		Version:    crawler.Version,
		Code:       crawler.Code,
		ChangeNote: changeNote,
		CreatedAt:  crawler.CreatedAt,
		CreatedBy:  crawler.CreatedBy,
	}

	if _, err := s.crawlerHistory.InsertOne(ctx, history); err != nil {
		// The crawler row is authoritative; a missing history row only
		// degrades the audit trail.
		s.logger.Warn("crawler history append failed",
			slog.String("crawler_id", crawler.ID.Hex()),
			slog.Any("error", err),
		)
	}

	s.logger.Info("crawler created",
		slog.String("crawler_id", crawler.ID.Hex()),
		slog.String("source_id", crawler.SourceID.Hex()),
		slog.Int("version", crawler.Version),
		slog.String("status", string(crawler.Status)),
	)

	return crawler, nil
}

// GetCrawler loads one crawler by id string.
func (s *Store) GetCrawler(ctx context.Context, id string) (*Crawler, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	var crawler Crawler
	if err := s.crawlers.FindOne(ctx, idFilter(oid), &crawler); err != nil {
		return nil, err
	}

	return &crawler, nil
}

// GetActiveCrawler returns the single active crawler for a source, or
// ErrNotFound when none is active.
func (s *Store) GetActiveCrawler(ctx context.Context, sourceID ID) (*Crawler, error) {
	var crawler Crawler

	filter := bson.M{"source_id": sourceID, "status": CrawlerStatusActive}
	if err := s.crawlers.FindOne(ctx, filter, &crawler); err != nil {
		return nil, err
	}

	return &crawler, nil
}

// ListCrawlers returns all crawler versions for a source, newest version first.
func (s *Store) ListCrawlers(ctx context.Context, sourceID ID) ([]Crawler, error) {
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: -1}})

	var crawlers []Crawler
	if err := s.crawlers.Find(ctx, bson.M{"source_id": sourceID}, &crawlers, opts); err != nil {
		return nil, err
	}

	return crawlers, nil
}

// ActivateCrawler makes the given crawler the single active one for its
// source, deactivating any other version.
func (s *Store) ActivateCrawler(ctx context.Context, id string) (*Crawler, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	var crawler Crawler
	if err := s.crawlers.FindOne(ctx, idFilter(oid), &crawler); err != nil {
		return nil, err
	}

	unlock := s.crawlerLocks.Lock(crawler.SourceID.Hex())
	defer unlock()

	if err := s.deactivateCrawlers(ctx, crawler.SourceID); err != nil {
		return nil, err
	}

	update := bson.M{"$set": bson.M{"status": CrawlerStatusActive}}
	if _, err := s.crawlers.UpdateByID(ctx, oid, update); err != nil {
		return nil, err
	}

	crawler.Status = CrawlerStatusActive

	s.logger.Info("crawler activated",
		slog.String("crawler_id", id),
		slog.String("source_id", crawler.SourceID.Hex()),
		slog.Int("version", crawler.Version),
	)

	return &crawler, nil
}

// ListCrawlerHistory returns the append-only change log for a source,
// newest first.
func (s *Store) ListCrawlerHistory(ctx context.Context, sourceID ID, page Pagination) ([]CrawlerHistory, error) {
	page = NormalizePagination(page)

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	var history []CrawlerHistory
	if err := s.crawlerHistory.Find(ctx, bson.M{"source_id": sourceID}, &history, opts); err != nil {
		return nil, err
	}

	return history, nil
}

// latestCrawlerVersion returns the highest version for a source, 0 when none.
func (s *Store) latestCrawlerVersion(ctx context.Context, sourceID ID) (int, error) {
	var latest Crawler

	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})

	err := s.crawlers.FindOne(ctx, bson.M{"source_id": sourceID}, &latest, opts)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}

		return 0, err
	}

	return latest.Version, nil
}

// deactivateCrawlers marks every active crawler of a source inactive.
func (s *Store) deactivateCrawlers(ctx context.Context, sourceID ID) error {
	filter := bson.M{"source_id": sourceID, "status": CrawlerStatusActive}
	update := bson.M{"$set": bson.M{"status": CrawlerStatusInactive}}

	_, err := s.crawlers.UpdateMany(ctx, filter, update)

	return err
}
