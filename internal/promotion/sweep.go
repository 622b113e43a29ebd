package promotion

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/spindle-io/spindle/internal/storage"
)

const (
	// sweepShutdownTimeout bounds how long Close waits for an in-flight
	// sweep pass to finish.
	sweepShutdownTimeout = 5 * time.Second

	// sweepPassTimeout bounds one full sweep pass across all staging
	// collections.
	sweepPassTimeout = 2 * time.Minute

	defaultSweepInterval  = time.Hour
	defaultRetentionDays  = 30
	defaultOrphanGrace    = 10 * time.Minute
	hoursPerRetentionUnit = 24
)

// SweepConfig controls the background staging maintenance loop: cleanup of
// promoted staging records past retention and reconciliation of promotions
// that died between the production insert and the lineage row.
type SweepConfig struct {
	// Interval between sweep passes. Zero disables the sweep.
	Interval time.Duration
	// RetentionDays keeps promoted staging records this many days before
	// cleanup deletes them.
	RetentionDays int
	// OrphanGrace is how long a promoted staging record may lack its
	// lineage row before reconciliation reverts it to pending. The grace
	// window keeps the sweep from racing an in-flight promotion.
	OrphanGrace time.Duration
}

// DefaultSweepConfig returns the sweep settings used by the control plane
// service.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:      defaultSweepInterval,
		RetentionDays: defaultRetentionDays,
		OrphanGrace:   defaultOrphanGrace,
	}
}

// withDefaults fills zero fields with the package defaults, leaving a zero
// Interval alone so "no sweep" stays expressible.
func (c SweepConfig) withDefaults() SweepConfig {
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}

	if c.OrphanGrace <= 0 {
		c.OrphanGrace = defaultOrphanGrace
	}

	return c
}

// runSweep is the background goroutine driving periodic staging maintenance.
// It runs until Close signals the stop channel; per-pass failures are logged
// and never crash the loop.
func (p *Promoter) runSweep() {
	defer close(p.sweepDone)

	ticker := time.NewTicker(p.sweep.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-p.sweepStop:
			cancel()
			p.logger.Info("stopping staging sweep")

			return
		case <-ticker.C:
			passCtx, passCancel := context.WithTimeout(ctx, sweepPassTimeout)
			p.sweepPass(passCtx)
			passCancel()
		}
	}
}

// sweepPass runs one maintenance pass: orphan reconciliation first so stuck
// records become reviewable again, then retention cleanup.
func (p *Promoter) sweepPass(ctx context.Context) {
	start := p.now()

	reverted, err := p.ReconcileOrphans(ctx, p.sweep.OrphanGrace)
	if err != nil {
		p.logger.Error("orphan reconciliation failed", slog.Any("error", err))
	}

	deleted, err := p.CleanupOldStaging(ctx, p.sweep.RetentionDays)
	if err != nil {
		p.logger.Error("staging cleanup failed", slog.Any("error", err))
	}

	p.logger.Info("staging sweep pass finished",
		slog.Int64("orphans_reverted", reverted),
		slog.Int64("staging_deleted", deleted),
		slog.Duration("duration", time.Since(start)),
	)
}

// CleanupOldStaging deletes promoted staging records older than the given
// retention from every mapped staging collection. Records still pending,
// rejected, or rolled back are kept; only successfully promoted rows age
// out. Returns the total number of deleted documents.
func (p *Promoter) CleanupOldStaging(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}

	cutoff := p.now().UTC().Add(-time.Duration(retentionDays) * hoursPerRetentionUnit * time.Hour)
	filter := bson.M{
		"_review_status": StatusPromoted,
		"_promoted_at":   bson.M{"$lt": cutoff},
	}

	var (
		total   int64
		lastErr error
	)

	for _, typeKey := range p.cfg.TypeKeys() {
		pair, _ := p.cfg.Pair(typeKey)

		deleted, err := p.conn.Collection(pair.Staging).DeleteMany(ctx, filter)
		if err != nil {
			lastErr = err

			p.logger.Warn("staging cleanup failed for collection",
				slog.String("collection", pair.Staging),
				slog.Any("error", err),
			)

			continue
		}

		total += deleted
	}

	return total, lastErr
}

// ReconcileOrphans finds staging records marked promoted whose lineage row
// never landed and reverts them to pending so reviewers can promote them
// again. The lineage row is written last during promotion, so its absence
// past the grace window means the promotion died mid-flight. Returns the
// number of reverted records.
func (p *Promoter) ReconcileOrphans(ctx context.Context, grace time.Duration) (int64, error) {
	if grace <= 0 {
		grace = defaultOrphanGrace
	}

	cutoff := p.now().UTC().Add(-grace)

	var (
		total   int64
		lastErr error
	)

	for _, typeKey := range p.cfg.TypeKeys() {
		pair, _ := p.cfg.Pair(typeKey)

		reverted, err := p.reconcileCollection(ctx, pair, cutoff)
		if err != nil {
			lastErr = err

			p.logger.Warn("orphan reconciliation failed for collection",
				slog.String("collection", pair.Staging),
				slog.Any("error", err),
			)

			continue
		}

		total += reverted
	}

	return total, lastErr
}

// reconcileCollection reverts orphaned promotions in one staging collection.
func (p *Promoter) reconcileCollection(ctx context.Context, pair CollectionPair, cutoff time.Time) (int64, error) {
	staging := p.conn.Collection(pair.Staging)

	var candidates []struct {
		ID         storage.ID  `bson:"_id"`
		PromotedTo *storage.ID `bson:"_promoted_to"`
	}

	filter := bson.M{
		"_review_status": StatusPromoted,
		"_promoted_at":   bson.M{"$lt": cutoff},
	}

	if err := staging.Find(ctx, filter, &candidates); err != nil {
		return 0, err
	}

	var reverted int64

	for _, candidate := range candidates {
		ok, err := p.revertIfOrphaned(ctx, staging, candidate.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return reverted, err
			}

			p.logger.Warn("orphan check failed",
				slog.String("staging_id", candidate.ID.Hex()),
				slog.Any("error", err),
			)

			continue
		}

		if ok {
			reverted++
		}
	}

	return reverted, nil
}

// revertIfOrphaned reverts one staging record to pending when no lineage row
// references it. The per-id lock serializes against a concurrent promotion
// retry of the same record.
func (p *Promoter) revertIfOrphaned(ctx context.Context, staging *storage.Collection, stagingID storage.ID) (bool, error) {
	unlock := p.locks.Lock(stagingID.Hex())
	defer unlock()

	count, err := p.lineage.CountDocuments(ctx, bson.M{
		"source_id":         stagingID,
		"relationship_type": RelationshipPromoted,
	})
	if err != nil {
		return false, err
	}

	if count > 0 {
		return false, nil
	}

	matched, err := staging.UpdateByID(ctx, stagingID, bson.M{
		"$set":   bson.M{"_review_status": StatusPending},
		"$unset": bson.M{"_promoted_to": "", "_promoted_at": ""},
	})
	if err != nil {
		return false, err
	}

	if matched {
		p.logger.Info("orphaned promotion reverted to pending",
			slog.String("staging_id", stagingID.Hex()),
			slog.String("collection", staging.Name()),
		)
	}

	return matched, nil
}
