package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier = 2
	defaultGlobalPerMinute  = 30
	defaultSourcePerMinute  = 5
	secondsPerMinute        = 60

	throttleCleanupInterval = 5 * time.Minute
	throttleIdleTimeout     = time.Hour
)

type (
	// ThrottleConfig bounds notification volume. Rates are per minute; a
	// burst of zero derives 2x the sustained rate.
	ThrottleConfig struct {
		GlobalPerMinute int
		GlobalBurst     int
		SourcePerMinute int
		SourceBurst     int
		CleanupInterval time.Duration
		IdleTimeout     time.Duration
	}

	// Throttled decorates a Notifier with two-tier token buckets: a global
	// bucket over every notification and one bucket per source. A
	// notification with SkipThrottle set bypasses both, so breach alerts
	// still land during a notification storm.
	//
	// Suppressed notifications are counted and logged, never errors: the
	// caller's operation already succeeded, the operator just is not told
	// twice.
	Throttled struct {
		next   Notifier
		logger *slog.Logger

		global    *rate.Limiter
		mu        sync.RWMutex
		perSource map[string]*sourceLimiter

		sourceRate  rate.Limit
		sourceBurst int

		suppressedMu sync.Mutex
		suppressed   int64

		cleanupTicker *time.Ticker
		done          chan struct{}
		closeOnce     sync.Once

		idleTimeout time.Duration
	}

	// sourceLimiter tracks the bucket and last use for one source.
	sourceLimiter struct {
		limiter    *rate.Limiter
		mu         sync.Mutex
		lastAccess time.Time
	}
)

// DefaultThrottleConfig returns the throttle settings used by the control
// plane service.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		GlobalPerMinute: defaultGlobalPerMinute,
		SourcePerMinute: defaultSourcePerMinute,
		CleanupInterval: throttleCleanupInterval,
		IdleTimeout:     throttleIdleTimeout,
	}
}

// perMinute converts a per-minute count into a rate.Limit.
func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / secondsPerMinute)
}

// burstFor returns the burst capacity: the override when set, else twice
// the sustained per-minute rate with a floor of one.
func burstFor(perMin, override int) int {
	if override > 0 {
		return override
	}

	burst := perMin * burstCapacityMultiplier
	if burst < 1 {
		burst = 1
	}

	return burst
}

// NewThrottled wraps next with notification throttling. Close stops the
// idle-source cleanup goroutine.
func NewThrottled(next Notifier, cfg ThrottleConfig, logger *slog.Logger) *Throttled {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.GlobalPerMinute <= 0 {
		cfg.GlobalPerMinute = defaultGlobalPerMinute
	}

	if cfg.SourcePerMinute <= 0 {
		cfg.SourcePerMinute = defaultSourcePerMinute
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = throttleCleanupInterval
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = throttleIdleTimeout
	}

	t := &Throttled{
		next:        next,
		logger:      logger,
		global:      rate.NewLimiter(perMinute(cfg.GlobalPerMinute), burstFor(cfg.GlobalPerMinute, cfg.GlobalBurst)),
		perSource:   make(map[string]*sourceLimiter),
		sourceRate:  perMinute(cfg.SourcePerMinute),
		sourceBurst: burstFor(cfg.SourcePerMinute, cfg.SourceBurst),
		done:        make(chan struct{}),
		idleTimeout: cfg.IdleTimeout,
	}

	t.cleanupTicker = time.NewTicker(cfg.CleanupInterval)

	go func() {
		for {
			select {
			case <-t.cleanupTicker.C:
				t.cleanup()
			case <-t.done:
				return
			}
		}
	}()

	return t
}

// Send forwards the notification unless a bucket is exhausted. Suppressed
// notifications return a Receipt with Sent=false and a nil error.
func (t *Throttled) Send(ctx context.Context, n Notification) (*Receipt, error) {
	if n.SkipThrottle {
		return t.next.Send(ctx, n)
	}

	if !t.global.Allow() {
		t.suppress(n, "global")

		return &Receipt{Sent: false}, nil
	}

	if n.SourceID != "" && !t.allowSource(n.SourceID) {
		t.suppress(n, "source")

		return &Receipt{Sent: false}, nil
	}

	return t.next.Send(ctx, n)
}

// Suppressed returns how many notifications throttling has dropped.
func (t *Throttled) Suppressed() int64 {
	t.suppressedMu.Lock()
	defer t.suppressedMu.Unlock()

	return t.suppressed
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (t *Throttled) Close() {
	t.closeOnce.Do(func() {
		t.cleanupTicker.Stop()
		close(t.done)
	})
}

func (t *Throttled) suppress(n Notification, tier string) {
	t.suppressedMu.Lock()
	t.suppressed++
	total := t.suppressed
	t.suppressedMu.Unlock()

	t.logger.Debug("notification throttled",
		slog.String("title", n.Title),
		slog.String("severity", string(n.Severity)),
		slog.String("source_id", n.SourceID),
		slog.String("tier", tier),
		slog.Int64("suppressed_total", total),
	)
}

// allowSource checks the per-source bucket, creating it on first use.
func (t *Throttled) allowSource(sourceID string) bool {
	t.mu.RLock()
	sl, ok := t.perSource[sourceID]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		if sl, ok = t.perSource[sourceID]; !ok {
			sl = &sourceLimiter{
				limiter:    rate.NewLimiter(t.sourceRate, t.sourceBurst),
				lastAccess: time.Now(),
			}
			t.perSource[sourceID] = sl
		}
		t.mu.Unlock()
	}

	sl.mu.Lock()
	sl.lastAccess = time.Now()
	sl.mu.Unlock()

	return sl.limiter.Allow()
}

// cleanup drops source buckets idle past the timeout so the map stays
// bounded by the set of recently noisy sources.
func (t *Throttled) cleanup() {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for sourceID, sl := range t.perSource {
		sl.mu.Lock()
		last := sl.lastAccess
		sl.mu.Unlock()

		if now.Sub(last) > t.idleTimeout {
			delete(t.perSource, sourceID)
		}
	}
}
