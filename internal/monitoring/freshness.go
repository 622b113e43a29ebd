package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spindle-io/spindle/internal/notify"
	"github.com/spindle-io/spindle/internal/storage"
	"github.com/spindle-io/spindle/internal/workflow"
)

const (
	// freshnessShutdownTimeout bounds how long Close waits for an in-flight
	// sweep pass to finish.
	freshnessShutdownTimeout = 5 * time.Second

	// freshnessPassTimeout bounds one sweep pass across all configs.
	freshnessPassTimeout = 2 * time.Minute

	// Default thresholds for sources without a config row: a source is
	// expected daily, stale past a day and a half, critical past two.
	defaultExpectedHours = 24
	defaultWarningHours  = 36
	defaultCriticalHours = 48

	// defaultAlertCooldownHours keeps repeated staleness checks from paging
	// on every pass.
	defaultAlertCooldownHours = 4

	// Auto-configuration derives thresholds from the observed cadence.
	autoConfigureSampleLimit  = 10
	autoWarningFactor         = 1.5
	autoCriticalFactor        = 2.0
	minAutoConfigureIntervals = 1
)

// FreshnessLevel classifies how stale a source's data is.
type FreshnessLevel string

// Freshness levels, ascending in severity. Unknown means the source has no
// successful run to measure from.
const (
	FreshnessFresh    FreshnessLevel = "fresh"
	FreshnessStale    FreshnessLevel = "stale"
	FreshnessCritical FreshnessLevel = "critical"
	FreshnessUnknown  FreshnessLevel = "unknown"
)

type (
	// FreshnessConfig holds per-source staleness thresholds. Threshold hours
	// are fractional so auto-configuration can mirror sub-hourly cadences.
	FreshnessConfig struct {
		ID                     storage.ID `bson:"_id,omitempty"            json:"id"`
		SourceID               storage.ID `bson:"source_id"                json:"source_id"`
		ExpectedFrequencyHours float64    `bson:"expected_frequency_hours" json:"expected_frequency_hours"`
		WarningThresholdHours  float64    `bson:"warning_threshold_hours"  json:"warning_threshold_hours"`
		CriticalThresholdHours float64    `bson:"critical_threshold_hours" json:"critical_threshold_hours"`
		ScheduleCron           string     `bson:"schedule_cron,omitempty"  json:"schedule_cron,omitempty"`
		BusinessHoursOnly      bool       `bson:"business_hours_only"      json:"business_hours_only"`
		Timezone               string     `bson:"timezone,omitempty"       json:"timezone,omitempty"`
		AlertOnStale           bool       `bson:"alert_on_stale"           json:"alert_on_stale"`
		AlertOnCritical        bool       `bson:"alert_on_critical"        json:"alert_on_critical"`
		AlertCooldownHours     int        `bson:"alert_cooldown_hours"     json:"alert_cooldown_hours"`
		AutoRemediate          bool       `bson:"auto_remediate"           json:"auto_remediate"`
		Enabled                bool       `bson:"enabled"                  json:"enabled"`
		LastAlertAt            *time.Time `bson:"last_alert_at,omitempty"  json:"last_alert_at,omitempty"`
		AutoConfigured         bool       `bson:"auto_configured"          json:"auto_configured"`
		CreatedAt              time.Time  `bson:"created_at"               json:"created_at"`
		UpdatedAt              *time.Time `bson:"updated_at,omitempty"     json:"updated_at,omitempty"`
	}

	// FreshnessState is one check outcome, appended to freshness_history.
	FreshnessState struct {
		ID                     storage.ID     `bson:"_id,omitempty"                 json:"id"`
		SourceID               storage.ID     `bson:"source_id"                     json:"source_id"`
		Status                 FreshnessLevel `bson:"status"                        json:"status"`
		LastSuccessAt          *time.Time     `bson:"last_success_at,omitempty"     json:"last_success_at,omitempty"`
		AgeHours               float64        `bson:"age_hours"                     json:"age_hours"`
		ExpectedFrequencyHours float64        `bson:"expected_frequency_hours"      json:"expected_frequency_hours"`
		WarningThresholdHours  float64        `bson:"warning_threshold_hours"       json:"warning_threshold_hours"`
		CriticalThresholdHours float64        `bson:"critical_threshold_hours"      json:"critical_threshold_hours"`
		AlertSent              bool           `bson:"alert_sent"                    json:"alert_sent"`
		RemediationTriggered   bool           `bson:"remediation_triggered"         json:"remediation_triggered"`
		RemediationRunID       string         `bson:"remediation_run_id,omitempty"  json:"remediation_run_id,omitempty"`
		CheckedAt              time.Time      `bson:"checked_at"                    json:"checked_at"`
	}

	// FreshnessOverview rolls up the latest state per configured source.
	FreshnessOverview struct {
		Total    int              `json:"total"`
		Fresh    int              `json:"fresh"`
		Stale    int              `json:"stale"`
		Critical int              `json:"critical"`
		Unknown  int              `json:"unknown"`
		States   []FreshnessState `json:"states"`
	}
)

// FreshnessTracker classifies sources by the age of their last successful
// run. Critically stale sources can trigger one recovery run through the
// workflow engine when remediation is enabled on their config.
type FreshnessTracker struct {
	configs  *storage.Collection
	history  *storage.Collection
	metrics  *storage.Collection
	crawlers *storage.Collection
	notifier notify.Notifier
	trigger  workflow.Trigger
	logger   *slog.Logger
	now      func() time.Time

	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// FreshnessOption configures a FreshnessTracker.
type FreshnessOption func(*FreshnessTracker)

// WithFreshnessClock overrides the time source. Tests use this to pin
// timestamps.
func WithFreshnessClock(now func() time.Time) FreshnessOption {
	return func(t *FreshnessTracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithRemediation binds the workflow engine used for recovery runs. Without
// it, auto_remediate configs classify and alert but never trigger.
func WithRemediation(trigger workflow.Trigger) FreshnessOption {
	return func(t *FreshnessTracker) {
		t.trigger = trigger
	}
}

// WithFreshnessSweep enables the periodic check of all enabled configs.
// Zero disables the sweep.
func WithFreshnessSweep(interval time.Duration) FreshnessOption {
	return func(t *FreshnessTracker) {
		t.interval = interval
	}
}

// NewFreshnessTracker builds a freshness tracker dispatching staleness
// alerts through the given notifier. When a sweep is configured, the
// goroutine starts immediately and stops on Close.
func NewFreshnessTracker(conn *storage.Connection, notifier notify.Notifier, logger *slog.Logger, opts ...FreshnessOption) *FreshnessTracker {
	if logger == nil {
		logger = slog.Default()
	}

	t := &FreshnessTracker{
		configs:  conn.Collection(storage.CollFreshnessConfig),
		history:  conn.Collection(storage.CollFreshnessHistory),
		metrics:  conn.Collection(storage.CollPipelineMetrics),
		crawlers: conn.Collection(storage.CollCrawlers),
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.interval > 0 {
		go t.runSweep()

		t.logger.Info("freshness sweep started", slog.Duration("interval", t.interval))
	}

	return t
}

// Close stops the sweep, waiting briefly for the current pass to finish.
// Safe to call multiple times and without a configured sweep.
func (t *FreshnessTracker) Close() {
	t.closeOnce.Do(func() {
		if t.interval <= 0 {
			return
		}

		close(t.stop)

		select {
		case <-t.done:
		case <-time.After(freshnessShutdownTimeout):
			t.logger.Warn("freshness sweep did not stop within timeout")
		}
	})
}

// runSweep is the background goroutine checking all configured sources. It
// runs until Close signals the stop channel; per-pass failures are logged
// and never crash the loop.
func (t *FreshnessTracker) runSweep() {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-t.stop:
			cancel()
			t.logger.Info("stopping freshness sweep")

			return
		case <-ticker.C:
			passCtx, passCancel := context.WithTimeout(ctx, freshnessPassTimeout)

			if _, err := t.CheckAll(passCtx); err != nil {
				t.logger.Error("freshness sweep pass failed", slog.Any("error", err))
			}

			passCancel()
		}
	}
}

// SetConfig upserts the freshness thresholds for a source. Zero warning and
// critical thresholds derive from the expected frequency at 1.5x and 2x.
func (t *FreshnessTracker) SetConfig(ctx context.Context, cfg *FreshnessConfig) (*FreshnessConfig, error) {
	if cfg.SourceID.IsZero() {
		return nil, fmt.Errorf("%w: source id is required", ErrValidation)
	}

	if cfg.ExpectedFrequencyHours <= 0 {
		return nil, fmt.Errorf("%w: expected frequency must be positive", ErrValidation)
	}

	if cfg.WarningThresholdHours <= 0 {
		cfg.WarningThresholdHours = cfg.ExpectedFrequencyHours * autoWarningFactor
	}

	if cfg.CriticalThresholdHours <= 0 {
		cfg.CriticalThresholdHours = cfg.ExpectedFrequencyHours * autoCriticalFactor
	}

	if cfg.CriticalThresholdHours < cfg.WarningThresholdHours {
		return nil, fmt.Errorf("%w: critical threshold below warning threshold", ErrValidation)
	}

	if cfg.AlertCooldownHours <= 0 {
		cfg.AlertCooldownHours = defaultAlertCooldownHours
	}

	now := t.now()
	update := bson.M{
		"$set": bson.M{
			"expected_frequency_hours": cfg.ExpectedFrequencyHours,
			"warning_threshold_hours":  cfg.WarningThresholdHours,
			"critical_threshold_hours": cfg.CriticalThresholdHours,
			"schedule_cron":            cfg.ScheduleCron,
			"business_hours_only":      cfg.BusinessHoursOnly,
			"timezone":                 cfg.Timezone,
			"alert_on_stale":           cfg.AlertOnStale,
			"alert_on_critical":        cfg.AlertOnCritical,
			"alert_cooldown_hours":     cfg.AlertCooldownHours,
			"auto_remediate":           cfg.AutoRemediate,
			"enabled":                  cfg.Enabled,
			"auto_configured":          false,
			"updated_at":               now,
		},
		"$setOnInsert": bson.M{
			"source_id":  cfg.SourceID,
			"created_at": now,
		},
	}

	_, err := t.configs.Upsert(ctx, bson.M{"source_id": cfg.SourceID}, update)
	if err != nil {
		return nil, err
	}

	return t.GetConfig(ctx, cfg.SourceID)
}

// GetConfig loads the config row of one source.
func (t *FreshnessTracker) GetConfig(ctx context.Context, sourceID storage.ID) (*FreshnessConfig, error) {
	var cfg FreshnessConfig
	if err := t.configs.FindOne(ctx, bson.M{"source_id": sourceID}, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ListConfigs returns all config rows, optionally only enabled ones.
func (t *FreshnessTracker) ListConfigs(ctx context.Context, enabledOnly bool) ([]FreshnessConfig, error) {
	filter := bson.M{}
	if enabledOnly {
		filter["enabled"] = true
	}

	var configs []FreshnessConfig

	err := t.configs.Find(ctx, filter, &configs,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}

	return configs, nil
}

// DeleteConfig removes a source's config row. Its history stays.
func (t *FreshnessTracker) DeleteConfig(ctx context.Context, sourceID storage.ID) (bool, error) {
	return t.configs.DeleteOne(ctx, bson.M{"source_id": sourceID})
}

// defaultFreshnessConfig classifies sources without a config row. Alerts
// and remediation stay off: there is no row to carry the cooldown state.
func defaultFreshnessConfig(sourceID storage.ID) *FreshnessConfig {
	return &FreshnessConfig{
		SourceID:               sourceID,
		ExpectedFrequencyHours: defaultExpectedHours,
		WarningThresholdHours:  defaultWarningHours,
		CriticalThresholdHours: defaultCriticalHours,
		AlertCooldownHours:     defaultAlertCooldownHours,
		Enabled:                true,
	}
}

// CheckFreshness classifies one source by the age of its newest successful
// or partial run and appends the snapshot to freshness_history. Stale and
// critical outcomes alert within the config's scope and cooldown; critical
// ones can additionally trigger a recovery run.
func (t *FreshnessTracker) CheckFreshness(ctx context.Context, sourceID string) (*FreshnessState, error) {
	oid, err := storage.ParseID(sourceID)
	if err != nil {
		return nil, err
	}

	cfg, err := t.GetConfig(ctx, oid)
	if errors.Is(err, storage.ErrNotFound) {
		cfg = defaultFreshnessConfig(oid)
	} else if err != nil {
		return nil, err
	}

	return t.check(ctx, cfg)
}

// CheckAll checks every enabled config. A source that fails to check is
// logged and skipped.
func (t *FreshnessTracker) CheckAll(ctx context.Context) ([]FreshnessState, error) {
	configs, err := t.ListConfigs(ctx, true)
	if err != nil {
		return nil, err
	}

	states := make([]FreshnessState, 0, len(configs))

	for i := range configs {
		state, err := t.check(ctx, &configs[i])
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return states, err
			}

			t.logger.Error("freshness check failed",
				slog.String("source_id", configs[i].SourceID.Hex()),
				slog.Any("error", err),
			)

			continue
		}

		states = append(states, *state)
	}

	return states, nil
}

// check classifies one source against its config.
func (t *FreshnessTracker) check(ctx context.Context, cfg *FreshnessConfig) (*FreshnessState, error) {
	now := t.now()
	state := &FreshnessState{
		SourceID:               cfg.SourceID,
		ExpectedFrequencyHours: cfg.ExpectedFrequencyHours,
		WarningThresholdHours:  cfg.WarningThresholdHours,
		CriticalThresholdHours: cfg.CriticalThresholdHours,
		CheckedAt:              now,
	}

	last, err := t.lastUsableRun(ctx, cfg.SourceID)
	if err != nil {
		return nil, err
	}

	if last == nil {
		state.Status = FreshnessUnknown
	} else {
		ref := last.StartedAt
		if last.CompletedAt != nil {
			ref = *last.CompletedAt
		}

		state.LastSuccessAt = &ref
		state.AgeHours = now.Sub(ref).Hours()
		state.Status = classifyFreshness(state.AgeHours, cfg)
	}

	t.react(ctx, cfg, state)

	id, err := t.history.InsertOne(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("record freshness state: %w", err)
	}

	state.ID = id

	return state, nil
}

// lastUsableRun loads the newest run that produced data. Nil means the
// source never succeeded.
func (t *FreshnessTracker) lastUsableRun(ctx context.Context, sourceID storage.ID) (*PipelineMetric, error) {
	filter := bson.M{
		"source_id": sourceID,
		"status": bson.M{"$in": bson.A{
			string(storage.CrawlStatusSuccess),
			string(storage.CrawlStatusPartial),
		}},
	}

	var last PipelineMetric

	err := t.metrics.FindOne(ctx, filter, &last,
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}}))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &last, nil
}

// classifyFreshness maps an age to a level: fresh below the warning
// threshold, stale from warning up to critical, critical from there on.
func classifyFreshness(ageHours float64, cfg *FreshnessConfig) FreshnessLevel {
	switch {
	case ageHours >= cfg.CriticalThresholdHours:
		return FreshnessCritical
	case ageHours >= cfg.WarningThresholdHours:
		return FreshnessStale
	default:
		return FreshnessFresh
	}
}

// react alerts and remediates a non-fresh outcome. Both share the config's
// cooldown so repeated checks of a stuck source page once per window. All
// failures here are recorded or logged, never returned: a dead notifier
// must not fail the check.
func (t *FreshnessTracker) react(ctx context.Context, cfg *FreshnessConfig, state *FreshnessState) {
	wantAlert := (state.Status == FreshnessStale && cfg.AlertOnStale) ||
		(state.Status == FreshnessCritical && cfg.AlertOnCritical)
	wantRemediation := state.Status == FreshnessCritical && cfg.AutoRemediate && t.trigger != nil

	if !wantAlert && !wantRemediation {
		return
	}

	if t.inAlertCooldown(cfg) {
		return
	}

	if wantAlert {
		state.AlertSent = t.sendStalenessAlert(ctx, cfg, state)
	}

	if wantRemediation {
		state.RemediationTriggered, state.RemediationRunID = t.remediate(ctx, cfg.SourceID)
	}

	if state.AlertSent || state.RemediationTriggered {
		t.stampAlerted(ctx, cfg, state.CheckedAt)
	}
}

// inAlertCooldown reports whether the config alerted within its cooldown
// window.
func (t *FreshnessTracker) inAlertCooldown(cfg *FreshnessConfig) bool {
	if cfg.LastAlertAt == nil || cfg.AlertCooldownHours <= 0 {
		return false
	}

	cooldown := time.Duration(cfg.AlertCooldownHours) * time.Hour

	return t.now().Before(cfg.LastAlertAt.Add(cooldown))
}

// sendStalenessAlert dispatches one freshness notification.
func (t *FreshnessTracker) sendStalenessAlert(ctx context.Context, cfg *FreshnessConfig, state *FreshnessState) bool {
	severity := notify.SeverityWarning
	if state.Status == FreshnessCritical {
		severity = notify.SeverityCritical
	}

	sendCtx, cancel := context.WithTimeout(ctx, notify.DefaultSendTimeout)
	defer cancel()

	receipt, err := t.notifier.Send(sendCtx, notify.Notification{
		Title:    fmt.Sprintf("Source data is %s", state.Status),
		Message:  fmt.Sprintf("no successful run for %.1fh (warning %.1fh, critical %.1fh)", state.AgeHours, cfg.WarningThresholdHours, cfg.CriticalThresholdHours),
		Severity: severity,
		SourceID: cfg.SourceID.Hex(),
		Metadata: map[string]any{
			"age_hours": state.AgeHours,
			"status":    string(state.Status),
		},
	})
	if err != nil {
		t.logger.Warn("freshness alert failed",
			slog.String("source_id", cfg.SourceID.Hex()),
			slog.Any("error", err),
		)

		return false
	}

	return receipt != nil && receipt.Sent
}

// remediate asks the workflow engine for one recovery run of the source's
// active crawler. Sources without an active crawler or a bound dag are
// skipped.
func (t *FreshnessTracker) remediate(ctx context.Context, sourceID storage.ID) (bool, string) {
	var crawler storage.Crawler

	filter := bson.M{"source_id": sourceID, "status": storage.CrawlerStatusActive}
	if err := t.crawlers.FindOne(ctx, filter, &crawler); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			t.logger.Warn("remediation crawler lookup failed",
				slog.String("source_id", sourceID.Hex()),
				slog.Any("error", err),
			)
		}

		return false, ""
	}

	if crawler.DagID == "" {
		return false, ""
	}

	triggerCtx, cancel := context.WithTimeout(ctx, workflow.DefaultTriggerTimeout)
	defer cancel()

	conf := map[string]any{
		"reason":    "freshness_critical",
		"source_id": sourceID.Hex(),
	}

	result, err := t.trigger.TriggerRun(triggerCtx, crawler.DagID, conf, "")
	if err != nil || !result.Success {
		t.logger.Warn("freshness remediation trigger failed",
			slog.String("source_id", sourceID.Hex()),
			slog.String("dag_id", crawler.DagID),
			slog.Any("error", err),
		)

		return false, ""
	}

	t.logger.Info("freshness remediation run triggered",
		slog.String("source_id", sourceID.Hex()),
		slog.String("dag_id", crawler.DagID),
		slog.String("run_id", result.RunID),
	)

	return true, result.RunID
}

// stampAlerted persists last_alert_at so the cooldown holds across
// restarts. Sources running on the compiled-in defaults have no row to
// stamp; the write is skipped.
func (t *FreshnessTracker) stampAlerted(ctx context.Context, cfg *FreshnessConfig, at time.Time) {
	if cfg.ID.IsZero() {
		return
	}

	cfg.LastAlertAt = &at

	_, err := t.configs.UpdateByID(ctx, cfg.ID, bson.M{"$set": bson.M{"last_alert_at": at}})
	if err != nil {
		t.logger.Warn("failed to stamp freshness alert time",
			slog.String("source_id", cfg.SourceID.Hex()),
			slog.Any("error", err),
		)
	}
}

// AutoConfigure derives freshness configs from observed run cadence: for
// every source with at least two recent successful runs and no config row,
// the expected frequency becomes the mean interval with warning and
// critical thresholds at 1.5x and 2x. Existing rows are never overwritten.
// Returns the number of configs created.
func (t *FreshnessTracker) AutoConfigure(ctx context.Context) (int, error) {
	pipeline := []bson.M{
		{"$match": bson.M{"status": string(storage.CrawlStatusSuccess)}},
		{"$sort": bson.M{"started_at": -1}},
		{"$group": bson.M{
			"_id":   "$source_id",
			"times": bson.M{"$push": "$started_at"},
		}},
	}

	var rows []struct {
		SourceID storage.ID  `bson:"_id"`
		Times    []time.Time `bson:"times"`
	}

	if err := t.metrics.Aggregate(ctx, pipeline, &rows); err != nil {
		return 0, err
	}

	created := 0

	for _, row := range rows {
		expected, ok := meanIntervalHours(row.Times)
		if !ok {
			continue
		}

		inserted, err := t.insertAutoConfig(ctx, row.SourceID, expected)
		if err != nil {
			t.logger.Warn("auto-configure failed for source",
				slog.String("source_id", row.SourceID.Hex()),
				slog.Any("error", err),
			)

			continue
		}

		if inserted {
			created++
		}
	}

	if created > 0 {
		t.logger.Info("freshness auto-configuration finished", slog.Int("created", created))
	}

	return created, nil
}

// insertAutoConfig creates a derived config row unless one already exists.
func (t *FreshnessTracker) insertAutoConfig(ctx context.Context, sourceID storage.ID, expectedHours float64) (bool, error) {
	now := t.now()
	update := bson.M{"$setOnInsert": bson.M{
		"source_id":                sourceID,
		"expected_frequency_hours": expectedHours,
		"warning_threshold_hours":  expectedHours * autoWarningFactor,
		"critical_threshold_hours": expectedHours * autoCriticalFactor,
		"alert_on_stale":           false,
		"alert_on_critical":        true,
		"alert_cooldown_hours":     defaultAlertCooldownHours,
		"auto_remediate":           false,
		"enabled":                  true,
		"auto_configured":          true,
		"created_at":               now,
	}}

	insertedID, err := t.configs.Upsert(ctx, bson.M{"source_id": sourceID}, update)
	if err != nil {
		return false, err
	}

	return insertedID != nil, nil
}

// meanIntervalHours averages the gaps between consecutive run times, newest
// first. False when fewer than two samples exist.
func meanIntervalHours(times []time.Time) (float64, bool) {
	if len(times) > autoConfigureSampleLimit {
		times = times[:autoConfigureSampleLimit]
	}

	if len(times) < minAutoConfigureIntervals+1 {
		return 0, false
	}

	var total time.Duration

	for i := 0; i < len(times)-1; i++ {
		gap := times[i].Sub(times[i+1])
		if gap < 0 {
			gap = -gap
		}

		total += gap
	}

	mean := total / time.Duration(len(times)-1)

	return mean.Hours(), true
}

// Overview returns the latest snapshot per source with level counts.
func (t *FreshnessTracker) Overview(ctx context.Context) (*FreshnessOverview, error) {
	pipeline := []bson.M{
		{"$sort": bson.M{"checked_at": -1}},
		{"$group": bson.M{
			"_id":    "$source_id",
			"latest": bson.M{"$first": "$$ROOT"},
		}},
		{"$replaceRoot": bson.M{"newRoot": "$latest"}},
	}

	var states []FreshnessState
	if err := t.history.Aggregate(ctx, pipeline, &states); err != nil {
		return nil, err
	}

	overview := &FreshnessOverview{
		Total:  len(states),
		States: states,
	}

	for _, state := range states {
		switch state.Status {
		case FreshnessFresh:
			overview.Fresh++
		case FreshnessStale:
			overview.Stale++
		case FreshnessCritical:
			overview.Critical++
		default:
			overview.Unknown++
		}
	}

	return overview, nil
}

// History returns recent snapshots of one source, newest first.
func (t *FreshnessTracker) History(ctx context.Context, sourceID storage.ID, limit int) ([]FreshnessState, error) {
	if limit <= 0 {
		limit = defaultSourceStatLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "checked_at", Value: -1}}).
		SetLimit(int64(limit))

	var states []FreshnessState
	if err := t.history.Find(ctx, bson.M{"source_id": sourceID}, &states, opts); err != nil {
		return nil, err
	}

	return states, nil
}
