package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/spindle-io/spindle/internal/keylock"
	"github.com/spindle-io/spindle/internal/notify"
	"github.com/spindle-io/spindle/internal/storage"
)

// ruleCacheTTL is how long the rule snapshot serves evaluations before a
// refresh. Rule writes invalidate it immediately.
const ruleCacheTTL = 5 * time.Minute

// Rule evaluation defaults.
const (
	defaultConsecutiveCount  = 3
	defaultRateWindowMinutes = 60
)

// AlertCondition is how a rule decides whether a metric misbehaves.
type AlertCondition string

// Alert conditions.
const (
	ConditionThresholdAbove      AlertCondition = "threshold_above"
	ConditionThresholdBelow      AlertCondition = "threshold_below"
	ConditionEquals              AlertCondition = "equals"
	ConditionNotEquals           AlertCondition = "not_equals"
	ConditionConsecutiveFailures AlertCondition = "consecutive_failures"
	ConditionRateAbove           AlertCondition = "rate_above"
	ConditionRateBelow           AlertCondition = "rate_below"
	ConditionPatternMatch        AlertCondition = "pattern_match"
	ConditionMissingData         AlertCondition = "missing_data"
)

// IsValid returns true when the condition is a known kind.
func (c AlertCondition) IsValid() bool {
	switch c {
	case ConditionThresholdAbove, ConditionThresholdBelow, ConditionEquals,
		ConditionNotEquals, ConditionConsecutiveFailures, ConditionRateAbove,
		ConditionRateBelow, ConditionPatternMatch, ConditionMissingData:
		return true
	default:
		return false
	}
}

// AlertAction is one step a triggered rule runs.
type AlertAction string

// Alert actions, run in rule order.
const (
	ActionNotify        AlertAction = "notify"
	ActionLog           AlertAction = "log"
	ActionDisableSource AlertAction = "disable_source"
	ActionEscalate      AlertAction = "escalate"
)

// IsValid returns true when the action is a known kind.
func (a AlertAction) IsValid() bool {
	switch a {
	case ActionNotify, ActionLog, ActionDisableSource, ActionEscalate:
		return true
	default:
		return false
	}
}

type (
	// AlertRule decides when a pipeline metric should raise an alert. A nil
	// SourceID makes the rule global. Pattern is only read by pattern_match.
	AlertRule struct {
		ID               storage.ID      `bson:"_id,omitempty"             json:"id"`
		Name             string          `bson:"name"                      json:"name"`
		Description      string          `bson:"description,omitempty"     json:"description,omitempty"`
		SourceID         *storage.ID     `bson:"source_id,omitempty"       json:"source_id,omitempty"`
		MetricType       string          `bson:"metric_type"               json:"metric_type"`
		Condition        AlertCondition  `bson:"condition"                 json:"condition"`
		MetricField      string          `bson:"metric_field,omitempty"    json:"metric_field,omitempty"`
		Threshold        float64         `bson:"threshold"                 json:"threshold"`
		Pattern          string          `bson:"pattern,omitempty"         json:"pattern,omitempty"`
		WindowMinutes    int             `bson:"window_minutes,omitempty"  json:"window_minutes,omitempty"`
		ConsecutiveCount int             `bson:"consecutive_count,omitempty" json:"consecutive_count,omitempty"`
		Severity         notify.Severity `bson:"severity"                  json:"severity"`
		Actions          []AlertAction   `bson:"actions"                   json:"actions"`
		CooldownMinutes  int             `bson:"cooldown_minutes"          json:"cooldown_minutes"`
		Enabled          bool            `bson:"enabled"                   json:"enabled"`
		LastTriggered    *time.Time      `bson:"last_triggered,omitempty"  json:"last_triggered,omitempty"`
		TriggerCount     int64           `bson:"trigger_count"             json:"trigger_count"`
		Tags             []string        `bson:"tags,omitempty"            json:"tags,omitempty"`
		CreatedAt        time.Time       `bson:"created_at"                json:"created_at"`
		UpdatedAt        *time.Time      `bson:"updated_at,omitempty"      json:"updated_at,omitempty"`
	}

	// RulePatch updates a rule. Nil fields are untouched.
	RulePatch struct {
		Description      *string
		MetricField      *string
		Threshold        *float64
		Pattern          *string
		WindowMinutes    *int
		ConsecutiveCount *int
		Severity         *notify.Severity
		Actions          []AlertAction
		CooldownMinutes  *int
		Enabled          *bool
		Tags             []string
	}

	// AlertTrigger records one rule firing.
	AlertTrigger struct {
		ID                 storage.ID      `bson:"_id,omitempty"                 json:"id"`
		RuleID             storage.ID      `bson:"rule_id"                       json:"rule_id"`
		RuleName           string          `bson:"rule_name"                     json:"rule_name"`
		SourceID           *storage.ID     `bson:"source_id,omitempty"           json:"source_id,omitempty"`
		RunID              string          `bson:"run_id,omitempty"              json:"run_id,omitempty"`
		TriggeredAt        time.Time       `bson:"triggered_at"                  json:"triggered_at"`
		Severity           notify.Severity `bson:"severity"                      json:"severity"`
		ConditionDetails   map[string]any  `bson:"condition_details"             json:"condition_details"`
		ActionsTaken       []string        `bson:"actions_taken"                 json:"actions_taken"`
		NotificationSent   bool            `bson:"notification_sent"             json:"notification_sent"`
		NotificationResult *notify.Receipt `bson:"notification_result,omitempty" json:"notification_result,omitempty"`
		Acknowledged       bool            `bson:"acknowledged"                  json:"acknowledged"`
		AcknowledgedBy     string          `bson:"acknowledged_by,omitempty"     json:"acknowledged_by,omitempty"`
		AcknowledgedAt     *time.Time      `bson:"acknowledged_at,omitempty"     json:"acknowledged_at,omitempty"`
		Resolved           bool            `bson:"resolved"                      json:"resolved"`
		ResolvedAt         *time.Time      `bson:"resolved_at,omitempty"         json:"resolved_at,omitempty"`
		ResolutionNote     string          `bson:"resolution_note,omitempty"     json:"resolution_note,omitempty"`
	}

	// TriggerFilter narrows trigger list queries. Nil fields are ignored.
	TriggerFilter struct {
		SourceID     *storage.ID
		RuleID       *storage.ID
		Resolved     *bool
		Acknowledged *bool
	}
)

// AlertEngine evaluates finished pipeline metrics against alert rules.
// Candidate rules come from a cached snapshot; the cooldown check re-reads
// the rule under a per-rule lock, so near-simultaneous matches fire once.
type AlertEngine struct {
	rules    *storage.Collection
	history  *storage.Collection
	sources  *storage.Collection
	metrics  *storage.Collection
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	locks    *keylock.KeyedMutex

	cacheMu  sync.RWMutex
	cached   []AlertRule
	cachedAt time.Time
}

// AlertOption configures an AlertEngine.
type AlertOption func(*AlertEngine)

// WithAlertClock overrides the time source. Tests use this to pin
// timestamps.
func WithAlertClock(now func() time.Time) AlertOption {
	return func(e *AlertEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewAlertEngine builds an alert engine dispatching through the given
// notifier. A nil logger falls back to slog.Default().
func NewAlertEngine(conn *storage.Connection, notifier notify.Notifier, logger *slog.Logger, opts ...AlertOption) *AlertEngine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &AlertEngine{
		rules:    conn.Collection(storage.CollAlertRules),
		history:  conn.Collection(storage.CollAlertHistory),
		sources:  conn.Collection(storage.CollSources),
		metrics:  conn.Collection(storage.CollPipelineMetrics),
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    keylock.New(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// CreateRule validates and stores a rule. Missing evaluation parameters
// take defaults: severity warning, actions [notify], consecutive count 3,
// rate window 60 minutes.
func (e *AlertEngine) CreateRule(ctx context.Context, rule *AlertRule) (storage.ID, error) {
	if rule.Name == "" {
		return storage.NilID, fmt.Errorf("%w: rule name is required", ErrValidation)
	}

	if !rule.Condition.IsValid() {
		return storage.NilID, fmt.Errorf("%w: unknown condition %q", ErrValidation, rule.Condition)
	}

	if rule.Condition == ConditionPatternMatch && rule.Pattern == "" {
		return storage.NilID, fmt.Errorf("%w: pattern_match requires a pattern", ErrValidation)
	}

	if rule.Severity == "" {
		rule.Severity = notify.SeverityWarning
	}

	if !rule.Severity.IsValid() {
		return storage.NilID, fmt.Errorf("%w: unknown severity %q", ErrValidation, rule.Severity)
	}

	if len(rule.Actions) == 0 {
		rule.Actions = []AlertAction{ActionNotify}
	}

	for _, a := range rule.Actions {
		if !a.IsValid() {
			return storage.NilID, fmt.Errorf("%w: unknown action %q", ErrValidation, a)
		}
	}

	if rule.MetricType == "" {
		rule.MetricType = "pipeline"
	}

	if rule.Condition == ConditionConsecutiveFailures && rule.ConsecutiveCount <= 0 {
		rule.ConsecutiveCount = defaultConsecutiveCount
	}

	if isRateCondition(rule.Condition) && rule.WindowMinutes <= 0 {
		rule.WindowMinutes = defaultRateWindowMinutes
	}

	rule.ID = storage.NewID()
	rule.Enabled = true
	rule.TriggerCount = 0
	rule.LastTriggered = nil
	rule.CreatedAt = e.now()
	rule.UpdatedAt = nil

	id, err := e.rules.InsertOne(ctx, rule)
	if err != nil {
		return storage.NilID, err
	}

	e.invalidateCache()

	e.logger.Info("alert rule created",
		slog.String("rule_id", id.Hex()),
		slog.String("name", rule.Name),
		slog.String("condition", string(rule.Condition)),
	)

	return id, nil
}

// GetRule loads one rule by id string.
func (e *AlertEngine) GetRule(ctx context.Context, id string) (*AlertRule, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return nil, err
	}

	var rule AlertRule
	if err := e.rules.FindOne(ctx, bson.M{"_id": oid}, &rule); err != nil {
		return nil, err
	}

	return &rule, nil
}

// ListRules returns all rules, optionally only enabled ones, newest first.
func (e *AlertEngine) ListRules(ctx context.Context, enabledOnly bool) ([]AlertRule, error) {
	filter := bson.M{}
	if enabledOnly {
		filter["enabled"] = true
	}

	var rules []AlertRule

	err := e.rules.Find(ctx, filter, &rules,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}

	return rules, nil
}

// UpdateRule applies a patch to a rule and invalidates the snapshot.
func (e *AlertEngine) UpdateRule(ctx context.Context, id string, patch RulePatch) (*AlertRule, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return nil, err
	}

	set := bson.M{"updated_at": e.now()}

	if patch.Description != nil {
		set["description"] = *patch.Description
	}

	if patch.MetricField != nil {
		set["metric_field"] = *patch.MetricField
	}

	if patch.Threshold != nil {
		set["threshold"] = *patch.Threshold
	}

	if patch.Pattern != nil {
		set["pattern"] = *patch.Pattern
	}

	if patch.WindowMinutes != nil {
		set["window_minutes"] = *patch.WindowMinutes
	}

	if patch.ConsecutiveCount != nil {
		set["consecutive_count"] = *patch.ConsecutiveCount
	}

	if patch.Severity != nil {
		if !patch.Severity.IsValid() {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, *patch.Severity)
		}

		set["severity"] = *patch.Severity
	}

	if patch.Actions != nil {
		for _, a := range patch.Actions {
			if !a.IsValid() {
				return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, a)
			}
		}

		set["actions"] = patch.Actions
	}

	if patch.CooldownMinutes != nil {
		set["cooldown_minutes"] = *patch.CooldownMinutes
	}

	if patch.Enabled != nil {
		set["enabled"] = *patch.Enabled
	}

	if patch.Tags != nil {
		set["tags"] = patch.Tags
	}

	var updated AlertRule
	if err := e.rules.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.M{"$set": set}, &updated); err != nil {
		return nil, err
	}

	e.invalidateCache()

	return &updated, nil
}

// DeleteRule removes a rule. Its trigger history stays.
func (e *AlertEngine) DeleteRule(ctx context.Context, id string) (bool, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return false, err
	}

	deleted, err := e.rules.DeleteByID(ctx, oid)
	if err != nil {
		return false, err
	}

	if deleted {
		e.invalidateCache()
	}

	return deleted, nil
}

// EvaluateMetric runs every applicable enabled rule against a finished
// metric and returns the triggers that fired. Rules are evaluated after the
// metric is persisted, so store-backed conditions (consecutive failures,
// rates) see the run itself. A rule that fails to evaluate is logged and
// skipped; one broken rule never blocks the rest.
func (e *AlertEngine) EvaluateMetric(ctx context.Context, m *PipelineMetric) ([]AlertTrigger, error) {
	rules, err := e.applicableRules(ctx, m.SourceID)
	if err != nil {
		return nil, err
	}

	var fired []AlertTrigger

	for i := range rules {
		trigger, err := e.evaluateRule(ctx, rules[i].ID, m)
		if err != nil {
			e.logger.Error("alert rule evaluation failed",
				slog.String("rule_id", rules[i].ID.Hex()),
				slog.String("rule_name", rules[i].Name),
				slog.Any("error", err),
			)

			continue
		}

		if trigger != nil {
			fired = append(fired, *trigger)
		}
	}

	return fired, nil
}

// evaluateRule re-reads the rule under its lock, checks cooldown, evaluates
// the condition, and fires on match. The fresh read makes the cooldown a
// proper read-modify-write even when the snapshot is stale.
func (e *AlertEngine) evaluateRule(ctx context.Context, ruleID storage.ID, m *PipelineMetric) (*AlertTrigger, error) {
	unlock := e.locks.Lock(ruleID.Hex())
	defer unlock()

	var rule AlertRule

	err := e.rules.FindOne(ctx, bson.M{"_id": ruleID}, &rule)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted since the snapshot was taken.
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if !rule.Enabled || e.inCooldown(&rule) {
		return nil, nil
	}

	matched, details, err := e.conditionMatches(ctx, &rule, m)
	if err != nil || !matched {
		return nil, err
	}

	return e.fire(ctx, &rule, m, details)
}

// inCooldown reports whether the rule triggered within its cooldown window.
func (e *AlertEngine) inCooldown(rule *AlertRule) bool {
	if rule.CooldownMinutes <= 0 || rule.LastTriggered == nil {
		return false
	}

	cooldown := time.Duration(rule.CooldownMinutes) * time.Minute

	return e.now().Before(rule.LastTriggered.Add(cooldown))
}

// conditionMatches evaluates one rule's condition against the metric.
func (e *AlertEngine) conditionMatches(ctx context.Context, rule *AlertRule, m *PipelineMetric) (bool, map[string]any, error) {
	details := map[string]any{
		"condition":    string(rule.Condition),
		"metric_field": rule.MetricField,
		"threshold":    rule.Threshold,
	}

	switch rule.Condition {
	case ConditionThresholdAbove, ConditionThresholdBelow, ConditionEquals, ConditionNotEquals, ConditionMissingData:
		value, ok := metricNumericField(m, rule.MetricField)
		if !ok {
			return false, nil, nil
		}

		details["actual"] = value

		return compareThreshold(rule.Condition, value, rule.Threshold), details, nil

	case ConditionConsecutiveFailures:
		count, err := e.consecutiveFailures(ctx, m.SourceID, m.Status, rule.ConsecutiveCount)
		if err != nil {
			return false, nil, err
		}

		details["consecutive_failures"] = count
		details["required"] = rule.ConsecutiveCount

		return count >= rule.ConsecutiveCount, details, nil

	case ConditionRateAbove, ConditionRateBelow:
		avg, sampled, err := e.windowedAverage(ctx, rule, m.SourceID)
		if err != nil {
			return false, nil, err
		}

		if !sampled {
			return false, nil, nil
		}

		details["actual"] = avg
		details["window_minutes"] = rule.WindowMinutes

		if rule.Condition == ConditionRateAbove {
			return avg > rule.Threshold, details, nil
		}

		return avg < rule.Threshold, details, nil

	case ConditionPatternMatch:
		value, ok := metricStringField(m, rule.MetricField)
		if !ok || value == "" {
			return false, nil, nil
		}

		matched, err := regexp.MatchString(rule.Pattern, value)
		if err != nil {
			return false, nil, fmt.Errorf("%w: bad pattern %q: %v", ErrValidation, rule.Pattern, err)
		}

		details["actual"] = value
		details["pattern"] = rule.Pattern

		return matched, details, nil

	default:
		return false, nil, fmt.Errorf("%w: unknown condition %q", ErrValidation, rule.Condition)
	}
}

// compareThreshold handles the stateless numeric conditions. missing_data
// means the referenced field stayed at zero for the whole run.
func compareThreshold(cond AlertCondition, value, threshold float64) bool {
	switch cond {
	case ConditionThresholdAbove:
		return value > threshold
	case ConditionThresholdBelow:
		return value < threshold
	case ConditionEquals:
		return value == threshold
	case ConditionNotEquals:
		return value != threshold
	case ConditionMissingData:
		return value == 0
	default:
		return false
	}
}

// consecutiveFailures counts the trailing failed runs of a source, newest
// first, stopping at the first run that is not failed. A current status
// other than failed resets the streak to zero without a store query.
func (e *AlertEngine) consecutiveFailures(ctx context.Context, sourceID storage.ID, current storage.CrawlStatus, limit int) (int, error) {
	if current != storage.CrawlStatusFailed {
		return 0, nil
	}

	if limit <= 0 {
		limit = defaultConsecutiveCount
	}

	var rows []struct {
		Status storage.CrawlStatus `bson:"status"`
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"status": 1})

	if err := e.metrics.Find(ctx, bson.M{"source_id": sourceID}, &rows, opts); err != nil {
		return 0, err
	}

	count := 0

	for _, row := range rows {
		if row.Status != storage.CrawlStatusFailed {
			break
		}

		count++
	}

	return count, nil
}

// windowedAverage averages the rule's metric field over its window. The
// boolean is false when the window holds no runs.
func (e *AlertEngine) windowedAverage(ctx context.Context, rule *AlertRule, sourceID storage.ID) (float64, bool, error) {
	since := e.now().Add(-time.Duration(rule.WindowMinutes) * time.Minute)
	field := rule.MetricField

	if field == "" {
		field = "error_count"
	}

	match := bson.M{"started_at": bson.M{"$gte": since}}
	if rule.SourceID != nil {
		match["source_id"] = *rule.SourceID
	} else {
		match["source_id"] = sourceID
	}

	pipeline := []bson.M{
		{"$match": match},
		{"$group": bson.M{
			"_id":  nil,
			"avg":  bson.M{"$avg": "$" + field},
			"runs": bson.M{"$sum": 1},
		}},
	}

	var rows []struct {
		Avg  float64 `bson:"avg"`
		Runs int64   `bson:"runs"`
	}

	if err := e.metrics.Aggregate(ctx, pipeline, &rows); err != nil {
		return 0, false, err
	}

	if len(rows) == 0 || rows[0].Runs == 0 {
		return 0, false, nil
	}

	return rows[0].Avg, true, nil
}

// fire builds the trigger, runs the rule's actions in order, records the
// trigger in alert_history and stamps the rule's cooldown state.
func (e *AlertEngine) fire(ctx context.Context, rule *AlertRule, m *PipelineMetric, details map[string]any) (*AlertTrigger, error) {
	now := e.now()
	trigger := &AlertTrigger{
		RuleID:           rule.ID,
		RuleName:         rule.Name,
		RunID:            m.RunID,
		TriggeredAt:      now,
		Severity:         rule.Severity,
		ConditionDetails: details,
	}

	if !m.SourceID.IsZero() {
		sourceID := m.SourceID
		trigger.SourceID = &sourceID
	}

	for _, action := range rule.Actions {
		e.runAction(ctx, action, rule, m, trigger)
		trigger.ActionsTaken = append(trigger.ActionsTaken, string(action))
	}

	id, err := e.history.InsertOne(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("record alert trigger: %w", err)
	}

	trigger.ID = id

	_, err = e.rules.UpdateByID(ctx, rule.ID, bson.M{
		"$set": bson.M{"last_triggered": now},
		"$inc": bson.M{"trigger_count": 1},
	})
	if err != nil {
		return nil, fmt.Errorf("stamp rule trigger: %w", err)
	}

	e.logger.Warn("alert rule fired",
		slog.String("rule_id", rule.ID.Hex()),
		slog.String("rule_name", rule.Name),
		slog.String("severity", string(rule.Severity)),
		slog.String("run_id", m.RunID),
	)

	return trigger, nil
}

// runAction executes one alert action. Action failures are recorded on the
// trigger or logged, never propagated: an unreachable notifier must not
// fail the evaluation.
func (e *AlertEngine) runAction(ctx context.Context, action AlertAction, rule *AlertRule, m *PipelineMetric, trigger *AlertTrigger) {
	switch action {
	case ActionNotify:
		receipt := e.dispatch(ctx, rule, m, trigger, rule.Severity, "Alert: "+rule.Name)
		trigger.NotificationSent = receipt != nil && receipt.Sent
		trigger.NotificationResult = receipt

	case ActionLog:
		e.logger.Warn("alert condition met",
			slog.String("rule_name", rule.Name),
			slog.String("run_id", m.RunID),
			slog.Any("details", trigger.ConditionDetails),
		)

	case ActionDisableSource:
		e.disableSource(ctx, m.SourceID, rule)

	case ActionEscalate:
		receipt := e.dispatch(ctx, rule, m, trigger, rule.Severity.Escalate(), "Escalated alert: "+rule.Name)
		if receipt != nil && receipt.Sent {
			trigger.NotificationSent = true
		}

	default:
		e.logger.Warn("skipping unknown alert action", slog.String("action", string(action)))
	}
}

// dispatch sends one notification for a trigger, bounded by the notifier
// timeout. Returns nil when the send failed.
func (e *AlertEngine) dispatch(ctx context.Context, rule *AlertRule, m *PipelineMetric, trigger *AlertTrigger, severity notify.Severity, title string) *notify.Receipt {
	sendCtx, cancel := context.WithTimeout(ctx, notify.DefaultSendTimeout)
	defer cancel()

	n := notify.Notification{
		Title:    title,
		Message:  fmt.Sprintf("rule %q matched on run %s", rule.Name, m.RunID),
		Severity: severity,
		Metadata: map[string]any{
			"rule_id":   rule.ID.Hex(),
			"condition": string(rule.Condition),
			"details":   trigger.ConditionDetails,
		},
	}

	if trigger.SourceID != nil {
		n.SourceID = trigger.SourceID.Hex()
	}

	receipt, err := e.notifier.Send(sendCtx, n)
	if err != nil {
		e.logger.Warn("alert notification failed",
			slog.String("rule_name", rule.Name),
			slog.Any("error", err),
		)

		return nil
	}

	return receipt
}

// disableSource flips the offending source to disabled so the scheduler
// stops running it.
func (e *AlertEngine) disableSource(ctx context.Context, sourceID storage.ID, rule *AlertRule) {
	if sourceID.IsZero() {
		return
	}

	_, err := e.sources.UpdateByID(ctx, sourceID, bson.M{"$set": bson.M{
		"status":     storage.SourceStatusDisabled,
		"updated_at": e.now(),
	}})
	if err != nil {
		e.logger.Error("disable_source action failed",
			slog.String("source_id", sourceID.Hex()),
			slog.String("rule_name", rule.Name),
			slog.Any("error", err),
		)

		return
	}

	e.logger.Warn("source disabled by alert rule",
		slog.String("source_id", sourceID.Hex()),
		slog.String("rule_name", rule.Name),
	)
}

// Acknowledge marks a trigger as seen by an operator.
func (e *AlertEngine) Acknowledge(ctx context.Context, triggerID, who string) error {
	oid, err := storage.ParseID(triggerID)
	if err != nil {
		return err
	}

	set := bson.M{
		"acknowledged":    true,
		"acknowledged_at": e.now(),
	}

	if who != "" {
		set["acknowledged_by"] = who
	}

	ok, err := e.history.UpdateByID(ctx, oid, bson.M{"$set": set})
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: alert trigger %s", storage.ErrNotFound, triggerID)
	}

	return nil
}

// Resolve closes a trigger with an optional note.
func (e *AlertEngine) Resolve(ctx context.Context, triggerID, note string) error {
	oid, err := storage.ParseID(triggerID)
	if err != nil {
		return err
	}

	set := bson.M{
		"resolved":    true,
		"resolved_at": e.now(),
	}

	if note != "" {
		set["resolution_note"] = note
	}

	ok, err := e.history.UpdateByID(ctx, oid, bson.M{"$set": set})
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: alert trigger %s", storage.ErrNotFound, triggerID)
	}

	return nil
}

// ListTriggers returns alert history matching the filter, newest first.
func (e *AlertEngine) ListTriggers(ctx context.Context, filter TriggerFilter, page storage.Pagination) ([]AlertTrigger, error) {
	page = storage.NormalizePagination(page)

	doc := bson.M{}

	if filter.SourceID != nil {
		doc["source_id"] = *filter.SourceID
	}

	if filter.RuleID != nil {
		doc["rule_id"] = *filter.RuleID
	}

	if filter.Resolved != nil {
		doc["resolved"] = *filter.Resolved
	}

	if filter.Acknowledged != nil {
		doc["acknowledged"] = *filter.Acknowledged
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "triggered_at", Value: -1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	triggers := make([]AlertTrigger, 0, page.Limit)
	if err := e.history.Find(ctx, doc, &triggers, opts); err != nil {
		return nil, err
	}

	return triggers, nil
}

// CountUnresolvedTriggers returns how many triggers are still open.
func (e *AlertEngine) CountUnresolvedTriggers(ctx context.Context) (int64, error) {
	return e.history.CountDocuments(ctx, bson.M{"resolved": false})
}

// applicableRules returns the enabled rules for a source (source-bound plus
// global) from the cached snapshot.
func (e *AlertEngine) applicableRules(ctx context.Context, sourceID storage.ID) ([]AlertRule, error) {
	snapshot, err := e.ruleSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	applicable := make([]AlertRule, 0, len(snapshot))

	for _, rule := range snapshot {
		if rule.SourceID == nil || *rule.SourceID == sourceID {
			applicable = append(applicable, rule)
		}
	}

	return applicable, nil
}

// ruleSnapshot serves the cached enabled-rule set, refreshing it when
// expired.
func (e *AlertEngine) ruleSnapshot(ctx context.Context) ([]AlertRule, error) {
	e.cacheMu.RLock()
	fresh := !e.cachedAt.IsZero() && e.now().Sub(e.cachedAt) < ruleCacheTTL
	snapshot := e.cached
	e.cacheMu.RUnlock()

	if fresh {
		return snapshot, nil
	}

	rules, err := e.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("refresh rule cache: %w", err)
	}

	e.cacheMu.Lock()
	e.cached = rules
	e.cachedAt = e.now()
	e.cacheMu.Unlock()

	return rules, nil
}

// invalidateCache drops the rule snapshot after a rule write.
func (e *AlertEngine) invalidateCache() {
	e.cacheMu.Lock()
	e.cachedAt = time.Time{}
	e.cached = nil
	e.cacheMu.Unlock()
}

// isRateCondition reports whether the condition aggregates over a window.
func isRateCondition(c AlertCondition) bool {
	return c == ConditionRateAbove || c == ConditionRateBelow
}

// metricNumericField resolves a numeric field of a metric by its wire name.
// Unknown names fall through to numeric metadata entries. An empty field
// name reads records_loaded, the field most rules watch.
func metricNumericField(m *PipelineMetric, field string) (float64, bool) {
	switch field {
	case "", "records_loaded":
		return float64(m.RecordsLoaded), true
	case "records_extracted":
		return float64(m.RecordsExtracted), true
	case "records_transformed":
		return float64(m.RecordsTransformed), true
	case "records_skipped":
		return float64(m.RecordsSkipped), true
	case "records_failed":
		return float64(m.RecordsFailed), true
	case "error_count":
		return float64(m.ErrorCount), true
	case "warning_count":
		return float64(m.WarningCount), true
	case "validation_passed":
		return float64(m.ValidationPassed), true
	case "validation_failed":
		return float64(m.ValidationFailed), true
	case "execution_time_ms":
		return float64(m.ExecutionTimeMillis), true
	case "quality_score":
		if m.QualityScore == nil {
			return 0, false
		}

		return *m.QualityScore, true
	case "memory_peak_mb":
		if m.MemoryPeakMB == nil {
			return 0, false
		}

		return *m.MemoryPeakMB, true
	case "cpu_time_ms":
		if m.CPUTimeMillis == nil {
			return 0, false
		}

		return float64(*m.CPUTimeMillis), true
	case "network_bytes":
		if m.NetworkBytes == nil {
			return 0, false
		}

		return float64(*m.NetworkBytes), true
	default:
		return numericMetadata(m.Metadata, field)
	}
}

// metricStringField resolves a string field of a metric by its wire name.
// An empty field name reads last_error, the field pattern rules watch.
func metricStringField(m *PipelineMetric, field string) (string, bool) {
	switch field {
	case "", "last_error":
		return m.LastError, true
	case "status":
		return string(m.Status), true
	case "category":
		return m.Category, true
	case "run_id":
		return m.RunID, true
	case "dag_id":
		return m.DagID, true
	default:
		if v, ok := m.Metadata[field].(string); ok {
			return v, true
		}

		return "", false
	}
}

// numericMetadata reads a numeric metadata entry.
func numericMetadata(metadata map[string]any, key string) (float64, bool) {
	switch v := metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
