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
)

const (
	// slaShutdownTimeout bounds how long Close waits for an in-flight
	// evaluation pass to finish.
	slaShutdownTimeout = 5 * time.Second

	// slaPassTimeout bounds one evaluation pass across all definitions.
	slaPassTimeout = 2 * time.Minute

	defaultSLAWindowHours = 24
)

// SLAType selects how the actual value is computed from pipeline metrics.
type SLAType string

// SLA types.
const (
	SLAAvailability SLAType = "availability"
	SLASuccessRate  SLAType = "success_rate"
	SLAErrorRate    SLAType = "error_rate"
	SLALatency      SLAType = "latency"
	SLAThroughput   SLAType = "throughput"
	SLAQuality      SLAType = "quality"
	SLAFreshness    SLAType = "freshness"
)

// IsValid returns true when the type is a known kind.
func (t SLAType) IsValid() bool {
	switch t {
	case SLAAvailability, SLASuccessRate, SLAErrorRate, SLALatency,
		SLAThroughput, SLAQuality, SLAFreshness:
		return true
	default:
		return false
	}
}

// LowerIsBetter reports the comparison direction: error rate, latency and
// staleness improve as they shrink, everything else as it grows.
func (t SLAType) LowerIsBetter() bool {
	switch t {
	case SLAErrorRate, SLALatency, SLAFreshness:
		return true
	default:
		return false
	}
}

// SLAStatus classifies one evaluation.
type SLAStatus string

// SLA statuses. Unknown means the window held no runs to measure.
const (
	SLACompliant SLAStatus = "compliant"
	SLAAtRisk    SLAStatus = "at_risk"
	SLABreached  SLAStatus = "breached"
	SLAUnknown   SLAStatus = "unknown"
)

type (
	// SLADefinition is one service objective over a source's pipeline runs.
	// A nil SourceID measures all sources together. CriticalThreshold marks
	// the tier where a breach notification must never be throttled away;
	// zero leaves it unset.
	SLADefinition struct {
		ID                storage.ID  `bson:"_id,omitempty"        json:"id"`
		Name              string      `bson:"name"                 json:"name"`
		Description       string      `bson:"description,omitempty" json:"description,omitempty"`
		SourceID          *storage.ID `bson:"source_id,omitempty"  json:"source_id,omitempty"`
		Type              SLAType     `bson:"sla_type"             json:"sla_type"`
		TargetValue       float64     `bson:"target_value"         json:"target_value"`
		WarningThreshold  float64     `bson:"warning_threshold"    json:"warning_threshold"`
		CriticalThreshold float64     `bson:"critical_threshold,omitempty" json:"critical_threshold,omitempty"`
		WindowHours       int         `bson:"window_hours"         json:"window_hours"`
		Enabled           bool        `bson:"enabled"              json:"enabled"`
		CreatedAt         time.Time   `bson:"created_at"           json:"created_at"`
		UpdatedAt         *time.Time  `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
	}

	// SLAEvaluation is one measured outcome, appended to sla_evaluations.
	SLAEvaluation struct {
		ID          storage.ID  `bson:"_id,omitempty"       json:"id"`
		SLAID       storage.ID  `bson:"sla_id"              json:"sla_id"`
		SLAName     string      `bson:"sla_name"            json:"sla_name"`
		Type        SLAType     `bson:"sla_type"            json:"sla_type"`
		SourceID    *storage.ID `bson:"source_id,omitempty" json:"source_id,omitempty"`
		Status      SLAStatus   `bson:"status"              json:"status"`
		ActualValue float64     `bson:"actual_value"        json:"actual_value"`
		TargetValue float64     `bson:"target_value"        json:"target_value"`
		WindowHours int         `bson:"window_hours"        json:"window_hours"`
		Samples     int64       `bson:"samples"             json:"samples"`
		EvaluatedAt time.Time   `bson:"evaluated_at"        json:"evaluated_at"`
	}

	// SLABreach records a non-compliant evaluation.
	SLABreach struct {
		ID               storage.ID      `bson:"_id,omitempty"       json:"id"`
		SLAID            storage.ID      `bson:"sla_id"              json:"sla_id"`
		SLAName          string          `bson:"sla_name"            json:"sla_name"`
		Type             SLAType         `bson:"sla_type"            json:"sla_type"`
		SourceID         *storage.ID     `bson:"source_id,omitempty" json:"source_id,omitempty"`
		Status           SLAStatus       `bson:"status"              json:"status"`
		ActualValue      float64         `bson:"actual_value"        json:"actual_value"`
		TargetValue      float64         `bson:"target_value"        json:"target_value"`
		Severity         notify.Severity `bson:"severity"            json:"severity"`
		NotificationSent bool            `bson:"notification_sent"   json:"notification_sent"`
		DetectedAt       time.Time       `bson:"detected_at"         json:"detected_at"`
	}

	// SLAPatch updates a definition. Nil fields are untouched.
	SLAPatch struct {
		Description       *string
		TargetValue       *float64
		WarningThreshold  *float64
		CriticalThreshold *float64
		WindowHours       *int
		Enabled           *bool
	}

	// ComplianceSummary rolls up the latest evaluation of every definition.
	ComplianceSummary struct {
		Total          int             `json:"total"`
		Compliant      int             `json:"compliant"`
		AtRisk         int             `json:"at_risk"`
		Breached       int             `json:"breached"`
		Unknown        int             `json:"unknown"`
		ComplianceRate float64         `json:"compliance_rate"`
		Evaluations    []SLAEvaluation `json:"evaluations"`
	}
)

// SLAMonitor evaluates SLA definitions against the pipeline metrics store.
// An optional background loop re-evaluates everything on an interval.
type SLAMonitor struct {
	definitions *storage.Collection
	evaluations *storage.Collection
	breaches    *storage.Collection
	metrics     *storage.Collection
	notifier    notify.Notifier
	logger      *slog.Logger
	now         func() time.Time

	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// SLAOption configures an SLAMonitor.
type SLAOption func(*SLAMonitor)

// WithSLAClock overrides the time source. Tests use this to pin timestamps.
func WithSLAClock(now func() time.Time) SLAOption {
	return func(m *SLAMonitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEvaluationLoop enables the periodic evaluation of all enabled
// definitions. Zero disables the loop.
func WithEvaluationLoop(interval time.Duration) SLAOption {
	return func(m *SLAMonitor) {
		m.interval = interval
	}
}

// NewSLAMonitor builds an SLA monitor dispatching breach notifications
// through the given notifier. When an evaluation loop is configured, the
// goroutine starts immediately and stops on Close.
func NewSLAMonitor(conn *storage.Connection, notifier notify.Notifier, logger *slog.Logger, opts ...SLAOption) *SLAMonitor {
	if logger == nil {
		logger = slog.Default()
	}

	m := &SLAMonitor{
		definitions: conn.Collection(storage.CollSLADefinitions),
		evaluations: conn.Collection(storage.CollSLAEvaluations),
		breaches:    conn.Collection(storage.CollSLABreaches),
		metrics:     conn.Collection(storage.CollPipelineMetrics),
		notifier:    notifier,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.interval > 0 {
		go m.runLoop()

		m.logger.Info("sla evaluation loop started", slog.Duration("interval", m.interval))
	}

	return m
}

// Close stops the evaluation loop, waiting briefly for the current pass to
// finish. Safe to call multiple times and without a configured loop.
func (m *SLAMonitor) Close() {
	m.closeOnce.Do(func() {
		if m.interval <= 0 {
			return
		}

		close(m.stop)

		select {
		case <-m.done:
		case <-time.After(slaShutdownTimeout):
			m.logger.Warn("sla evaluation loop did not stop within timeout")
		}
	})
}

// runLoop is the background goroutine re-evaluating all definitions. It
// runs until Close signals the stop channel; per-pass failures are logged
// and never crash the loop.
func (m *SLAMonitor) runLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-m.stop:
			cancel()
			m.logger.Info("stopping sla evaluation loop")

			return
		case <-ticker.C:
			passCtx, passCancel := context.WithTimeout(ctx, slaPassTimeout)

			if _, err := m.EvaluateAll(passCtx); err != nil {
				m.logger.Error("sla evaluation pass failed", slog.Any("error", err))
			}

			passCancel()
		}
	}
}

// CreateSLA validates and stores a definition. A zero warning threshold
// collapses to the target (no at-risk band); a zero window defaults to 24
// hours.
func (m *SLAMonitor) CreateSLA(ctx context.Context, def *SLADefinition) (storage.ID, error) {
	if def.Name == "" {
		return storage.NilID, fmt.Errorf("%w: sla name is required", ErrValidation)
	}

	if !def.Type.IsValid() {
		return storage.NilID, fmt.Errorf("%w: unknown sla type %q", ErrValidation, def.Type)
	}

	if def.WarningThreshold == 0 {
		def.WarningThreshold = def.TargetValue
	}

	if def.WindowHours <= 0 {
		def.WindowHours = defaultSLAWindowHours
	}

	def.ID = storage.NewID()
	def.Enabled = true
	def.CreatedAt = m.now()
	def.UpdatedAt = nil

	id, err := m.definitions.InsertOne(ctx, def)
	if err != nil {
		return storage.NilID, err
	}

	m.logger.Info("sla definition created",
		slog.String("sla_id", id.Hex()),
		slog.String("name", def.Name),
		slog.String("type", string(def.Type)),
	)

	return id, nil
}

// GetSLA loads one definition by id string.
func (m *SLAMonitor) GetSLA(ctx context.Context, id string) (*SLADefinition, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return nil, err
	}

	var def SLADefinition
	if err := m.definitions.FindOne(ctx, bson.M{"_id": oid}, &def); err != nil {
		return nil, err
	}

	return &def, nil
}

// ListSLAs returns all definitions, optionally only enabled ones.
func (m *SLAMonitor) ListSLAs(ctx context.Context, enabledOnly bool) ([]SLADefinition, error) {
	filter := bson.M{}
	if enabledOnly {
		filter["enabled"] = true
	}

	var defs []SLADefinition

	err := m.definitions.Find(ctx, filter, &defs,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}

	return defs, nil
}

// UpdateSLA applies a patch to a definition.
func (m *SLAMonitor) UpdateSLA(ctx context.Context, id string, patch SLAPatch) (*SLADefinition, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return nil, err
	}

	set := bson.M{"updated_at": m.now()}

	if patch.Description != nil {
		set["description"] = *patch.Description
	}

	if patch.TargetValue != nil {
		set["target_value"] = *patch.TargetValue
	}

	if patch.WarningThreshold != nil {
		set["warning_threshold"] = *patch.WarningThreshold
	}

	if patch.CriticalThreshold != nil {
		set["critical_threshold"] = *patch.CriticalThreshold
	}

	if patch.WindowHours != nil {
		set["window_hours"] = *patch.WindowHours
	}

	if patch.Enabled != nil {
		set["enabled"] = *patch.Enabled
	}

	var updated SLADefinition
	if err := m.definitions.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.M{"$set": set}, &updated); err != nil {
		return nil, err
	}

	return &updated, nil
}

// DeleteSLA removes a definition. Its evaluations and breaches stay.
func (m *SLAMonitor) DeleteSLA(ctx context.Context, id string) (bool, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return false, err
	}

	return m.definitions.DeleteByID(ctx, oid)
}

// EvaluateSLA measures one definition over its window, classifies the
// outcome and appends it to sla_evaluations. Non-compliant outcomes insert
// a breach and notify; an empty window yields status unknown and stays
// silent.
func (m *SLAMonitor) EvaluateSLA(ctx context.Context, id string) (*SLAEvaluation, error) {
	oid, err := storage.ParseID(id)
	if err != nil {
		return nil, err
	}

	var def SLADefinition
	if err := m.definitions.FindOne(ctx, bson.M{"_id": oid}, &def); err != nil {
		return nil, err
	}

	return m.evaluate(ctx, &def)
}

// EvaluateAll evaluates every enabled definition. A definition that fails
// to evaluate is logged and skipped.
func (m *SLAMonitor) EvaluateAll(ctx context.Context) ([]SLAEvaluation, error) {
	defs, err := m.ListSLAs(ctx, true)
	if err != nil {
		return nil, err
	}

	evaluations := make([]SLAEvaluation, 0, len(defs))

	for i := range defs {
		eval, err := m.evaluate(ctx, &defs[i])
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return evaluations, err
			}

			m.logger.Error("sla evaluation failed",
				slog.String("sla_id", defs[i].ID.Hex()),
				slog.String("name", defs[i].Name),
				slog.Any("error", err),
			)

			continue
		}

		evaluations = append(evaluations, *eval)
	}

	return evaluations, nil
}

// evaluate runs one definition end to end.
func (m *SLAMonitor) evaluate(ctx context.Context, def *SLADefinition) (*SLAEvaluation, error) {
	actual, samples, err := m.computeActual(ctx, def)
	if err != nil {
		return nil, err
	}

	eval := &SLAEvaluation{
		SLAID:       def.ID,
		SLAName:     def.Name,
		Type:        def.Type,
		SourceID:    def.SourceID,
		ActualValue: actual,
		TargetValue: def.TargetValue,
		WindowHours: def.WindowHours,
		Samples:     samples,
		EvaluatedAt: m.now(),
	}

	if samples == 0 {
		eval.Status = SLAUnknown
	} else {
		eval.Status = classifySLA(def, actual)
	}

	evalID, err := m.evaluations.InsertOne(ctx, eval)
	if err != nil {
		return nil, fmt.Errorf("record sla evaluation: %w", err)
	}

	eval.ID = evalID

	if eval.Status == SLAAtRisk || eval.Status == SLABreached {
		m.recordBreach(ctx, def, eval)
	}

	return eval, nil
}

// recordBreach notifies about a non-compliant evaluation and inserts the
// breach record. Notification failures are logged; the breach is recorded
// either way.
func (m *SLAMonitor) recordBreach(ctx context.Context, def *SLADefinition, eval *SLAEvaluation) {
	severity := notify.SeverityWarning
	if eval.Status == SLABreached {
		severity = notify.SeverityCritical
	}

	breach := &SLABreach{
		SLAID:       def.ID,
		SLAName:     def.Name,
		Type:        def.Type,
		SourceID:    def.SourceID,
		Status:      eval.Status,
		ActualValue: eval.ActualValue,
		TargetValue: def.TargetValue,
		Severity:    severity,
		DetectedAt:  eval.EvaluatedAt,
	}

	sendCtx, cancel := context.WithTimeout(ctx, notify.DefaultSendTimeout)
	defer cancel()

	n := notify.Notification{
		Title:    fmt.Sprintf("SLA %s: %s", eval.Status, def.Name),
		Message:  fmt.Sprintf("%s measured %.2f against target %.2f over %dh", def.Type, eval.ActualValue, def.TargetValue, def.WindowHours),
		Severity: severity,
		// Past the critical threshold the page must go out even when the
		// sink is throttling.
		SkipThrottle: failsCritical(def, eval.ActualValue),
		Metadata: map[string]any{
			"sla_id":   def.ID.Hex(),
			"sla_type": string(def.Type),
			"actual":   eval.ActualValue,
			"target":   def.TargetValue,
		},
	}

	if def.SourceID != nil {
		n.SourceID = def.SourceID.Hex()
	}

	receipt, err := m.notifier.Send(sendCtx, n)
	if err != nil {
		m.logger.Warn("sla breach notification failed",
			slog.String("sla_id", def.ID.Hex()),
			slog.Any("error", err),
		)
	}

	breach.NotificationSent = receipt != nil && receipt.Sent

	if _, err := m.breaches.InsertOne(ctx, breach); err != nil {
		m.logger.Error("sla breach insert failed",
			slog.String("sla_id", def.ID.Hex()),
			slog.Any("error", err),
		)

		return
	}

	m.logger.Warn("sla breach recorded",
		slog.String("sla_id", def.ID.Hex()),
		slog.String("name", def.Name),
		slog.String("status", string(eval.Status)),
		slog.Float64("actual", eval.ActualValue),
		slog.Float64("target", def.TargetValue),
	)
}

// classifySLA compares the actual value against the definition's target and
// warning thresholds with the direction the SLA type implies.
func classifySLA(def *SLADefinition, actual float64) SLAStatus {
	if def.Type.LowerIsBetter() {
		switch {
		case actual <= def.TargetValue:
			return SLACompliant
		case actual <= def.WarningThreshold:
			return SLAAtRisk
		default:
			return SLABreached
		}
	}

	switch {
	case actual >= def.TargetValue:
		return SLACompliant
	case actual >= def.WarningThreshold:
		return SLAAtRisk
	default:
		return SLABreached
	}
}

// failsCritical reports whether the actual value is past the critical
// threshold. An unset (zero) threshold never matches.
func failsCritical(def *SLADefinition, actual float64) bool {
	if def.CriticalThreshold == 0 {
		return false
	}

	if def.Type.LowerIsBetter() {
		return actual > def.CriticalThreshold
	}

	return actual < def.CriticalThreshold
}

// computeActual measures the definition's SLA type over its window. The
// sample count is zero when the window held nothing to measure.
func (m *SLAMonitor) computeActual(ctx context.Context, def *SLADefinition) (float64, int64, error) {
	if def.Type == SLAFreshness {
		return m.computeFreshness(ctx, def)
	}

	since := m.now().Add(-time.Duration(def.WindowHours) * time.Hour)

	match := bson.M{"started_at": bson.M{"$gte": since}}
	if def.SourceID != nil {
		match["source_id"] = *def.SourceID
	}

	usable := bson.A{string(storage.CrawlStatusSuccess), string(storage.CrawlStatusPartial)}
	group := bson.M{
		"_id":     nil,
		"total":   bson.M{"$sum": 1},
		"ok":      statusCond(storage.CrawlStatusSuccess),
		"usable":  bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$in": bson.A{"$status", usable}}, 1, 0}}},
		"errors":  bson.M{"$sum": "$error_count"},
		"loaded":  bson.M{"$sum": "$records_loaded"},
		"avg_ms":  bson.M{"$avg": "$execution_time_ms"},
		"quality": bson.M{"$avg": "$quality_score"},
		"scored":  bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$gt": bson.A{"$quality_score", nil}}, 1, 0}}},
	}

	var rows []struct {
		Total   int64    `bson:"total"`
		OK      int64    `bson:"ok"`
		Usable  int64    `bson:"usable"`
		Errors  int64    `bson:"errors"`
		Loaded  int64    `bson:"loaded"`
		AvgMS   float64  `bson:"avg_ms"`
		Quality *float64 `bson:"quality"`
		Scored  int64    `bson:"scored"`
	}

	pipeline := []bson.M{{"$match": match}, {"$group": group}}
	if err := m.metrics.Aggregate(ctx, pipeline, &rows); err != nil {
		return 0, 0, err
	}

	if len(rows) == 0 || rows[0].Total == 0 {
		return 0, 0, nil
	}

	row := rows[0]

	switch def.Type {
	case SLAAvailability:
		return float64(row.Usable) / float64(row.Total) * 100, row.Total, nil

	case SLASuccessRate:
		return float64(row.OK) / float64(row.Total) * 100, row.Total, nil

	case SLAErrorRate:
		if row.Loaded == 0 {
			if row.Errors > 0 {
				return 100, row.Total, nil
			}

			return 0, row.Total, nil
		}

		return float64(row.Errors) / float64(row.Loaded) * 100, row.Total, nil

	case SLALatency:
		return row.AvgMS, row.Total, nil

	case SLAThroughput:
		return float64(row.Loaded) / float64(def.WindowHours), row.Total, nil

	case SLAQuality:
		if row.Quality == nil || row.Scored == 0 {
			return 0, 0, nil
		}

		return *row.Quality, row.Scored, nil

	default:
		return 0, 0, fmt.Errorf("%w: unknown sla type %q", ErrValidation, def.Type)
	}
}

// computeFreshness measures hours since the last fully successful run.
func (m *SLAMonitor) computeFreshness(ctx context.Context, def *SLADefinition) (float64, int64, error) {
	filter := bson.M{"status": storage.CrawlStatusSuccess}
	if def.SourceID != nil {
		filter["source_id"] = *def.SourceID
	}

	var last PipelineMetric

	err := m.metrics.FindOne(ctx, filter, &last,
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}}))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, 0, nil
	}

	if err != nil {
		return 0, 0, err
	}

	ref := last.StartedAt
	if last.CompletedAt != nil {
		ref = *last.CompletedAt
	}

	return m.now().Sub(ref).Hours(), 1, nil
}

// ComplianceSummary returns the latest evaluation per definition with
// per-status counts. The rate counts compliant evaluations against all
// measurable ones; unknowns are excluded.
func (m *SLAMonitor) ComplianceSummary(ctx context.Context) (*ComplianceSummary, error) {
	pipeline := []bson.M{
		{"$sort": bson.M{"evaluated_at": -1}},
		{"$group": bson.M{
			"_id":    "$sla_id",
			"latest": bson.M{"$first": "$$ROOT"},
		}},
		{"$replaceRoot": bson.M{"newRoot": "$latest"}},
		{"$sort": bson.M{"sla_name": 1}},
	}

	var latest []SLAEvaluation
	if err := m.evaluations.Aggregate(ctx, pipeline, &latest); err != nil {
		return nil, err
	}

	summary := &ComplianceSummary{
		Total:       len(latest),
		Evaluations: latest,
	}

	for _, eval := range latest {
		switch eval.Status {
		case SLACompliant:
			summary.Compliant++
		case SLAAtRisk:
			summary.AtRisk++
		case SLABreached:
			summary.Breached++
		default:
			summary.Unknown++
		}
	}

	if measurable := summary.Total - summary.Unknown; measurable > 0 {
		summary.ComplianceRate = float64(summary.Compliant) / float64(measurable) * 100
	}

	return summary, nil
}

// ListBreaches returns recent breach records, newest first.
func (m *SLAMonitor) ListBreaches(ctx context.Context, page storage.Pagination) ([]SLABreach, error) {
	page = storage.NormalizePagination(page)

	opts := options.Find().
		SetSort(bson.D{{Key: "detected_at", Value: -1}}).
		SetSkip(int64(page.Skip)).
		SetLimit(int64(page.Limit))

	breaches := make([]SLABreach, 0, page.Limit)
	if err := m.breaches.Find(ctx, bson.M{}, &breaches, opts); err != nil {
		return nil, err
	}

	return breaches, nil
}
