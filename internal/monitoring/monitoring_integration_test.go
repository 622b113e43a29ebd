package monitoring

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
	"github.com/spindle-io/spindle/internal/notify"
	"github.com/spindle-io/spindle/internal/storage"
	"github.com/spindle-io/spindle/internal/workflow"
)

// captureNotifier records every dispatched notification.
type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureNotifier) Send(_ context.Context, n notify.Notification) (*notify.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, n)

	return &notify.Receipt{Sent: true, Channels: map[string]bool{"test": true}}, nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sent)
}

func (c *captureNotifier) last() notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sent[len(c.sent)-1]
}

// captureTrigger records workflow trigger calls and always succeeds.
type captureTrigger struct {
	mu     sync.Mutex
	dagIDs []string
}

func (c *captureTrigger) TriggerRun(_ context.Context, dagID string, _ map[string]any, _ string) (*workflow.TriggerResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dagIDs = append(c.dagIDs, dagID)

	return &workflow.TriggerResult{Success: true, DagID: dagID, RunID: "recovery__1"}, nil
}

func (c *captureTrigger) Runs(_ context.Context, _ string, _ int) (*workflow.RunsResult, error) {
	return &workflow.RunsResult{}, nil
}

func (c *captureTrigger) RunStatus(_ context.Context, _, runID string) (*workflow.RunInfo, error) {
	return &workflow.RunInfo{RunID: runID, State: "running"}, nil
}

func (c *captureTrigger) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.dagIDs)
}

// monitoringHarness bundles everything a monitoring integration test
// touches. All components share one controllable clock.
type monitoringHarness struct {
	collector *Collector
	engine    *AlertEngine
	slas      *SLAMonitor
	tracker   *FreshnessTracker
	dashboard *Dashboard
	store     *storage.Store
	conn      *storage.Connection
	notifier  *captureNotifier
	trigger   *captureTrigger
	sourceID  storage.ID
	clock     func() time.Time
	advance   func(time.Duration)
}

func setupMonitoring(ctx context.Context, t *testing.T) *monitoringHarness {
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

	notifier := &captureNotifier{}
	trigger := &captureTrigger{}

	collector := NewCollector(conn, logger, WithCollectorClock(clock))
	engine := NewAlertEngine(conn, notifier, logger, WithAlertClock(clock))
	slas := NewSLAMonitor(conn, notifier, logger, WithSLAClock(clock))
	t.Cleanup(slas.Close)

	tracker := NewFreshnessTracker(conn, notifier, logger,
		WithFreshnessClock(clock),
		WithRemediation(trigger),
	)
	t.Cleanup(tracker.Close)

	sourceID, err := store.CreateSource(ctx, &storage.Source{
		Name: "business daily news",
		URL:  "https://news.example.com",
		Type: storage.SourceTypeHTML,
	})
	require.NoError(t, err, "Failed to create source")

	return &monitoringHarness{
		collector: collector,
		engine:    engine,
		slas:      slas,
		tracker:   tracker,
		dashboard: NewDashboard(collector, engine, slas, tracker, logger),
		store:     store,
		conn:      conn,
		notifier:  notifier,
		trigger:   trigger,
		sourceID:  sourceID,
		clock:     clock,
		advance:   advance,
	}
}

// newSource creates an extra source for subtests that need isolated rules.
func (h *monitoringHarness) newSource(ctx context.Context, t *testing.T, name string) storage.ID {
	t.Helper()

	id, err := h.store.CreateSource(ctx, &storage.Source{
		Name: name,
		URL:  "https://example.com/" + name,
		Type: storage.SourceTypeCSV,
	})
	require.NoError(t, err, "Failed to create source %s", name)

	return id
}

// seedRun persists one finished pipeline metric that started age before the
// harness clock and ran for one minute.
func (h *monitoringHarness) seedRun(ctx context.Context, t *testing.T, sourceID storage.ID, runID string, status storage.CrawlStatus, age time.Duration, mutate func(*PipelineMetric)) *PipelineMetric {
	t.Helper()

	startedAt := h.clock().Add(-age)
	completedAt := startedAt.Add(time.Minute)

	m := &PipelineMetric{
		SourceID:    sourceID,
		RunID:       runID,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
		Status:      status,
	}

	if mutate != nil {
		mutate(m)
	}

	_, err := h.collector.RecordMetric(ctx, m)
	require.NoError(t, err, "Failed to seed run %s", runID)

	return m
}

func TestCollectorPersistenceAndStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupMonitoring(ctx, t)

	// Full lifecycle: start, patch, errors, complete.
	dagID := "daily_news_dag"
	_, err := h.collector.StartMetric(h.sourceID, "run-1", MetricPatch{DagID: &dagID})
	require.NoError(t, err)

	extracted, loaded := 50, 48
	require.NoError(t, h.collector.UpdateMetric("run-1", MetricPatch{
		RecordsExtracted: &extracted,
		RecordsLoaded:    &loaded,
	}))
	require.NoError(t, h.collector.RecordError("run-1", "parse", "malformed row"))

	h.advance(90 * time.Second)

	completed, err := h.collector.CompleteMetric(ctx, "run-1", storage.CrawlStatusPartial)
	require.NoError(t, err)
	assert.Equal(t, int64(90_000), completed.ExecutionTimeMillis)
	assert.Empty(t, h.collector.ActiveRuns(), "completion should drop the run from the in-process map")

	// Completing twice has nothing left to complete.
	_, err = h.collector.CompleteMetric(ctx, "run-1", storage.CrawlStatusSuccess)
	assert.ErrorIs(t, err, ErrNoActiveRun)

	persisted, err := h.collector.GetMetricByRunID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.CrawlStatusPartial, persisted.Status)
	assert.Equal(t, 48, persisted.RecordsLoaded)
	assert.Equal(t, 1, persisted.ErrorCount)
	assert.Equal(t, map[string]int{"parse": 1}, persisted.ErrorTypes)
	assert.Equal(t, "daily_news_dag", persisted.DagID)
	require.NotNil(t, persisted.CompletedAt)

	// A spread of finished runs for the aggregations. The clock sits at
	// 09:01:30, so the seeds start at 07:01:30, 06:31:30, 06:01:30 and
	// 05:01:30.
	second := h.newSource(ctx, t, "finance-feed")

	h.seedRun(ctx, t, h.sourceID, "run-2", storage.CrawlStatusSuccess, 2*time.Hour, func(m *PipelineMetric) {
		m.RecordsLoaded = 100
		m.Category = "news"
		m.ExecutionTimeMillis = 2000
		m.ErrorTypes = map[string]int{"timeout": 2}
		m.ErrorCount = 2
	})
	h.seedRun(ctx, t, h.sourceID, "run-3", storage.CrawlStatusSuccess, 2*time.Hour+30*time.Minute, func(m *PipelineMetric) {
		m.RecordsLoaded = 80
		m.Category = "news"
		m.ExecutionTimeMillis = 1000
	})
	h.seedRun(ctx, t, h.sourceID, "run-4", storage.CrawlStatusFailed, 3*time.Hour, func(m *PipelineMetric) {
		m.Category = "news"
		m.ExecutionTimeMillis = 500
		m.ErrorTypes = map[string]int{"timeout": 1, "parse": 1}
		m.ErrorCount = 2
		m.LastError = "fetch timed out"
	})
	h.seedRun(ctx, t, second, "run-5", storage.CrawlStatusSuccess, 4*time.Hour, func(m *PipelineMetric) {
		m.RecordsLoaded = 40
		m.Category = "finance"
		m.ExecutionTimeMillis = 3000
	})

	t.Run("aggregate stats", func(t *testing.T) {
		stats, err := h.collector.AggregateStats(ctx, nil, 24)
		require.NoError(t, err)

		assert.Equal(t, int64(5), stats.TotalRuns)
		assert.InDelta(t, 60.0, stats.SuccessRate, 0.01) // 3 success of 5
		assert.InDelta(t, 20.0, stats.ErrorRate, 0.01)   // 1 failed of 5
		assert.Equal(t, int64(268), stats.TotalRecordsLoaded)
		assert.Equal(t, int64(5), stats.TotalErrors)
		assert.Len(t, stats.ByStatus, 3)
	})

	t.Run("aggregate stats scoped to source", func(t *testing.T) {
		stats, err := h.collector.AggregateStats(ctx, &second, 24)
		require.NoError(t, err)

		assert.Equal(t, int64(1), stats.TotalRuns)
		assert.InDelta(t, 100.0, stats.SuccessRate, 0.01)
	})

	t.Run("source stats ordered by volume", func(t *testing.T) {
		rows, err := h.collector.SourceStats(ctx, 24, 10)
		require.NoError(t, err)

		require.Len(t, rows, 2)
		assert.Equal(t, h.sourceID, rows[0].SourceID)
		assert.Equal(t, int64(4), rows[0].TotalRuns)
		assert.InDelta(t, 50.0, rows[0].SuccessRate, 0.01) // 2 success of 4
		assert.Equal(t, second, rows[1].SourceID)
		assert.Equal(t, int64(1), rows[1].TotalRuns)
	})

	t.Run("category stats", func(t *testing.T) {
		rows, err := h.collector.CategoryStats(ctx, 24)
		require.NoError(t, err)

		byCategory := make(map[string]CategoryStats, len(rows))
		for _, row := range rows {
			byCategory[row.Category] = row
		}

		assert.Equal(t, int64(3), byCategory["news"].TotalRuns)
		assert.Equal(t, int64(1), byCategory["finance"].TotalRuns)
		// run-1 was seeded without a category.
		assert.Equal(t, int64(1), byCategory["uncategorized"].TotalRuns)
	})

	t.Run("error distribution", func(t *testing.T) {
		rows, err := h.collector.ErrorDistribution(ctx, nil, 24)
		require.NoError(t, err)

		byType := make(map[string]int64, len(rows))
		for _, row := range rows {
			byType[row.Type] = row.Count
		}

		assert.Equal(t, int64(3), byType["timeout"])
		assert.Equal(t, int64(2), byType["parse"])
	})

	t.Run("hourly trend", func(t *testing.T) {
		rows, err := h.collector.HourlyTrend(ctx, nil, 24)
		require.NoError(t, err)
		require.NotEmpty(t, rows)

		byHour := make(map[string]HourlyBucket, len(rows))
		for _, row := range rows {
			byHour[row.Hour] = row
		}

		assert.Equal(t, int64(1), byHour["2026-03-02T09:00:00Z"].Runs) // run-1
		assert.Equal(t, int64(1), byHour["2026-03-02T07:00:00Z"].Runs) // run-2
		assert.Equal(t, int64(2), byHour["2026-03-02T06:00:00Z"].Runs) // run-3, run-4
		assert.Equal(t, int64(1), byHour["2026-03-02T05:00:00Z"].Runs) // run-5
		assert.Equal(t, int64(1), byHour["2026-03-02T06:00:00Z"].Failed)
	})
}

func TestAlertEngineEvaluation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupMonitoring(ctx, t)

	t.Run("rule validation", func(t *testing.T) {
		_, err := h.engine.CreateRule(ctx, &AlertRule{Name: "", Condition: ConditionEquals})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = h.engine.CreateRule(ctx, &AlertRule{Name: "x", Condition: "sideways"})
		assert.ErrorIs(t, err, ErrValidation)

		_, err = h.engine.CreateRule(ctx, &AlertRule{Name: "x", Condition: ConditionPatternMatch})
		assert.ErrorIs(t, err, ErrValidation, "pattern_match needs a pattern")

		_, err = h.engine.CreateRule(ctx, &AlertRule{Name: "x", Condition: ConditionEquals, Actions: []AlertAction{"page"}})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("threshold rule with cooldown", func(t *testing.T) {
		src := h.newSource(ctx, t, "threshold-source")

		ruleID, err := h.engine.CreateRule(ctx, &AlertRule{
			Name:            "errors present",
			SourceID:        &src,
			Condition:       ConditionThresholdAbove,
			MetricField:     "error_count",
			Threshold:       0,
			CooldownMinutes: 30,
		})
		require.NoError(t, err)

		rule, err := h.engine.GetRule(ctx, ruleID.Hex())
		require.NoError(t, err)
		assert.Equal(t, notify.SeverityWarning, rule.Severity, "severity should default to warning")
		assert.Equal(t, []AlertAction{ActionNotify}, rule.Actions, "actions should default to notify")
		assert.True(t, rule.Enabled)

		m := h.seedRun(ctx, t, src, "thr-1", storage.CrawlStatusPartial, time.Minute, func(m *PipelineMetric) {
			m.ErrorCount = 3
		})

		before := h.notifier.count()

		fired, err := h.engine.EvaluateMetric(ctx, m)
		require.NoError(t, err)
		require.Len(t, fired, 1)

		trigger := fired[0]
		assert.Equal(t, "errors present", trigger.RuleName)
		assert.Equal(t, notify.SeverityWarning, trigger.Severity)
		assert.Equal(t, []string{"notify"}, trigger.ActionsTaken)
		assert.True(t, trigger.NotificationSent)
		require.NotNil(t, trigger.NotificationResult)
		assert.False(t, trigger.Acknowledged)
		assert.False(t, trigger.Resolved)
		assert.EqualValues(t, 3, trigger.ConditionDetails["actual"])
		assert.Equal(t, before+1, h.notifier.count())

		// The rule carries its cooldown state.
		rule, err = h.engine.GetRule(ctx, ruleID.Hex())
		require.NoError(t, err)
		assert.Equal(t, int64(1), rule.TriggerCount)
		require.NotNil(t, rule.LastTriggered)

		// Within the cooldown nothing fires.
		fired, err = h.engine.EvaluateMetric(ctx, m)
		require.NoError(t, err)
		assert.Empty(t, fired)
		assert.Equal(t, before+1, h.notifier.count())

		// Past the cooldown it fires again.
		h.advance(31 * time.Minute)

		fired, err = h.engine.EvaluateMetric(ctx, m)
		require.NoError(t, err)
		assert.Len(t, fired, 1)

		// Disabling the rule takes effect immediately, not at cache expiry.
		enabled := false
		_, err = h.engine.UpdateRule(ctx, ruleID.Hex(), RulePatch{Enabled: &enabled})
		require.NoError(t, err)

		h.advance(31 * time.Minute)

		fired, err = h.engine.EvaluateMetric(ctx, m)
		require.NoError(t, err)
		assert.Empty(t, fired)
	})

	t.Run("consecutive failures disable the source", func(t *testing.T) {
		src := h.newSource(ctx, t, "flaky-source")

		_, err := h.engine.CreateRule(ctx, &AlertRule{
			Name:             "three strikes",
			SourceID:         &src,
			Condition:        ConditionConsecutiveFailures,
			ConsecutiveCount: 3,
			Severity:         notify.SeverityError,
			Actions:          []AlertAction{ActionLog, ActionDisableSource, ActionEscalate},
		})
		require.NoError(t, err)

		h.seedRun(ctx, t, src, "cf-1", storage.CrawlStatusFailed, 3*time.Hour, nil)
		secondFailure := h.seedRun(ctx, t, src, "cf-2", storage.CrawlStatusFailed, 2*time.Hour, nil)

		// Two failures are not enough.
		fired, err := h.engine.EvaluateMetric(ctx, secondFailure)
		require.NoError(t, err)
		assert.Empty(t, fired)

		thirdFailure := h.seedRun(ctx, t, src, "cf-3", storage.CrawlStatusFailed, time.Hour, nil)

		fired, err = h.engine.EvaluateMetric(ctx, thirdFailure)
		require.NoError(t, err)
		require.Len(t, fired, 1)

		trigger := fired[0]
		assert.Equal(t, []string{"log", "disable_source", "escalate"}, trigger.ActionsTaken)
		assert.EqualValues(t, 3, trigger.ConditionDetails["consecutive_failures"])
		assert.True(t, trigger.NotificationSent, "escalate dispatches a notification")

		// Escalation goes out one tier above the rule severity.
		assert.Equal(t, notify.SeverityCritical, h.notifier.last().Severity)

		disabled, err := h.store.GetSource(ctx, src.Hex())
		require.NoError(t, err)
		assert.Equal(t, storage.SourceStatusDisabled, disabled.Status)

		// A successful run resets the streak.
		recovered := h.seedRun(ctx, t, src, "cf-4", storage.CrawlStatusSuccess, 30*time.Minute, nil)

		fired, err = h.engine.EvaluateMetric(ctx, recovered)
		require.NoError(t, err)
		assert.Empty(t, fired)
	})

	t.Run("rate condition averages the window", func(t *testing.T) {
		src := h.newSource(ctx, t, "rate-source")

		_, err := h.engine.CreateRule(ctx, &AlertRule{
			Name:          "error rate climbing",
			SourceID:      &src,
			Condition:     ConditionRateAbove,
			MetricField:   "error_count",
			Threshold:     2,
			WindowMinutes: 60,
		})
		require.NoError(t, err)

		h.seedRun(ctx, t, src, "rate-1", storage.CrawlStatusPartial, 40*time.Minute, func(m *PipelineMetric) { m.ErrorCount = 2 })
		h.seedRun(ctx, t, src, "rate-2", storage.CrawlStatusPartial, 20*time.Minute, func(m *PipelineMetric) { m.ErrorCount = 3 })
		latest := h.seedRun(ctx, t, src, "rate-3", storage.CrawlStatusPartial, 5*time.Minute, func(m *PipelineMetric) { m.ErrorCount = 4 })

		fired, err := h.engine.EvaluateMetric(ctx, latest)
		require.NoError(t, err)
		require.Len(t, fired, 1)

		actual, ok := fired[0].ConditionDetails["actual"].(float64)
		require.True(t, ok)
		assert.InDelta(t, 3.0, actual, 0.01)
	})

	t.Run("pattern match on the last error", func(t *testing.T) {
		src := h.newSource(ctx, t, "pattern-source")

		_, err := h.engine.CreateRule(ctx, &AlertRule{
			Name:        "timeouts in errors",
			SourceID:    &src,
			Condition:   ConditionPatternMatch,
			MetricField: "last_error",
			Pattern:     "(?i)timeout",
		})
		require.NoError(t, err)

		match := h.seedRun(ctx, t, src, "pat-1", storage.CrawlStatusFailed, 10*time.Minute, func(m *PipelineMetric) {
			m.LastError = "connection TIMEOUT after 30s"
		})

		fired, err := h.engine.EvaluateMetric(ctx, match)
		require.NoError(t, err)
		assert.Len(t, fired, 1)

		miss := h.seedRun(ctx, t, src, "pat-2", storage.CrawlStatusFailed, 5*time.Minute, func(m *PipelineMetric) {
			m.LastError = "dns lookup failed"
		})

		fired, err = h.engine.EvaluateMetric(ctx, miss)
		require.NoError(t, err)
		assert.Empty(t, fired)
	})

	t.Run("missing data", func(t *testing.T) {
		src := h.newSource(ctx, t, "silent-source")

		_, err := h.engine.CreateRule(ctx, &AlertRule{
			Name:        "no records loaded",
			SourceID:    &src,
			Condition:   ConditionMissingData,
			MetricField: "records_loaded",
		})
		require.NoError(t, err)

		empty := h.seedRun(ctx, t, src, "md-1", storage.CrawlStatusSuccess, 10*time.Minute, nil)

		fired, err := h.engine.EvaluateMetric(ctx, empty)
		require.NoError(t, err)
		assert.Len(t, fired, 1)

		loaded := h.seedRun(ctx, t, src, "md-2", storage.CrawlStatusSuccess, 5*time.Minute, func(m *PipelineMetric) {
			m.RecordsLoaded = 12
		})

		fired, err = h.engine.EvaluateMetric(ctx, loaded)
		require.NoError(t, err)
		assert.Empty(t, fired)
	})

	t.Run("acknowledge and resolve", func(t *testing.T) {
		resolved := false
		open, err := h.engine.ListTriggers(ctx, TriggerFilter{Resolved: &resolved}, storage.Pagination{})
		require.NoError(t, err)
		require.NotEmpty(t, open)

		id := open[0].ID.Hex()

		require.NoError(t, h.engine.Acknowledge(ctx, id, "alice"))
		require.NoError(t, h.engine.Resolve(ctx, id, "restarted the crawler"))

		var after AlertTrigger
		require.NoError(t, h.conn.Collection(storage.CollAlertHistory).FindOne(ctx, bson.M{"_id": open[0].ID}, &after))
		assert.True(t, after.Acknowledged)
		assert.Equal(t, "alice", after.AcknowledgedBy)
		require.NotNil(t, after.AcknowledgedAt)
		assert.True(t, after.Resolved)
		assert.Equal(t, "restarted the crawler", after.ResolutionNote)

		assert.ErrorIs(t, h.engine.Acknowledge(ctx, storage.NewID().Hex(), "bob"), storage.ErrNotFound)
		assert.ErrorIs(t, h.engine.Resolve(ctx, "not-a-hex-id", ""), storage.ErrInvalidID)
	})
}

func TestSLAMonitorEvaluation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupMonitoring(ctx, t)

	// 8 successes and 2 failures inside the 24h window: success rate 80%,
	// avg latency 1800ms, 10 errors over 800 loaded records.
	for i := 0; i < 8; i++ {
		h.seedRun(ctx, t, h.sourceID, fmt.Sprintf("ok-%d", i), storage.CrawlStatusSuccess, time.Duration(i+1)*time.Hour, func(m *PipelineMetric) {
			m.RecordsLoaded = 100
			m.ExecutionTimeMillis = 2000
		})
	}
	for i := 0; i < 2; i++ {
		h.seedRun(ctx, t, h.sourceID, fmt.Sprintf("fail-%d", i), storage.CrawlStatusFailed, time.Duration(i+10)*time.Hour, func(m *PipelineMetric) {
			m.ErrorCount = 5
			m.ExecutionTimeMillis = 1000
		})
	}

	t.Run("at-risk success rate", func(t *testing.T) {
		id, err := h.slas.CreateSLA(ctx, &SLADefinition{
			Name:             "news success rate",
			SourceID:         &h.sourceID,
			Type:             SLASuccessRate,
			TargetValue:      95,
			WarningThreshold: 75,
		})
		require.NoError(t, err)

		before := h.notifier.count()

		eval, err := h.slas.EvaluateSLA(ctx, id.Hex())
		require.NoError(t, err)
		assert.Equal(t, SLAAtRisk, eval.Status)
		assert.InDelta(t, 80.0, eval.ActualValue, 0.01)
		assert.Equal(t, int64(10), eval.Samples)

		assert.Equal(t, before+1, h.notifier.count())
		assert.Equal(t, notify.SeverityWarning, h.notifier.last().Severity)

		breaches, err := h.slas.ListBreaches(ctx, storage.Pagination{})
		require.NoError(t, err)
		require.Len(t, breaches, 1)
		assert.Equal(t, SLAAtRisk, breaches[0].Status)
		assert.True(t, breaches[0].NotificationSent)
	})

	t.Run("breached latency", func(t *testing.T) {
		id, err := h.slas.CreateSLA(ctx, &SLADefinition{
			Name:              "news latency",
			SourceID:          &h.sourceID,
			Type:              SLALatency,
			TargetValue:       500,
			WarningThreshold:  1000,
			CriticalThreshold: 5000,
		})
		require.NoError(t, err)

		eval, err := h.slas.EvaluateSLA(ctx, id.Hex())
		require.NoError(t, err)
		assert.Equal(t, SLABreached, eval.Status)
		assert.InDelta(t, 1800.0, eval.ActualValue, 0.01)

		last := h.notifier.last()
		assert.Equal(t, notify.SeverityCritical, last.Severity)
		assert.False(t, last.SkipThrottle, "1800ms is still inside the critical threshold")
	})

	t.Run("error rate and throughput", func(t *testing.T) {
		errID, err := h.slas.CreateSLA(ctx, &SLADefinition{
			Name:             "news error rate",
			SourceID:         &h.sourceID,
			Type:             SLAErrorRate,
			TargetValue:      1,
			WarningThreshold: 2,
		})
		require.NoError(t, err)

		eval, err := h.slas.EvaluateSLA(ctx, errID.Hex())
		require.NoError(t, err)
		assert.Equal(t, SLAAtRisk, eval.Status)
		assert.InDelta(t, 1.25, eval.ActualValue, 0.01) // 10 errors per 800 records

		thrID, err := h.slas.CreateSLA(ctx, &SLADefinition{
			Name:             "news throughput",
			SourceID:         &h.sourceID,
			Type:             SLAThroughput,
			TargetValue:      30,
			WarningThreshold: 20,
		})
		require.NoError(t, err)

		before := h.notifier.count()

		eval, err = h.slas.EvaluateSLA(ctx, thrID.Hex())
		require.NoError(t, err)
		assert.Equal(t, SLACompliant, eval.Status)
		assert.InDelta(t, 800.0/24.0, eval.ActualValue, 0.01)
		assert.Equal(t, before, h.notifier.count(), "compliant evaluations stay silent")
	})

	t.Run("no data yields unknown", func(t *testing.T) {
		id, err := h.slas.CreateSLA(ctx, &SLADefinition{
			Name:             "news quality",
			SourceID:         &h.sourceID,
			Type:             SLAQuality,
			TargetValue:      0.8,
			WarningThreshold: 0.6,
		})
		require.NoError(t, err)

		before := h.notifier.count()

		eval, err := h.slas.EvaluateSLA(ctx, id.Hex())
		require.NoError(t, err)
		assert.Equal(t, SLAUnknown, eval.Status, "no run carries a quality score")
		assert.Equal(t, int64(0), eval.Samples)
		assert.Equal(t, before, h.notifier.count())
	})

	t.Run("freshness against last success", func(t *testing.T) {
		id, err := h.slas.CreateSLA(ctx, &SLADefinition{
			Name:             "news freshness",
			SourceID:         &h.sourceID,
			Type:             SLAFreshness,
			TargetValue:      24,
			WarningThreshold: 36,
		})
		require.NoError(t, err)

		eval, err := h.slas.EvaluateSLA(ctx, id.Hex())
		require.NoError(t, err)
		assert.Equal(t, SLACompliant, eval.Status)
		// The newest success started an hour ago and ran for a minute.
		assert.InDelta(t, 1.0, eval.ActualValue, 0.1)
	})

	t.Run("compliance summary tracks the latest evaluation", func(t *testing.T) {
		h.advance(time.Minute)

		evals, err := h.slas.EvaluateAll(ctx)
		require.NoError(t, err)
		assert.Len(t, evals, 6)

		summary, err := h.slas.ComplianceSummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, summary.Total)
		assert.Equal(t, 2, summary.Compliant) // throughput, freshness
		assert.Equal(t, 2, summary.AtRisk)    // success rate, error rate
		assert.Equal(t, 1, summary.Breached)  // latency
		assert.Equal(t, 1, summary.Unknown)   // quality
		assert.InDelta(t, 40.0, summary.ComplianceRate, 0.01)
		assert.Len(t, summary.Evaluations, 6)

		// Loosening the success-rate target flips the latest evaluation.
		defs, err := h.slas.ListSLAs(ctx, true)
		require.NoError(t, err)

		var successID storage.ID

		for _, def := range defs {
			if def.Type == SLASuccessRate {
				successID = def.ID
			}
		}

		require.False(t, successID.IsZero())

		target := 75.0
		_, err = h.slas.UpdateSLA(ctx, successID.Hex(), SLAPatch{TargetValue: &target})
		require.NoError(t, err)

		h.advance(time.Minute)

		_, err = h.slas.EvaluateSLA(ctx, successID.Hex())
		require.NoError(t, err)

		summary, err = h.slas.ComplianceSummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, summary.Compliant)
		assert.Equal(t, 1, summary.AtRisk)
		assert.InDelta(t, 60.0, summary.ComplianceRate, 0.01)
	})
}

func TestFreshnessTracking(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupMonitoring(ctx, t)

	t.Run("threshold walk with alert cooldown", func(t *testing.T) {
		// Last successful run 30h ago against a 24/36/48 config.
		h.seedRun(ctx, t, h.sourceID, "fresh-1", storage.CrawlStatusSuccess, 30*time.Hour, func(m *PipelineMetric) {
			m.RecordsLoaded = 10
		})

		_, err := h.tracker.SetConfig(ctx, &FreshnessConfig{
			SourceID:               h.sourceID,
			ExpectedFrequencyHours: 24,
			WarningThresholdHours:  36,
			CriticalThresholdHours: 48,
			AlertOnStale:           true,
			AlertOnCritical:        true,
			AlertCooldownHours:     4,
			Enabled:                true,
		})
		require.NoError(t, err)

		state, err := h.tracker.CheckFreshness(ctx, h.sourceID.Hex())
		require.NoError(t, err)
		assert.Equal(t, FreshnessFresh, state.Status)
		assert.InDelta(t, 30.0, state.AgeHours, 0.1)
		assert.False(t, state.AlertSent)
		assert.Equal(t, 0, h.notifier.count())

		// 37h old: stale, one warning goes out.
		h.advance(7 * time.Hour)

		state, err = h.tracker.CheckFreshness(ctx, h.sourceID.Hex())
		require.NoError(t, err)
		assert.Equal(t, FreshnessStale, state.Status)
		assert.True(t, state.AlertSent)
		assert.Equal(t, 1, h.notifier.count())
		assert.Equal(t, notify.SeverityWarning, h.notifier.last().Severity)

		// 49h old and outside the 4h cooldown: critical pages once.
		h.advance(12 * time.Hour)

		state, err = h.tracker.CheckFreshness(ctx, h.sourceID.Hex())
		require.NoError(t, err)
		assert.Equal(t, FreshnessCritical, state.Status)
		assert.True(t, state.AlertSent)
		assert.Equal(t, 2, h.notifier.count())
		assert.Equal(t, notify.SeverityCritical, h.notifier.last().Severity)

		// A second check at the same age stays inside the cooldown.
		state, err = h.tracker.CheckFreshness(ctx, h.sourceID.Hex())
		require.NoError(t, err)
		assert.Equal(t, FreshnessCritical, state.Status)
		assert.False(t, state.AlertSent)
		assert.Equal(t, 2, h.notifier.count(), "cooldown must swallow the repeat alert")

		cfg, err := h.tracker.GetConfig(ctx, h.sourceID)
		require.NoError(t, err)
		require.NotNil(t, cfg.LastAlertAt)

		history, err := h.tracker.History(ctx, h.sourceID, 10)
		require.NoError(t, err)
		assert.Len(t, history, 4)
		assert.Equal(t, FreshnessCritical, history[0].Status, "history is newest first")
	})

	t.Run("unconfigured source classifies but stays silent", func(t *testing.T) {
		src := h.newSource(ctx, t, "quiet-source")

		before := h.notifier.count()

		state, err := h.tracker.CheckFreshness(ctx, src.Hex())
		require.NoError(t, err)
		assert.Equal(t, FreshnessUnknown, state.Status, "no usable run to measure from")
		assert.Equal(t, before, h.notifier.count())

		// With an old partial run it classifies against the 24/36/48
		// defaults without paging anyone.
		h.seedRun(ctx, t, src, "quiet-1", storage.CrawlStatusPartial, 40*time.Hour, nil)

		state, err = h.tracker.CheckFreshness(ctx, src.Hex())
		require.NoError(t, err)
		assert.Equal(t, FreshnessStale, state.Status)
		assert.False(t, state.AlertSent)
		assert.Equal(t, before, h.notifier.count())
	})

	t.Run("critical staleness triggers one recovery run", func(t *testing.T) {
		src := h.newSource(ctx, t, "self-healing-source")

		_, err := h.store.CreateCrawler(ctx, &storage.Crawler{
			SourceID: src,
			DagID:    "self_healing_dag",
			Code:     "def crawl(): ...",
		}, "initial version")
		require.NoError(t, err)

		_, err = h.tracker.SetConfig(ctx, &FreshnessConfig{
			SourceID:               src,
			ExpectedFrequencyHours: 24,
			AutoRemediate:          true,
			AlertCooldownHours:     4,
			Enabled:                true,
		})
		require.NoError(t, err)

		h.seedRun(ctx, t, src, "heal-1", storage.CrawlStatusSuccess, 50*time.Hour, nil)

		alertsBefore := h.notifier.count()

		state, err := h.tracker.CheckFreshness(ctx, src.Hex())
		require.NoError(t, err)
		assert.Equal(t, FreshnessCritical, state.Status)
		assert.True(t, state.RemediationTriggered)
		assert.Equal(t, "recovery__1", state.RemediationRunID)
		assert.Equal(t, 1, h.trigger.calls())
		assert.Equal(t, alertsBefore, h.notifier.count(), "remediation without alert flags stays quiet")

		// The shared cooldown holds the second recovery back.
		state, err = h.tracker.CheckFreshness(ctx, src.Hex())
		require.NoError(t, err)
		assert.False(t, state.RemediationTriggered)
		assert.Equal(t, 1, h.trigger.calls())
	})

	t.Run("auto configure from observed cadence", func(t *testing.T) {
		steady := h.newSource(ctx, t, "steady-source")
		sparse := h.newSource(ctx, t, "sparse-source")

		for i := 0; i < 3; i++ {
			h.seedRun(ctx, t, steady, fmt.Sprintf("steady-%d", i), storage.CrawlStatusSuccess, time.Duration(6*(i+1))*time.Hour, nil)
		}
		h.seedRun(ctx, t, sparse, "sparse-1", storage.CrawlStatusSuccess, time.Hour, nil)

		created, err := h.tracker.AutoConfigure(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, created, "only the steady source has a measurable cadence and no config")

		cfg, err := h.tracker.GetConfig(ctx, steady)
		require.NoError(t, err)
		assert.InDelta(t, 6.0, cfg.ExpectedFrequencyHours, 0.01)
		assert.InDelta(t, 9.0, cfg.WarningThresholdHours, 0.01)
		assert.InDelta(t, 12.0, cfg.CriticalThresholdHours, 0.01)
		assert.True(t, cfg.AutoConfigured)

		_, err = h.tracker.GetConfig(ctx, sparse)
		assert.ErrorIs(t, err, storage.ErrNotFound, "one sample is not a cadence")

		// Re-running creates nothing and keeps existing rows untouched.
		created, err = h.tracker.AutoConfigure(ctx)
		require.NoError(t, err)
		assert.Zero(t, created)

		cfg, err = h.tracker.GetConfig(ctx, steady)
		require.NoError(t, err)
		assert.InDelta(t, 6.0, cfg.ExpectedFrequencyHours, 0.01)
	})
}

func TestDashboardComposition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupMonitoring(ctx, t)

	// Three successes and one failure in the window.
	for i := 0; i < 3; i++ {
		h.seedRun(ctx, t, h.sourceID, fmt.Sprintf("dash-ok-%d", i), storage.CrawlStatusSuccess, time.Duration(i+1)*time.Hour, func(m *PipelineMetric) {
			m.RecordsLoaded = 50
			m.ExecutionTimeMillis = 1000
		})
	}
	failed := h.seedRun(ctx, t, h.sourceID, "dash-fail", storage.CrawlStatusFailed, 30*time.Minute, func(m *PipelineMetric) {
		m.ErrorCount = 2
		m.ErrorTypes = map[string]int{"http_5xx": 2}
		m.LastError = "http 503"
	})

	// One compliant SLA.
	slaID, err := h.slas.CreateSLA(ctx, &SLADefinition{
		Name:             "dash throughput",
		SourceID:         &h.sourceID,
		Type:             SLAThroughput,
		TargetValue:      5,
		WarningThreshold: 2,
	})
	require.NoError(t, err)
	_, err = h.slas.EvaluateSLA(ctx, slaID.Hex())
	require.NoError(t, err)

	// One fresh source.
	_, err = h.tracker.SetConfig(ctx, &FreshnessConfig{
		SourceID:               h.sourceID,
		ExpectedFrequencyHours: 24,
		Enabled:                true,
	})
	require.NoError(t, err)
	_, err = h.tracker.CheckFreshness(ctx, h.sourceID.Hex())
	require.NoError(t, err)

	// One unresolved alert.
	_, err = h.engine.CreateRule(ctx, &AlertRule{
		Name:        "dash errors",
		SourceID:    &h.sourceID,
		Condition:   ConditionThresholdAbove,
		MetricField: "error_count",
		Threshold:   0,
	})
	require.NoError(t, err)

	fired, err := h.engine.EvaluateMetric(ctx, failed)
	require.NoError(t, err)
	require.Len(t, fired, 1)

	report, err := h.dashboard.Health(ctx, 24)
	require.NoError(t, err)

	// runs 75, sla 100, freshness 100, alerts 90:
	// 75*.40 + 100*.25 + 100*.20 + 90*.15 = 88.5.
	assert.InDelta(t, 88.5, report.Score, 0.01)
	assert.Equal(t, HealthDegraded, report.Status)
	assert.Len(t, report.Components, 4)
	assert.Equal(t, int64(1), report.UnresolvedAlerts)

	// Resolving the alert lifts the platform back to healthy.
	require.NoError(t, h.engine.Resolve(ctx, fired[0].ID.Hex(), "crawler restarted"))

	report, err = h.dashboard.Health(ctx, 24)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, report.Score, 0.01)
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Equal(t, int64(0), report.UnresolvedAlerts)

	snapshot, err := h.dashboard.Snapshot(ctx, 24)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Health)
	assert.Equal(t, int64(4), snapshot.Runs.TotalRuns)
	require.Len(t, snapshot.Sources, 1)
	assert.Equal(t, h.sourceID, snapshot.Sources[0].SourceID)
	assert.NotEmpty(t, snapshot.Categories)
	assert.NotEmpty(t, snapshot.Hourly)
	assert.Equal(t, 1, snapshot.Compliance.Total)
	assert.Equal(t, 1, snapshot.Freshness.Total)
	require.Len(t, snapshot.Errors, 1)
	assert.Equal(t, "http_5xx", snapshot.Errors[0].Type)
	assert.Equal(t, int64(2), snapshot.Errors[0].Count)
}
