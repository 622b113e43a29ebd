package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-io/spindle/internal/breaker"
	"github.com/spindle-io/spindle/internal/config"
)

// setupStore provisions a migrated MongoDB container and an indexed store.
func setupStore(ctx context.Context, t *testing.T) (*Store, *Connection) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	conn, err := Connect(ctx, NewConfig(testDB.URL, testDB.Database), logger, breaker.NewRegistry())
	require.NoError(t, err, "Failed to connect to document store")
	t.Cleanup(func() {
		_ = conn.Close(context.Background())
	})

	store := NewStore(conn, logger)
	require.NoError(t, store.EnsureIndexes(ctx), "Failed to ensure indexes")

	return store, conn
}

// TestSourceLifecycle covers creation defaults, the unique-name constraint,
// partial updates, and run bookkeeping.
func TestSourceLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(ctx, t)

	id, err := store.CreateSource(ctx, &Source{
		Name: "business daily news",
		URL:  "https://news.example.com",
		Type: SourceTypeHTML,
		// Caller-supplied lifecycle fields are overridden on create.
		Status:     SourceStatusActive,
		ErrorCount: 7,
	})
	require.NoError(t, err, "Failed to create source")

	src, err := store.GetSource(ctx, id.Hex())
	require.NoError(t, err)
	assert.Equal(t, SourceStatusPending, src.Status, "new sources start pending")
	assert.Equal(t, 0, src.ErrorCount)
	assert.Nil(t, src.LastRun)
	assert.False(t, src.CreatedAt.IsZero())

	byName, err := store.GetSourceByName(ctx, "business daily news")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	// The unique name index rejects a second source with the same name.
	_, err = store.CreateSource(ctx, &Source{Name: "business daily news", Type: SourceTypeCSV})
	require.ErrorIs(t, err, ErrDuplicateKey)

	urlPatch := "https://news.example.com/v2"
	found, err := store.UpdateSource(ctx, id.Hex(), SourceUpdate{URL: &urlPatch})
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.UpdateSourceStatus(ctx, id.Hex(), SourceStatusActive)
	require.NoError(t, err)
	assert.True(t, found)

	src, err = store.GetSource(ctx, id.Hex())
	require.NoError(t, err)
	assert.Equal(t, "https://news.example.com/v2", src.URL)
	assert.Equal(t, SourceStatusActive, src.Status)
	assert.NotNil(t, src.UpdatedAt)

	// A failed run increments the error count without touching last_success.
	ranAt := time.Now().UTC().Truncate(time.Millisecond)

	src, err = store.RecordSourceRun(ctx, id, ranAt, false)
	require.NoError(t, err)
	assert.Equal(t, 1, src.ErrorCount)
	require.NotNil(t, src.LastRun)
	assert.Nil(t, src.LastSuccess)

	// A successful run stamps last_success and clears the error count.
	src, err = store.RecordSourceRun(ctx, id, ranAt.Add(time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, 0, src.ErrorCount)
	require.NotNil(t, src.LastSuccess)
	assert.Equal(t, ranAt.Add(time.Hour), src.LastSuccess.UTC())

	active := SourceStatusActive
	listed, err := store.ListSources(ctx, SourceFilter{Status: &active}, Pagination{})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	count, err := store.CountSources(ctx, SourceFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

// TestCrawlerVersioning covers monotonic versions, the single-active
// invariant, and the append-only history.
func TestCrawlerVersioning(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(ctx, t)

	sourceID, err := store.CreateSource(ctx, &Source{Name: "press portal", Type: SourceTypeHTML})
	require.NoError(t, err)

	v1, err := store.CreateCrawler(ctx, &Crawler{
		SourceID:  sourceID,
		Code:      "def extract(): ...",
		DagID:     "crawl_press",
		CreatedBy: "dev-1",
	}, "initial version")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, CrawlerStatusActive, v1.Status, "status defaults to active")

	v2, err := store.CreateCrawler(ctx, &Crawler{
		SourceID:  sourceID,
		Code:      "def extract(): ...  # pagination fix",
		DagID:     "crawl_press",
		Status:    CrawlerStatusActive,
		CreatedBy: "dev-2",
	}, "handle pagination")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	// Creating an active v2 deactivated v1.
	activeNow, err := store.GetActiveCrawler(ctx, sourceID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, activeNow.ID)

	reloaded, err := store.GetCrawler(ctx, v1.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, CrawlerStatusInactive, reloaded.Status)

	// Rolling back to v1 flips the active flag the other way.
	_, err = store.ActivateCrawler(ctx, v1.ID.Hex())
	require.NoError(t, err)

	activeNow, err = store.GetActiveCrawler(ctx, sourceID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, activeNow.ID)

	crawlers, err := store.ListCrawlers(ctx, sourceID)
	require.NoError(t, err)
	require.Len(t, crawlers, 2)
	assert.Equal(t, 2, crawlers[0].Version, "newest version first")

	history, err := store.ListCrawlerHistory(ctx, sourceID, Pagination{})
	require.NoError(t, err)
	require.Len(t, history, 2, "one history row per version, activation adds none")
	assert.Equal(t, "handle pagination", history[0].ChangeNote)
}

// TestCrawlResultCompletion covers the running → terminal transition and
// immutability after completion.
func TestCrawlResultCompletion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(ctx, t)

	sourceID, err := store.CreateSource(ctx, &Source{Name: "stock board", Type: SourceTypeHTML})
	require.NoError(t, err)

	resultID, err := store.CreateCrawlResult(ctx, &CrawlResult{SourceID: sourceID, RunID: "run-42"})
	require.NoError(t, err)

	result, err := store.GetCrawlResultByRunID(ctx, "run-42")
	require.NoError(t, err)
	assert.Equal(t, resultID, result.ID)
	assert.Equal(t, CrawlStatusRunning, result.Status)

	// Completion requires a terminal status.
	_, err = store.CompleteCrawlResult(ctx, resultID, CrawlStatusRunning, ResultCompletion{})
	require.ErrorIs(t, err, ErrOperation)

	completed, err := store.CompleteCrawlResult(ctx, resultID, CrawlStatusSuccess, ResultCompletion{
		RecordCount:         3,
		ExecutionTimeMillis: 1500,
		Data:                []map[string]any{{"ticker": "SPN"}, {"ticker": "DLE"}, {"ticker": "WEB"}},
	})
	require.NoError(t, err)
	assert.True(t, completed)

	// A second completion matches nothing: completed results are immutable.
	completed, err = store.CompleteCrawlResult(ctx, resultID, CrawlStatusFailed, ResultCompletion{
		ErrorCode: "late_failure",
	})
	require.NoError(t, err)
	assert.False(t, completed)

	result, err = store.GetCrawlResult(ctx, resultID.Hex())
	require.NoError(t, err)
	assert.Equal(t, CrawlStatusSuccess, result.Status)
	assert.Equal(t, 3, result.RecordCount)
	assert.EqualValues(t, 1500, result.ExecutionTimeMillis)
	assert.Empty(t, result.ErrorCode)
	assert.Len(t, result.Data, 3)

	missing := NewID()
	completed, err = store.CompleteCrawlResult(ctx, missing, CrawlStatusSuccess, ResultCompletion{})
	require.NoError(t, err)
	assert.False(t, completed, "completing an unknown result is a no-op")
}

// TestErrorLogResolution covers resolve-exactly-once in both methods.
func TestErrorLogResolution(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(ctx, t)

	sourceID, err := store.CreateSource(ctx, &Source{Name: "forex rates", Type: SourceTypeHTML})
	require.NoError(t, err)

	entryID, err := store.CreateErrorLog(ctx, &ErrorLog{
		SourceID:     sourceID,
		RunID:        "run-9",
		ErrorCode:    "http_500",
		ErrorMessage: "upstream returned 500",
		Severity:     "error",
		// Creation forces resolved=false regardless of input.
		Resolved: true,
	})
	require.NoError(t, err)

	unresolved, err := store.CountUnresolvedErrors(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unresolved)

	resolved, err := store.ResolveErrorLog(ctx, entryID.Hex(), ResolutionAuto, "source recovered on next run")
	require.NoError(t, err)
	assert.True(t, resolved)

	// Second resolution is rejected by the resolved=false filter.
	resolved, err = store.ResolveErrorLog(ctx, entryID.Hex(), ResolutionManual, "operator closed")
	require.NoError(t, err)
	assert.False(t, resolved)

	isResolved := true
	entries, err := store.ListErrorLogs(ctx, ErrorLogFilter{SourceID: &sourceID, Resolved: &isResolved}, Pagination{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ResolutionAuto, entries[0].ResolutionMethod, "first resolution wins")
	assert.Equal(t, "source recovered on next run", entries[0].ResolutionDetail)
	require.NotNil(t, entries[0].ResolvedAt)

	unresolved, err = store.CountUnresolvedErrors(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, unresolved)
}

// TestDeleteSourceCascade proves children go first and unrelated sources
// keep theirs.
func TestDeleteSourceCascade(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(ctx, t)

	doomed, err := store.CreateSource(ctx, &Source{Name: "doomed portal", Type: SourceTypeHTML})
	require.NoError(t, err)

	survivor, err := store.CreateSource(ctx, &Source{Name: "surviving portal", Type: SourceTypeHTML})
	require.NoError(t, err)

	for _, sourceID := range []ID{doomed, survivor} {
		_, err = store.CreateCrawler(ctx, &Crawler{SourceID: sourceID, Code: "v1"}, "initial")
		require.NoError(t, err)

		resultID, err := store.CreateCrawlResult(ctx, &CrawlResult{SourceID: sourceID, RunID: "run-" + sourceID.Hex()})
		require.NoError(t, err)

		_, err = store.CompleteCrawlResult(ctx, resultID, CrawlStatusFailed, ResultCompletion{ErrorCode: "timeout"})
		require.NoError(t, err)

		_, err = store.CreateErrorLog(ctx, &ErrorLog{SourceID: sourceID, ErrorCode: "timeout", ErrorMessage: "timed out"})
		require.NoError(t, err)
	}

	result, err := store.DeleteSource(ctx, doomed.Hex())
	require.NoError(t, err)
	assert.True(t, result.SourceDeleted)
	assert.Empty(t, result.Failed)
	assert.EqualValues(t, 1, result.Deleted[CollCrawlers])
	assert.EqualValues(t, 1, result.Deleted[CollCrawlerHistory])
	assert.EqualValues(t, 1, result.Deleted[CollCrawlResults])
	assert.EqualValues(t, 1, result.Deleted[CollErrorLogs])

	_, err = store.GetSource(ctx, doomed.Hex())
	require.ErrorIs(t, err, ErrNotFound)

	// The survivor keeps its children.
	crawlers, err := store.ListCrawlers(ctx, survivor)
	require.NoError(t, err)
	assert.Len(t, crawlers, 1)

	results, err := store.ListCrawlResults(ctx, CrawlResultFilter{SourceID: &survivor}, Pagination{})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// Deleting an already deleted source reports an absent parent.
	result, err = store.DeleteSource(ctx, doomed.Hex())
	require.NoError(t, err)
	assert.False(t, result.SourceDeleted)
}

// TestDashboardStats covers the facet counters and the simple health score.
func TestDashboardStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, conn := setupStore(ctx, t)

	healthy, err := store.CreateSource(ctx, &Source{Name: "healthy portal", Type: SourceTypeHTML})
	require.NoError(t, err)

	broken, err := store.CreateSource(ctx, &Source{Name: "broken portal", Type: SourceTypePDF})
	require.NoError(t, err)

	_, err = store.UpdateSourceStatus(ctx, healthy.Hex(), SourceStatusActive)
	require.NoError(t, err)

	_, err = store.UpdateSourceStatus(ctx, broken.Hex(), SourceStatusError)
	require.NoError(t, err)

	_, err = store.CreateCrawler(ctx, &Crawler{SourceID: healthy, Code: "v1"}, "initial")
	require.NoError(t, err)

	outcomes := []CrawlStatus{CrawlStatusSuccess, CrawlStatusSuccess, CrawlStatusFailed}
	for i, status := range outcomes {
		resultID, err := store.CreateCrawlResult(ctx, &CrawlResult{
			SourceID: healthy,
			RunID:    NewID().Hex(),
		})
		require.NoError(t, err)

		_, err = store.CompleteCrawlResult(ctx, resultID, status, ResultCompletion{
			RecordCount:         10 * (i + 1),
			ExecutionTimeMillis: 1000,
		})
		require.NoError(t, err)
	}

	_, err = store.CreateErrorLog(ctx, &ErrorLog{SourceID: broken, ErrorCode: "parse_error", ErrorMessage: "bad pdf"})
	require.NoError(t, err)

	stats, err := store.DashboardStats(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 2, stats.Sources.Total)
	assert.EqualValues(t, 1, stats.Sources.Active)
	assert.EqualValues(t, 1, stats.Sources.Error)
	assert.EqualValues(t, 1, stats.Crawlers.Total)
	assert.EqualValues(t, 1, stats.Crawlers.Active)
	assert.EqualValues(t, 3, stats.Runs.Total)
	assert.EqualValues(t, 2, stats.Runs.Success)
	assert.EqualValues(t, 1, stats.Runs.Failed)
	assert.InDelta(t, 66.67, stats.Runs.SuccessRate, 0.01)
	assert.InDelta(t, 1000, stats.Runs.AvgExecutionMillis, 0.01)
	assert.EqualValues(t, 1, stats.UnresolvedErrors)
	assert.Greater(t, stats.HealthScore, 0.0)
	assert.Less(t, stats.HealthScore, 100.0, "failures and errors cost points")
	assert.False(t, stats.GeneratedAt.IsZero())

	// Connection health check rides the same client.
	health := conn.HealthCheck(ctx)
	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.LatencyMillis, int64(0))
	assert.NotEmpty(t, health.Database)
	assert.Empty(t, health.Error)
}
