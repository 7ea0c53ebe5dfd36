package whitepaper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/whitepaper/internal/config"
	"github.com/ashita-ai/whitepaper/internal/dataset"
	"github.com/ashita-ai/whitepaper/internal/inference"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/storage"
	"github.com/ashita-ai/whitepaper/internal/testutil"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.InputDir = filepath.Join(root, "input")
	cfg.OutputDir = filepath.Join(root, "cleaned-dataset")
	cfg.ReportsDir = filepath.Join(root, "reports")
	cfg.CacheDSN = "memory://"
	cfg.InferenceProvider = inference.ProviderOffline
	cfg.RetryBaseDelay = time.Millisecond
	cfg.StageTimeout = 5 * time.Second
	require.NoError(t, os.MkdirAll(cfg.InputDir, 0o750))
	return cfg
}

func newApp(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{
		WithConfig(cfg),
		WithLogger(testutil.TestLogger()),
		WithVersion("test"),
		WithInferenceClient(&testutil.ScriptedClient{}),
	}, opts...)
	app, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func writeSales(t *testing.T, cfg config.Config) string {
	t.Helper()
	header, rows := testutil.SalesRows(30)
	return testutil.WriteCSV(t, cfg.InputDir, "sales.csv", header, rows)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRevisions = -1
	_, err := New(WithConfig(cfg), WithLogger(testutil.TestLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_revisions")
}

func TestNewRejectsUnknownDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheDSN = "redis://localhost:6379"
	_, err := New(WithConfig(cfg), WithLogger(testutil.TestLogger()))
	require.Error(t, err)
}

func TestAskCompletesAndArchives(t *testing.T) {
	cfg := testConfig(t)
	writeSales(t, cfg)
	app := newApp(t, cfg)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []model.StageName
	out, err := app.Ask(ctx, "analyze the sales data for revenue trends", func(rec model.StageRecord) {
		mu.Lock()
		seen = append(seen, rec.Stage)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, out.Status, "detail: %s", out.Detail)
	assert.Contains(t, out.Report, "POLICY ANALYSIS RESULTS")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(out.History)
	}, 2*time.Second, 10*time.Millisecond)

	reports, err := os.ReadDir(cfg.ReportsDir)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	runs, err := app.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.RunID, runs[0].ID)

	run, err := app.Run(ctx, out.RunID)
	require.NoError(t, err)
	assert.Len(t, run.Records, len(out.History))

	_, err = app.Run(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusTracksCache(t *testing.T) {
	cfg := testConfig(t)
	path := writeSales(t, cfg)
	app := newApp(t, cfg)
	ctx := context.Background()

	st, err := app.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Datasets, 1)
	assert.Equal(t, path, st.Datasets[0].Path)
	assert.False(t, st.Datasets[0].Cached)
	assert.Len(t, st.Pending(), 1)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "custom", st.Provider)

	results, err := app.Clean(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	st, err = app.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Datasets[0].Cached)
	assert.Empty(t, st.Pending())
	assert.Equal(t, 1, st.CacheEntries)
	assert.Equal(t, int64(1), st.Computations)
	assert.Equal(t, int64(0), st.CacheHits, "status must not count as a lookup")

	scans, err := app.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.True(t, scans[0].Report.Cached)
}

func TestInvalidateByPrefix(t *testing.T) {
	cfg := testConfig(t)
	writeSales(t, cfg)
	app := newApp(t, cfg)
	ctx := context.Background()

	results, err := app.Clean(ctx, false)
	require.NoError(t, err)
	fp := results[0].Handle.ContentFingerprint

	err = app.Invalidate(ctx, "ffffffffzz")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, app.Invalidate(ctx, dataset.ShortFingerprint(fp)))
	listing, err := app.ListCache(ctx)
	require.NoError(t, err)
	assert.Empty(t, listing.Entries)

	// A full fingerprint that is not cached is still accepted.
	require.NoError(t, app.Invalidate(ctx, fp))
}

type cannedStage struct{}

func (cannedStage) Name() model.StageName { return model.StageUserFacing }
func (cannedStage) Tier() model.CostTier  { return model.TierCheap }
func (cannedStage) Execute(context.Context, workflow.View) (workflow.Result, error) {
	return workflow.Result{
		Class:  model.QuerySimple,
		Report: "canned",
		Next:   model.Terminal(model.RunStatusCompleted, "", ""),
	}, nil
}

func TestWithStagesOverridesByName(t *testing.T) {
	app := newApp(t, testConfig(t), WithStages(cannedStage{}))
	out, err := app.Ask(context.Background(), "anything at all", nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, "canned", out.Report)
	require.Len(t, out.History, 1)
}

func TestMergeStagesKeepsOrder(t *testing.T) {
	builtin := []workflow.Stage{cannedStage{}}
	merged := mergeStages(builtin, nil)
	assert.Equal(t, builtin, merged)
}

func TestInjectedStoreIsNotClosed(t *testing.T) {
	store := storage.NewMemory()
	app, err := New(WithConfig(testConfig(t)), WithLogger(testutil.TestLogger()),
		WithStore(store), WithInferenceClient(&testutil.ScriptedClient{}))
	require.NoError(t, err)
	require.NoError(t, app.Close())

	require.NoError(t, store.Put(context.Background(), storage.Record{Key: "k", Payload: []byte("{}")}))
}

func TestRateLimitedClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimitEnabled = true
	cfg.RateLimitRPS = 1000
	cfg.RateLimitBurst = 10
	app := newApp(t, cfg)

	out, err := app.Ask(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
}

func TestNewInferenceClient(t *testing.T) {
	cfg := config.Default()
	cfg.InferenceProvider = inference.ProviderOffline
	_, name, err := newInferenceClient(cfg, testutil.TestLogger())
	require.NoError(t, err)
	assert.Equal(t, inference.ProviderOffline, name)

	cfg.InferenceProvider = inference.ProviderAuto
	cfg.OllamaURL = "http://127.0.0.1:1"
	_, name, err = newInferenceClient(cfg, testutil.TestLogger())
	require.NoError(t, err)
	assert.Equal(t, inference.ProviderOllama, name)

	cfg.InferenceProvider = inference.ProviderOpenAI
	_, _, err = newInferenceClient(cfg, testutil.TestLogger())
	require.Error(t, err)
}

func TestStorageScheme(t *testing.T) {
	assert.Equal(t, "postgres", storageScheme("postgres://u:secret@db/whitepaper", false))
	assert.Equal(t, "injected", storageScheme("sqlite://x.db", true))
}

func TestRunStatsAndPrune(t *testing.T) {
	store := storage.NewMemory()
	app := newApp(t, testConfig(t), WithStore(store))
	ctx := context.Background()

	out, err := app.Ask(ctx, "hello", nil)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, out.Status)

	started := time.Now().UTC().AddDate(0, 0, -90)
	old := model.RunTranscript{
		ID: uuid.New(), Query: "old question", Status: model.RunStatusFailed,
		StartedAt: started, FinishedAt: started.Add(time.Minute),
		Records: []model.StageRecord{{Seq: 1, Stage: model.StageUserFacing, Outcome: model.OutcomeError,
			Attempts: 1, StartedAt: started, FinishedAt: started.Add(time.Second)}},
	}
	require.NoError(t, store.SaveRun(ctx, old))

	week, err := app.RunStats(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, week.Runs)
	assert.Equal(t, 1, week.ByStatus[model.RunStatusCompleted])
	require.Len(t, week.Stages, 1)
	assert.Equal(t, model.StageUserFacing, week.Stages[0].Stage)
	assert.Zero(t, week.Stages[0].Errors)

	all, err := app.RunStats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, all.Runs)

	_, err = app.PruneRuns(ctx, 0, false)
	require.Error(t, err)

	dry, err := app.PruneRuns(ctx, 30*24*time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, storage.PurgeCount{Runs: 1, StageRecords: 1}, dry)
	_, err = app.Run(ctx, old.ID)
	require.NoError(t, err, "a dry run deletes nothing")

	pruned, err := app.PruneRuns(ctx, 30*24*time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, dry, pruned)
	_, err = app.Run(ctx, old.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = app.Run(ctx, out.RunID)
	require.NoError(t, err)
}
