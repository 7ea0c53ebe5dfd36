package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/whitepaper/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "cache.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exerciseBackend runs the shared Store/TranscriptStore contract against b.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := b.Get(ctx, "fp1:absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put get overwrite delete", func(t *testing.T) {
		rec := Record{Key: "fp1:a", Payload: []byte(`{"v":1}`), Checksum: "c1"}
		require.NoError(t, b.Put(ctx, rec))

		got, err := b.Get(ctx, "fp1:a")
		require.NoError(t, err)
		assert.Equal(t, rec.Payload, got.Payload)
		assert.Equal(t, "c1", got.Checksum)
		assert.False(t, got.UpdatedAt.IsZero())

		require.NoError(t, b.Put(ctx, Record{Key: "fp1:a", Payload: []byte(`{"v":2}`), Checksum: "c2"}))
		got, err = b.Get(ctx, "fp1:a")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"v":2}`), got.Payload)

		all, err := b.List(ctx)
		require.NoError(t, err)
		keys := make([]string, 0, len(all))
		for _, r := range all {
			keys = append(keys, r.Key)
		}
		assert.Equal(t, 1, countOf(keys, "fp1:a"), "one record per key")

		require.NoError(t, b.Delete(ctx, "fp1:a"))
		_, err = b.Get(ctx, "fp1:a")
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, b.Delete(ctx, "fp1:a"), "deleting a missing key is a no-op")
	})

	t.Run("transcripts", func(t *testing.T) {
		started := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
		run := model.RunTranscript{
			ID:            uuid.New(),
			Query:         "analyze revenue",
			Status:        model.RunStatusFailed,
			Reason:        model.ReasonRevisionLimitExceeded,
			Detail:        "quality review rejected 3 times",
			RevisionCount: 2,
			CostUSD:       0.25,
			StartedAt:     started,
			FinishedAt:    started.Add(30 * time.Second),
			Records: []model.StageRecord{
				{Seq: 1, Stage: model.StageUserFacing, Outcome: model.OutcomeHandoff, Target: "query_checker",
					Tier: model.TierCheap, Attempts: 1, Cost: 0.002, FindingKey: "user_facing",
					StartedAt: started, FinishedAt: started.Add(time.Second)},
				{Seq: 2, Stage: model.StageQueryChecker, Outcome: model.OutcomeError, Target: "failed:stage_error",
					Tier: model.TierCheap, Attempts: 3, Cost: 0.006, Error: "boom",
					StartedAt: started.Add(time.Second), FinishedAt: started.Add(2 * time.Second)},
			},
		}
		require.NoError(t, b.SaveRun(ctx, run))

		// Saving again replaces the run instead of duplicating its records.
		run.Report = "final"
		require.NoError(t, b.SaveRun(ctx, run))

		got, err := b.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.Query, got.Query)
		assert.Equal(t, run.Reason, got.Reason)
		assert.Equal(t, "final", got.Report)
		require.Len(t, got.Records, 2)
		assert.Equal(t, model.StageQueryChecker, got.Records[1].Stage)
		assert.Equal(t, 3, got.Records[1].Attempts)
		assert.WithinDuration(t, started, got.StartedAt, time.Millisecond)

		list, err := b.ListRuns(ctx, 10)
		require.NoError(t, err)
		require.NotEmpty(t, list)
		assert.Equal(t, run.ID, list[0].ID)
		assert.Empty(t, list[0].Records)

		_, err = b.GetRun(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stats and prune", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		_, err := b.PruneRuns(ctx, now.Add(time.Hour), 0)
		require.NoError(t, err)

		record := func(seq int, stage model.StageName, outcome model.RecordOutcome, attempts int, cost float64, at time.Time, d time.Duration) model.StageRecord {
			return model.StageRecord{Seq: seq, Stage: stage, Outcome: outcome, Target: "x", Tier: model.TierCheap,
				Attempts: attempts, Cost: cost, StartedAt: at, FinishedAt: at.Add(d)}
		}
		run := func(status model.RunStatus, cost float64, started time.Time, recs ...model.StageRecord) model.RunTranscript {
			return model.RunTranscript{ID: uuid.New(), Query: "q", Status: status, CostUSD: cost,
				StartedAt: started, FinishedAt: started.Add(time.Minute), Records: recs}
		}

		oldAt := now.Add(-40 * 24 * time.Hour)
		old := run(model.RunStatusCompleted, 0.5, oldAt,
			record(1, model.StageUserFacing, model.OutcomeHandoff, 1, 0.1, oldAt, time.Second),
			record(2, model.StageQueryChecker, model.OutcomeTerminal, 1, 0.4, oldAt, time.Second))
		older := run(model.RunStatusFailed, 0.1, oldAt.Add(-time.Hour),
			record(1, model.StageUserFacing, model.OutcomeError, 1, 0.1, oldAt, time.Second))

		doneAt := now.Add(-time.Hour)
		done := run(model.RunStatusCompleted, 0.3, doneAt,
			record(1, model.StageUserFacing, model.OutcomeHandoff, 1, 0.1, doneAt, time.Second),
			record(2, model.StageQueryChecker, model.OutcomeTerminal, 2, 0.2, doneAt, 3*time.Second))
		failedAt := now.Add(-2 * time.Hour)
		failed := run(model.RunStatusFailed, 0.05, failedAt,
			record(1, model.StageUserFacing, model.OutcomeError, 3, 0.05, failedAt, 3*time.Second))

		for _, r := range []model.RunTranscript{old, older, done, failed} {
			require.NoError(t, b.SaveRun(ctx, r))
		}

		recent, err := b.RunStats(ctx, now.Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, recent.Runs)
		assert.Equal(t, map[model.RunStatus]int{model.RunStatusCompleted: 1, model.RunStatusFailed: 1}, recent.ByStatus)
		assert.InDelta(t, 0.35, recent.CostUSD, 1e-9)
		require.Len(t, recent.Stages, 2)

		uf := recent.Stages[0]
		assert.Equal(t, model.StageUserFacing, uf.Stage, "busiest stage first")
		assert.Equal(t, 2, uf.Calls)
		assert.Equal(t, 4, uf.Attempts)
		assert.Equal(t, 1, uf.Errors)
		assert.InDelta(t, 0.5, uf.ErrorRate(), 1e-9)
		assert.InDelta(t, 0.15, uf.CostUSD, 1e-9)
		assert.InDelta(t, float64(2*time.Second), float64(uf.MeanDuration), float64(time.Millisecond))

		qc := recent.Stages[1]
		assert.Equal(t, model.StageQueryChecker, qc.Stage)
		assert.Equal(t, 1, qc.Calls)
		assert.Equal(t, 2, qc.Attempts)
		assert.Zero(t, qc.Errors)
		assert.InDelta(t, float64(3*time.Second), float64(qc.MeanDuration), float64(time.Millisecond))

		all, err := b.RunStats(ctx, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 4, all.Runs)

		cutoff := now.Add(-30 * 24 * time.Hour)
		dry, err := b.CountPrunable(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, PurgeCount{Runs: 2, StageRecords: 3}, dry)

		pruned, err := b.PruneRuns(ctx, cutoff, 1)
		require.NoError(t, err)
		assert.Equal(t, dry, pruned)

		_, err = b.GetRun(ctx, old.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = b.GetRun(ctx, older.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		kept, err := b.GetRun(ctx, done.ID)
		require.NoError(t, err)
		assert.Len(t, kept.Records, 2)

		again, err := b.PruneRuns(ctx, cutoff, 1)
		require.NoError(t, err)
		assert.Zero(t, again)
	})
}

func countOf(keys []string, k string) int {
	n := 0
	for _, x := range keys {
		if x == k {
			n++
		}
	}
	return n
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemory())
}

func TestSQLiteBackend(t *testing.T) {
	exerciseBackend(t, openTestSQLite(t))
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := OpenSQLite(ctx, path, discardLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Record{Key: "fp1:k", Payload: []byte("x"), Checksum: "c"}))
	require.NoError(t, s.Close())

	// Reopening re-runs the migration runner, which must skip applied files.
	s, err = OpenSQLite(ctx, path, discardLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Get(ctx, "fp1:k")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Payload)
}

func TestOpenDispatch(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, "memory://", discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	b, err = Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "c.db"), discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, b)
	require.NoError(t, b.Close())

	_, err = Open(ctx, "redis://localhost", discardLogger())
	assert.Error(t, err)
	_, err = Open(ctx, "no-scheme", discardLogger())
	assert.Error(t, err)
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	conflict := &pgconn.PgError{Code: "40001"}

	t.Run("retries transient conflicts", func(t *testing.T) {
		calls := 0
		err := WithRetry(ctx, 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return conflict
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := WithRetry(ctx, 2, time.Millisecond, func() error {
			calls++
			return conflict
		})
		assert.ErrorAs(t, err, new(*pgconn.PgError))
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := WithRetry(ctx, 5, time.Millisecond, func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on context cancel", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := WithRetry(cctx, 5, 50*time.Millisecond, func() error { return conflict })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
