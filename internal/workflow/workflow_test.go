package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/whitepaper/internal/etl"
	"github.com/ashita-ai/whitepaper/internal/inference"
	"github.com/ashita-ai/whitepaper/internal/model"
)

type stageFunc func(ctx context.Context, v View) (Result, error)

type fakeStage struct {
	name model.StageName
	tier model.CostTier
	fn   stageFunc
}

func (f *fakeStage) Name() model.StageName { return f.name }
func (f *fakeStage) Tier() model.CostTier { return f.tier }
func (f *fakeStage) Execute(ctx context.Context, v View) (Result, error) {
	return f.fn(ctx, v)
}

func finding(s string) *model.Finding { return &model.Finding{Summary: s} }

// defaultStages follows the analytic path: user_facing, query_checker,
// supervisor, then the analysis group, approved on first review.
func defaultStages() map[model.StageName]stageFunc {
	next := func(to model.StageName) stageFunc {
		return func(context.Context, View) (Result, error) {
			return Result{Finding: finding("ok"), Next: model.GoTo(to)}, nil
		}
	}
	return map[model.StageName]stageFunc{
		model.StageUserFacing: func(context.Context, View) (Result, error) {
			return Result{Class: model.QueryAnalytic, Next: model.GoTo(model.StageQueryChecker)}, nil
		},
		model.StageQueryChecker:     next(model.StageSupervisor),
		model.StageSupervisor:       next(model.StageAnalysisStats),
		model.StageDatasetHandler:   next(model.StageAnalysisStats),
		model.StageWebSearcher:      next(model.StageAnalysisStats),
		model.StageAnalysisStats:    next(model.StageAnalysisViz),
		model.StageAnalysisViz:      next(model.StageAnalysisInsights),
		model.StageAnalysisInsights: next(model.StageQualityChecker),
		model.StageQualityChecker: func(context.Context, View) (Result, error) {
			return Result{
				Finding: finding("approved"),
				Report:  "final report",
				Next:    model.Terminal(model.RunStatusCompleted, model.ReasonNone, ""),
			}, nil
		},
	}
}

func tierOf(name model.StageName) model.CostTier {
	switch name {
	case model.StageAnalysisStats, model.StageAnalysisViz, model.StageAnalysisInsights, model.StageQualityChecker:
		return model.TierExpensive
	}
	return model.TierCheap
}

func newTestExecutor(t *testing.T, overrides map[model.StageName]stageFunc, archive Archive) *Executor {
	t.Helper()
	fns := defaultStages()
	for k, v := range overrides {
		fns[k] = v
	}
	var stages []Stage
	for _, name := range model.AllStages {
		stages = append(stages, &fakeStage{name: name, tier: tierOf(name), fn: fns[name]})
	}
	reg, err := NewRegistry(stages...)
	require.NoError(t, err)
	return NewExecutor(reg, archive, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testOptions() RunOptions {
	return RunOptions{
		MaxRevisions:   2,
		CostBudget:     0,
		StageTimeout:   2 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}
}

func stagesOf(history []model.StageRecord) []model.StageName {
	out := make([]model.StageName, len(history))
	for i, r := range history {
		out[i] = r.Stage
	}
	return out
}

func TestAnalyticRunCompletes(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	out, err := e.Run(context.Background(), "Analyze IT investment trends in Hyderabad", testOptions())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, "final report", out.Report)
	assert.Equal(t, []model.StageName{
		model.StageUserFacing, model.StageQueryChecker, model.StageSupervisor,
		model.StageAnalysisStats, model.StageAnalysisViz, model.StageAnalysisInsights,
		model.StageQualityChecker,
	}, stagesOf(out.History))
	assert.Equal(t, 0, out.RevisionCount)
	assert.InDelta(t, 3*0.002+4*0.03, out.CostUSD, 1e-9)

	last := out.History[len(out.History)-1]
	assert.Equal(t, model.OutcomeTerminal, last.Outcome)
	assert.Equal(t, "completed", last.Target)
	for i, r := range out.History {
		assert.Equal(t, i+1, r.Seq)
		assert.Equal(t, 1, r.Attempts)
	}
}

func TestSimpleQueryShortCircuits(t *testing.T) {
	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageUserFacing: func(context.Context, View) (Result, error) {
			// Even a wrong proposal is overridden once the query is simple.
			return Result{Class: model.QuerySimple, Finding: finding("It is Tuesday."), Next: model.GoTo(model.StageQueryChecker)}, nil
		},
	}, nil)

	out, err := e.Run(context.Background(), "What's today's date?", testOptions())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, out.Status)
	require.Len(t, out.History, 1)
	for _, r := range out.History {
		assert.False(t, r.Stage.IsAnalysis())
	}
	assert.Equal(t, model.QuerySimple, out.State.Class())
}

func TestRevisionLimit(t *testing.T) {
	var reviews atomic.Int64
	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageQualityChecker: func(context.Context, View) (Result, error) {
			n := reviews.Add(1)
			next := model.GoTo(model.StageAnalysisStats)
			next.Detail = fmt.Sprintf("rejection %d", n)
			return Result{Finding: finding("rejected"), Next: next}, nil
		},
	}, nil)

	out, err := e.Run(context.Background(), "analyze consumption", testOptions())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, model.ReasonRevisionLimitExceeded, out.Reason)
	assert.Equal(t, 2, out.RevisionCount)
	assert.Equal(t, int64(3), reviews.Load())

	stats := 0
	for _, r := range out.History {
		if r.Stage == model.StageAnalysisStats {
			stats++
		}
	}
	assert.Equal(t, 3, stats, "at most maxRevisions+1 analysis attempts")
}

func TestRevisionThenApproval(t *testing.T) {
	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageAnalysisStats: func(_ context.Context, v View) (Result, error) {
			text := "first pass"
			if qc, ok := v.Finding(model.StageQualityChecker); ok {
				text = "revised after: " + qc.Summary
			}
			return Result{Finding: &model.Finding{Summary: text}, Next: model.GoTo(model.StageAnalysisViz)}, nil
		},
		model.StageQualityChecker: func(_ context.Context, v View) (Result, error) {
			if v.RevisionCount() == 0 {
				return Result{Finding: finding("needs numbers"), Next: model.GoTo(model.StageAnalysisStats)}, nil
			}
			return Result{Finding: finding("approved"), Report: "r", Next: model.Terminal(model.RunStatusCompleted, "", "")}, nil
		},
	}, nil)

	out, err := e.Run(context.Background(), "analyze consumption", testOptions())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, 1, out.RevisionCount)

	stats, ok := out.State.View().Finding(model.StageAnalysisStats)
	require.True(t, ok)
	assert.Equal(t, "revised after: needs numbers", stats.Summary)
}

func TestFindingsHaveSingleWriter(t *testing.T) {
	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageSupervisor: func(context.Context, View) (Result, error) {
			// Only user_facing may classify; this is ignored.
			return Result{Finding: finding("route"), Class: model.QuerySimple, Next: model.GoTo(model.StageWebSearcher)}, nil
		},
	}, nil)

	out, err := e.Run(context.Background(), "market trends", testOptions())
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Equal(t, model.QueryAnalytic, out.State.Class())

	writers := map[string]model.StageName{}
	for _, r := range out.History {
		if r.FindingKey == "" {
			continue
		}
		assert.Equal(t, string(r.Stage), r.FindingKey)
		if prev, ok := writers[r.FindingKey]; ok {
			assert.Equal(t, prev, r.Stage)
		}
		writers[r.FindingKey] = r.Stage
	}
	assert.Contains(t, writers, string(model.StageWebSearcher))
}

func TestIllegalTransition(t *testing.T) {
	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageSupervisor: func(context.Context, View) (Result, error) {
			return Result{Next: model.GoTo(model.StageQualityChecker)}, nil
		},
	}, nil)

	out, err := e.Run(context.Background(), "data trends", testOptions())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, model.ReasonIllegalTransition, out.Reason)
	assert.Contains(t, out.Detail, "supervisor may not transition to quality_checker")
}

func TestBudgetExceeded(t *testing.T) {
	e := newTestExecutor(t, nil, nil)
	opts := testOptions()
	opts.CostBudget = 0.05

	out, err := e.Run(context.Background(), "analyze data", opts)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, model.ReasonBudgetExceeded, out.Reason)
	assert.InDelta(t, 3*0.002+0.03, out.CostUSD, 1e-9)
	assert.LessOrEqual(t, out.CostUSD, opts.CostBudget)

	last := out.History[len(out.History)-1]
	assert.Equal(t, model.StageAnalysisViz, last.Stage)
	assert.Equal(t, model.OutcomeError, last.Outcome)
	assert.Equal(t, 0, last.Attempts)
}

func TestZeroBudgetIsUnlimited(t *testing.T) {
	e := newTestExecutor(t, nil, nil)
	opts := testOptions()
	opts.CostBudget = 0

	out, err := e.Run(context.Background(), "analyze data", opts)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
}

func TestCancellationBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stageCtxErr error
	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageSupervisor: func(sctx context.Context, _ View) (Result, error) {
			cancel()
			stageCtxErr = sctx.Err()
			return Result{Finding: finding("route"), Next: model.GoTo(model.StageAnalysisStats)}, nil
		},
	}, nil)

	out, err := e.Run(ctx, "analyze data", testOptions())
	require.NoError(t, err)

	assert.NoError(t, stageCtxErr, "in-flight stage is not preempted")
	assert.Equal(t, model.RunStatusFailed, out.Status)
	assert.Equal(t, model.ReasonCancelled, out.Reason)
	last := out.History[len(out.History)-1]
	assert.Equal(t, model.StageSupervisor, last.Stage)
	assert.Equal(t, model.OutcomeHandoff, last.Outcome, "the finished stage is committed before the run stops")
}

func TestCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageAnalysisStats: func(context.Context, View) (Result, error) {
			cancel()
			return Result{}, inference.ErrUnavailable
		},
	}, nil)
	opts := testOptions()
	opts.RetryBaseDelay = time.Hour

	done := make(chan Outcome, 1)
	go func() {
		out, _ := e.Run(ctx, "analyze data", opts)
		done <- out
	}()

	select {
	case out := <-done:
		assert.Equal(t, model.ReasonCancelled, out.Reason)
		assert.Equal(t, 1, out.History[len(out.History)-1].Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop during backoff")
	}
}

func TestStageTimeout(t *testing.T) {
	tests := []struct {
		name string
		fn   stageFunc
	}{
		{"stage honours context", func(ctx context.Context, _ View) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}},
		{"stage ignores context", func(context.Context, View) (Result, error) {
			time.Sleep(300 * time.Millisecond)
			return Result{Next: model.GoTo(model.StageAnalysisViz)}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, map[model.StageName]stageFunc{model.StageAnalysisStats: tt.fn}, nil)
			opts := testOptions()
			opts.StageTimeout = 20 * time.Millisecond

			out, err := e.Run(context.Background(), "analyze data", opts)
			require.NoError(t, err)
			assert.Equal(t, model.RunStatusFailed, out.Status)
			assert.Equal(t, model.ReasonStageTimeout, out.Reason)
			assert.Equal(t, 1, out.History[len(out.History)-1].Attempts, "timeouts are not retried")
		})
	}
}

func TestTransientRetry(t *testing.T) {
	var calls atomic.Int64
	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageAnalysisStats: func(context.Context, View) (Result, error) {
			if calls.Add(1) < 3 {
				return Result{}, fmt.Errorf("openai: %w: status 503", inference.ErrUnavailable)
			}
			return Result{Finding: finding("stats"), Next: model.GoTo(model.StageAnalysisViz)}, nil
		},
	}, nil)

	out, err := e.Run(context.Background(), "analyze data", testOptions())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, out.Status)

	rec := out.History[3]
	require.Equal(t, model.StageAnalysisStats, rec.Stage)
	assert.Equal(t, 3, rec.Attempts)
	assert.InDelta(t, 0.09, rec.Cost, 1e-9, "every attempt is charged")
}

func TestRetryExhaustion(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		reason   model.FailureReason
		attempts int
	}{
		{"unavailable", inference.ErrUnavailable, model.ReasonInferenceUnavailable, 3},
		{"inference timeout", inference.ErrTimeout, model.ReasonInferenceTimeout, 3},
		{"input error is not retried", fmt.Errorf("etl: x.csv: %w", etl.ErrDatasetUnreadable), model.ReasonInputError, 1},
		{"other error is not retried", errors.New("boom"), model.ReasonStageError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, map[model.StageName]stageFunc{
				model.StageSupervisor: func(context.Context, View) (Result, error) {
					return Result{}, tt.err
				},
			}, nil)
			out, err := e.Run(context.Background(), "analyze data", testOptions())
			require.NoError(t, err)
			assert.Equal(t, model.RunStatusFailed, out.Status)
			assert.Equal(t, tt.reason, out.Reason)
			last := out.History[len(out.History)-1]
			assert.Equal(t, tt.attempts, last.Attempts)
			assert.Equal(t, model.OutcomeError, last.Outcome)
			assert.NotEmpty(t, last.Error)
		})
	}
}

func TestPanickingStageFails(t *testing.T) {
	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageAnalysisViz: func(context.Context, View) (Result, error) {
			panic("chart exploded")
		},
	}, nil)
	out, err := e.Run(context.Background(), "analyze data", testOptions())
	require.NoError(t, err)
	assert.Equal(t, model.ReasonStageError, out.Reason)
	assert.Contains(t, out.Detail, "chart exploded")
}

func TestObserverReceivesRecordsInOrder(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	var mu sync.Mutex
	var seen []int
	opts := testOptions()
	opts.Observer = func(r model.StageRecord) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen = append(seen, r.Seq)
		mu.Unlock()
	}

	out, err := e.Run(context.Background(), "analyze data", opts)
	require.NoError(t, err)

	want := make([]int, len(out.History))
	for i, r := range out.History {
		want[i] = r.Seq
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestBlockedObserverDoesNotDelayRun(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	release := make(chan struct{})
	var delivered atomic.Int32
	opts := testOptions()
	opts.Observer = func(model.StageRecord) {
		<-release
		delivered.Add(1)
	}

	done := make(chan Outcome, 1)
	go func() {
		out, err := e.Run(context.Background(), "analyze data", opts)
		assert.NoError(t, err)
		done <- out
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("run waited on a blocked observer")
	}
	assert.Equal(t, model.RunStatusCompleted, out.Status)
	assert.Zero(t, delivered.Load(), "nothing delivered while the observer is blocked")

	close(release)
	assert.Eventually(t, func() bool {
		return int(delivered.Load()) == len(out.History)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPanickingObserverDoesNotBreakRun(t *testing.T) {
	e := newTestExecutor(t, nil, nil)
	opts := testOptions()
	opts.Observer = func(model.StageRecord) { panic("observer bug") }

	out, err := e.Run(context.Background(), "analyze data", opts)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, out.Status)
}

func TestClarificationAndResume(t *testing.T) {
	arch := &memArchive{}
	var seenClarification atomic.Value
	e := newTestExecutor(t, map[model.StageName]stageFunc{
		model.StageQueryChecker: func(_ context.Context, v View) (Result, error) {
			if c := v.Clarifications(); len(c) > 0 {
				seenClarification.Store(c[0])
				return Result{Finding: finding("approved"), Next: model.GoTo(model.StageSupervisor)}, nil
			}
			return Result{Finding: finding("unclear"), Next: model.AwaitClarification("Which district do you mean?")}, nil
		},
	}, arch)

	first, err := e.Run(context.Background(), "how is it going there", testOptions())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingClarification, first.Status)
	assert.Equal(t, "Which district do you mean?", first.Prompt)
	assert.Equal(t, model.StageQueryChecker, first.State.ResumeAt())
	require.Len(t, first.History, 2)

	require.Len(t, arch.runs, 1, "a suspended run is archived")
	assert.Equal(t, model.RunStatusAwaitingClarification, arch.runs[0].Status)
	assert.Len(t, arch.runs[0].Records, 2)

	second, err := e.Resume(context.Background(), first.State, "Hyderabad IT sector", testOptions())
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, second.Status)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, "Hyderabad IT sector", seenClarification.Load())
	assert.Equal(t, first.History, second.History[:2], "history carries over")
	assert.Equal(t, model.StageQueryChecker, second.History[2].Stage)
	assert.Equal(t, 3, second.History[2].Seq)

	require.Len(t, arch.runs, 2)
	assert.Equal(t, first.RunID, arch.runs[1].ID)
	assert.Equal(t, model.RunStatusCompleted, arch.runs[1].Status)
	assert.Equal(t, first.State.RevisionCount(), arch.runs[1].RevisionCount)

	_, err = e.Resume(context.Background(), second.State, "again", testOptions())
	assert.ErrorIs(t, err, ErrNotSuspended)
}

type memArchive struct {
	mu   sync.Mutex
	runs []model.RunTranscript
}

func (m *memArchive) SaveRun(_ context.Context, r model.RunTranscript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func TestTerminalRunsAreArchived(t *testing.T) {
	arch := &memArchive{}
	e := newTestExecutor(t, nil, arch)

	out, err := e.Run(context.Background(), "analyze data", testOptions())
	require.NoError(t, err)

	require.Len(t, arch.runs, 1)
	got := arch.runs[0]
	assert.Equal(t, out.RunID, got.ID)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Len(t, got.Records, len(out.History))
	assert.False(t, got.FinishedAt.IsZero())
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Run(context.Background(), "analyze data", testOptions())
			if assert.NoError(t, err) {
				assert.Equal(t, model.RunStatusCompleted, out.Status)
				assert.Len(t, out.History, 7)
				ids <- out.RunID.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	unique := map[string]bool{}
	for id := range ids {
		unique[id] = true
	}
	assert.Len(t, unique, 8)
}

func TestRunRejectsBadInput(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	_, err := e.Run(context.Background(), "   ", testOptions())
	assert.Error(t, err)

	opts := testOptions()
	opts.MaxRevisions = -1
	_, err = e.Run(context.Background(), "q", opts)
	assert.Error(t, err)
}

func TestRegistryValidation(t *testing.T) {
	_, err := NewRegistry(&fakeStage{name: model.StageUserFacing})
	assert.ErrorContains(t, err, "not registered")

	var stages []Stage
	for _, n := range model.AllStages {
		stages = append(stages, &fakeStage{name: n})
	}
	_, err = NewRegistry(append(stages, &fakeStage{name: model.StageSupervisor})...)
	assert.ErrorContains(t, err, "registered twice")

	_, err = NewRegistry(append(stages, &fakeStage{name: "oracle"})...)
	assert.ErrorContains(t, err, "unknown stage")
}
