package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/whitepaper/internal/inference"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/telemetry"
)

// budgetEpsilon absorbs float drift from summing per-attempt costs.
const budgetEpsilon = 1e-9

// ErrNotSuspended is returned by Resume for a run that is not awaiting
// clarification.
var ErrNotSuspended = errors.New("workflow: run is not awaiting clarification")

// RunOptions bounds one run.
type RunOptions struct {
	MaxRevisions   int
	CostBudget     float64 // USD; 0 means unlimited
	StageTimeout   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	Observer       Observer
}

// DefaultRunOptions returns the limits used when nothing is configured.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		MaxRevisions:   2,
		CostBudget:     1.0,
		StageTimeout:   90 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 500 * time.Millisecond,
	}
}

func (o RunOptions) validate() error {
	var errs []error
	if o.MaxRevisions < 0 {
		errs = append(errs, fmt.Errorf("max revisions must be >= 0, got %d", o.MaxRevisions))
	}
	if o.CostBudget < 0 {
		errs = append(errs, fmt.Errorf("cost budget must be >= 0, got %g", o.CostBudget))
	}
	if o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", o.MaxRetries))
	}
	if o.StageTimeout < 0 || o.RetryBaseDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("workflow: invalid run options: %w", errors.Join(errs...))
	}
	return nil
}

// Outcome is the result of Run or Resume.
type Outcome struct {
	RunID         uuid.UUID
	Status        model.RunStatus
	Reason        model.FailureReason
	Detail        string
	Prompt        string
	Report        string
	RevisionCount int
	CostUSD       float64
	History       []model.StageRecord

	// State is kept so a suspended run can be resumed.
	State *State
}

// Archive persists finished runs.
type Archive interface {
	SaveRun(ctx context.Context, run model.RunTranscript) error
}

// Executor drives runs through the stage graph. It is safe for concurrent
// Run calls; each run owns its State.
type Executor struct {
	registry *Registry
	archive  Archive
	logger   *slog.Logger
	tracer   trace.Tracer

	latency metric.Float64Histogram

	runsCompleted   atomic.Int64
	runsRejected    atomic.Int64
	runsFailed      atomic.Int64
	runsSuspended   atomic.Int64
	retries         atomic.Int64
	budgetTerminals atomic.Int64
}

// NewExecutor creates an executor. archive may be nil.
func NewExecutor(registry *Registry, archive Archive, logger *slog.Logger) *Executor {
	e := &Executor{
		registry: registry,
		archive:  archive,
		logger:   logger,
		tracer:   telemetry.Tracer("whitepaper/workflow"),
	}
	e.registerMetrics()
	return e
}

// Run executes query from the first stage until the run terminates or
// suspends for clarification. The error is non-nil only for invalid input.
func (e *Executor) Run(ctx context.Context, query string, opts RunOptions) (Outcome, error) {
	if strings.TrimSpace(query) == "" {
		return Outcome{}, errors.New("workflow: empty query")
	}
	if err := opts.validate(); err != nil {
		return Outcome{}, err
	}
	st := NewState(strings.TrimSpace(query))
	first := Router{MaxRevisions: opts.MaxRevisions}.Route("", st.View(), model.GoTo(model.StageUserFacing))
	return e.drive(ctx, st, first, opts), nil
}

// Resume continues a suspended run with the user's clarification. The
// revision count and history carry over.
func (e *Executor) Resume(ctx context.Context, st *State, clarification string, opts RunOptions) (Outcome, error) {
	if st == nil || st.Status() != model.RunStatusAwaitingClarification {
		return Outcome{}, ErrNotSuspended
	}
	if err := opts.validate(); err != nil {
		return Outcome{}, err
	}
	at := st.ResumeAt()
	st.resume(strings.TrimSpace(clarification))
	return e.drive(ctx, st, model.GoTo(at), opts), nil
}

func (e *Executor) drive(ctx context.Context, st *State, next model.NextAction, opts RunOptions) Outcome {
	router := Router{MaxRevisions: opts.MaxRevisions}
	obs := newDispatcher(opts.Observer, e.logger)
	defer obs.close()

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run.id", st.RunID().String()),
	))
	defer span.End()

	var current model.StageName
	for next.Kind == model.ActionGoTo {
		if err := ctx.Err(); err != nil {
			next = RouteError(current, fmt.Errorf("%w before %s: %v", ErrCancelled, next.Stage, err))
			break
		}
		stage, ok := e.registry.Get(next.Stage)
		if !ok {
			next = model.Terminal(model.RunStatusFailed, model.ReasonIllegalTransition,
				fmt.Sprintf("no stage registered for %s", next.Stage))
			break
		}
		if next.Revise {
			st.revisionCount++
			e.logger.Info("workflow: revising analysis", "run_id", st.RunID(), "revision", st.revisionCount, "feedback", next.Detail)
		}

		rec, res, err := e.step(ctx, st, stage, opts)
		if err != nil {
			next = RouteError(stage.Name(), err)
			rec.Outcome = model.OutcomeError
			rec.Error = err.Error()
		} else {
			rec.FindingKey = st.apply(stage.Name(), res)
			next = router.Route(stage.Name(), st.View(), res.Next)
			rec.Outcome = model.OutcomeHandoff
			if next.Kind == model.ActionTerminal {
				rec.Outcome = model.OutcomeTerminal
			}
		}
		rec.Target = next.String()
		rec = st.appendRecord(rec)
		obs.publish(rec)
		current = stage.Name()

		e.logger.Debug("workflow: stage finished",
			"run_id", st.RunID(), "seq", rec.Seq, "stage", rec.Stage,
			"target", rec.Target, "attempts", rec.Attempts, "cost_usd", st.CostSpent())
	}

	switch next.Kind {
	case model.ActionAwaitClarification:
		st.suspend(current, next.Prompt)
		e.runsSuspended.Add(1)
		e.save(ctx, st)
	default:
		st.finish(next)
		e.countTerminal(st)
		e.save(ctx, st)
	}

	span.SetAttributes(
		attribute.String("run.status", string(st.Status())),
		attribute.Int("run.revisions", st.RevisionCount()),
		attribute.Float64("run.cost_usd", st.CostSpent()),
	)
	if st.Status() == model.RunStatusFailed {
		span.SetStatus(codes.Error, string(st.reason))
	}
	e.logger.Info("workflow: run ended",
		"run_id", st.RunID(), "status", st.Status(), "reason", st.reason,
		"revisions", st.RevisionCount(), "cost_usd", st.CostSpent(), "stages", len(st.history))

	return Outcome{
		RunID:         st.RunID(),
		Status:        st.Status(),
		Reason:        st.reason,
		Detail:        st.detail,
		Prompt:        st.Prompt(),
		Report:        st.Report(),
		RevisionCount: st.RevisionCount(),
		CostUSD:       st.CostSpent(),
		History:       st.History(),
		State:         st,
	}
}

// step invokes one stage, retrying transient inference failures and
// charging every attempt.
func (e *Executor) step(ctx context.Context, st *State, stage Stage, opts RunOptions) (model.StageRecord, Result, error) {
	name, tier := stage.Name(), stage.Tier()
	rec := model.StageRecord{Stage: name, Tier: tier, StartedAt: time.Now().UTC()}
	view := st.View()
	delay := opts.RetryBaseDelay

	for attempt := 0; ; attempt++ {
		cost := tier.Cost()
		if tier == model.TierExpensive && opts.CostBudget > 0 && st.CostSpent()+cost > opts.CostBudget+budgetEpsilon {
			e.budgetTerminals.Add(1)
			rec.FinishedAt = time.Now().UTC()
			return rec, Result{}, &StageError{Stage: name, Err: fmt.Errorf("%w: spent $%.3f, next attempt costs $%.3f, budget $%.3f",
				ErrBudgetExceeded, st.CostSpent(), cost, opts.CostBudget)}
		}
		st.charge(cost)
		rec.Attempts++
		rec.Cost += cost

		res, err := e.attempt(ctx, stage, view, opts.StageTimeout)
		if err == nil {
			rec.InputSummary = res.InputSummary
			rec.OutputSummary = res.OutputSummary
			rec.FinishedAt = time.Now().UTC()
			return rec, res, nil
		}
		if !inference.IsTransient(err) || errors.Is(err, ErrStageTimeout) || attempt >= opts.MaxRetries {
			rec.FinishedAt = time.Now().UTC()
			return rec, Result{}, err
		}

		e.retries.Add(1)
		e.logger.Warn("workflow: transient stage failure, retrying",
			"stage", name, "attempt", attempt+1, "max_retries", opts.MaxRetries, "error", err)
		if werr := sleepBackoff(ctx, delay); werr != nil {
			rec.FinishedAt = time.Now().UTC()
			return rec, Result{}, &StageError{Stage: name, Err: fmt.Errorf("%w during retry backoff: %v", ErrCancelled, werr)}
		}
		delay *= 2
	}
}

type attemptResult struct {
	res Result
	err error
}

// attempt runs the stage in its own goroutine. The stage context ignores
// caller cancellation so an in-flight stage is never preempted; only the
// stage timeout cancels it.
func (e *Executor) attempt(ctx context.Context, stage Stage, view View, timeout time.Duration) (Result, error) {
	name := stage.Name()
	sctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(sctx, timeout)
	} else {
		sctx, cancel = context.WithCancel(sctx)
	}
	defer cancel()

	sctx, span := e.tracer.Start(sctx, "workflow.stage", trace.WithAttributes(
		attribute.String("stage.name", string(name)),
		attribute.String("stage.tier", string(stage.Tier())),
	))
	defer span.End()

	start := time.Now()
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := stage.Execute(sctx, view)
		done <- attemptResult{res: res, err: err}
	}()

	var out attemptResult
	select {
	case out = <-done:
	case <-sctx.Done():
		out.err = fmt.Errorf("%w after %s", ErrStageTimeout, timeout)
	}
	e.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("stage", string(name))))

	if out.err == nil {
		return out.res, nil
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) && !errors.Is(out.err, ErrStageTimeout) {
		out.err = fmt.Errorf("%w after %s: %w", ErrStageTimeout, timeout, out.err)
	}
	span.RecordError(out.err)
	span.SetStatus(codes.Error, out.err.Error())
	return Result{}, &StageError{Stage: name, Err: out.err}
}

// sleepBackoff waits base plus jitter, returning early if ctx ends.
func sleepBackoff(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return ctx.Err()
	}
	jitter := time.Duration(rand.Int64N(int64(base))) //nolint:gosec // jitter doesn't need crypto-strength randomness
	t := time.NewTimer(base + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) save(ctx context.Context, st *State) {
	if e.archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.archive.SaveRun(actx, st.Transcript()); err != nil {
		e.logger.Warn("workflow: archive run failed", "run_id", st.RunID(), "error", err)
	}
}

func (e *Executor) countTerminal(st *State) {
	switch st.Status() {
	case model.RunStatusCompleted:
		e.runsCompleted.Add(1)
	case model.RunStatusRejected:
		e.runsRejected.Add(1)
	case model.RunStatusFailed:
		e.runsFailed.Add(1)
	}
}

// registerMetrics exposes run counters as observable OTEL instruments and
// creates the stage latency histogram.
func (e *Executor) registerMetrics() {
	meter := telemetry.Meter("whitepaper/workflow")

	e.latency, _ = meter.Float64Histogram("whitepaper.workflow.stage.duration",
		metric.WithDescription("Wall time of one stage attempt"),
		metric.WithUnit("s"),
	)

	counters := []struct {
		name, desc string
		v          *atomic.Int64
	}{
		{"whitepaper.workflow.runs.completed", "Runs that completed", &e.runsCompleted},
		{"whitepaper.workflow.runs.rejected", "Runs rejected as out of scope", &e.runsRejected},
		{"whitepaper.workflow.runs.failed", "Runs that failed", &e.runsFailed},
		{"whitepaper.workflow.runs.suspended", "Runs suspended for clarification", &e.runsSuspended},
		{"whitepaper.workflow.retries", "Stage attempts retried after a transient failure", &e.retries},
		{"whitepaper.workflow.budget_exceeded", "Runs stopped by the cost budget", &e.budgetTerminals},
	}
	for _, c := range counters {
		_, _ = meter.Int64ObservableCounter(c.name,
			metric.WithDescription(c.desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(c.v.Load())
				return nil
			}),
		)
	}
}
