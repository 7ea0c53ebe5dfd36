package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ashita-ai/whitepaper/internal/model"
)

func newRunStats(since time.Time) model.RunStats {
	return model.RunStats{Since: since, ByStatus: make(map[model.RunStatus]int)}
}

// sortStageStats orders stages busiest first, then by name.
func sortStageStats(stages []model.StageStats) {
	slices.SortFunc(stages, func(a, b model.StageStats) int {
		if c := cmp.Compare(b.Calls, a.Calls); c != 0 {
			return c
		}
		return cmp.Compare(a.Stage, b.Stage)
	})
}

// RunStats aggregates runs and their stage records started at or after since.
func (s *SQLite) RunStats(ctx context.Context, since time.Time) (model.RunStats, error) {
	out := newRunStats(since)
	cutoff := sqliteNanos(since)

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(cost_usd), 0)
		FROM runs WHERE started_at >= ? GROUP BY status`, cutoff)
	if err != nil {
		return out, fmt.Errorf("storage: run stats: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		var cost float64
		if err := rows.Scan(&status, &n, &cost); err != nil {
			_ = rows.Close()
			return out, fmt.Errorf("storage: run stats: scan: %w", err)
		}
		out.ByStatus[model.RunStatus(status)] = n
		out.Runs += n
		out.CostUSD += cost
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("storage: run stats: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT sr.stage, COUNT(*), SUM(sr.attempts),
			SUM(CASE WHEN sr.outcome = ? THEN 1 ELSE 0 END),
			SUM(sr.cost_usd), AVG(sr.finished_at - sr.started_at)
		FROM stage_records sr
		JOIN runs r ON r.id = sr.run_id
		WHERE r.started_at >= ?
		GROUP BY sr.stage`, string(model.OutcomeError), cutoff)
	if err != nil {
		return out, fmt.Errorf("storage: stage stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var st model.StageStats
		var stage string
		var meanNanos float64
		if err := rows.Scan(&stage, &st.Calls, &st.Attempts, &st.Errors, &st.CostUSD, &meanNanos); err != nil {
			return out, fmt.Errorf("storage: stage stats: scan: %w", err)
		}
		st.Stage = model.StageName(stage)
		st.MeanDuration = time.Duration(meanNanos)
		out.Stages = append(out.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("storage: stage stats: %w", err)
	}
	sortStageStats(out.Stages)
	return out, nil
}

// RunStats aggregates runs and their stage records started at or after since.
func (p *Postgres) RunStats(ctx context.Context, since time.Time) (model.RunStats, error) {
	out := newRunStats(since)

	rows, err := p.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(cost_usd), 0)
		FROM runs WHERE started_at >= $1 GROUP BY status`, since)
	if err != nil {
		return out, fmt.Errorf("storage: run stats: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		var cost float64
		if err := rows.Scan(&status, &n, &cost); err != nil {
			rows.Close()
			return out, fmt.Errorf("storage: run stats: scan: %w", err)
		}
		out.ByStatus[model.RunStatus(status)] = n
		out.Runs += n
		out.CostUSD += cost
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("storage: run stats: %w", err)
	}

	rows, err = p.pool.Query(ctx, `
		SELECT sr.stage, COUNT(*), SUM(sr.attempts),
			COUNT(*) FILTER (WHERE sr.outcome = $1),
			SUM(sr.cost_usd),
			AVG(EXTRACT(EPOCH FROM sr.finished_at - sr.started_at))::float8
		FROM stage_records sr
		JOIN runs r ON r.id = sr.run_id
		WHERE r.started_at >= $2
		GROUP BY sr.stage`, string(model.OutcomeError), since)
	if err != nil {
		return out, fmt.Errorf("storage: stage stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st model.StageStats
		var stage string
		var meanSeconds float64
		if err := rows.Scan(&stage, &st.Calls, &st.Attempts, &st.Errors, &st.CostUSD, &meanSeconds); err != nil {
			return out, fmt.Errorf("storage: stage stats: scan: %w", err)
		}
		st.Stage = model.StageName(stage)
		st.MeanDuration = time.Duration(meanSeconds * float64(time.Second))
		out.Stages = append(out.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("storage: stage stats: %w", err)
	}
	sortStageStats(out.Stages)
	return out, nil
}

// RunStats aggregates runs and their stage records started at or after since.
func (m *Memory) RunStats(_ context.Context, since time.Time) (model.RunStats, error) {
	out := newRunStats(since)
	byStage := make(map[model.StageName]*model.StageStats)
	total := make(map[model.StageName]time.Duration)

	m.mu.RLock()
	for _, run := range m.runs {
		if run.StartedAt.Before(since) {
			continue
		}
		out.Runs++
		out.ByStatus[run.Status]++
		out.CostUSD += run.CostUSD
		for _, r := range run.Records {
			st, ok := byStage[r.Stage]
			if !ok {
				st = &model.StageStats{Stage: r.Stage}
				byStage[r.Stage] = st
			}
			st.Calls++
			st.Attempts += r.Attempts
			st.CostUSD += r.Cost
			if r.Outcome == model.OutcomeError {
				st.Errors++
			}
			total[r.Stage] += r.FinishedAt.Sub(r.StartedAt)
		}
	}
	m.mu.RUnlock()

	for name, st := range byStage {
		st.MeanDuration = total[name] / time.Duration(st.Calls)
		out.Stages = append(out.Stages, *st)
	}
	sortStageStats(out.Stages)
	return out, nil
}
