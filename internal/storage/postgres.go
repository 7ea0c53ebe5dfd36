package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/telemetry"
	"github.com/ashita-ai/whitepaper/migrations"
)

// Postgres is a Backend on a pgxpool connection pool, for deployments where
// several whitepaper processes share one cache.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres creates a connection pool for dsn, verifies connectivity, and
// applies migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	p := &Postgres{pool: pool, logger: logger}
	if err := runMigrations(ctx, p, migrations.Postgres(), logger); err != nil {
		pool.Close()
		return nil, err
	}
	p.registerMetrics()
	return p, nil
}

// Pool returns the underlying connection pool.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// registerMetrics exposes connection pool occupancy as observable gauges.
func (p *Postgres) registerMetrics() {
	meter := telemetry.Meter("whitepaper/storage")

	_, _ = meter.Int64ObservableGauge("whitepaper.storage.pool.acquired",
		metric.WithDescription("Connections currently in use"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("whitepaper.storage.pool.idle",
		metric.WithDescription("Idle connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.pool.Stat().IdleConns()))
			return nil
		}),
	)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) ensureMigrationTable(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (p *Postgres) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (p *Postgres) applyMigration(ctx context.Context, name, body string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, body); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name)
		return err
	})
}

// Get returns the record stored under key.
func (p *Postgres) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx,
		`SELECT key, payload, checksum, updated_at FROM cache_entries WHERE key = $1`, key,
	).Scan(&rec.Key, &rec.Payload, &rec.Checksum, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("storage: get %s: %w", key, err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// Put inserts or replaces the record for rec.Key.
func (p *Postgres) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO cache_entries (key, payload, checksum, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				payload = EXCLUDED.payload,
				checksum = EXCLUDED.checksum,
				updated_at = EXCLUDED.updated_at`,
			rec.Key, rec.Payload, rec.Checksum, rec.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", rec.Key, err)
	}
	return nil
}

// Delete removes the record for key.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// List returns every record ordered by key.
func (p *Postgres) List(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, payload, checksum, updated_at FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Payload, &rec.Checksum, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: list: scan: %w", err)
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveRun archives run and its stage records in one transaction. Records are
// bulk-loaded with COPY.
func (p *Postgres) SaveRun(ctx context.Context, run model.RunTranscript) error {
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO runs (id, query, status, reason, detail, revision_count, cost_usd, report, started_at, finished_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (id) DO UPDATE SET
					status = EXCLUDED.status,
					reason = EXCLUDED.reason,
					detail = EXCLUDED.detail,
					revision_count = EXCLUDED.revision_count,
					cost_usd = EXCLUDED.cost_usd,
					report = EXCLUDED.report,
					finished_at = EXCLUDED.finished_at`,
				run.ID, run.Query, string(run.Status), string(run.Reason), run.Detail,
				run.RevisionCount, run.CostUSD, run.Report, run.StartedAt, run.FinishedAt,
			); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `DELETE FROM stage_records WHERE run_id = $1`, run.ID); err != nil {
				return err
			}

			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{"stage_records"},
				[]string{"run_id", "seq", "stage", "outcome", "target", "tier", "attempts", "cost_usd",
					"finding_key", "input_summary", "output_summary", "error", "started_at", "finished_at"},
				pgx.CopyFromSlice(len(run.Records), func(i int) ([]any, error) {
					r := run.Records[i]
					return []any{run.ID, r.Seq, string(r.Stage), string(r.Outcome), r.Target, string(r.Tier),
						r.Attempts, r.Cost, r.FindingKey, r.InputSummary, r.OutputSummary, r.Error,
						r.StartedAt, r.FinishedAt}, nil
				}),
			)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("storage: save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one archived run with its stage history.
func (p *Postgres) GetRun(ctx context.Context, id uuid.UUID) (model.RunTranscript, error) {
	run, err := scanPostgresRun(p.pool.QueryRow(ctx, `
		SELECT id, query, status, reason, detail, revision_count, cost_usd, report, started_at, finished_at
		FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RunTranscript{}, ErrNotFound
	}
	if err != nil {
		return model.RunTranscript{}, fmt.Errorf("storage: get run %s: %w", id, err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT seq, stage, outcome, target, tier, attempts, cost_usd, finding_key,
			input_summary, output_summary, error, started_at, finished_at
		FROM stage_records WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return model.RunTranscript{}, fmt.Errorf("storage: get run %s: records: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r model.StageRecord
		var stage, outcome, tier string
		if err := rows.Scan(&r.Seq, &stage, &outcome, &r.Target, &tier, &r.Attempts, &r.Cost,
			&r.FindingKey, &r.InputSummary, &r.OutputSummary, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return model.RunTranscript{}, fmt.Errorf("storage: get run %s: scan record: %w", id, err)
		}
		r.Stage = model.StageName(stage)
		r.Outcome = model.RecordOutcome(outcome)
		r.Tier = model.CostTier(tier)
		r.StartedAt = r.StartedAt.UTC()
		r.FinishedAt = r.FinishedAt.UTC()
		run.Records = append(run.Records, r)
	}
	return run, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]model.RunTranscript, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, query, status, reason, detail, revision_count, cost_usd, report, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []model.RunTranscript
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list runs: scan: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanPostgresRun(row pgx.Row) (model.RunTranscript, error) {
	var run model.RunTranscript
	var status, reason string
	if err := row.Scan(&run.ID, &run.Query, &status, &reason, &run.Detail, &run.RevisionCount,
		&run.CostUSD, &run.Report, &run.StartedAt, &run.FinishedAt); err != nil {
		return model.RunTranscript{}, err
	}
	run.Status = model.RunStatus(status)
	run.Reason = model.FailureReason(reason)
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()
	return run, nil
}
