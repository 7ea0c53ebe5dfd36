package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/migrations"
)

// SQLite is the default Backend: a single local database file.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. WAL mode lets cache readers proceed while a writer commits;
// the busy timeout plus WithRetry absorbs writer contention between runs.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create sqlite dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	s := &SQLite{db: db, path: path, logger: logger}
	if err := runMigrations(ctx, s, migrations.SQLite(), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close closes the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) ensureMigrationTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func (s *SQLite) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLite) applyMigration(ctx context.Context, name, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		name, time.Now().UTC().UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns the record stored under key.
func (s *SQLite) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT key, payload, checksum, updated_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&rec.Key, &rec.Payload, &rec.Checksum, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("storage: get %s: %w", key, err)
	}
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

// Put inserts or replaces the record for rec.Key.
func (s *SQLite) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cache_entries (key, payload, checksum, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				payload = excluded.payload,
				checksum = excluded.checksum,
				updated_at = excluded.updated_at`,
			rec.Key, rec.Payload, rec.Checksum, rec.UpdatedAt.UnixNano(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", rec.Key, err)
	}
	return nil
}

// Delete removes the record for key.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// List returns every record ordered by key.
func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, payload, checksum, updated_at FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var updated int64
		if err := rows.Scan(&rec.Key, &rec.Payload, &rec.Checksum, &updated); err != nil {
			return nil, fmt.Errorf("storage: list: scan: %w", err)
		}
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveRun archives run and its stage records, replacing any earlier copy
// (a resumed run is saved again when it finishes).
func (s *SQLite) SaveRun(ctx context.Context, run model.RunTranscript) error {
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, query, status, reason, detail, revision_count, cost_usd, report, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				reason = excluded.reason,
				detail = excluded.detail,
				revision_count = excluded.revision_count,
				cost_usd = excluded.cost_usd,
				report = excluded.report,
				finished_at = excluded.finished_at`,
			run.ID.String(), run.Query, string(run.Status), string(run.Reason), run.Detail,
			run.RevisionCount, run.CostUSD, run.Report,
			run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(),
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_records WHERE run_id = ?`, run.ID.String()); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO stage_records (run_id, seq, stage, outcome, target, tier, attempts, cost_usd,
				finding_key, input_summary, output_summary, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range run.Records {
			if _, err := stmt.ExecContext(ctx,
				run.ID.String(), r.Seq, string(r.Stage), string(r.Outcome), r.Target, string(r.Tier),
				r.Attempts, r.Cost, r.FindingKey, r.InputSummary, r.OutputSummary, r.Error,
				r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("storage: save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one archived run with its stage history.
func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (model.RunTranscript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, query, status, reason, detail, revision_count, cost_usd, report, started_at, finished_at
		FROM runs WHERE id = ?`, id.String())
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunTranscript{}, ErrNotFound
	}
	if err != nil {
		return model.RunTranscript{}, fmt.Errorf("storage: get run %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, stage, outcome, target, tier, attempts, cost_usd, finding_key,
			input_summary, output_summary, error, started_at, finished_at
		FROM stage_records WHERE run_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return model.RunTranscript{}, fmt.Errorf("storage: get run %s: records: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r model.StageRecord
		var stage, outcome, tier string
		var started, finished int64
		if err := rows.Scan(&r.Seq, &stage, &outcome, &r.Target, &tier, &r.Attempts, &r.Cost,
			&r.FindingKey, &r.InputSummary, &r.OutputSummary, &r.Error, &started, &finished); err != nil {
			return model.RunTranscript{}, fmt.Errorf("storage: get run %s: scan record: %w", id, err)
		}
		r.Stage = model.StageName(stage)
		r.Outcome = model.RecordOutcome(outcome)
		r.Tier = model.CostTier(tier)
		r.StartedAt = time.Unix(0, started).UTC()
		r.FinishedAt = time.Unix(0, finished).UTC()
		run.Records = append(run.Records, r)
	}
	return run, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]model.RunTranscript, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, status, reason, detail, revision_count, cost_usd, report, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RunTranscript
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: list runs: scan: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (model.RunTranscript, error) {
	var run model.RunTranscript
	var id, status, reason string
	var started, finished int64
	if err := row.Scan(&id, &run.Query, &status, &reason, &run.Detail, &run.RevisionCount,
		&run.CostUSD, &run.Report, &started, &finished); err != nil {
		return model.RunTranscript{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.RunTranscript{}, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = parsed
	run.Status = model.RunStatus(status)
	run.Reason = model.FailureReason(reason)
	run.StartedAt = time.Unix(0, started).UTC()
	run.FinishedAt = time.Unix(0, finished).UTC()
	return run, nil
}
