package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// defaultPruneBatch bounds how many runs one prune transaction deletes.
const defaultPruneBatch = 500

// PurgeCount holds row counts for a prune (real or dry-run).
type PurgeCount struct {
	Runs         int64 `json:"runs"`
	StageRecords int64 `json:"stage_records"`
}

func (c *PurgeCount) add(o PurgeCount) {
	c.Runs += o.Runs
	c.StageRecords += o.StageRecords
}

// sqliteNanos converts t to the INTEGER column encoding. The zero time sorts
// before every stored value.
func sqliteNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

// CountPrunable returns how many runs and stage records started before the
// cutoff, without deleting anything.
func (s *SQLite) CountPrunable(ctx context.Context, before time.Time) (PurgeCount, error) {
	var c PurgeCount
	cutoff := sqliteNanos(before)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE started_at < ?`, cutoff,
	).Scan(&c.Runs); err != nil {
		return c, fmt.Errorf("storage: count prunable runs: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stage_records sr
		JOIN runs r ON r.id = sr.run_id
		WHERE r.started_at < ?`, cutoff,
	).Scan(&c.StageRecords); err != nil {
		return c, fmt.Errorf("storage: count prunable stage records: %w", err)
	}
	return c, nil
}

// PruneRuns deletes runs started before the cutoff, oldest first, in batches
// of batchSize so no single transaction holds the write lock for long.
func (s *SQLite) PruneRuns(ctx context.Context, before time.Time, batchSize int) (PurgeCount, error) {
	if batchSize <= 0 {
		batchSize = defaultPruneBatch
	}
	var total PurgeCount
	for {
		ids, err := s.prunableBatch(ctx, before, batchSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			break
		}
		var cnt PurgeCount
		err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
			var err error
			cnt, err = s.deleteRuns(ctx, ids)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("storage: prune runs: %w", err)
		}
		total.add(cnt)
		if len(ids) < batchSize {
			break
		}
	}
	if total.Runs > 0 {
		s.logger.Info("storage: pruned runs", "before", before, "runs", total.Runs, "stage_records", total.StageRecords)
	}
	return total, nil
}

func (s *SQLite) prunableBatch(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE started_at < ? ORDER BY started_at LIMIT ?`,
		sqliteNanos(before), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch prune batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan prune id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteRuns removes one batch of runs and their stage records in a single
// transaction, records first.
func (s *SQLite) deleteRuns(ctx context.Context, ids []string) (PurgeCount, error) {
	var cnt PurgeCount
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cnt, err
	}
	defer func() { _ = tx.Rollback() }()

	in := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM stage_records WHERE run_id IN (`+in+`)`, args...)
	if err != nil {
		return cnt, err
	}
	if cnt.StageRecords, err = rowsAffected(res); err != nil {
		return cnt, err
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return cnt, err
	}
	if cnt.Runs, err = rowsAffected(res); err != nil {
		return cnt, err
	}
	return cnt, tx.Commit()
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// CountPrunable returns how many runs and stage records started before the
// cutoff, without deleting anything.
func (p *Postgres) CountPrunable(ctx context.Context, before time.Time) (PurgeCount, error) {
	var c PurgeCount
	if err := p.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT r.id), COUNT(sr.seq)
		FROM runs r
		LEFT JOIN stage_records sr ON sr.run_id = r.id
		WHERE r.started_at < $1`, before,
	).Scan(&c.Runs, &c.StageRecords); err != nil {
		return c, fmt.Errorf("storage: count prunable runs: %w", err)
	}
	return c, nil
}

// PruneRuns deletes runs started before the cutoff, oldest first, in batches
// of batchSize to avoid long-running transactions.
func (p *Postgres) PruneRuns(ctx context.Context, before time.Time, batchSize int) (PurgeCount, error) {
	if batchSize <= 0 {
		batchSize = defaultPruneBatch
	}
	var total PurgeCount
	for {
		rows, err := p.pool.Query(ctx,
			`SELECT id FROM runs WHERE started_at < $1 ORDER BY started_at LIMIT $2`,
			before, batchSize)
		if err != nil {
			return total, fmt.Errorf("storage: fetch prune batch: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return total, fmt.Errorf("storage: prune batch rows: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		var cnt PurgeCount
		err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
			return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
				tag, err := tx.Exec(ctx, `DELETE FROM stage_records WHERE run_id = ANY($1)`, ids)
				if err != nil {
					return err
				}
				cnt.StageRecords = tag.RowsAffected()
				tag, err = tx.Exec(ctx, `DELETE FROM runs WHERE id = ANY($1)`, ids)
				if err != nil {
					return err
				}
				cnt.Runs = tag.RowsAffected()
				return nil
			})
		})
		if err != nil {
			return total, fmt.Errorf("storage: prune runs: %w", err)
		}
		total.add(cnt)
		if len(ids) < batchSize {
			break
		}
	}
	if total.Runs > 0 {
		p.logger.Info("storage: pruned runs", "before", before, "runs", total.Runs, "stage_records", total.StageRecords)
	}
	return total, nil
}

// CountPrunable returns how many runs and stage records started before the
// cutoff.
func (m *Memory) CountPrunable(_ context.Context, before time.Time) (PurgeCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c PurgeCount
	for _, run := range m.runs {
		if run.StartedAt.Before(before) {
			c.Runs++
			c.StageRecords += int64(len(run.Records))
		}
	}
	return c, nil
}

// PruneRuns deletes runs started before the cutoff. batchSize is ignored.
func (m *Memory) PruneRuns(_ context.Context, before time.Time, _ int) (PurgeCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c PurgeCount
	for id, run := range m.runs {
		if run.StartedAt.Before(before) {
			c.Runs++
			c.StageRecords += int64(len(run.Records))
			delete(m.runs, id)
		}
	}
	return c, nil
}
