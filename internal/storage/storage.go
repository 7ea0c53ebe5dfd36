// Package storage provides the durable key→record store behind the content
// cache and the archive of finished workflow runs.
//
// Two SQL backends implement the same contract: SQLite (the default, a single
// local file via modernc.org/sqlite) and PostgreSQL (via pgxpool) for shared
// deployments. An in-memory backend exists for tests and ephemeral sessions.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/whitepaper/internal/model"
)

// Record is one keyed entry in a Store. Payload is opaque to storage; the
// checksum is stored alongside so readers can detect torn or tampered rows.
type Record struct {
	Key       string
	Payload   []byte
	Checksum  string
	UpdatedAt time.Time
}

// Store is a durable key→record table. Implementations must be safe for
// concurrent use. A Put to an existing key replaces the record.
type Store interface {
	// Get returns ErrNotFound when no record exists for key.
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	// Delete is a no-op when the key does not exist.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Record, error)
}

// TranscriptStore archives workflow runs that finished or stopped for
// clarification.
type TranscriptStore interface {
	SaveRun(ctx context.Context, run model.RunTranscript) error
	// GetRun returns the run with its full stage history, or ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (model.RunTranscript, error)
	// ListRuns returns the most recent runs first, without stage records.
	ListRuns(ctx context.Context, limit int) ([]model.RunTranscript, error)
	// RunStats aggregates runs started at or after since. A zero since
	// covers the whole archive.
	RunStats(ctx context.Context, since time.Time) (model.RunStats, error)
	// CountPrunable reports what PruneRuns would delete, without deleting.
	CountPrunable(ctx context.Context, before time.Time) (PurgeCount, error)
	// PruneRuns deletes runs started before the cutoff, with their stage
	// records, batchSize runs per transaction.
	PruneRuns(ctx context.Context, before time.Time, batchSize int) (PurgeCount, error)
}

// Backend is a Store that also archives transcripts.
type Backend interface {
	Store
	TranscriptStore
	Close() error
}

// Write retry policy shared by the SQL backends.
const (
	writeRetries   = 3
	writeBaseDelay = 20 * time.Millisecond
)

// Open connects to the backend named by dsn and applies its migrations.
//
// Supported schemes:
//   - sqlite://<path>       local file (parent directories are created)
//   - postgres://, postgresql://  PostgreSQL via pgxpool
//   - memory://             process-local, lost on exit
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Backend, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("storage: invalid DSN %q: missing scheme", dsn)
	}
	switch scheme {
	case "sqlite":
		return OpenSQLite(ctx, rest, logger)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unsupported DSN scheme %q", scheme)
	}
}
