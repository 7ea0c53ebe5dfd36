// Package cache implements the content-addressed memo of ETL results.
//
// Entries are keyed by dataset fingerprint. Because keys are content hashes,
// identical keys imply identical required output, so a Store to an existing
// key simply replaces it. Records are persisted through a storage.Store as a
// JSON payload plus checksum; a record that fails either check is treated as
// absent rather than failing the caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/storage"
	"github.com/ashita-ai/whitepaper/internal/telemetry"
)

// ErrCorrupt marks a record whose payload does not match its checksum or
// cannot be decoded. It never escapes Lookup; List reports such keys.
var ErrCorrupt = errors.New("cache: corrupt record")

const checksumPrefix = "sha256:"

// Cache is safe for concurrent use by multiple workflow runs.
type Cache struct {
	store  storage.Store
	logger *slog.Logger
	locks  keyedLocks

	hits    atomic.Int64
	misses  atomic.Int64
	corrupt atomic.Int64
	stores  atomic.Int64
}

// Stats is a snapshot of cache activity since the process started.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Corrupt int64 `json:"corrupt"`
	Stores  int64 `json:"stores"`
}

// Listing is the result of enumerating the cache.
type Listing struct {
	Entries []model.CacheEntry `json:"entries"`
	Corrupt []string           `json:"corrupt,omitempty"`
}

// New creates a cache over store.
func New(store storage.Store, logger *slog.Logger) *Cache {
	c := &Cache{
		store:  store,
		logger: logger,
		locks:  keyedLocks{m: make(map[string]*keyLock)},
	}
	c.registerMetrics()
	return c
}

// Lookup returns the entry for fingerprint. found is false when no usable
// entry exists, including when the stored record is corrupt. A non-nil error
// means the store itself failed.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (model.CacheEntry, bool, error) {
	unlock := c.locks.rlock(fingerprint)
	defer unlock()

	rec, err := c.store.Get(ctx, fingerprint)
	if errors.Is(err, storage.ErrNotFound) {
		c.misses.Add(1)
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("cache: lookup %s: %w", fingerprint, err)
	}

	entry, err := decode(rec)
	if err != nil {
		c.corrupt.Add(1)
		c.misses.Add(1)
		c.logger.Warn("cache: discarding corrupt record", "key", fingerprint, "error", err)
		return model.CacheEntry{}, false, nil
	}
	c.hits.Add(1)
	return entry, true, nil
}

// Store records entry under fingerprint, replacing any existing entry.
// Storing an identical entry twice leaves the store unchanged.
func (c *Cache) Store(ctx context.Context, fingerprint string, entry model.CacheEntry) error {
	entry.Key = fingerprint
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	// The cache-hit flag describes a read, not the stored result.
	entry.Summary.CacheHit = false

	rec, err := encode(entry)
	if err != nil {
		return fmt.Errorf("cache: store %s: %w", fingerprint, err)
	}

	unlock := c.locks.lock(fingerprint)
	defer unlock()

	if err := c.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("cache: store %s: %w", fingerprint, err)
	}
	c.stores.Add(1)
	return nil
}

// Invalidate removes the entry for fingerprint. Absent keys are not an error.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	unlock := c.locks.lock(fingerprint)
	defer unlock()

	if err := c.store.Delete(ctx, fingerprint); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", fingerprint, err)
	}
	return nil
}

// List returns every decodable entry and the keys of corrupt records.
func (c *Cache) List(ctx context.Context) (Listing, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("cache: list: %w", err)
	}
	var out Listing
	for _, rec := range recs {
		entry, err := decode(rec)
		if err != nil {
			out.Corrupt = append(out.Corrupt, rec.Key)
			continue
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

// Stats returns a snapshot of the activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Corrupt: c.corrupt.Load(),
		Stores:  c.stores.Load(),
	}
}

func encode(entry model.CacheEntry) (storage.Record, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return storage.Record{}, err
	}
	return storage.Record{
		Key:       entry.Key,
		Payload:   payload,
		Checksum:  checksum(payload),
		UpdatedAt: entry.CreatedAt,
	}, nil
}

func decode(rec storage.Record) (model.CacheEntry, error) {
	if rec.Checksum != checksum(rec.Payload) {
		return model.CacheEntry{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	var entry model.CacheEntry
	if err := json.Unmarshal(rec.Payload, &entry); err != nil {
		return model.CacheEntry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if entry.Key != rec.Key || entry.CleanedArtifactRef == "" {
		return model.CacheEntry{}, fmt.Errorf("%w: payload does not describe key", ErrCorrupt)
	}
	return entry, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// registerMetrics exposes the activity counters as observable OTEL counters.
func (c *Cache) registerMetrics() {
	meter := telemetry.Meter("whitepaper/cache")

	observe := func(name, desc string, load func() int64) {
		_, _ = meter.Int64ObservableCounter(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(load())
				return nil
			}),
		)
	}
	observe("whitepaper.cache.hits", "Cache lookups that returned an entry", c.hits.Load)
	observe("whitepaper.cache.misses", "Cache lookups that found no usable entry", c.misses.Load)
	observe("whitepaper.cache.corrupt", "Records discarded because they failed validation", c.corrupt.Load)
	observe("whitepaper.cache.stores", "Entries written to the cache", c.stores.Load)
}

// keyedLocks serializes access per key. Lock entries are reference counted
// and removed when the last holder releases them.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	sync.RWMutex
	refs int
}

func (k *keyedLocks) acquire(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	return l
}

func (k *keyedLocks) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.m, key)
	}
}

func (k *keyedLocks) lock(key string) func() {
	l := k.acquire(key)
	l.Lock()
	return func() {
		l.Unlock()
		k.release(key, l)
	}
}

func (k *keyedLocks) rlock(key string) func() {
	l := k.acquire(key)
	l.RLock()
	return func() {
		l.RUnlock()
		k.release(key, l)
	}
}
