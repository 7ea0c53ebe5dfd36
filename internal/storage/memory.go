package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/whitepaper/internal/model"
)

// Memory is a process-local Backend. Nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	runs    map[uuid.UUID]model.RunTranscript
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		runs:    make(map[uuid.UUID]model.RunTranscript),
	}
}

// Get returns the record stored under key.
func (m *Memory) Get(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec, nil
}

// Put inserts or replaces the record for rec.Key.
func (m *Memory) Put(_ context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	m.mu.Lock()
	m.records[rec.Key] = rec
	m.mu.Unlock()
	return nil
}

// Delete removes the record for key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return nil
}

// List returns every record ordered by key.
func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		rec.Payload = append([]byte(nil), rec.Payload...)
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// SaveRun stores a copy of run.
func (m *Memory) SaveRun(_ context.Context, run model.RunTranscript) error {
	run.Records = append([]model.StageRecord(nil), run.Records...)
	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()
	return nil
}

// GetRun returns the archived run.
func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (model.RunTranscript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return model.RunTranscript{}, ErrNotFound
	}
	run.Records = append([]model.StageRecord(nil), run.Records...)
	return run, nil
}

// ListRuns returns the most recent runs first, without stage records.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]model.RunTranscript, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	out := make([]model.RunTranscript, 0, len(m.runs))
	for _, run := range m.runs {
		run.Records = nil
		out = append(out, run)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
