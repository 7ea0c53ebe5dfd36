// Package etl implements the deterministic dataset-cleaning stage and the
// quality scanner. The Service owns the content cache: a dataset whose
// fingerprint already has an entry is never cleaned twice unless the caller
// asks for an overwrite.
package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/whitepaper/internal/cache"
	"github.com/ashita-ai/whitepaper/internal/dataset"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/telemetry"
)

// Config controls where artifacts go and how much work runs in parallel.
type Config struct {
	OutputDir   string
	Concurrency int
}

// Service cleans and scans datasets.
type Service struct {
	cache       *cache.Cache
	outputDir   string
	concurrency int
	logger      *slog.Logger

	// flights collapses concurrent Clean calls for the same fingerprint.
	flights singleflight.Group

	computations atomic.Int64
	rowsCleaned  atomic.Int64
}

// CleanResult is the per-file outcome of CleanAll.
type CleanResult struct {
	Path    string
	Handle  model.DatasetHandle
	Summary model.TransformSummary
	Err     error
}

// ScanResult is the per-file outcome of ScanAll.
type ScanResult struct {
	Path   string
	Report model.ScanReport
	Err    error
}

type loaded struct {
	path   string
	raw    []byte
	table  *dataset.Table
	schema dataset.Schema
	fp     string
}

// New creates an ETL service writing artifacts under cfg.OutputDir.
func New(c *cache.Cache, cfg Config, logger *slog.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	s := &Service{
		cache:       c,
		outputDir:   cfg.OutputDir,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
	s.registerMetrics()
	return s
}

// Computations returns how many times the cleaning transform has run.
func (s *Service) Computations() int64 {
	return s.computations.Load()
}

// Cache returns the content cache the service consults.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

func (s *Service) load(path string) (*loaded, error) {
	raw, t, err := dataset.Load(path)
	if err != nil {
		return nil, classify(path, err)
	}
	schema := dataset.Infer(t)
	return &loaded{
		path:   path,
		raw:    raw,
		table:  t,
		schema: schema,
		fp:     dataset.Fingerprint(raw, schema),
	}, nil
}

// Handle loads path and returns its handle with a fresh fingerprint.
func (s *Service) Handle(path string) (model.DatasetHandle, error) {
	l, err := s.load(path)
	if err != nil {
		return model.DatasetHandle{}, err
	}
	return model.DatasetHandle{RawPath: path, ContentFingerprint: l.fp}, nil
}

type cleanOutput struct {
	handle  model.DatasetHandle
	summary model.TransformSummary
}

// Clean returns the cleaned artifact for the dataset at h.RawPath. The
// fingerprint is always recomputed from the file. Without overwrite, a cache
// hit returns immediately; with overwrite, the artifact is rebuilt and the
// cache entry replaced.
func (s *Service) Clean(ctx context.Context, h model.DatasetHandle, overwrite bool) (model.DatasetHandle, model.TransformSummary, error) {
	if err := ctx.Err(); err != nil {
		return h, model.TransformSummary{}, err
	}
	l, err := s.load(h.RawPath)
	if err != nil {
		return h, model.TransformSummary{}, err
	}

	key := l.fp + "|" + strconv.FormatBool(overwrite)
	v, err, shared := s.flights.Do(key, func() (any, error) {
		return s.clean(ctx, l, overwrite)
	})
	if err != nil {
		return h, model.TransformSummary{}, err
	}
	if shared {
		s.logger.Debug("etl: joined in-flight clean", "path", l.path, "fingerprint", l.fp)
	}
	out := v.(cleanOutput)
	// Each caller gets its own copy of the path it asked about.
	out.handle.RawPath = h.RawPath
	return out.handle, out.summary, nil
}

func (s *Service) clean(ctx context.Context, l *loaded, overwrite bool) (cleanOutput, error) {
	if !overwrite {
		entry, found, err := s.cache.Lookup(ctx, l.fp)
		if err != nil {
			return cleanOutput{}, fmt.Errorf("etl: %s: %w", l.path, err)
		}
		if found {
			if _, statErr := os.Stat(entry.CleanedArtifactRef); statErr == nil {
				summary := entry.Summary
				summary.CacheHit = true
				s.logger.Info("etl: cache hit", "path", l.path, "artifact", entry.CleanedArtifactRef)
				return cleanOutput{handle: handleFor(l, entry.CleanedArtifactRef), summary: summary}, nil
			}
			s.logger.Warn("etl: cached artifact missing, recomputing",
				"path", l.path, "artifact", entry.CleanedArtifactRef)
		}
	}

	start := time.Now()
	report := Profile(l.table, l.schema)
	cleaned, summary := Clean(l.table, l.schema)
	summary.QualityScore = report.QualityScore
	summary.QualityWarning, summary.Rationale = assess(report)
	for _, p := range report.Profile {
		if p.Outliers > 0 {
			if summary.Outliers == nil {
				summary.Outliers = make(map[string]int)
			}
			summary.Outliers[p.Name] = p.Outliers
		}
	}
	s.computations.Add(1)
	s.rowsCleaned.Add(int64(summary.RowsOut))

	artifact := filepath.Join(s.outputDir, dataset.ArtifactName(l.path, l.fp))
	if err := s.writeArtifact(artifact, cleaned, overwrite); err != nil {
		return cleanOutput{}, err
	}

	entry := model.CacheEntry{
		CleanedArtifactRef: artifact,
		Summary:            summary,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.cache.Store(ctx, l.fp, entry); err != nil {
		return cleanOutput{}, fmt.Errorf("etl: %s: %w", l.path, err)
	}

	if summary.QualityWarning {
		s.logger.Warn("etl: quality warning", "path", l.path, "score", summary.QualityScore, "rationale", summary.Rationale)
	}
	s.logger.Info("etl: cleaned dataset",
		"path", l.path,
		"artifact", artifact,
		"rows_in", summary.RowsIn,
		"rows_out", summary.RowsOut,
		"duplicates_removed", summary.DuplicatesRemoved,
		"duration", time.Since(start),
	)
	return cleanOutput{handle: handleFor(l, artifact), summary: summary}, nil
}

// writeArtifact writes the cleaned table to path. An existing file is kept
// unless overwrite is set: the name embeds the fingerprint, so an existing
// file already holds this content.
func (s *Service) writeArtifact(path string, t *dataset.Table, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			s.logger.Debug("etl: reusing existing artifact", "artifact", path)
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("etl: create output dir: %w", err)
	}
	if err := writeFileAtomic(path, t); err != nil {
		return fmt.Errorf("etl: write artifact %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it into place, so readers never observe a partially written artifact.
func writeFileAtomic(path string, t *dataset.Table) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = dataset.Encode(tmp, t); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func handleFor(l *loaded, artifact string) model.DatasetHandle {
	ref := artifact
	return model.DatasetHandle{RawPath: l.path, ContentFingerprint: l.fp, CleanedArtifactRef: &ref}
}

// Scan profiles one raw dataset and reports whether it is already cached.
func (s *Service) Scan(ctx context.Context, path string) (model.ScanReport, error) {
	l, err := s.load(path)
	if err != nil {
		return model.ScanReport{}, err
	}
	rep := Profile(l.table, l.schema)
	rep.Path = path
	rep.Fingerprint = l.fp

	_, found, err := s.cache.Lookup(ctx, l.fp)
	if err != nil {
		s.logger.Warn("etl: scan cache lookup failed", "path", path, "error", err)
	}
	rep.Cached = found
	return rep, nil
}

// CleanAll cleans every path with bounded parallelism. Per-file failures are
// reported in the results; the returned error is non-nil only when ctx ends.
func (s *Service) CleanAll(ctx context.Context, paths []string, overwrite bool) ([]CleanResult, error) {
	results := make([]CleanResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range paths {
		g.Go(func() error {
			h, sum, err := s.Clean(gctx, model.DatasetHandle{RawPath: p}, overwrite)
			results[i] = CleanResult{Path: p, Handle: h, Summary: sum, Err: err}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("etl: clean all: %w", err)
	}
	return results, nil
}

// ScanAll profiles every path with bounded parallelism.
func (s *Service) ScanAll(ctx context.Context, paths []string) ([]ScanResult, error) {
	results := make([]ScanResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rep, err := s.Scan(gctx, p)
			results[i] = ScanResult{Path: p, Report: rep, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("etl: scan all: %w", err)
	}
	return results, nil
}

// registerMetrics exposes ETL work counters as observable OTEL counters.
func (s *Service) registerMetrics() {
	meter := telemetry.Meter("whitepaper/etl")

	_, _ = meter.Int64ObservableCounter("whitepaper.etl.computations",
		metric.WithDescription("Times the cleaning transform ran (cache misses and overwrites)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.computations.Load())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("whitepaper.etl.rows_cleaned",
		metric.WithDescription("Rows written to cleaned artifacts"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.rowsCleaned.Load())
			return nil
		}),
	)
}
