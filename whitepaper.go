// Package whitepaper is the public API for embedding the whitepaper policy
// analysis tool.
//
// An App wires the dataset cache, the ETL service, the inference client, and
// the workflow executor together:
//
//	app, err := whitepaper.New(
//	    whitepaper.WithVersion(version),
//	    whitepaper.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close()
//	out, err := app.Ask(ctx, "revenue trends by region", nil)
//
// The import graph enforces a strict no-cycle rule: whitepaper (root)
// imports internal/*, but internal/* never imports the root package.
package whitepaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/whitepaper/internal/cache"
	"github.com/ashita-ai/whitepaper/internal/config"
	"github.com/ashita-ai/whitepaper/internal/dataset"
	"github.com/ashita-ai/whitepaper/internal/etl"
	"github.com/ashita-ai/whitepaper/internal/inference"
	"github.com/ashita-ai/whitepaper/internal/mcp"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/ratelimit"
	"github.com/ashita-ai/whitepaper/internal/stages"
	"github.com/ashita-ai/whitepaper/internal/storage"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

// ErrAmbiguousFingerprint is returned by Invalidate when a short fingerprint
// matches more than one cache entry.
var ErrAmbiguousFingerprint = errors.New("whitepaper: ambiguous fingerprint")

// defaultOllamaURL is tried when the provider is "auto" and nothing else is
// configured.
const defaultOllamaURL = "http://localhost:11434"

// App is the whitepaper lifecycle. Construct with New(), release with Close().
// Configure it with Option values passed to New.
type App struct {
	cfg       config.Config
	store     storage.Backend
	ownsStore bool
	cache     *cache.Cache
	etl       *etl.Service
	exec      *workflow.Executor
	limiter   ratelimit.Limiter
	provider  string
	logger    *slog.Logger
	version   string
}

var _ mcp.Backend = (*App)(nil)

// New loads configuration, opens the cache store (applying migrations), picks
// an inference provider, and wires the stage graph. It starts no goroutines
// apart from the rate limiter's eviction loop; Close releases everything.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		loaded, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	a := &App{cfg: cfg, logger: logger, version: version}

	a.store = o.store
	if a.store == nil {
		st, err := storage.Open(context.Background(), cfg.CacheDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open cache store: %w", err)
		}
		a.store = st
		a.ownsStore = true
	}

	a.cache = cache.New(a.store, logger)
	a.etl = etl.New(a.cache, etl.Config{OutputDir: cfg.OutputDir, Concurrency: cfg.ScanConcurrency}, logger)

	client := o.client
	a.provider = "custom"
	if client == nil {
		c, provider, err := newInferenceClient(cfg, logger)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		client, a.provider = c, provider
	}
	a.limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		client = inference.NewRateLimited(client, a.limiter)
	}

	builtin := stages.New(stages.Deps{
		Inference:  client,
		ETL:        a.etl,
		InputDir:   cfg.InputDir,
		ReportsDir: cfg.ReportsDir,
		Logger:     logger,
	})
	registry, err := workflow.NewRegistry(mergeStages(builtin, o.stages)...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.exec = workflow.NewExecutor(registry, a.store, logger)

	logger.Info("whitepaper ready",
		"version", version,
		"input_dir", cfg.InputDir,
		"cache", storageScheme(cfg.CacheDSN, o.store != nil),
		"inference", a.provider,
	)
	return a, nil
}

// mergeStages replaces builtin stages with overrides of the same name.
func mergeStages(builtin, overrides []workflow.Stage) []workflow.Stage {
	byName := make(map[model.StageName]workflow.Stage, len(overrides))
	for _, s := range overrides {
		byName[s.Name()] = s
	}
	out := make([]workflow.Stage, len(builtin))
	for i, s := range builtin {
		if o, ok := byName[s.Name()]; ok {
			s = o
		}
		out[i] = s
	}
	return out
}

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config {
	return a.cfg
}

// Version returns the version string set with WithVersion.
func (a *App) Version() string {
	return a.version
}

// RunOptions returns the per-run limits from configuration.
func (a *App) RunOptions() workflow.RunOptions {
	return workflow.RunOptions{
		MaxRevisions:   a.cfg.MaxRevisions,
		CostBudget:     a.cfg.CostBudget,
		StageTimeout:   a.cfg.StageTimeout,
		MaxRetries:     a.cfg.MaxRetries,
		RetryBaseDelay: a.cfg.RetryBaseDelay,
	}
}

// Datasets lists the raw CSV datasets in the input directory.
func (a *App) Datasets() ([]string, error) {
	return dataset.Discover(a.cfg.InputDir)
}

func (a *App) resolvePaths(paths []string) ([]string, error) {
	if len(paths) > 0 {
		return paths, nil
	}
	return a.Datasets()
}

// Scan profiles datasets without cleaning them. With no paths, every raw CSV
// in the input directory is scanned.
func (a *App) Scan(ctx context.Context, paths ...string) ([]etl.ScanResult, error) {
	paths, err := a.resolvePaths(paths)
	if err != nil {
		return nil, err
	}
	return a.etl.ScanAll(ctx, paths)
}

// Clean runs the ETL transform, reusing cached artifacts unless overwrite is
// set. With no paths, every raw CSV in the input directory is cleaned.
func (a *App) Clean(ctx context.Context, overwrite bool, paths ...string) ([]etl.CleanResult, error) {
	paths, err := a.resolvePaths(paths)
	if err != nil {
		return nil, err
	}
	return a.etl.CleanAll(ctx, paths, overwrite)
}

// ListCache enumerates cache entries.
func (a *App) ListCache(ctx context.Context) (cache.Listing, error) {
	return a.cache.List(ctx)
}

// Status reports which raw datasets are cached and the cache counters.
// Datasets are fingerprinted but not looked up individually, so calling
// Status leaves the hit and miss counters untouched.
func (a *App) Status(ctx context.Context) (model.Status, error) {
	listing, err := a.cache.List(ctx)
	if err != nil {
		return model.Status{}, err
	}
	paths, err := a.Datasets()
	if err != nil {
		return model.Status{}, err
	}

	cached := make(map[string]bool, len(listing.Entries))
	for _, e := range listing.Entries {
		cached[e.Key] = true
	}
	st := model.Status{
		Version:      a.version,
		InputDir:     a.cfg.InputDir,
		OutputDir:    a.cfg.OutputDir,
		ReportsDir:   a.cfg.ReportsDir,
		Provider:     a.provider,
		CacheEntries: len(listing.Entries),
		CorruptKeys:  len(listing.Corrupt),
	}
	for _, p := range paths {
		ds := model.DatasetStatus{Path: p}
		h, err := a.etl.Handle(p)
		if err != nil {
			ds.Error = err.Error()
		} else {
			ds.Fingerprint = h.ContentFingerprint
			ds.Cached = cached[h.ContentFingerprint]
		}
		st.Datasets = append(st.Datasets, ds)
	}
	stats := a.cache.Stats()
	st.CacheHits, st.CacheMisses = stats.Hits, stats.Misses
	st.Computations = a.etl.Computations()
	return st, nil
}

// Invalidate removes the cache entry for fp, which may be a full fingerprint
// or an unambiguous prefix of its hex digest (as printed by list).
func (a *App) Invalidate(ctx context.Context, fp string) error {
	fp = strings.TrimSpace(fp)
	if !dataset.ValidFingerprint(fp) {
		listing, err := a.cache.List(ctx)
		if err != nil {
			return err
		}
		prefix := strings.TrimPrefix(fp, "fp1:")
		var matches []string
		for _, e := range listing.Entries {
			if prefix != "" && strings.HasPrefix(strings.TrimPrefix(e.Key, "fp1:"), prefix) {
				matches = append(matches, e.Key)
			}
		}
		switch len(matches) {
		case 0:
			return fmt.Errorf("whitepaper: fingerprint %q: %w", fp, storage.ErrNotFound)
		case 1:
			fp = matches[0]
		default:
			return fmt.Errorf("%w: %q matches %d entries", ErrAmbiguousFingerprint, fp, len(matches))
		}
	}
	if err := a.cache.Invalidate(ctx, fp); err != nil {
		return err
	}
	a.logger.Info("whitepaper: cache entry invalidated", "fingerprint", fp)
	return nil
}

// Ask runs query through the workflow. obs, when non-nil, receives each
// stage record as it is appended.
func (a *App) Ask(ctx context.Context, query string, obs workflow.Observer) (workflow.Outcome, error) {
	opts := a.RunOptions()
	opts.Observer = obs
	return a.exec.Run(ctx, query, opts)
}

// Resume continues a run that is awaiting clarification.
func (a *App) Resume(ctx context.Context, st *workflow.State, clarification string, obs workflow.Observer) (workflow.Outcome, error) {
	opts := a.RunOptions()
	opts.Observer = obs
	return a.exec.Resume(ctx, st, clarification, opts)
}

// Runs lists archived runs, most recent first.
func (a *App) Runs(ctx context.Context, limit int) ([]model.RunTranscript, error) {
	if limit <= 0 {
		limit = 20
	}
	return a.store.ListRuns(ctx, limit)
}

// Run returns one archived run with its stage records.
func (a *App) Run(ctx context.Context, id uuid.UUID) (model.RunTranscript, error) {
	run, err := a.store.GetRun(ctx, id)
	if err != nil {
		return model.RunTranscript{}, fmt.Errorf("whitepaper: run %s: %w", id, err)
	}
	return run, nil
}

// RunStats aggregates archived runs started within the last days days,
// per status and per stage. days <= 0 covers the whole archive.
func (a *App) RunStats(ctx context.Context, days int) (model.RunStats, error) {
	var since time.Time
	if days > 0 {
		since = time.Now().UTC().AddDate(0, 0, -days)
	}
	st, err := a.store.RunStats(ctx, since)
	if err != nil {
		return model.RunStats{}, fmt.Errorf("whitepaper: run stats: %w", err)
	}
	return st, nil
}

// PruneRuns deletes archived runs started more than olderThan ago, with
// their stage records. With dryRun set nothing is deleted and the counts
// are what a real prune would remove.
func (a *App) PruneRuns(ctx context.Context, olderThan time.Duration, dryRun bool) (storage.PurgeCount, error) {
	if olderThan <= 0 {
		return storage.PurgeCount{}, errors.New("whitepaper: prune: retention must be positive")
	}
	before := time.Now().UTC().Add(-olderThan)
	var (
		cnt storage.PurgeCount
		err error
	)
	if dryRun {
		cnt, err = a.store.CountPrunable(ctx, before)
	} else {
		cnt, err = a.store.PruneRuns(ctx, before, 0)
	}
	if err != nil {
		return storage.PurgeCount{}, fmt.Errorf("whitepaper: prune: %w", err)
	}
	return cnt, nil
}

// MCPServer returns an MCP server exposing this App's operations.
func (a *App) MCPServer() *mcp.Server {
	return mcp.New(a, a.logger, a.version)
}

// Close stops the rate limiter and closes the store if the App opened it.
func (a *App) Close() error {
	var errs []error
	if a.limiter != nil {
		errs = append(errs, a.limiter.Close())
	}
	errs = append(errs, a.closeStore())
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if !a.ownsStore || a.store == nil {
		return nil
	}
	a.ownsStore = false
	return a.store.Close()
}

// newInferenceClient picks a provider from configuration. With "auto" and
// neither an API key nor an Ollama URL, a local Ollama is used if one
// answers; otherwise responses come from the offline client.
func newInferenceClient(cfg config.Config, logger *slog.Logger) (inference.Client, string, error) {
	s := inference.Settings{
		Provider:       cfg.InferenceProvider,
		OpenAIAPIKey:   cfg.OpenAIAPIKey,
		OpenAIBaseURL:  cfg.OpenAIBaseURL,
		CheapModel:     cfg.CheapModel,
		ExpensiveModel: cfg.ExpensiveModel,
		OllamaURL:      cfg.OllamaURL,
		OllamaModel:    cfg.OllamaModel,
	}
	if s.Provider == inference.ProviderAuto && s.OpenAIAPIKey == "" && s.OllamaURL == "" && ollamaReachable(defaultOllamaURL) {
		logger.Info("inference: local ollama detected", "url", defaultOllamaURL)
		s.OllamaURL = defaultOllamaURL
	}
	c, err := inference.Select(s, logger)
	if err != nil {
		return nil, "", fmt.Errorf("inference: %w", err)
	}
	return c, providerName(c), nil
}

func providerName(c inference.Client) string {
	switch c.(type) {
	case *inference.OpenAI:
		return inference.ProviderOpenAI
	case *inference.Ollama:
		return inference.ProviderOllama
	case inference.Offline:
		return inference.ProviderOffline
	}
	return "custom"
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func storageScheme(dsn string, injected bool) string {
	if injected {
		return "injected"
	}
	scheme, _, _ := strings.Cut(dsn, "://")
	return scheme
}
