package whitepaper

import (
	"log/slog"

	"github.com/ashita-ai/whitepaper/internal/config"
	"github.com/ashita-ai/whitepaper/internal/inference"
	"github.com/ashita-ai/whitepaper/internal/storage"
	"github.com/ashita-ai/whitepaper/internal/workflow"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Callers set them with the With* functions.
type resolvedOptions struct {
	logger  *slog.Logger
	version string
	cfg     *config.Config
	client  inference.Client
	store   storage.Backend
	stages  []workflow.Stage
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by status and the MCP server.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithConfig uses cfg instead of loading configuration from the environment.
// cfg is still validated.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithInferenceClient replaces the provider selected from configuration.
// Rate limiting still applies when enabled.
func WithInferenceClient(c inference.Client) Option {
	return func(o *resolvedOptions) { o.client = c }
}

// WithStore uses an already-open backend for the cache and run archive
// instead of opening cache_dsn. The App does not close a store it was given.
func WithStore(s storage.Backend) Option {
	return func(o *resolvedOptions) { o.store = s }
}

// WithStages replaces built-in stages by name. Stages not named keep their
// default implementation. Multiple calls accumulate; the last stage given
// for a name wins.
func WithStages(stages ...workflow.Stage) Option {
	return func(o *resolvedOptions) { o.stages = append(o.stages, stages...) }
}
