// Package config loads and validates whitepaper configuration.
//
// Values are layered, lowest precedence first: built-in defaults, an
// optional whitepaper.yaml, a .env file, and the environment (WHITEPAPER_*
// plus a few conventional unprefixed variables).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// Filesystem layout.
	InputDir   string `mapstructure:"input_dir"`
	OutputDir  string `mapstructure:"output_dir"`
	ReportsDir string `mapstructure:"reports_dir"`
	CacheDSN   string `mapstructure:"cache_dsn"` // sqlite://, postgres://, or memory://

	// Run limits.
	MaxRevisions   int           `mapstructure:"max_revisions"`
	CostBudget     float64       `mapstructure:"cost_budget"` // USD; 0 disables the budget.
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// Inference provider settings.
	InferenceProvider string `mapstructure:"inference_provider"` // "auto", "openai", "ollama", or "offline"
	OpenAIAPIKey      string `mapstructure:"openai_api_key"`
	OpenAIBaseURL     string `mapstructure:"openai_base_url"`
	CheapModel        string `mapstructure:"cheap_model"`
	ExpensiveModel    string `mapstructure:"expensive_model"`
	OllamaURL         string `mapstructure:"ollama_url"`
	OllamaModel       string `mapstructure:"ollama_model"`

	RateLimitEnabled bool    `mapstructure:"rate_limit_enabled"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`

	ScanConcurrency int `mapstructure:"scan_concurrency"`

	// Logging and OTEL.
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"` // "json" or "text"
	OTELEndpoint string `mapstructure:"otel_endpoint"`
	OTELInsecure bool   `mapstructure:"otel_insecure"`
	ServiceName  string `mapstructure:"service_name"`
}

// EnvPrefix prefixes every whitepaper environment variable.
const EnvPrefix = "WHITEPAPER"

var providers = []string{"auto", "openai", "ollama", "offline"}

var defaults = map[string]any{
	"input_dir":          ".",
	"output_dir":         "cleaned-dataset",
	"reports_dir":        "reports",
	"cache_dsn":          "sqlite://.whitepaper/cache.db",
	"max_revisions":      2,
	"cost_budget":        1.0,
	"stage_timeout":      90 * time.Second,
	"max_retries":        2,
	"retry_base_delay":   500 * time.Millisecond,
	"inference_provider": "auto",
	"openai_api_key":     "",
	"openai_base_url":    "https://api.openai.com/v1",
	"cheap_model":        "gpt-3.5-turbo",
	"expensive_model":    "gpt-4",
	"ollama_url":         "",
	"ollama_model":       "llama3",
	"rate_limit_enabled": true,
	"rate_limit_rps":     2.0,
	"rate_limit_burst":   4,
	"scan_concurrency":   4,
	"log_level":          "info",
	"log_format":         "json",
	"otel_endpoint":      "",
	"otel_insecure":      false,
	"service_name":       "whitepaper",
}

// unprefixed binds keys to conventional variables other tools also read.
// The prefixed variable wins when both are set.
var unprefixed = map[string]string{
	"openai_api_key": "OPENAI_API_KEY",
	"ollama_url":     "OLLAMA_URL",
	"otel_endpoint":  "OTEL_EXPORTER_OTLP_ENDPOINT",
	"service_name":   "OTEL_SERVICE_NAME",
}

// Load reads configuration. configFile names an explicit YAML file; when
// empty, whitepaper.yaml is looked up in the working directory and in
// $HOME/.config/whitepaper, and its absence is not an error.
func Load(configFile string) (Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for key, env := range unprefixed {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key), env); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("whitepaper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "whitepaper"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any files or
// environment variables.
func Default() Config {
	return Config{
		InputDir:          ".",
		OutputDir:         "cleaned-dataset",
		ReportsDir:        "reports",
		CacheDSN:          "sqlite://.whitepaper/cache.db",
		MaxRevisions:      2,
		CostBudget:        1.0,
		StageTimeout:      90 * time.Second,
		MaxRetries:        2,
		RetryBaseDelay:    500 * time.Millisecond,
		InferenceProvider: "auto",
		OpenAIBaseURL:     "https://api.openai.com/v1",
		CheapModel:        "gpt-3.5-turbo",
		ExpensiveModel:    "gpt-4",
		OllamaModel:       "llama3",
		RateLimitEnabled:  true,
		RateLimitRPS:      2,
		RateLimitBurst:    4,
		ScanConcurrency:   4,
		LogLevel:          "info",
		LogFormat:         "json",
		ServiceName:       "whitepaper",
	}
}

// Validate checks every setting and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRevisions < 0 {
		errs = append(errs, fmt.Errorf("config: max_revisions must be >= 0, got %d", c.MaxRevisions))
	}
	if c.CostBudget < 0 {
		errs = append(errs, fmt.Errorf("config: cost_budget must be >= 0, got %g", c.CostBudget))
	}
	if c.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: stage_timeout must be positive, got %s", c.StageTimeout))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("config: max_retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("config: retry_base_delay must not be negative, got %s", c.RetryBaseDelay))
	}
	if c.ScanConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("config: scan_concurrency must be positive, got %d", c.ScanConcurrency))
	}
	if !slices.Contains(providers, c.InferenceProvider) {
		errs = append(errs, fmt.Errorf("config: unknown inference_provider %q (want one of %v)", c.InferenceProvider, providers))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, errors.New("config: rate_limit_rps and rate_limit_burst must be positive when rate limiting is enabled"))
	}
	if c.CacheDSN == "" {
		errs = append(errs, errors.New("config: cache_dsn is required"))
	}
	return errors.Join(errs...)
}

