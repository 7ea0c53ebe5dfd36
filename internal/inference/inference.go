// Package inference provides the language-model capability the workflow
// stages call: Infer(prompt, tier) -> text.
//
// Providers are interchangeable behind Client. Failures a retry might fix are
// reported as ErrUnavailable or ErrTimeout; anything else is permanent.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/ratelimit"
)

var (
	// ErrUnavailable means the backend could not be reached or refused the
	// call in a way that may succeed later (5xx, 429, connection errors).
	ErrUnavailable = errors.New("inference: service unavailable")

	// ErrTimeout means the call did not finish before its deadline.
	ErrTimeout = errors.New("inference: timeout")
)

// Client generates text for a prompt at a cost tier.
type Client interface {
	Infer(ctx context.Context, prompt string, tier model.CostTier) (string, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// classifyTransport maps an HTTP round-trip error onto the taxonomy.
func classifyTransport(provider string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", provider, ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%s: %w: %v", provider, ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", provider, err)
	default:
		return fmt.Errorf("%s: %w: %v", provider, ErrUnavailable, err)
	}
}

// classifyStatus maps a non-200 response onto the taxonomy.
func classifyStatus(provider string, status int, body string) error {
	body = strings.TrimSpace(body)
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w: status %d: %s", provider, ErrTimeout, status, body)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s: %w: status %d: %s", provider, ErrUnavailable, status, body)
	default:
		return fmt.Errorf("%s: status %d: %s", provider, status, body)
	}
}

// Provider names accepted by Select.
const (
	ProviderAuto    = "auto"
	ProviderOpenAI  = "openai"
	ProviderOllama  = "ollama"
	ProviderOffline = "offline"
)

// Settings is the subset of configuration needed to build a client.
type Settings struct {
	Provider       string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	CheapModel     string
	ExpensiveModel string
	OllamaURL      string
	OllamaModel    string
}

// Select builds the client named by s.Provider. "auto" picks OpenAI when an
// API key is set, then Ollama when a URL is set, and falls back to Offline.
func Select(s Settings, logger *slog.Logger) (Client, error) {
	provider := s.Provider
	if provider == "" || provider == ProviderAuto {
		switch {
		case s.OpenAIAPIKey != "":
			provider = ProviderOpenAI
		case s.OllamaURL != "":
			provider = ProviderOllama
		default:
			provider = ProviderOffline
		}
	}

	switch provider {
	case ProviderOpenAI:
		if s.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("inference: openai provider requires OPENAI_API_KEY")
		}
		logger.Info("inference: using openai", "base_url", s.OpenAIBaseURL, "cheap_model", s.CheapModel, "expensive_model", s.ExpensiveModel)
		return NewOpenAI(s.OpenAIAPIKey, s.OpenAIBaseURL, s.CheapModel, s.ExpensiveModel), nil
	case ProviderOllama:
		logger.Info("inference: using ollama", "url", s.OllamaURL, "model", s.OllamaModel)
		return NewOllama(s.OllamaURL, s.OllamaModel), nil
	case ProviderOffline:
		logger.Warn("inference: no provider configured, using offline responses")
		return Offline{}, nil
	default:
		return nil, fmt.Errorf("inference: unknown provider %q", s.Provider)
	}
}

// RateLimited paces calls to an inner client with one bucket per tier.
type RateLimited struct {
	inner   Client
	limiter ratelimit.Limiter
}

// NewRateLimited wraps inner with limiter.
func NewRateLimited(inner Client, limiter ratelimit.Limiter) *RateLimited {
	return &RateLimited{inner: inner, limiter: limiter}
}

// Infer waits for a token on the tier's bucket, then calls the inner client.
// Waiting past the deadline is reported as ErrTimeout.
func (r *RateLimited) Infer(ctx context.Context, prompt string, tier model.CostTier) (string, error) {
	if err := ratelimit.Wait(ctx, r.limiter, "inference:"+string(tier)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("inference: rate limit wait: %w", ErrTimeout)
		}
		return "", fmt.Errorf("inference: rate limit wait: %w", err)
	}
	return r.inner.Infer(ctx, prompt, tier)
}
