// Package llm contains the language model providers used for intent
// classification and result glossing. Every provider turns a prompt into a
// JSON text completion; callers own parsing and validation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/clinical-codes-finder/internal/domain"
)

// Tasks a request can carry. Hosted providers ignore the task; the fake
// provider uses it to decide what to answer.
const (
	TaskClassifyIntent   = "classify_intent"
	TaskSummarizeResults = "summarize_results"
)

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// Request is a single completion request.
type Request struct {
	Task        string
	System      string
	Prompt      string
	Input       map[string]any
	Temperature float32
}

// Provider produces a JSON completion for a request.
type Provider interface {
	// Name identifies the provider and model, e.g. "ollama:llama3.1".
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// guardedProvider applies rate limiting, a per-call deadline and logging
// around another provider.
type guardedProvider struct {
	inner   Provider
	limiter *rate.Limiter
	timeout time.Duration
	logger  *logrus.Logger
}

// Guard wraps a provider with an optional rate limit (requests per second,
// zero disables) and a per-call timeout (zero disables).
func Guard(inner Provider, rps float64, timeout time.Duration, logger *logrus.Logger) Provider {
	g := &guardedProvider{inner: inner, timeout: timeout, logger: logger}
	if rps > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	if g.logger == nil {
		g.logger = logrus.New()
	}
	return g
}

func (g *guardedProvider) Name() string { return g.inner.Name() }

func (g *guardedProvider) Complete(ctx context.Context, req Request) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("llm rate limit wait: %w", err)
		}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := g.inner.Complete(ctx, req)
	fields := logrus.Fields{
		"provider":    g.inner.Name(),
		"task":        req.Task,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		g.logger.WithFields(fields).WithError(err).Warn("LLM completion failed")
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		g.logger.WithFields(fields).Warn("LLM returned empty completion")
		return "", ErrEmptyResponse
	}
	g.logger.WithFields(fields).Debug("LLM completion finished")
	return out, nil
}

// NewProvider builds the configured provider, wrapped by Guard.
func NewProvider(ctx context.Context, cfg domain.LLMConfig, logger *logrus.Logger) (Provider, error) {
	var (
		provider Provider
		err      error
	)

	switch strings.ToLower(cfg.Provider) {
	case "", "ollama":
		provider = NewOllamaProvider(cfg.Ollama)
	case "openai":
		provider, err = NewOpenAIProvider(cfg.OpenAI)
	case "gemini":
		provider, err = NewGeminiProvider(ctx, cfg.Gemini)
	case "fake":
		provider = NewFakeProvider()
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Provider, err)
	}

	if logger != nil {
		logger.WithField("provider", provider.Name()).Info("LLM provider configured")
	}
	return Guard(provider, cfg.RateLimit, cfg.Timeout, logger), nil
}
