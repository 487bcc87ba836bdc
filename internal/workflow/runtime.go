package workflow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/clinical-codes-finder/internal/conversation"
	"github.com/clinical-codes-finder/internal/domain"
	"github.com/clinical-codes-finder/internal/llm"
	"github.com/clinical-codes-finder/internal/service"
	"github.com/clinical-codes-finder/pkg/external"
)

// Runtime bundles the shared collaborators every session uses.
type Runtime struct {
	Config     *domain.Config
	Provider   llm.Provider
	Lookup     *external.ResilientLookupClient
	Classifier *service.IntentClassifier
	Summarizer *service.Summarizer
	Sessions   *SessionManager
	logger     *logrus.Logger
}

// NewRuntime builds the provider, lookup stack, classifier, summarizer and
// session registry from configuration.
func NewRuntime(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*Runtime, error) {
	provider, err := llm.NewProvider(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	lookup, err := external.NewLookupService(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup service: %w", err)
	}
	return NewRuntimeWith(cfg, provider, lookup, logger), nil
}

// NewRuntimeWith assembles a runtime around an existing provider and lookup
// client.
func NewRuntimeWith(cfg *domain.Config, provider llm.Provider, lookup *external.ResilientLookupClient, logger *logrus.Logger) *Runtime {
	classifier := service.NewIntentClassifier(provider,
		service.WithClassifierLogger(logger),
		service.WithTemperature(cfg.LLM.Temperature),
		service.WithContextTurns(cfg.Conversation.ContextTurns),
	)

	summarizerOpts := []service.SummarizerOption{service.WithSummarizerLogger(logger)}
	if cfg.Summarizer.GlossEnabled {
		summarizerOpts = append(summarizerOpts, service.WithGloss(provider, cfg.Summarizer.GlossTopPerSystem))
	}
	summarizer := service.NewSummarizer(summarizerOpts...)

	r := &Runtime{
		Config:     cfg,
		Provider:   provider,
		Lookup:     lookup,
		Classifier: classifier,
		Summarizer: summarizer,
		logger:     logger,
	}
	r.Sessions = NewSessionManager(r.NewOrchestrator, cfg.Conversation.MaxSessions, cfg.Conversation.SessionTTL, logger)
	return r
}

// NewOrchestrator creates an orchestrator for one session.
func (r *Runtime) NewOrchestrator(sessionID string) *Orchestrator {
	return NewOrchestrator(r.Classifier, r.Lookup, r.Summarizer,
		WithLogger(r.logger),
		WithSessionID(sessionID),
		WithState(conversation.NewState(r.Config.Conversation.MaxTurns)),
		WithMaxResults(r.Config.ClinicalTables.MaxResults),
		WithLookupTimeout(r.Config.ClinicalTables.LookupTimeout),
		WithConcurrency(r.Config.ClinicalTables.Concurrency),
	)
}

// Close releases the lookup caches.
func (r *Runtime) Close() error {
	if r.Lookup == nil {
		return nil
	}
	return r.Lookup.Close()
}
