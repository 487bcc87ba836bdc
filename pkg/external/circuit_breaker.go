package external

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/clinical-codes-finder/internal/domain"
)

// ResilientLookupClient wraps a lookup client with per-system circuit breakers
// and a memory tier in front of an optional Redis tier.
type ResilientLookupClient struct {
	client   domain.CodeLookup
	breakers map[domain.CodingSystem]*gobreaker.CircuitBreaker
	memory   *MemoryCache
	remote   LookupCache
	logger   *logrus.Logger
}

// ResilientOption configures a ResilientLookupClient.
type ResilientOption func(*ResilientLookupClient)

// WithMemoryCache sets the in-process cache tier.
func WithMemoryCache(cache *MemoryCache) ResilientOption {
	return func(r *ResilientLookupClient) {
		r.memory = cache
	}
}

// WithRemoteCache sets the shared cache tier.
func WithRemoteCache(cache LookupCache) ResilientOption {
	return func(r *ResilientLookupClient) {
		r.remote = cache
	}
}

// NewResilientLookupClient creates a new resilient lookup client with circuit breakers
func NewResilientLookupClient(client domain.CodeLookup, breakerConfig domain.CircuitBreakerConfig, logger *logrus.Logger, opts ...ResilientOption) *ResilientLookupClient {
	if logger == nil {
		logger = logrus.New()
	}

	breakers := make(map[domain.CodingSystem]*gobreaker.CircuitBreaker)
	for _, system := range domain.AllCodingSystems() {
		breakers[system] = newCircuitBreaker(system.DisplayName(), breakerConfig, logger)
	}

	r := &ResilientLookupClient{
		client:   client,
		breakers: breakers,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup queries one system with caching and circuit breaking. An open breaker
// is reported as LookupUnavailable for that system.
func (r *ResilientLookupClient) Lookup(ctx context.Context, system domain.CodingSystem, term string, maxResults int) ([]domain.CodeCandidate, error) {
	breaker, ok := r.breakers[system]
	if !ok {
		return nil, domain.NewValidationError("system", "unsupported coding system", system)
	}

	if candidates, found := r.fromCache(ctx, system, term, maxResults); found {
		return candidates, nil
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return r.client.Lookup(ctx, system, term, maxResults)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewLookupUnavailableError(system, fmt.Errorf("%s service unavailable (circuit breaker open): %w", system.DisplayName(), err))
		}
		return nil, err
	}

	candidates := result.([]domain.CodeCandidate)
	r.store(ctx, system, term, maxResults, candidates)
	return candidates, nil
}

func (r *ResilientLookupClient) fromCache(ctx context.Context, system domain.CodingSystem, term string, maxResults int) ([]domain.CodeCandidate, bool) {
	if r.memory != nil {
		if candidates, found, _ := r.memory.Get(ctx, system, term, maxResults); found {
			return candidates, true
		}
	}
	if r.remote != nil {
		candidates, found, err := r.remote.Get(ctx, system, term, maxResults)
		if err != nil {
			r.logger.WithError(err).WithField("system", system).Warn("Failed to read lookup cache")
			return nil, false
		}
		if found {
			if r.memory != nil {
				_ = r.memory.Set(ctx, system, term, maxResults, candidates)
			}
			return candidates, true
		}
	}
	return nil, false
}

func (r *ResilientLookupClient) store(ctx context.Context, system domain.CodingSystem, term string, maxResults int, candidates []domain.CodeCandidate) {
	if r.memory != nil {
		_ = r.memory.Set(ctx, system, term, maxResults, candidates)
	}
	if r.remote != nil {
		if err := r.remote.Set(ctx, system, term, maxResults, candidates); err != nil {
			// Log cache error but don't fail the request
			r.logger.WithError(err).WithField("system", system).Warn("Failed to cache lookup")
		}
	}
}

// GetCircuitBreakerStats returns statistics for all circuit breakers
func (r *ResilientLookupClient) GetCircuitBreakerStats() map[domain.CodingSystem]gobreaker.Counts {
	stats := make(map[domain.CodingSystem]gobreaker.Counts, len(r.breakers))
	for system, breaker := range r.breakers {
		stats[system] = breaker.Counts()
	}
	return stats
}

// GetCircuitBreakerStates returns the current state of all circuit breakers
func (r *ResilientLookupClient) GetCircuitBreakerStates() map[domain.CodingSystem]gobreaker.State {
	states := make(map[domain.CodingSystem]gobreaker.State, len(r.breakers))
	for system, breaker := range r.breakers {
		states[system] = breaker.State()
	}
	return states
}

// HealthCheck reports breaker state per system and the cache tiers.
func (r *ResilientLookupClient) HealthCheck(ctx context.Context) []ServiceHealth {
	now := time.Now()
	health := make([]ServiceHealth, 0, len(r.breakers)+1)
	states := r.GetCircuitBreakerStates()
	counts := r.GetCircuitBreakerStats()
	for _, system := range domain.AllCodingSystems() {
		state := states[system]
		health = append(health, ServiceHealth{
			Service:      string(system),
			Healthy:      state != gobreaker.StateOpen,
			BreakerState: state.String(),
			Requests:     counts[system].Requests,
			Failures:     counts[system].TotalFailures,
			LastCheck:    now,
		})
	}

	if pinger, ok := r.remote.(interface{ Ping(context.Context) error }); ok {
		entry := ServiceHealth{Service: "redis", Healthy: true, LastCheck: now}
		if err := pinger.Ping(ctx); err != nil {
			entry.Healthy = false
			entry.Error = err.Error()
		}
		health = append(health, entry)
	}
	return health
}

// MemoryStats returns memory tier statistics, or false when the tier is disabled.
func (r *ResilientLookupClient) MemoryStats() (MemoryCacheStats, bool) {
	if r.memory == nil {
		return MemoryCacheStats{}, false
	}
	return r.memory.Stats(), true
}

// Close closes all connections and resources
func (r *ResilientLookupClient) Close() error {
	if r.remote != nil {
		return r.remote.Close()
	}
	return nil
}
