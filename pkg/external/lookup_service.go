package external

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/clinical-codes-finder/internal/domain"
)

// NewLookupService wires the Clinical Tables client behind circuit breakers and
// cache tiers. The Redis tier is only created when a Redis URL is configured.
func NewLookupService(cfg *domain.Config, logger *logrus.Logger) (*ResilientLookupClient, error) {
	client := NewClinicalTablesClient(ClinicalTablesConfig{
		BaseURL:   cfg.ClinicalTables.BaseURL,
		Timeout:   cfg.ClinicalTables.Timeout,
		RateLimit: cfg.ClinicalTables.RateLimit,
	}, logger)

	opts := []ResilientOption{
		WithMemoryCache(NewMemoryCache(cfg.Cache.MemoryMaxKeys, cfg.Cache.MemoryTTL)),
	}

	if cfg.Cache.RedisURL != "" {
		cacheClient, err := NewCacheClient(cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache client: %w", err)
		}
		opts = append(opts, WithRemoteCache(cacheClient))
		logger.Info("Redis lookup cache enabled")
	}

	return NewResilientLookupClient(client, cfg.CircuitBreaker, logger, opts...), nil
}
