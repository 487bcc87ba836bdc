package external

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clinical-codes-finder/internal/domain"
)

// LookupCache stores successful lookup results.
type LookupCache interface {
	Get(ctx context.Context, system domain.CodingSystem, term string, maxResults int) ([]domain.CodeCandidate, bool, error)
	Set(ctx context.Context, system domain.CodingSystem, term string, maxResults int, candidates []domain.CodeCandidate) error
	Close() error
}

// CacheClient wraps Redis client with caching functionality for lookup responses
type CacheClient struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewCacheClient creates a new cache client
func NewCacheClient(config domain.CacheConfig) (*CacheClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.DefaultTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	return &CacheClient{
		redis:      client,
		defaultTTL: ttl,
	}, nil
}

// CachedLookup represents a cached lookup result with metadata
type CachedLookup struct {
	System     domain.CodingSystem    `json:"system"`
	Term       string                 `json:"term"`
	Candidates []domain.CodeCandidate `json:"candidates"`
	CachedAt   time.Time              `json:"cached_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

// Get retrieves a cached lookup
func (c *CacheClient) Get(ctx context.Context, system domain.CodingSystem, term string, maxResults int) ([]domain.CodeCandidate, bool, error) {
	key := lookupKey(system, term, maxResults)

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil // Cache miss
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get lookup cache: %w", err)
	}

	var cached CachedLookup
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		// Remove corrupted cache entry
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	if cached.Candidates == nil {
		cached.Candidates = []domain.CodeCandidate{}
	}
	return cached.Candidates, true, nil
}

// Set caches a lookup result
func (c *CacheClient) Set(ctx context.Context, system domain.CodingSystem, term string, maxResults int, candidates []domain.CodeCandidate) error {
	key := lookupKey(system, term, maxResults)

	cached := CachedLookup{
		System:     system,
		Term:       term,
		Candidates: candidates,
		CachedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(c.defaultTTL),
	}

	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal lookup cache data: %w", err)
	}

	return c.redis.Set(ctx, key, jsonData, c.defaultTTL).Err()
}

// Ping checks the Redis connection
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CacheClient) Close() error {
	return c.redis.Close()
}

// lookupKey creates a standardized cache key for a lookup
func lookupKey(system domain.CodingSystem, term string, maxResults int) string {
	data := fmt.Sprintf("%s|%s|%d", system, strings.ToLower(strings.TrimSpace(term)), maxResults)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("lookup:%s:%x", system, hash[:16])
}
