package external

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/clinical-codes-finder/internal/domain"
)

// MemoryCache is an in-process LRU tier with per-entry expiry.
type MemoryCache struct {
	lru    *expirable.LRU[string, []domain.CodeCandidate]
	hits   atomic.Int64
	misses atomic.Int64
}

// MemoryCacheStats reports cache effectiveness.
type MemoryCacheStats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// NewMemoryCache creates a memory cache holding up to maxKeys entries for ttl.
func NewMemoryCache(maxKeys int, ttl time.Duration) *MemoryCache {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryCache{
		lru: expirable.NewLRU[string, []domain.CodeCandidate](maxKeys, nil, ttl),
	}
}

// Get returns a copy of the cached candidates.
func (m *MemoryCache) Get(_ context.Context, system domain.CodingSystem, term string, maxResults int) ([]domain.CodeCandidate, bool, error) {
	candidates, ok := m.lru.Get(lookupKey(system, term, maxResults))
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	m.hits.Add(1)
	return append([]domain.CodeCandidate{}, candidates...), true, nil
}

// Set stores a copy of candidates.
func (m *MemoryCache) Set(_ context.Context, system domain.CodingSystem, term string, maxResults int, candidates []domain.CodeCandidate) error {
	m.lru.Add(lookupKey(system, term, maxResults), append([]domain.CodeCandidate{}, candidates...))
	return nil
}

// Stats returns hit and miss counters.
func (m *MemoryCache) Stats() MemoryCacheStats {
	return MemoryCacheStats{
		Size:   m.lru.Len(),
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
	}
}

// Close is a no-op.
func (m *MemoryCache) Close() error {
	return nil
}
