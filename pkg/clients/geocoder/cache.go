package geocoder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

// Cache is the byte store behind Caching. rediscache.Cache implements it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Caching remembers successful lookups. Cache errors are logged and fall
// through to the wrapped geocoder; failures are never cached.
type Caching struct {
	next   Geocoder
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCaching wraps next with a cache
func NewCaching(next Geocoder, cache Cache, ttl time.Duration, logger *zap.Logger) *Caching {
	return &Caching{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *Caching) Resolve(ctx context.Context, address string) (model.Coordinate, error) {
	key := "geocode:" + normalize(address)

	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Geocode cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		var coord model.Coordinate
		if err := json.Unmarshal(raw, &coord); err == nil {
			return coord, nil
		}
	}

	coord, err := c.next.Resolve(ctx, address)
	if err != nil {
		return model.Coordinate{}, err
	}

	raw, err = json.Marshal(coord)
	if err == nil {
		err = c.cache.Set(ctx, key, raw, c.ttl)
	}
	if err != nil {
		c.logger.Warn("Geocode cache write failed", zap.String("key", key), zap.Error(err))
	}
	return coord, nil
}

// MemoryCache is an in-process Cache. Expired entries are dropped on read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates an empty MemoryCache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}
