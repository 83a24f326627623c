package guides

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-booking/internal/models"
	"github.com/example/trip-booking/internal/observability"
)

// ErrStatusRegression means the backend reported a different status after a
// terminal one had already been observed. Terminal statuses are append-only
// by contract; a regression is surfaced, never silently accepted.
var ErrStatusRegression = errors.New("guide status changed after terminal decision")

// StatusSource is the read side of the guide backend.
type StatusSource interface {
	Status(ctx context.Context, tripID string) (models.ConfirmationStatus, error)
}

// TerminalCache pins terminal statuses per selection attempt. Forget clears
// the pin when a new attempt supersedes the one it was recorded for.
type TerminalCache interface {
	Get(ctx context.Context, tripID string) (models.ConfirmationStatus, bool)
	Set(ctx context.Context, tripID string, s models.ConfirmationStatus)
	Forget(ctx context.Context, tripID string)
}

// Tracker wraps the status source with a terminal-status cache. Once a
// terminal status has been observed for a trip it is returned from the cache
// without touching the network, so the opposite terminal status can never be
// observed afterwards.
type Tracker struct {
	Source StatusSource
	Cache  TerminalCache
}

func NewTracker(src StatusSource, cache TerminalCache) *Tracker {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Tracker{Source: src, Cache: cache}
}

// Reset clears the pinned status for a trip. Stickiness is per selection
// attempt: a rejection pinned for one guide must not answer for the next, so
// the orchestrator resets before issuing a fresh confirmation request.
func (t *Tracker) Reset(ctx context.Context, tripID string) {
	t.Cache.Forget(ctx, tripID)
}

func (t *Tracker) Status(ctx context.Context, tripID string) (models.ConfirmationStatus, error) {
	if pinned, ok := t.Cache.Get(ctx, tripID); ok {
		return pinned, nil
	}
	observability.GuidePollsTotal.Inc()
	s, err := t.Source.Status(ctx, tripID)
	if err != nil {
		return "", err
	}
	if s.Terminal() {
		// Re-check under the pin: a concurrent poll may have pinned the
		// opposite decision, which is a backend contract violation.
		if pinned, ok := t.Cache.Get(ctx, tripID); ok {
			if pinned != s {
				return pinned, ErrStatusRegression
			}
			return pinned, nil
		}
		t.Cache.Set(ctx, tripID, s)
		observability.GuideDecisions.WithLabelValues(string(s)).Inc()
	}
	return s, nil
}

// MemoryCache is the in-process TerminalCache.
type MemoryCache struct {
	mu sync.RWMutex
	m  map[string]models.ConfirmationStatus
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string]models.ConfirmationStatus)}
}

func (c *MemoryCache) Get(ctx context.Context, tripID string) (models.ConfirmationStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.m[tripID]
	return s, ok
}

func (c *MemoryCache) Set(ctx context.Context, tripID string, s models.ConfirmationStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.m[tripID]; exists {
		return // first terminal decision wins
	}
	c.m[tripID] = s
}

func (c *MemoryCache) Forget(ctx context.Context, tripID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, tripID)
}

// RedisCache shares pinned terminal statuses across instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr, password string) *RedisCache {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisCache{client: c, ttl: 24 * time.Hour}
}

func (c *RedisCache) Get(ctx context.Context, tripID string) (models.ConfirmationStatus, bool) {
	v, err := c.client.Get(ctx, cacheKey(tripID)).Result()
	if err != nil {
		return "", false
	}
	return models.ConfirmationStatus(v), true
}

func (c *RedisCache) Set(ctx context.Context, tripID string, s models.ConfirmationStatus) {
	// SETNX keeps the first terminal decision.
	_ = c.client.SetNX(ctx, cacheKey(tripID), string(s), c.ttl).Err()
}

func (c *RedisCache) Forget(ctx context.Context, tripID string) {
	_ = c.client.Del(ctx, cacheKey(tripID)).Err()
}

func cacheKey(tripID string) string { return "guide:status:" + tripID }
