package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes checkout per trip: at most one payment-intent creation
// may be in flight for a given key.
type Locker interface {
	// TryAcquire returns a release func and true when the lock was taken,
	// or false when another holder has it.
	TryAcquire(ctx context.Context, key string) (func(), bool)
}

// MemoryLocker is the single-instance Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true
}

// RedisLocker serializes across instances with SET NX and a TTL so a crashed
// holder cannot wedge a trip's checkout forever.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(addr, password string) *RedisLocker {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLocker{client: c, ttl: 30 * time.Second}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(), bool) {
	token := uuid.NewString()
	k := "checkout:lock:" + key
	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false
	}
	return func() {
		// Best-effort: only delete our own token.
		if v, err := l.client.Get(context.Background(), k).Result(); err == nil && v == token {
			_ = l.client.Del(context.Background(), k).Err()
		}
	}, true
}
