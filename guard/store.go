package guard

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore abstracts the windowed counter backend so the limiter works
// from a single process (in-memory map) or across processes (Redis). The
// limiter is advisory: a memory store resets on restart by design of the
// deployment, not of the caller.
type CounterStore interface {
	// Incr bumps the counter for key, setting ttl on first touch, and
	// returns the new count plus the remaining window.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
}

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is the single-process CounterStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	nowFn   func() time.Time
}

// NewMemoryStore constructs an in-memory counter store and starts a
// background janitor that drops expired windows.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		nowFn:   time.Now,
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	entry, ok := s.entries[key]
	if !ok || now.After(entry.resetAt) {
		entry = &memoryEntry{count: 0, resetAt: now.Add(ttl)}
		s.entries[key] = entry
	}
	entry.count++
	return entry.count, entry.resetAt.Sub(now), nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := s.nowFn()
		for key, entry := range s.entries {
			if now.After(entry.resetAt) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

// RedisStore is the multi-process CounterStore.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, ttl, err
		}
		return count, ttl, nil
	}
	remaining, err := s.client.TTL(ctx, key).Result()
	if err != nil || remaining < 0 {
		remaining = ttl
	}
	return count, remaining, nil
}
