package feed

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenTTL bounds how long delivered-event keys are remembered. The feed is
// at-least-once; duplicates arriving later than this are caught by the
// cache's idempotent upserts instead.
const SeenTTL = 24 * time.Hour

// SeenStore suppresses redundant deliveries of the same event. It is a
// best-effort optimization: correctness never depends on it, because every
// downstream application of an event is idempotent.
type SeenStore interface {
	// MarkSeen records a dedup key and reports whether it was already
	// present (true means duplicate, skip the event).
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// RedisSeenStore implements SeenStore on redis SETNX with a TTL.
type RedisSeenStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSeenStore creates a RedisSeenStore. A zero ttl uses SeenTTL.
func NewRedisSeenStore(client *redis.Client, ttl time.Duration) *RedisSeenStore {
	if ttl <= 0 {
		ttl = SeenTTL
	}
	return &RedisSeenStore{client: client, ttl: ttl}
}

// MarkSeen records the key, returning true when it already existed.
func (s *RedisSeenStore) MarkSeen(ctx context.Context, key string) (bool, error) {
	set, err := s.client.SetNX(ctx, "feed:seen:"+key, 1, s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// InMemorySeenStore implements SeenStore in process memory. Used in tests
// and when no redis is configured. Thread-safe.
type InMemorySeenStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewInMemorySeenStore creates an empty in-memory seen store.
func NewInMemorySeenStore() *InMemorySeenStore {
	return &InMemorySeenStore{seen: make(map[string]struct{})}
}

// MarkSeen records the key, returning true when it already existed.
func (s *InMemorySeenStore) MarkSeen(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return true, nil
	}
	s.seen[key] = struct{}{}
	return false, nil
}
