package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcepulse/activity-engine/internal/activity"
)

type redisCommander interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisStoreConfig configures the Redis-backed activity cache.
type RedisStoreConfig struct {
	Namespace  string
	ListingTTL time.Duration
}

// RedisStore stores activity streams in Redis. Entry expiry is delegated to
// Redis key TTLs; the key index set is trimmed lazily during invalidation.
type RedisStore struct {
	client     redisCommander
	closeFn    func() error
	namespace  string
	listingTTL time.Duration
}

// NewRedisStore creates a Redis-backed activity cache.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "activity-engine"
	}
	listingTTL := cfg.ListingTTL
	if listingTTL <= 0 {
		listingTTL = ttlLongWindow
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:     client,
		closeFn:    closeFn,
		namespace:  namespace,
		listingTTL: listingTTL,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Get returns the cached activity stream for the key, or a miss. A payload
// that fails to decode is treated as absent and deleted.
func (s *RedisStore) Get(repos []string, days int, author string) ([]activity.Item, bool) {
	if s == nil || s.client == nil {
		return nil, false
	}

	ctx := context.Background()
	key := s.prefixed(Key(repos, days, author))
	payload, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return nil, false
	}

	var items []activity.Item
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, s.indexKey(), key).Err()
		return nil, false
	}
	return items, true
}

// Put stores the activity stream with a window-scaled server-side TTL.
func (s *RedisStore) Put(repos []string, days int, author string, items []activity.Item) {
	if s == nil || s.client == nil {
		return
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return
	}

	ctx := context.Background()
	key := s.prefixed(Key(repos, days, author))
	if err := s.client.Set(ctx, key, string(payload), TTLForWindow(days)).Err(); err != nil {
		return
	}
	_ = s.client.SAdd(ctx, s.indexKey(), key).Err()
}

// Invalidate removes every activity entry whose key contains pattern.
func (s *RedisStore) Invalidate(pattern string) int {
	if s == nil || s.client == nil {
		return 0
	}

	ctx := context.Background()
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0
	}

	removed := 0
	for _, key := range keys {
		if !strings.Contains(key, pattern) {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			continue
		}
		_ = s.client.SRem(ctx, s.indexKey(), key).Err()
		removed++
	}
	return removed
}

// InvalidateAll clears every activity entry and the listing cache.
func (s *RedisStore) InvalidateAll() {
	if s == nil || s.client == nil {
		return
	}

	ctx := context.Background()
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err == nil {
		for _, key := range keys {
			_ = s.client.Del(ctx, key).Err()
		}
	}
	_ = s.client.Del(ctx, s.indexKey()).Err()

	listingKeys, err := s.client.SMembers(ctx, s.listingIndexKey()).Result()
	if err == nil {
		for _, key := range listingKeys {
			_ = s.client.Del(ctx, key).Err()
		}
	}
	_ = s.client.Del(ctx, s.listingIndexKey()).Err()
}

// GetRepoListing returns the cached repository listing for a workspace.
func (s *RedisStore) GetRepoListing(workspace string) ([]activity.Repository, bool) {
	if s == nil || s.client == nil {
		return nil, false
	}

	ctx := context.Background()
	key := s.listingKey(workspace)
	payload, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return nil, false
	}

	var repos []activity.Repository
	if err := json.Unmarshal([]byte(payload), &repos); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, s.listingIndexKey(), key).Err()
		return nil, false
	}
	return repos, true
}

// PutRepoListing caches the repository listing for a workspace.
func (s *RedisStore) PutRepoListing(workspace string, repos []activity.Repository) {
	if s == nil || s.client == nil {
		return
	}

	payload, err := json.Marshal(repos)
	if err != nil {
		return
	}

	ctx := context.Background()
	key := s.listingKey(workspace)
	if err := s.client.Set(ctx, key, string(payload), s.listingTTL).Err(); err != nil {
		return
	}
	_ = s.client.SAdd(ctx, s.listingIndexKey(), key).Err()
}

func (s *RedisStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}

func (s *RedisStore) indexKey() string {
	return s.prefixed("index")
}

func (s *RedisStore) listingKey(workspace string) string {
	return s.prefixed("listing:" + workspace)
}

func (s *RedisStore) listingIndexKey() string {
	return s.prefixed("listing:index")
}
