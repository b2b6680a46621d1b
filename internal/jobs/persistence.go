package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PersistedState is the job snapshot written between polls so a restarted
// process can re-attach to the last known refresh.
type PersistedState struct {
	Job        RefreshJob `json:"job"`
	ShowStatus bool       `json:"show_status"`
	Timestamp  time.Time  `json:"timestamp"`
}

// StateStore persists the single current refresh job record.
type StateStore interface {
	Load(ctx context.Context) (PersistedState, bool, error)
	Save(ctx context.Context, state PersistedState) error
	Clear(ctx context.Context) error
}

// FileStore persists job state as a JSON file on local disk.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates a file-backed state store.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}
}

// Load reads the persisted state. A missing or corrupted file is treated
// as no state; corruption is cleared so it cannot wedge future loads.
func (s *FileStore) Load(_ context.Context) (PersistedState, bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return PersistedState{}, false, nil
	}
	if err != nil {
		return PersistedState{}, false, fmt.Errorf("read job state file: %w", err)
	}

	var state PersistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.Warn("discarding corrupted job state file", zap.String("path", s.path), zap.Error(err))
		_ = os.Remove(s.path)
		return PersistedState{}, false, nil
	}
	return state, true, nil
}

// Save writes the state atomically via a temp file rename.
func (s *FileStore) Save(_ context.Context, state PersistedState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".job-state-*")
	if err != nil {
		return fmt.Errorf("create job state temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write job state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close job state temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace job state file: %w", err)
	}
	return nil
}

// Clear removes the persisted state file.
func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove job state file: %w", err)
	}
	return nil
}

type redisCommander interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore persists job state in Redis so re-attachment survives both
// restarts and multiple instances sharing one backend.
type RedisStore struct {
	client redisCommander
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed state store. Keys expire at twice
// the persisted-age limit so stale records clean themselves up.
func NewRedisStore(client *redis.Client, namespace string, logger *zap.Logger) *RedisStore {
	return newRedisStoreFromCommander(client, namespace, logger)
}

func newRedisStoreFromCommander(client redisCommander, namespace string, logger *zap.Logger) *RedisStore {
	if namespace == "" {
		namespace = "activity-engine"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		key:    namespace + ":job-state",
		ttl:    2 * DefaultMaxPersistedAge,
		logger: logger,
	}
}

// Load reads the persisted state from Redis. Corrupted payloads are
// deleted and treated as absent.
func (s *RedisStore) Load(ctx context.Context) (PersistedState, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return PersistedState{}, false, nil
	}
	if err != nil {
		return PersistedState{}, false, fmt.Errorf("load job state from redis: %w", err)
	}

	var state PersistedState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		s.logger.Warn("discarding corrupted job state record", zap.String("key", s.key), zap.Error(err))
		_ = s.client.Del(ctx, s.key).Err()
		return PersistedState{}, false, nil
	}
	return state, true, nil
}

// Save writes the state record with its expiry.
func (s *RedisStore) Save(ctx context.Context, state PersistedState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save job state to redis: %w", err)
	}
	return nil
}

// Clear removes the persisted record.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear job state from redis: %w", err)
	}
	return nil
}
