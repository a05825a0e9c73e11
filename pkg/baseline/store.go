package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists baselines across process restarts.
type Store interface {
	Get(ctx context.Context, key Key) (*Baseline, bool, error)
	Put(ctx context.Context, key Key, b *Baseline) error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[Key]*Baseline
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[Key]*Baseline)}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (*Baseline, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[key]
	return b, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, key Key, b *Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[key] = b
	return nil
}

// RedisStore snapshots baselines to Redis so monitoring survives restarts.
// Keys are namespaced under "crucible:baseline:".
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(key Key) string {
	return fmt.Sprintf("crucible:baseline:%s:%s", key.CheckID, key.Metric)
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Baseline, bool, error) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load baseline %v: %w", key, err)
	}
	var b Baseline
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, false, fmt.Errorf("decode baseline %v: %w", key, err)
	}
	return &b, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key Key, b *Baseline) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode baseline %v: %w", key, err)
	}
	if err := s.client.Set(ctx, redisKey(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("save baseline %v: %w", key, err)
	}
	return nil
}
