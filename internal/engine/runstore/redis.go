package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/aiflow-go/internal/domain/workflow"
)

const defaultKeyPrefix = "aiflow:run:"

// RedisStore keeps one JSON document per run.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) key(runID string) string {
	return s.prefix + runID
}

func (s *RedisStore) Create(ctx context.Context, status *workflow.RunStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(status.RunID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx error: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Update overwrites the record and keeps any expiry already set.
func (s *RedisStore) Update(ctx context.Context, status *workflow.RunStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	_, err = s.client.SetArgs(ctx, s.key(status.RunID), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, runID string) (*workflow.RunStatus, error) {
	data, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}
	var status workflow.RunStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if status.Nodes == nil {
		status.Nodes = map[string]*workflow.NodeStatus{}
	}
	return &status, nil
}

func (s *RedisStore) Expire(ctx context.Context, runID string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, s.key(runID), ttl).Result()
	if err != nil {
		return fmt.Errorf("redis expire error: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, s.key(runID)).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
