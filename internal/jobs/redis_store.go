package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultQueueKey  = "chat:queue"
	DefaultKeyPrefix = "chat:job:"
	DefaultTTL       = time.Hour
)

// RedisStore keeps the pending queue in a Redis list and each job under its
// own key with an expiry.
type RedisStore struct {
	client    redis.UniversalClient
	queueKey  string
	keyPrefix string
	ttl       time.Duration
}

type RedisOption func(*RedisStore)

func WithQueueKey(key string) RedisOption {
	return func(s *RedisStore) {
		if key != "" {
			s.queueKey = key
		}
	}
}

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		queueKey:  DefaultQueueKey,
		keyPrefix: DefaultKeyPrefix,
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

func (s *RedisStore) Save(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id cannot be empty")
	}
	if err := s.client.Set(ctx, s.key(job.ID), job, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var job Job
	err := s.client.Get(ctx, s.key(id)).Scan(&job)
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del job %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Push(ctx context.Context, id string) error {
	if err := s.client.RPush(ctx, s.queueKey, id).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

func (s *RedisStore) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	// BLPOP returns [key, value]
	result, err := s.client.BLPop(ctx, timeout, s.queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", fmt.Errorf("redis blpop: %w", err)
	}
	if len(result) < 2 {
		return "", ErrQueueEmpty
	}
	return result[1], nil
}

func (s *RedisStore) TryPop(ctx context.Context) (string, error) {
	id, err := s.client.LPop(ctx, s.queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", fmt.Errorf("redis lpop: %w", err)
	}
	return id, nil
}

func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, s.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return n, nil
}
