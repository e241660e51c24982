package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "appmon:lock:"

// RedisStore keeps lock records as JSON values with a TTL matching the
// record's lifetime, so Redis drops expired locks on its own.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(lockID string) string {
	return s.prefix + lockID
}

func (s *RedisStore) Get(ctx context.Context, lockID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(lockID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock %s: %w", lockID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding lock %s: %w", lockID, err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding lock %s: %w", rec.LockID, err)
	}
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	if err := s.client.Set(ctx, s.key(rec.LockID), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing lock %s: %w", rec.LockID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, lockID string) error {
	if err := s.client.Del(ctx, s.key(lockID)).Err(); err != nil {
		return fmt.Errorf("deleting lock %s: %w", lockID, err)
	}
	return nil
}
