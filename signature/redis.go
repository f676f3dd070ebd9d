package signature

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "x402:sig:"

// RedisStore is a shared signature store backed by Redis.
//
// Add uses SET NX with a TTL, so concurrent verifiers across processes agree
// on exactly one winner for a given signature. This is the mandatory variant
// for multi-instance deployments.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a signature store from a Redis connection URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing Redis client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Has reports whether the signature key exists. Redis expires keys natively,
// so a present key is always within TTL.
func (s *RedisStore) Has(ctx context.Context, sig string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKeyPrefix+sig).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check signature: %w", err)
	}
	return n > 0, nil
}

// Add records the signature with the given TTL. The SET NX semantics make the
// write atomic: if another process already recorded the signature, the earlier
// expiry stands.
func (s *RedisStore) Add(ctx context.Context, sig string, ttl time.Duration) error {
	if err := s.client.SetNX(ctx, redisKeyPrefix+sig, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to record signature: %w", err)
	}
	return nil
}

// Clear removes all recorded signatures via an iterative scan.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete signature key: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan signature keys: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
