// Package rediscounter implements the counter-store contract (spec.md §6)
// consumed by package ratelimit: atomic incr(key) + expire(key, ttl).
package rediscounter

import (
	"context"
	"fmt"
	"time"

	"github.com/pantheon-labs/pantheon-core/config"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed counter store.
type Store struct {
	c *redis.Client
}

// New builds a Store from the configured Redis URL.
func New(cfg *config.Config) (*Store, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Store{c: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity.
func (s *Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.c.Ping(ctx).Err()
}

// IncrWithExpire increments key and, only on first creation, sets its TTL.
// Returns the post-increment count.
func (s *Store) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// TTL returns remaining time-to-live for key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.c.TTL(ctx, key).Result()
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.c.Close() }
