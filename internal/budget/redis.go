package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps counters as plain integer keys. Window keys roll over by
// name, so the TTL only garbage-collects old windows.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a store whose keys are keyPrefix + scope + ":" + window.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "budget_counters:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(scope Scope, windowKey string) string {
	return fmt.Sprintf("%s%s:%s", s.keyPrefix, scope, windowKey)
}

func retention(scope Scope) time.Duration {
	if scope == Daily {
		return 72 * time.Hour
	}
	return 93 * 24 * time.Hour
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context, scope Scope, windowKey string) (int64, error) {
	n, err := s.client.Get(ctx, s.key(scope, windowKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, scope Scope, windowKey string) error {
	key := s.key(scope, windowKey)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, retention(scope))
		return nil
	})
	return err
}
