package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"github.com/redis/go-redis/v9"
)

const maxRedisTxRetries = 10

// RedisStore keeps ProcessingRecords as JSON strings. Update uses
// WATCH/MULTI/EXEC, retrying when another client touches the key mid-flight.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a store whose keys are keyPrefix + id.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "processing_records:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) error {
	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		current, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode processing record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxRedisTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*models.ProcessingRecord, error) {
	rec, err := readRecord(ctx, s.client, s.key(id))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// getter is the slice of redis.Cmdable shared by clients and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readRecord(ctx context.Context, c getter, key string) (*models.ProcessingRecord, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read processing record: %w", err)
	}
	rec := &models.ProcessingRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("failed to decode processing record: %w", err)
	}
	return rec, nil
}
