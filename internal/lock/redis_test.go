package lock

import (
	"context"
	"testing"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/clock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

func TestRedisStore_AcquireLifecycle(t *testing.T) {
	store, mr := newRedisStore(t)
	clk := clock.NewFake(t0)
	l := New(store, clk)
	ctx := context.Background()

	outcome, lease, err := l.Acquire(ctx, "doc", opts())
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)
	assert.True(t, mr.Exists("processing_records:doc"))

	outcome, _, err = l.Acquire(ctx, "doc", opts())
	require.NoError(t, err)
	assert.Equal(t, AlreadyLocked, outcome)

	require.NoError(t, lease.Update(ctx, func(rec *models.ProcessingRecord) error {
		rec.Payload = map[string]any{"title": "Pump schedule"}
		return nil
	}))
	require.NoError(t, lease.Release(ctx, models.StatusCompleted, ""))

	rec, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, "Pump schedule", rec.Payload["title"])

	outcome, _, err = l.Acquire(ctx, "doc", opts())
	require.NoError(t, err)
	assert.Equal(t, AlreadyCompleted, outcome)
}

func TestRedisStore_TakeoverAfterExpiry(t *testing.T) {
	store, _ := newRedisStore(t)
	clk := clock.NewFake(t0)
	l := New(store, clk)
	ctx := context.Background()

	_, first, err := l.Acquire(ctx, "doc", opts())
	require.NoError(t, err)
	created := first.Record().CreatedAt

	clk.Advance(time.Minute + time.Second)
	outcome, second, err := l.Acquire(ctx, "doc", opts())
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)
	assert.NotEqual(t, first.Token(), second.Token())
	assert.True(t, created.Equal(second.Record().CreatedAt))
	assert.ErrorIs(t, first.Extend(ctx), ErrLockLost)
}

func TestRedisStore_GetMissing(t *testing.T) {
	store, _ := newRedisStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
