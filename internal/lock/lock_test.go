package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/clock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 7, 14, 9, 30, 0, 0, time.UTC)

func newTestLock() (*DistributedLock, *MemoryStore, *clock.Fake) {
	store := NewMemoryStore()
	clk := clock.NewFake(t0)
	return New(store, clk), store, clk
}

func opts() Options {
	return Options{TTL: time.Minute, HeartbeatInterval: 10 * time.Second, SourceLocation: "gs://in/a.pdf"}
}

func TestAcquire_CreatesPendingRecord(t *testing.T) {
	l, store, _ := newTestLock()
	ctx := context.Background()

	outcome, lease, err := l.Acquire(ctx, "h1", opts())
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)
	require.NotNil(t, lease)

	rec, err := store.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, t0.Add(time.Minute), rec.LockExpiresAt)
	assert.Equal(t, t0, rec.CreatedAt)
	assert.Equal(t, "gs://in/a.pdf", rec.SourceLocation)
	assert.Equal(t, lease.Token(), rec.LockOwner)
}

func TestAcquire_IdempotencySignals(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		seed models.ProcessingRecord
		mode Mode
		want Outcome
	}{
		{"completed", models.ProcessingRecord{ID: "h", Status: models.StatusCompleted}, ModeProcess, AlreadyCompleted},
		{"completed on reopen", models.ProcessingRecord{ID: "h", Status: models.StatusCompleted}, ModeReopen, AlreadyCompleted},
		{"live lock", models.ProcessingRecord{ID: "h", Status: models.StatusPending, LockOwner: "other", LockExpiresAt: t0.Add(time.Second)}, ModeProcess, AlreadyLocked},
		{"failed", models.ProcessingRecord{ID: "h", Status: models.StatusFailed}, ModeProcess, AlreadyFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store, _ := newTestLock()
			seed := tt.seed
			store.Put(&seed)

			o := opts()
			o.Mode = tt.mode
			outcome, lease, err := l.Acquire(ctx, "h", o)
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
			assert.Nil(t, lease)

			after, err := store.Get(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, seed.Status, after.Status, "signals must not write")
			assert.Equal(t, seed.LockOwner, after.LockOwner)
		})
	}
}

func TestAcquire_TakeoverPreservesCreatedAt(t *testing.T) {
	l, store, clk := newTestLock()
	ctx := context.Background()
	created := t0.Add(-time.Hour)
	store.Put(&models.ProcessingRecord{
		ID:            "h",
		Status:        models.StatusPending,
		LockOwner:     "crashed-worker",
		LockExpiresAt: t0,
		CreatedAt:     created,
		UpdatedAt:     t0.Add(-time.Minute),
	})

	// lockExpiresAt <= now counts as expired.
	outcome, lease, err := l.Acquire(ctx, "h", opts())
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)

	rec, err := store.Get(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, lease.Token(), rec.LockOwner)
	assert.Equal(t, clk.Now().Add(time.Minute), rec.LockExpiresAt)
}

func TestAcquire_ConcurrentCallersGetOneLease(t *testing.T) {
	l, _, _ := newTestLock()
	ctx := context.Background()

	const callers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
		locked   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := l.Acquire(ctx, "same", opts())
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case Acquired:
				acquired++
			case AlreadyLocked:
				locked++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, callers-1, locked)
}

func TestAcquire_StoreOutageFailsClosed(t *testing.T) {
	l, store, _ := newTestLock()
	outage := errors.New("firestore unavailable")
	store.SetFailure(outage)

	_, lease, err := l.Acquire(context.Background(), "h", opts())
	require.Error(t, err)
	assert.ErrorIs(t, err, outage)
	assert.Nil(t, lease)
}

func TestAcquire_Reopen(t *testing.T) {
	ctx := context.Background()

	t.Run("failed record reopens at pending", func(t *testing.T) {
		l, store, _ := newTestLock()
		store.Put(&models.ProcessingRecord{ID: "h", Status: models.StatusFailed, ErrorSummary: "old", FailedStep: "delete-source", CreatedAt: t0.Add(-time.Hour)})

		o := opts()
		o.Mode = ModeReopen
		outcome, lease, err := l.Acquire(ctx, "h", o)
		require.NoError(t, err)
		require.Equal(t, Acquired, outcome)

		rec := lease.Record()
		assert.Equal(t, models.StatusPending, rec.Status)
		assert.Empty(t, rec.ErrorSummary)
		assert.Empty(t, rec.FailedStep)
		assert.Equal(t, t0.Add(-time.Hour), rec.CreatedAt)
	})

	t.Run("missing record", func(t *testing.T) {
		l, _, _ := newTestLock()
		o := opts()
		o.Mode = ModeReopen
		_, _, err := l.Acquire(ctx, "nope", o)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestLease_LostAfterTakeover(t *testing.T) {
	l, store, clk := newTestLock()
	ctx := context.Background()

	_, first, err := l.Acquire(ctx, "h", opts())
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	outcome, second, err := l.Acquire(ctx, "h", opts())
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)

	assert.ErrorIs(t, first.Extend(ctx), ErrLockLost)
	assert.ErrorIs(t, first.Release(ctx, models.StatusFailed, "stale"), ErrLockLost)

	require.NoError(t, second.Release(ctx, models.StatusCompleted, ""))
	rec, err := store.Get(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Empty(t, rec.LockOwner)
	assert.True(t, rec.LockExpiresAt.IsZero())
}

func TestLease_ExtendAndRelease(t *testing.T) {
	l, store, clk := newTestLock()
	ctx := context.Background()

	_, lease, err := l.Acquire(ctx, "h", opts())
	require.NoError(t, err)
	before, _ := store.Get(ctx, "h")

	clk.Advance(30 * time.Second)
	require.NoError(t, lease.Extend(ctx))
	extended, _ := store.Get(ctx, "h")
	assert.Equal(t, clk.Now().Add(time.Minute), extended.LockExpiresAt)
	assert.True(t, extended.UpdatedAt.After(before.UpdatedAt))

	assert.Error(t, lease.Release(ctx, models.StatusPending, ""), "pending is not terminal")

	require.NoError(t, lease.Release(ctx, models.StatusFailed, "validation failed"))
	rec, _ := store.Get(ctx, "h")
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, "validation failed", rec.ErrorSummary)
	assert.Empty(t, rec.LockOwner)
}
