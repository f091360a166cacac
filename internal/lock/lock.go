// Package lock provides the per-document exclusivity lock that makes
// processing idempotent under at-least-once delivery.
//
// The lock lives inside the document's ProcessingRecord. Acquisition is a
// single compare-and-set transaction against a Store; while a body runs, a
// heartbeat goroutine keeps pushing lockExpiresAt forward. A crashed holder
// leaves a lock that simply expires, after which the next delivery takes over.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/clock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrLockLost is returned when the caller no longer owns the record's lock.
	ErrLockLost = errors.New("lock no longer held by this owner")
	// ErrRecordNotFound is returned when a reopen targets a missing record.
	ErrRecordNotFound = errors.New("processing record not found")
	// ErrNotReopenable is returned when a reopen targets a record that is not FAILED.
	ErrNotReopenable = errors.New("processing record is not in a reopenable state")
	// ErrContention is returned when a store gives up after repeated CAS conflicts.
	ErrContention = errors.New("too much contention on processing record")
)

// UpdateFunc receives the current record (nil if absent) and returns the record
// to write, or nil to leave the store untouched. It may be invoked more than
// once if the store retries the transaction.
type UpdateFunc func(current *models.ProcessingRecord) (*models.ProcessingRecord, error)

// Store is an atomic compare-and-set store of ProcessingRecords.
type Store interface {
	// Update runs fn inside one atomic read-modify-write transaction on id.
	Update(ctx context.Context, id string, fn UpdateFunc) error
	// Get returns the record or ErrRecordNotFound.
	Get(ctx context.Context, id string) (*models.ProcessingRecord, error)
}

// Outcome is the result of an acquisition attempt. Only Acquired grants a Lease;
// the others are idempotency signals, not failures.
type Outcome int

const (
	Acquired Outcome = iota
	AlreadyCompleted
	AlreadyLocked
	AlreadyFailed
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case AlreadyCompleted:
		return "already_completed"
	case AlreadyLocked:
		return "already_locked"
	case AlreadyFailed:
		return "already_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Mode selects which existing states an acquisition may claim.
type Mode int

const (
	// ModeProcess is used for fresh deliveries: absent or expired-PENDING records.
	ModeProcess Mode = iota
	// ModeReopen is used by a human-approved resume: FAILED (or expired-PENDING) records.
	ModeReopen
)

// Options configures one acquisition.
type Options struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
	Mode              Mode

	// SourceLocation is stamped on newly created records.
	SourceLocation string
}

// DistributedLock acquires, extends and releases record locks.
type DistributedLock struct {
	store Store
	clock clock.Clock

	// newToken mints the owner token for each acquisition.
	newToken func() string
}

// New creates a DistributedLock over store.
func New(store Store, clk clock.Clock) *DistributedLock {
	if clk == nil {
		clk = clock.System{}
	}
	return &DistributedLock{
		store:    store,
		clock:    clk,
		newToken: func() string { return uuid.NewString() },
	}
}

// Acquire tries to claim id in a single CAS transaction. A store failure is
// returned as an error and nothing is processed (fail-closed).
func (l *DistributedLock) Acquire(ctx context.Context, id string, opts Options) (Outcome, *Lease, error) {
	if opts.TTL <= 0 {
		return 0, nil, fmt.Errorf("lock TTL must be positive, got %s", opts.TTL)
	}
	token := l.newToken()

	var (
		outcome  Outcome
		acquired *models.ProcessingRecord
		takeover bool
	)
	err := l.store.Update(ctx, id, func(cur *models.ProcessingRecord) (*models.ProcessingRecord, error) {
		now := l.clock.Now()
		outcome, acquired, takeover = Acquired, nil, false

		if cur == nil || cur.Status == models.StatusNone || cur.Status == "" {
			if opts.Mode == ModeReopen {
				return nil, ErrRecordNotFound
			}
			rec := &models.ProcessingRecord{ID: id, SourceLocation: opts.SourceLocation}
			if cur != nil {
				rec = cur.Clone()
			}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now.Truncate(time.Microsecond)
			}
			claim(rec, token, now, opts.TTL)
			acquired = rec
			return rec, nil
		}

		switch cur.Status {
		case models.StatusCompleted:
			outcome = AlreadyCompleted
			return nil, nil
		case models.StatusPending:
			if cur.LockExpiresAt.After(now) {
				outcome = AlreadyLocked
				return nil, nil
			}
			// Expired: the previous holder crashed or was partitioned away.
			rec := cur.Clone()
			claim(rec, token, now, opts.TTL)
			acquired, takeover = rec, true
			return rec, nil
		case models.StatusFailed:
			if opts.Mode != ModeReopen {
				outcome = AlreadyFailed
				return nil, nil
			}
			rec := cur.Clone()
			rec.ErrorSummary = ""
			rec.FailedStep = ""
			claim(rec, token, now, opts.TTL)
			acquired = rec
			return rec, nil
		default:
			return nil, fmt.Errorf("record %s has unknown status %q", id, cur.Status)
		}
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("failed to acquire lock for %s: %w", id, err)
	}
	if outcome != Acquired {
		return outcome, nil, nil
	}

	if takeover {
		slog.Warn("Took over expired lock.", "documentId", id)
	}
	return Acquired, &Lease{id: id, token: token, ttl: opts.TTL, lock: l, record: acquired.Clone()}, nil
}

func claim(rec *models.ProcessingRecord, token string, now time.Time, ttl time.Duration) {
	rec.Status = models.StatusPending
	rec.LockOwner = token
	rec.LockExpiresAt = now.Add(ttl)
	rec.Touch(now)
}

// Lease is proof of holding a record's lock. All mutations go through it so
// that a worker whose lock was taken over cannot write.
type Lease struct {
	id     string
	token  string
	ttl    time.Duration
	lock   *DistributedLock
	record *models.ProcessingRecord
}

// ID returns the locked document identity.
func (le *Lease) ID() string { return le.id }

// Token returns the owner token stamped on the record.
func (le *Lease) Token() string { return le.token }

// Record returns a copy of the record as of acquisition.
func (le *Lease) Record() *models.ProcessingRecord { return le.record.Clone() }

// Extend sets lockExpiresAt = now + ttl. It always writes a fresh deadline.
func (le *Lease) Extend(ctx context.Context) error {
	return le.Update(ctx, func(rec *models.ProcessingRecord) error {
		rec.LockExpiresAt = le.lock.clock.Now().Add(le.ttl)
		return nil
	})
}

// Update applies fn to the record if this lease still owns it. Ownership is
// the owner token alone: release clears it and a takeover replaces it.
func (le *Lease) Update(ctx context.Context, fn func(rec *models.ProcessingRecord) error) error {
	return le.lock.store.Update(ctx, le.id, func(cur *models.ProcessingRecord) (*models.ProcessingRecord, error) {
		if cur == nil || cur.LockOwner != le.token {
			return nil, ErrLockLost
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Touch(le.lock.clock.Now())
		return next, nil
	})
}

// Release writes the terminal status and clears the lock fields.
func (le *Lease) Release(ctx context.Context, status models.Status, errorSummary string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot release %s into non-terminal status %q", le.id, status)
	}
	return le.lock.store.Update(ctx, le.id, func(cur *models.ProcessingRecord) (*models.ProcessingRecord, error) {
		if cur == nil || cur.LockOwner != le.token {
			return nil, ErrLockLost
		}
		next := cur.Clone()
		next.Status = status
		if errorSummary != "" {
			next.ErrorSummary = errorSummary
		}
		next.ClearLock()
		next.Touch(le.lock.clock.Now())
		return next, nil
	})
}

// Get reads a record without locking it.
func (l *DistributedLock) Get(ctx context.Context, id string) (*models.ProcessingRecord, error) {
	return l.store.Get(ctx, id)
}
