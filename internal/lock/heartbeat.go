package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"golang.org/x/sync/errgroup"
)

const releaseTimeout = 30 * time.Second

// Result is the terminal state a locked body hands back for release.
type Result struct {
	Status       models.Status
	ErrorSummary string
}

// Body is the work done while holding a lock.
type Body func(ctx context.Context, lease *Lease) (Result, error)

// WithHeartbeat acquires id, runs body while a background heartbeat keeps the
// lock alive, then stops the heartbeat and releases into the body's terminal
// status. If body errors, panics or returns a non-terminal status the record
// is released as FAILED.
//
// Heartbeat failures are logged and swallowed; the lock is left to expire
// naturally rather than hang.
func (l *DistributedLock) WithHeartbeat(ctx context.Context, id string, opts Options, body Body) (Outcome, Result, error) {
	outcome, lease, err := l.Acquire(ctx, id, opts)
	if err != nil || outcome != Acquired {
		return outcome, Result{}, err
	}
	logCtx := slog.With("documentId", id)

	interval := opts.HeartbeatInterval
	if interval <= 0 || interval >= opts.TTL {
		interval = opts.TTL / 5
	}

	// The heartbeat and the release must outlive a cancelled caller so that a
	// timed-out body still ends in a terminal status.
	detached := context.WithoutCancel(ctx)
	hbCtx, stopHeartbeat := context.WithCancel(detached)
	var g errgroup.Group
	g.Go(func() error {
		l.heartbeat(hbCtx, lease, interval, logCtx)
		return nil
	})

	var (
		res      Result
		bodyErr  error
		panicked any
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = r
			}
		}()
		res, bodyErr = body(ctx, lease)
	}()

	stopHeartbeat()
	_ = g.Wait()

	switch {
	case panicked != nil:
		res = Result{Status: models.StatusFailed, ErrorSummary: fmt.Sprintf("panic during processing: %v", panicked)}
	case bodyErr != nil:
		res = Result{Status: models.StatusFailed, ErrorSummary: bodyErr.Error()}
	case !res.Status.IsTerminal():
		res = Result{Status: models.StatusFailed, ErrorSummary: fmt.Sprintf("processing ended in non-terminal status %q", res.Status)}
	}

	relCtx, cancel := context.WithTimeout(detached, releaseTimeout)
	defer cancel()
	var relErr error
	if err := lease.Release(relCtx, res.Status, res.ErrorSummary); err != nil {
		logCtx.Error("CRITICAL: Failed to release lock.", "error", err, "status", res.Status)
		relErr = fmt.Errorf("failed to release lock for %s: %w", id, err)
	} else {
		logCtx.Info("Released lock.", "status", res.Status)
	}

	if panicked != nil {
		panic(panicked)
	}
	return Acquired, res, errors.Join(bodyErr, relErr)
}

func (l *DistributedLock) heartbeat(ctx context.Context, lease *Lease, interval time.Duration, logCtx *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extCtx, cancel := context.WithTimeout(ctx, interval)
			err := lease.Extend(extCtx)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrLockLost) {
				logCtx.Error("Heartbeat found lock owned by another worker.", "error", err)
				continue
			}
			logCtx.Warn("Heartbeat failed to extend lock; it will expire if this persists.", "error", err)
		}
	}
}
