// Package budget gates escalation to the expensive extraction model behind
// daily and monthly dispatch counters.
//
// TryReserve and Commit are two separate calls. Under concurrent load several
// workers can pass TryReserve before any of them commits, so a window may
// overshoot its limit by the number of in-flight reservations. The gate is a
// cost-control approximation, not a hard quota.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentcoordinator/internal/clock"
)

// Scope is a budget window granularity.
type Scope string

const (
	Daily   Scope = "daily"
	Monthly Scope = "monthly"
)

// Scopes lists every scope the gate checks and commits.
var Scopes = []Scope{Daily, Monthly}

// Decision is the answer to "may we escalate now?".
type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Store is an atomic counter store keyed by (scope, windowKey). A window key
// that has never been incremented reads as zero.
type Store interface {
	Count(ctx context.Context, scope Scope, windowKey string) (int64, error)
	Increment(ctx context.Context, scope Scope, windowKey string) error
}

// Limits are the configured per-window caps. A limit of zero disables escalation.
type Limits struct {
	Daily   int64
	Monthly int64
}

func (l Limits) forScope(s Scope) int64 {
	if s == Daily {
		return l.Daily
	}
	return l.Monthly
}

// Gate answers escalation requests against a Store.
type Gate struct {
	store    Store
	clock    clock.Clock
	location *time.Location
	limits   Limits
}

// NewGate creates a Gate. All window keys are computed in location, whatever
// the caller's local zone is.
func NewGate(store Store, clk clock.Clock, location *time.Location, limits Limits) *Gate {
	if clk == nil {
		clk = clock.System{}
	}
	if location == nil {
		location = time.UTC
	}
	return &Gate{store: store, clock: clk, location: location, limits: limits}
}

// WindowKey returns the calendar key of t for scope in the gate's timezone:
// "2006-01-02" for daily, "2006-01" for monthly.
func (g *Gate) WindowKey(scope Scope, t time.Time) string {
	local := t.In(g.location)
	if scope == Daily {
		return local.Format("2006-01-02")
	}
	return local.Format("2006-01")
}

// TryReserve returns Allowed when every scope's counter is below its limit.
func (g *Gate) TryReserve(ctx context.Context) (Decision, error) {
	now := g.clock.Now()
	for _, scope := range Scopes {
		key := g.WindowKey(scope, now)
		count, err := g.store.Count(ctx, scope, key)
		if err != nil {
			return Denied, fmt.Errorf("failed to read %s budget counter %s: %w", scope, key, err)
		}
		limit := g.limits.forScope(scope)
		if count >= limit {
			slog.Info("Escalation budget exhausted.", "scope", scope, "windowKey", key, "count", count, "limit", limit)
			return Denied, nil
		}
	}
	return Allowed, nil
}

// Commit records one dispatched escalation in every scope. Call it exactly
// once per expensive-model dispatch.
func (g *Gate) Commit(ctx context.Context) error {
	now := g.clock.Now()
	for _, scope := range Scopes {
		key := g.WindowKey(scope, now)
		if err := g.store.Increment(ctx, scope, key); err != nil {
			return fmt.Errorf("failed to increment %s budget counter %s: %w", scope, key, err)
		}
	}
	return nil
}
