// Package cache defines the Cache capability (§4.D): atomic, single
// round-trip scripted primitives over the BudgetCache keyspace
// (budget:limit:{account}, budget:reserved:{account}:{period},
// budget:committed:{account}:{period}), in cents. Reserve/finalize/cancel
// never fail open — an unreachable cache is a DependencyUnavailable error,
// never a silent bypass.
package cache

import (
	"context"
	"time"
)

// ReserveResult is the outcome of Reserve.
type ReserveResult struct {
	OK        bool
	Available int64 // cents; not set by the Memory or Redis backends (always 0)
	Shortfall int64 // cents still missing, only meaningful when !OK
}

// FinalizeResult is the outcome of Finalize.
type FinalizeResult struct {
	CommittedDelta int64 // cents actually added to committed
	Overrun        int64 // cents of shadow-mode overrun beyond reserved, 0 in live mode or when within cap
}

// Cache is the capability interface; Ledger depends on this, never on a
// concrete Redis client.
type Cache interface {
	// InitLimit idempotently raises budget:limit:{account} by deltaCents,
	// gated on idempotencyKey (derived from the Store lot id) so retried
	// mints are no-ops.
	InitLimit(ctx context.Context, account, idempotencyKey string, deltaCents int64) (applied bool, err error)

	// Reserve atomically checks available = limit - committed - reserved
	// for (account, period) and, if sufficient, increments reserved by
	// cents. Idempotent on idempotencyKey (the reservation id): a retry
	// with the same key that already succeeded returns the prior outcome
	// rather than double-reserving.
	Reserve(ctx context.Context, account, period, idempotencyKey string, cents int64) (ReserveResult, error)

	// Finalize atomically subtracts reservedCents from reserved and adds
	// actualCents to committed. In live mode actualCents is capped at
	// reservedCents by the caller (Ledger) before this is invoked; in
	// shadow mode the full actualCents is recorded and any excess over
	// reservedCents is reported back as Overrun without affecting the cap.
	Finalize(ctx context.Context, account, period, idempotencyKey string, reservedCents, actualCents int64, shadow bool) (FinalizeResult, error)

	// Cancel decrements reserved by cents only; no effect on committed.
	Cancel(ctx context.Context, account, period, idempotencyKey string, cents int64) error

	// Snapshot reads the current limit/reserved/committed for diagnostics
	// and the Reconciler's drift comparison; it is not used on any
	// money-moving path.
	Snapshot(ctx context.Context, account, period string) (limit, reserved, committed int64, err error)
}

// RateLimiter is a fixed-window counter over an arbitrary keyspace, checked
// via type assertion like Locker since not every Cache backend needs it.
// Used by webhookintake for per-source-IP webhook throttling (§4.J).
type RateLimiter interface {
	// Allow increments the counter for key within the current window-second
	// bucket and reports whether the caller is still under limit. retryAfter
	// is only meaningful when allowed is false: seconds until the window
	// resets.
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// Locker is a short-lived mutual-exclusion lock over the same keyspace,
// implemented by backends that support SET-NX-style locking (§9's LVVER
// ordering: claim a lock before doing expensive verification work, so two
// concurrent deliveries of the same webhook body don't race each other
// into Ledger.mint). Checked via type assertion since not every Cache
// backend needs it.
type Locker interface {
	// TryLock attempts to acquire key for ttl, non-blocking. acquired is
	// false if someone else currently holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (acquired bool, err error)
	// Unlock releases key early. A missing or already-expired lock is not
	// an error.
	Unlock(ctx context.Context, key string) error
}
