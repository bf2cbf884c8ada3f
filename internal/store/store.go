// Package store defines the Store capability (§4.C): durable, row-level
// transactional access to accounts, lots, entries, reservations and
// webhooks, tenant-scoped. Components depend on this interface, never on a
// concrete *sql.DB, with dependencies injected rather than reached for as
// globals (§9).
package store

import (
	"context"
	"time"
)

// Tx is a single database transaction, bound to a tenant context at Begin
// time. Every read/write through a Tx is implicitly scoped to that tenant;
// cross-tenant access returns an empty result, never an error (§4.C).
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// GetAccount returns the account row, or an errs.NotFound error.
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// EnsureAccount creates the account if absent and returns it, for the
	// admin-mint / first-reserve creation path described in §3's Lifecycle.
	EnsureAccount(ctx context.Context, accountID string, entityType EntityType, entityID string) (*Account, error)

	// InsertWebhook is the replay-defense conditional insert: returns
	// (event, true) if this is the first time (provider,event_id) was seen,
	// or (existing, false) if it is a duplicate.
	InsertWebhook(ctx context.Context, provider, eventID, eventType string) (*WebhookEvent, bool, error)
	MarkWebhookProcessed(ctx context.Context, webhookEventID string) error

	// InsertLot is the idempotent mint: ON CONFLICT(payment_id) DO NOTHING
	// RETURNING id semantics. inserted is false when payment_id already had
	// a lot (the existing lot is returned).
	InsertLot(ctx context.Context, lot Lot) (result *Lot, inserted bool, err error)
	GetLot(ctx context.Context, lotID string) (*Lot, error)

	// InsertLotEntry is the single canonical append-only write path; it goes
	// through a stored-function-equivalent that re-checks invariant I-2
	// under lock before returning. A violation must return an
	// errs.InvariantViolation error and the transaction must be rolled back by the caller.
	InsertLotEntry(ctx context.Context, entry LotEntry) (*LotEntry, error)
	// GetLotEntryByReference looks up an entry by its globally-unique
	// reference_id, used to make credit_back idempotent on duplicate
	// settlement callbacks.
	GetLotEntryByReference(ctx context.Context, referenceID string) (*LotEntry, error)

	// LockLotsForAllocation returns active, non-expired lots for an account
	// ordered by (expires_at ASC NULLS LAST, created_at ASC), row-locked
	// FOR UPDATE SKIP LOCKED, for FIFO reservation allocation (§5).
	LockLotsForAllocation(ctx context.Context, accountID string) ([]*Lot, error)

	InsertReservation(ctx context.Context, r Reservation) (*Reservation, error)
	// GetReservationByRequestID supports idempotency on request_id (§4.E).
	GetReservationByRequestID(ctx context.Context, accountID, requestID string) (*Reservation, error)
	// LockReservation loads a reservation FOR UPDATE for finalize/cancel.
	LockReservation(ctx context.Context, reservationID string) (*Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, status ReservationStatus) error

	InsertLotAllocation(ctx context.Context, alloc LotAllocation) (*LotAllocation, error)
	ListLotAllocations(ctx context.Context, reservationID string) ([]*LotAllocation, error)

	InsertUsageEvent(ctx context.Context, ev UsageEvent) (*UsageEvent, error)
	SumUsageEvents(ctx context.Context, accountID string, since time.Time) (int64, error)

	InsertDistributionEntries(ctx context.Context, entries []DistributionEntry) error

	GetIdentityAnchor(ctx context.Context, agentAccountID string) (*IdentityAnchor, error)

	InsertDriftEvent(ctx context.Context, ev DriftEvent) error

	// ExpireReservations returns reservations past expires_at still pending,
	// for the Reconciler sweeper.
	ExpireReservations(ctx context.Context, olderThan time.Time, limit int) ([]*Reservation, error)
	// ExpireLots returns lots past expires_at still active, for the
	// Reconciler sweeper's terminal-expiry debit.
	ExpireLots(ctx context.Context, olderThan time.Time, limit int) ([]*Lot, error)
}

// Store begins tenant-scoped transactions. A tenant is the account (or
// account family) the caller is authorized to touch; the implementation is
// responsible for enforcing row-level isolation within the Tx it returns.
type Store interface {
	Begin(ctx context.Context, tenantID string) (Tx, error)
	Close() error
}
