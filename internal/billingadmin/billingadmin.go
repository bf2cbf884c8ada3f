// Package billingadmin implements the thin admin-surface operations behind
// POST /admin/billing/accounts and friends (§6) that are store reads/writes
// with no money-moving semantics of their own — account creation, balance
// snapshotting, and identity-anchor binding. Money-moving admin operations
// (mint) go straight through Ledger from the gateway handler instead.
package billingadmin

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/store"
)

// Admin implements gateway.AccountAdmin.
type Admin struct {
	store store.Store
	cache cache.Cache
	log   zerolog.Logger
}

// New constructs an Admin.
func New(st store.Store, ca cache.Cache, log zerolog.Logger) *Admin {
	return &Admin{store: st, cache: ca, log: log.With().Str("component", "billing_admin").Logger()}
}

// CreateAccount creates the account row if absent, idempotently.
func (a *Admin) CreateAccount(ctx context.Context, accountID string, entityType store.EntityType, entityID string) (*store.Account, error) {
	tx, err := a.store.Begin(ctx, accountID)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	account, err := tx.EnsureAccount(ctx, accountID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "create account commit failed", err)
	}
	committed = true
	return account, nil
}

// Balance reads the cache snapshot for the account's current billing
// period and converts it back to micro for the wire response (§6).
func (a *Admin) Balance(ctx context.Context, accountID string) (availableMicro, reservedMicro, committedMicro int64, err error) {
	period := ledger.Period(time.Now())
	limitCents, reservedCents, committedCents, err := a.cache.Snapshot(ctx, accountID, period)
	if err != nil {
		return 0, 0, 0, errs.Wrap(errs.DependencyUnavailable, "cache snapshot failed", err)
	}
	availableCents := limitCents - reservedCents - committedCents
	if availableCents < 0 {
		availableCents = 0
	}
	return arith.CentsToMicro(availableCents), arith.CentsToMicro(reservedCents), arith.CentsToMicro(committedCents), nil
}

// BindAnchor is a thin pass-through to the Store's identity_anchors table.
// The Tx contract has only the GetIdentityAnchor read used by
// Ledger.Reserve, so binding goes through the Store's optional AnchorBinder
// capability; a Store without it yields an Internal error.
func (a *Admin) BindAnchor(ctx context.Context, anchor store.IdentityAnchor) error {
	binder, ok := a.store.(AnchorBinder)
	if !ok {
		return errs.New(errs.Internal, "store does not support binding identity anchors")
	}
	return binder.BindIdentityAnchor(ctx, anchor)
}

// AnchorBinder is implemented by Store backends that support writing
// identity anchors (both the in-memory fake and Postgres do); it is kept
// separate from the core Tx contract because binding an anchor is an admin
// operation, not part of the reserve/finalize transactional path.
type AnchorBinder interface {
	BindIdentityAnchor(ctx context.Context, anchor store.IdentityAnchor) error
}
