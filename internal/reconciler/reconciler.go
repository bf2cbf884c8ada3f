// Package reconciler implements Reconciler (§4.K): a periodic job that
// compares the cache's committed view against the store's usage-event
// ledger, sweeps expired reservations and lots, and samples lot I-2 for
// drift. Same ticker-driven start/stop shape as a one-way Postgres-to-Redis
// syncer, generalized into a two-way comparison that raises alarms instead
// of blindly overwriting either side.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/gateway"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/store"
)

// AccountLister is an optional Store capability extension (like
// billingadmin.AnchorBinder) that enumerates accounts to sample for drift.
// It deliberately crosses tenant boundaries, so it lives outside the core
// Tx contract and is reached via type assertion.
type AccountLister interface {
	ListAccountIDs(ctx context.Context) ([]string, error)
}

// Config tunes the reconciler's sweep thresholds.
type Config struct {
	Interval              time.Duration
	ReservationTTL        time.Duration
	DriftGraceMicro       int64 // drift below this is not reported
	DriftCircuitThreshold int64 // drift above this opens the account's reserve circuit breaker
	SweepBatchSize        int
}

// Reconciler periodically reconciles Cache against Store and expires stale
// reservations/lots.
type Reconciler struct {
	st   store.Store
	ca   cache.Cache
	ldgr *ledger.Ledger
	sink metrics.Sink
	log  zerolog.Logger
	cfg  Config

	mu       sync.RWMutex
	lastRun  gateway.ReconciliationSummary
	breakers map[string]bool // accountID -> reserve circuit open

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Reconciler. Sensible defaults fill any zero-valued cfg
// fields rather than rejecting a bare Config{}.
func New(st store.Store, ca cache.Cache, ldgr *ledger.Ledger, sink metrics.Sink, log zerolog.Logger, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 10 * time.Minute
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 500
	}
	return &Reconciler{
		st:       st,
		ca:       ca,
		ldgr:     ldgr,
		sink:     sink,
		log:      log.With().Str("component", "reconciler").Logger(),
		cfg:      cfg,
		breakers: make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs RunOnce on a ticker until Stop is called, matching
// Syncer.StartPeriodicSync's background-goroutine shape.
func (r *Reconciler) Start() {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.RunOnce(context.Background()); err != nil {
					r.log.Error().Err(err).Msg("reconcile_pass_failed")
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop signals the background loop to exit and waits for it to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// LastRunSummary implements gateway.ReconciliationReporter.
func (r *Reconciler) LastRunSummary() gateway.ReconciliationSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRun
}

// ReserveCircuitOpen reports whether drift has tripped the reserve circuit
// breaker for accountID (§5's fail-closed posture extended to drift).
func (r *Reconciler) ReserveCircuitOpen(accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[accountID]
}

// RunOnce executes a single reconcile pass: drift sampling, reservation
// expiry, lot expiry. Errors from individual accounts/rows are logged and
// skipped rather than aborting the whole pass, since one bad row should
// never block sweeping the rest.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	summary := gateway.ReconciliationSummary{RanAt: time.Now()}

	accounts, err := r.listAccounts(ctx)
	if err != nil {
		return err
	}
	summary.AccountsTotal = len(accounts)

	for _, accountID := range accounts {
		drifted, err := r.checkDrift(ctx, accountID)
		if err != nil {
			r.log.Warn().Err(err).Str("account", accountID).Msg("drift_check_failed")
			continue
		}
		if drifted {
			summary.DriftsFound++
		}
		r.sampleLotInvariant(ctx, accountID)
	}

	expired, err := r.expireReservations(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("expire_reservations_failed")
	}
	summary.ReservationsExpired = expired

	lotsExpired, err := r.expireLots(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("expire_lots_failed")
	}
	summary.LotsExpired = lotsExpired

	r.mu.Lock()
	r.lastRun = summary
	r.mu.Unlock()

	r.log.Info().
		Int("accounts", summary.AccountsTotal).
		Int("drifts", summary.DriftsFound).
		Int("reservations_expired", summary.ReservationsExpired).
		Int("lots_expired", summary.LotsExpired).
		Msg("reconcile_pass_complete")

	return nil
}

func (r *Reconciler) listAccounts(ctx context.Context) ([]string, error) {
	lister, ok := r.st.(AccountLister)
	if !ok {
		// Backend offers no enumeration; drift sampling is skipped but
		// expiry sweeps below still run since they query Store directly.
		return nil, nil
	}
	return lister.ListAccountIDs(ctx)
}

// checkDrift compares cache's committed counter against the store's
// authoritative sum of usage events for the current billing period.
func (r *Reconciler) checkDrift(ctx context.Context, accountID string) (bool, error) {
	period := ledger.Period(time.Now())

	_, _, committedCents, err := r.ca.Snapshot(ctx, accountID, period)
	if err != nil {
		return false, errs.Wrap(errs.DependencyUnavailable, "cache snapshot failed", err)
	}

	tx, err := r.st.Begin(ctx, accountID)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	since, err := time.Parse("2006-01", period)
	if err != nil {
		return false, err
	}
	usageMicro, err := tx.SumUsageEvents(ctx, accountID, since)
	if err != nil {
		return false, err
	}

	cacheMicro := arith.CentsToMicro(committedCents)
	driftMicro := cacheMicro - usageMicro
	if driftMicro < 0 {
		driftMicro = -driftMicro
	}
	if driftMicro <= r.cfg.DriftGraceMicro {
		return false, nil
	}

	r.sink.ObserveDrift(accountID, driftMicro)
	if err := tx.InsertDriftEvent(ctx, store.DriftEvent{
		AccountID:  accountID,
		Period:     period,
		DriftMicro: driftMicro,
		DetectedAt: time.Now(),
	}); err != nil {
		return true, err
	}
	if err := tx.Commit(ctx); err != nil {
		return true, errs.Wrap(errs.DependencyUnavailable, "drift event commit failed", err)
	}

	r.log.Warn().Str("account", accountID).Int64("drift_micro", driftMicro).Msg("ledger_drift")

	if r.cfg.DriftCircuitThreshold > 0 && driftMicro > r.cfg.DriftCircuitThreshold {
		r.mu.Lock()
		r.breakers[accountID] = true
		r.mu.Unlock()
		r.log.Error().Str("account", accountID).Int64("drift_micro", driftMicro).
			Msg("reserve_circuit_opened")
	}

	return true, nil
}

// sampleLotInvariant re-checks I-2 (0 <= remaining <= original) for an
// account's active lots. InsertLotEntry already enforces I-2 under lock at
// write time; this is a rolling read-only sample to catch a corrupted row
// that could only have arrived through a path other than InsertLotEntry
// (a manual data fix, a restored backup). Reuses LockLotsForAllocation
// since no read-only lot listing exists on Tx; the FOR UPDATE SKIP LOCKED
// semantics mean a lot actively being allocated against is simply skipped
// this pass rather than contended for.
func (r *Reconciler) sampleLotInvariant(ctx context.Context, accountID string) {
	tx, err := r.st.Begin(ctx, accountID)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)

	lots, err := tx.LockLotsForAllocation(ctx, accountID)
	if err != nil {
		return
	}
	for _, lot := range lots {
		if lot.RemainingMicro < 0 || lot.RemainingMicro > lot.OriginalMicro {
			r.sink.IncInvariantViolation("I-2")
			r.log.Error().Str("lot_id", lot.ID).Str("account", accountID).
				Int64("remaining_micro", lot.RemainingMicro).
				Int64("original_micro", lot.OriginalMicro).
				Msg("lot_invariant_violation")
		}
	}
}

// expireReservations cancels reservations past TTL, releasing their cache
// reservation via Ledger.Cancel so the release path matches the one a
// client-initiated cancel would take.
func (r *Reconciler) expireReservations(ctx context.Context) (int, error) {
	tx, err := r.st.Begin(ctx, "")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-r.cfg.ReservationTTL)
	expired, err := tx.ExpireReservations(ctx, cutoff, r.cfg.SweepBatchSize)
	_ = tx.Rollback(ctx) // read-only lookup; mutation happens via Ledger.Cancel below
	if err != nil {
		return 0, err
	}

	count := 0
	for _, res := range expired {
		if _, err := r.ldgr.Cancel(ctx, res.AccountID, res.ID); err != nil {
			r.log.Warn().Err(err).Str("reservation_id", res.ID).Msg("expire_reservation_failed")
			continue
		}
		count++
	}
	return count, nil
}

// expireLots writes a terminal debit for each lot's remaining balance past
// its expires_at, draining it to zero (§4.K).
func (r *Reconciler) expireLots(ctx context.Context) (int, error) {
	tx, err := r.st.Begin(ctx, "")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now()
	expired, err := tx.ExpireLots(ctx, cutoff, r.cfg.SweepBatchSize)
	_ = tx.Rollback(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, lot := range expired {
		if lot.RemainingMicro <= 0 {
			continue
		}
		if err := r.expireOneLot(ctx, lot); err != nil {
			r.log.Warn().Err(err).Str("lot_id", lot.ID).Msg("expire_lot_failed")
			continue
		}
		count++
	}
	return count, nil
}

func (r *Reconciler) expireOneLot(ctx context.Context, lot *store.Lot) error {
	tx, err := r.st.Begin(ctx, lot.AccountID)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.InsertLotEntry(ctx, store.LotEntry{
		LotID:       lot.ID,
		AccountID:   lot.AccountID,
		Type:        store.EntryDebit,
		AmountMicro: lot.RemainingMicro,
		ReferenceID: lot.ID + ":expiry",
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "lot expiry commit failed", err)
	}
	committed = true
	return nil
}
