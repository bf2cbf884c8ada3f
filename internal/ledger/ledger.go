// Package ledger implements the central money component (§4.E): append-only
// double-entry lots with atomic reserve/finalize/cancel, enforcing the
// conservation invariants I-1/I-2/I-3 at every commit. It takes a
// constructor-injected Store and Cache, runs an async repair queue for the
// narrow cache-after-commit failure window, and logs through a component
// sub-logger, built around a Lot/LotEntry/Reservation/LotAllocation model.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/store"
)

// RevenueRule produces versioned DistributionEntries for a committed usage
// event. Implementations are swapped at deploy time; the schema_version a
// rule stamps on its output is immutable even if the rule is later changed
// (§4.E).
type RevenueRule interface {
	SchemaVersion() int32
	Distribute(usageEventID string, committedMicro int64) []store.DistributionEntry
}

// PlatformOnlyRule is the default RevenueRule: the platform keeps the full
// committed amount. Used until a real split schedule is configured.
type PlatformOnlyRule struct{}

func (PlatformOnlyRule) SchemaVersion() int32 { return 1 }

func (PlatformOnlyRule) Distribute(usageEventID string, committedMicro int64) []store.DistributionEntry {
	return []store.DistributionEntry{{
		UsageEventID:  usageEventID,
		Recipient:     "platform",
		ShareMicro:    committedMicro,
		SchemaVersion: 1,
	}}
}

// FinalizeResult is the outcome of Finalize, per §4.E's {finalized_micro,
// released_micro} contract.
type FinalizeResult struct {
	FinalizedMicro int64
	ReleasedMicro  int64
}

// Ledger is the central money component.
type Ledger struct {
	store store.Store
	cache cache.Cache
	sink  metrics.Sink
	log   zerolog.Logger
	rule  RevenueRule

	reservationTTL          time.Duration
	highValueThresholdMicro int64

	repairQueue chan repairOp
	wg          sync.WaitGroup
}

// repairOp is a queued cache-repair task for the narrow window where a
// Store commit succeeds but the paired Cache write fails (§7's
// write-ahead-journal compensation, implemented here as an in-process
// async retry queue).
type repairOp struct {
	kind           string // "init_limit" | "finalize" | "cancel"
	account        string
	period         string
	idempotencyKey string
	deltaCents     int64
	reservedCents  int64
	actualCents    int64
	shadow         bool
}

const numRepairWorkers = 4

// New constructs a Ledger. reservationTTL and highValueThresholdMicro come
// from Config (§4.B/§6).
func New(st store.Store, ca cache.Cache, sink metrics.Sink, log zerolog.Logger, reservationTTL time.Duration, highValueThresholdMicro int64) *Ledger {
	l := &Ledger{
		store:                   st,
		cache:                   ca,
		sink:                    sink,
		log:                     log.With().Str("component", "ledger").Logger(),
		rule:                    PlatformOnlyRule{},
		reservationTTL:          reservationTTL,
		highValueThresholdMicro: highValueThresholdMicro,
		repairQueue:             make(chan repairOp, 1000),
	}
	l.wg.Add(numRepairWorkers)
	for i := 0; i < numRepairWorkers; i++ {
		go l.repairWorker(i)
	}
	return l
}

// SetRevenueRule overrides the default PlatformOnlyRule.
func (l *Ledger) SetRevenueRule(r RevenueRule) { l.rule = r }

// Close stops the repair workers, draining the queue first.
func (l *Ledger) Close() {
	close(l.repairQueue)
	l.wg.Wait()
}

func (l *Ledger) repairWorker(id int) {
	defer l.wg.Done()
	log := l.log.With().Int("repair_worker", id).Logger()
	for op := range l.repairQueue {
		l.applyRepair(log, op)
	}
}

func (l *Ledger) applyRepair(log zerolog.Logger, op repairOp) {
	const maxAttempts = 5
	ctx := context.Background()
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		switch op.kind {
		case "init_limit":
			_, err = l.cache.InitLimit(ctx, op.account, op.idempotencyKey, op.deltaCents)
		case "finalize":
			_, err = l.cache.Finalize(ctx, op.account, op.period, op.idempotencyKey, op.reservedCents, op.actualCents, op.shadow)
		case "cancel":
			err = l.cache.Cancel(ctx, op.account, op.period, op.idempotencyKey, op.reservedCents)
		}
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("kind", op.kind).Str("account", op.account).Int("attempt", attempt).
			Msg("cache repair attempt failed")
		time.Sleep(backoff)
		backoff *= 2
	}
	log.Error().Str("kind", op.kind).Str("account", op.account).
		Msg("cache repair exhausted retries; leaving drift for reconciler")
}

func (l *Ledger) enqueueRepair(op repairOp) {
	select {
	case l.repairQueue <- op:
	default:
		l.log.Error().Str("kind", op.kind).Str("account", op.account).
			Msg("cache repair queue saturated, dropping (reconciler will catch the drift)")
	}
}

// Period formats the billing period key the cache and usage sums are
// bucketed by (calendar month, UTC).
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

var knownSources = map[store.LotSource]bool{
	store.SourceGrant: true, store.SourcePurchase: true, store.SourceX402: true,
	store.SourceNowPayment: true, store.SourceCreditBack: true,
}

// Mint atomically inserts a Lot and its founding credit entry, then raises
// the cache limit. Idempotent on paymentID.
func (l *Ledger) Mint(ctx context.Context, accountID string, entityType store.EntityType, amountMicro int64, source store.LotSource, paymentID *string, poolID *string, expiresAt *time.Time) (*store.Lot, error) {
	if amountMicro <= 0 {
		return nil, errs.New(errs.InvalidArgument, "amount_micro must be positive")
	}
	if !knownSources[source] {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown lot source %q", source))
	}

	tx, err := l.store.Begin(ctx, accountID)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.EnsureAccount(ctx, accountID, entityType, accountID); err != nil {
		return nil, err
	}

	lot, inserted, err := tx.InsertLot(ctx, store.Lot{
		AccountID:      accountID,
		Source:         source,
		PaymentID:      paymentID,
		OriginalMicro:  amountMicro,
		RemainingMicro: amountMicro,
		PoolID:         poolID,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		return nil, err
	}

	if !inserted {
		// Idempotent replay: the lot already exists from a prior call with
		// the same payment_id. No new entry, no cache write.
		if err := tx.Commit(ctx); err != nil {
			return nil, errs.Wrap(errs.DependencyUnavailable, "mint idempotent-replay commit failed", err)
		}
		committed = true
		return lot, nil
	}

	if _, err := tx.InsertLotEntry(ctx, store.LotEntry{
		LotID:       lot.ID,
		AccountID:   accountID,
		Type:        store.EntryCredit,
		AmountMicro: amountMicro,
		ReferenceID: lot.ID,
	}); err != nil {
		l.sink.IncInvariantViolation("I-2")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "mint commit failed", err)
	}
	committed = true

	deltaCents := arith.MicroToFlooredCents(amountMicro)
	if _, err := l.cache.InitLimit(ctx, accountID, lot.ID, deltaCents); err != nil {
		l.log.Warn().Err(err).Str("account", accountID).Str("lot_id", lot.ID).
			Msg("cache init_limit failed after store commit; queuing repair")
		l.enqueueRepair(repairOp{kind: "init_limit", account: accountID, idempotencyKey: lot.ID, deltaCents: deltaCents})
	}

	return lot, nil
}

// Reserve converts estimatedMicro to a ceiling-rounded cents reservation
// against the cache, then FIFO-allocates the same amount across the
// account's active lots in the Store. Idempotent on requestID.
func (l *Ledger) Reserve(ctx context.Context, accountID, poolID string, estimatedMicro int64, requestID string, mode store.BillingMode, identityAnchorHash *string) (*store.Reservation, error) {
	if estimatedMicro <= 0 {
		return nil, errs.New(errs.InvalidArgument, "estimated_micro must be positive")
	}

	tx, err := l.store.Begin(ctx, accountID)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if existing, err := tx.GetReservationByRequestID(ctx, accountID, requestID); err == nil {
		return existing, nil
	} else if errs.KindOf(err) != errs.NotFound {
		return nil, err
	}

	if estimatedMicro > l.highValueThresholdMicro {
		if identityAnchorHash == nil {
			return nil, errs.New(errs.AnchorMissing, "identity anchor required for high-value reservation")
		}
		anchor, err := tx.GetIdentityAnchor(ctx, accountID)
		switch {
		case err == nil:
			if *identityAnchorHash != anchor.AnchorHash {
				return nil, errs.New(errs.AnchorMismatch, "presented identity anchor does not match bound anchor")
			}
		case errs.KindOf(err) == errs.NotFound:
			return nil, errs.New(errs.AnchorMissing, "no identity anchor bound for this account")
		default:
			return nil, err
		}
	}

	period := Period(time.Now())
	estimatedCents := arith.MicroToCeilingCents(estimatedMicro)

	reserveResult, err := l.cache.Reserve(ctx, accountID, period, requestID, estimatedCents)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "cache reserve unavailable", err)
	}
	if !reserveResult.OK {
		l.sink.IncInsufficientCredit(accountID)
		l.sink.IncReservation(poolID, false)
		return nil, errs.New(errs.InsufficientCredit, "insufficient credit for reservation")
	}

	lots, err := tx.LockLotsForAllocation(ctx, accountID)
	if err != nil {
		l.cancelCacheReservation(ctx, accountID, period, requestID, estimatedCents)
		return nil, err
	}

	var allocations []store.LotAllocation
	remainingToAllocate := estimatedMicro
	for _, lot := range lots {
		if remainingToAllocate <= 0 {
			break
		}
		share := lot.RemainingMicro
		if share > remainingToAllocate {
			share = remainingToAllocate
		}
		if share <= 0 {
			continue
		}
		allocations = append(allocations, store.LotAllocation{LotID: lot.ID, AllocatedMicro: share})
		remainingToAllocate -= share
	}

	if remainingToAllocate > 0 {
		// Store's exact micro view disagrees with the cache's coarser cents
		// view (drift, or a lot expired between the two reads). Release the
		// cache reservation and fail closed rather than over-commit.
		l.cancelCacheReservation(ctx, accountID, period, requestID, estimatedCents)
		l.sink.IncInsufficientCredit(accountID)
		l.sink.IncReservation(poolID, false)
		return nil, errs.New(errs.InsufficientCredit, "insufficient lot balance for reservation")
	}

	reservation, err := tx.InsertReservation(ctx, store.Reservation{
		AccountID:     accountID,
		PoolID:        poolID,
		RequestID:     requestID,
		ReservedMicro: estimatedMicro,
		BillingMode:   mode,
		ExpiresAt:     time.Now().Add(l.reservationTTL),
	})
	if err != nil {
		l.cancelCacheReservation(ctx, accountID, period, requestID, estimatedCents)
		return nil, err
	}

	for _, alloc := range allocations {
		alloc.ReservationID = reservation.ID
		if _, err := tx.InsertLotAllocation(ctx, alloc); err != nil {
			l.cancelCacheReservation(ctx, accountID, period, requestID, estimatedCents)
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		l.cancelCacheReservation(ctx, accountID, period, requestID, estimatedCents)
		return nil, errs.Wrap(errs.DependencyUnavailable, "reserve commit failed", err)
	}
	committed = true

	l.sink.IncReservation(poolID, true)
	return reservation, nil
}

func (l *Ledger) cancelCacheReservation(ctx context.Context, accountID, period, requestID string, estimatedCents int64) {
	if err := l.cache.Cancel(ctx, accountID, period, requestID, estimatedCents); err != nil {
		l.log.Warn().Err(err).Str("account", accountID).Msg("failed to roll back cache reservation after store failure")
		l.enqueueRepair(repairOp{kind: "cancel", account: accountID, period: period, idempotencyKey: requestID, reservedCents: estimatedCents})
	}
}

// Finalize loads the reservation FOR UPDATE, commits debit entries
// proportional to each lot allocation, records the UsageEvent and
// DistributionEntries, and marks the reservation finalized.
func (l *Ledger) Finalize(ctx context.Context, accountID, reservationID string, actualMicro int64, source store.UsageSource) (FinalizeResult, error) {
	tx, err := l.store.Begin(ctx, accountID)
	if err != nil {
		return FinalizeResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	res, err := tx.LockReservation(ctx, reservationID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if res.AccountID != accountID {
		return FinalizeResult{}, errs.New(errs.NotFound, "reservation not found")
	}
	if res.Status != store.ReservationPending {
		return FinalizeResult{}, errs.New(errs.Conflict, "reservation is not pending")
	}
	if time.Now().After(res.ExpiresAt) {
		return FinalizeResult{}, errs.New(errs.Conflict, "reservation has expired")
	}

	shadow := res.BillingMode == store.ModeShadow

	var committedMicro int64
	var shadowOverrunMicro int64
	if shadow {
		committedMicro = actualMicro
		if actualMicro > res.ReservedMicro {
			shadowOverrunMicro = actualMicro - res.ReservedMicro
		}
	} else {
		committedMicro = actualMicro
		if committedMicro > res.ReservedMicro {
			committedMicro = res.ReservedMicro
		}
	}
	if committedMicro < 0 {
		committedMicro = 0
	}

	allocations, err := tx.ListLotAllocations(ctx, reservationID)
	if err != nil {
		return FinalizeResult{}, err
	}

	var totalAllocated int64
	for _, a := range allocations {
		totalAllocated += a.AllocatedMicro
	}

	if totalAllocated > 0 && committedMicro > 0 {
		var distributed int64
		for i, a := range allocations {
			var share int64
			if i == len(allocations)-1 {
				share = committedMicro - distributed // last bucket absorbs rounding
			} else {
				share = (a.AllocatedMicro * committedMicro) / totalAllocated
			}
			distributed += share
			if share <= 0 {
				continue
			}
			if _, err := tx.InsertLotEntry(ctx, store.LotEntry{
				LotID: a.LotID, AccountID: accountID, Type: store.EntryDebit,
				AmountMicro: share, ReferenceID: reservationID,
			}); err != nil {
				l.sink.IncInvariantViolation("I-2")
				return FinalizeResult{}, err
			}
		}
	}

	usageEvent, err := tx.InsertUsageEvent(ctx, store.UsageEvent{
		AccountID: accountID, ReferenceID: reservationID,
		AmountMicro: committedMicro, Source: source,
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	if err := tx.UpdateReservationStatus(ctx, reservationID, store.ReservationFinalized); err != nil {
		return FinalizeResult{}, err
	}

	entries := l.rule.Distribute(usageEvent.ID, committedMicro)
	if err := tx.InsertDistributionEntries(ctx, entries); err != nil {
		return FinalizeResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FinalizeResult{}, errs.Wrap(errs.DependencyUnavailable, "finalize commit failed", err)
	}
	committed = true

	if shadowOverrunMicro > 0 {
		l.log.Warn().Str("reservation_id", reservationID).Int64("overrun_micro", shadowOverrunMicro).
			Msg("shadow-mode billing overrun observed")
		l.sink.ObserveDrift(accountID, shadowOverrunMicro)
	}

	period := Period(res.CreatedAt)
	reservedCents := arith.MicroToCeilingCents(res.ReservedMicro)
	actualCents := arith.MicroToCeilingCents(committedMicro)
	if _, err := l.cache.Finalize(ctx, accountID, period, reservationID, reservedCents, actualCents, shadow); err != nil {
		l.log.Warn().Err(err).Str("account", accountID).Str("reservation_id", reservationID).
			Msg("cache finalize failed after store commit; queuing repair")
		l.enqueueRepair(repairOp{
			kind: "finalize", account: accountID, period: period, idempotencyKey: reservationID,
			reservedCents: reservedCents, actualCents: actualCents, shadow: shadow,
		})
	}

	return FinalizeResult{FinalizedMicro: committedMicro, ReleasedMicro: res.ReservedMicro - committedMicro}, nil
}

// Cancel releases a still-pending reservation without writing any ledger
// entries, only an audit log line.
func (l *Ledger) Cancel(ctx context.Context, accountID, reservationID string) (int64, error) {
	tx, err := l.store.Begin(ctx, accountID)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	res, err := tx.LockReservation(ctx, reservationID)
	if err != nil {
		return 0, err
	}
	if res.AccountID != accountID {
		return 0, errs.New(errs.NotFound, "reservation not found")
	}
	if res.Status != store.ReservationPending {
		return 0, errs.New(errs.Conflict, "reservation is not pending")
	}

	if err := tx.UpdateReservationStatus(ctx, reservationID, store.ReservationCanceled); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errs.Wrap(errs.DependencyUnavailable, "cancel commit failed", err)
	}
	committed = true

	l.log.Info().Str("reservation_id", reservationID).Str("account", accountID).Msg("reservation_canceled")

	period := Period(res.CreatedAt)
	reservedCents := arith.MicroToCeilingCents(res.ReservedMicro)
	l.cancelCacheReservation(ctx, accountID, period, reservationID, reservedCents)

	return res.ReservedMicro, nil
}

// CreditBack raises a lot's remaining balance for x402 conservative-quote
// settlement. Idempotent on referenceID.
func (l *Ledger) CreditBack(ctx context.Context, accountID, lotID string, amountMicro int64, referenceID string) error {
	if amountMicro <= 0 {
		return errs.New(errs.InvalidArgument, "amount_micro must be positive")
	}

	tx, err := l.store.Begin(ctx, accountID)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.GetLotEntryByReference(ctx, referenceID); err == nil {
		// Already applied; no-op.
		if err := tx.Commit(ctx); err != nil {
			return errs.Wrap(errs.DependencyUnavailable, "credit_back idempotent-replay commit failed", err)
		}
		committed = true
		return nil
	} else if errs.KindOf(err) != errs.NotFound {
		return err
	}

	lot, err := tx.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	if lot.AccountID != accountID {
		return errs.New(errs.NotFound, "lot not found")
	}

	if _, err := tx.InsertLotEntry(ctx, store.LotEntry{
		LotID: lotID, AccountID: accountID, Type: store.EntryCreditBack,
		AmountMicro: amountMicro, ReferenceID: referenceID,
	}); err != nil {
		l.sink.IncInvariantViolation("I-2")
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "credit_back commit failed", err)
	}
	committed = true

	deltaCents := arith.MicroToFlooredCents(amountMicro)
	if _, err := l.cache.InitLimit(ctx, accountID, referenceID, deltaCents); err != nil {
		l.log.Warn().Err(err).Str("account", accountID).Str("lot_id", lotID).
			Msg("cache init_limit failed after credit_back commit; queuing repair")
		l.enqueueRepair(repairOp{kind: "init_limit", account: accountID, idempotencyKey: referenceID, deltaCents: deltaCents})
	}

	return nil
}
