package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/store"
	"github.com/arrakis-labs/arrakis/internal/store/memory"
)

func newTestReconciler(t *testing.T, cfg Config) (*Reconciler, *memory.Store, cache.Cache, *ledger.Ledger) {
	t.Helper()
	st := memory.New()
	ca := cache.NewMemory()
	ldgr := ledger.New(st, ca, metrics.NoOp{}, zerolog.Nop(), time.Minute, 1_000_000_000_000)
	r := New(st, ca, ldgr, metrics.NoOp{}, zerolog.Nop(), cfg)
	return r, st, ca, ldgr
}

func mustMint(t *testing.T, ldgr *ledger.Ledger, accountID string, amountMicro int64) *store.Lot {
	t.Helper()
	lot, err := ldgr.Mint(context.Background(), accountID, store.EntityUser, amountMicro, store.SourcePurchase, nil, nil, nil)
	require.NoError(t, err)
	return lot
}

func TestRunOnceNoAccountsIsNoOp(t *testing.T) {
	r, _, _, _ := newTestReconciler(t, Config{})
	err := r.RunOnce(context.Background())
	require.NoError(t, err)
	summary := r.LastRunSummary()
	require.Equal(t, 0, summary.AccountsTotal)
	require.Equal(t, 0, summary.DriftsFound)
}

func TestRunOnceListsAccountsViaCapabilityExtension(t *testing.T) {
	r, st, _, ldgr := newTestReconciler(t, Config{})
	mustMint(t, ldgr, "acct_1", 5_000_000)
	mustMint(t, ldgr, "acct_2", 5_000_000)

	ids, err := st.ListAccountIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 2)

	err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, r.LastRunSummary().AccountsTotal)
}

func TestCheckDriftFlagsCacheStoreDisagreement(t *testing.T) {
	r, st, ca, ldgr := newTestReconciler(t, Config{DriftGraceMicro: 0})
	mustMint(t, ldgr, "acct_1", 10_000_000)

	period := ledger.Period(time.Now())
	_, err := ca.InitLimit(context.Background(), "acct_1", period, 1000)
	require.NoError(t, err)

	tx, err := st.Begin(context.Background(), "acct_1")
	require.NoError(t, err)
	_, err = tx.InsertUsageEvent(context.Background(), store.UsageEvent{
		AccountID:   "acct_1",
		ReferenceID: "req_1",
		AmountMicro: 10_000_000,
		Source:      store.UsageInference,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))

	drifted, err := r.checkDrift(context.Background(), "acct_1")
	require.NoError(t, err)
	require.True(t, drifted)
}

func TestCheckDriftOpensCircuitBreakerPastThreshold(t *testing.T) {
	r, st, ca, ldgr := newTestReconciler(t, Config{DriftGraceMicro: 0, DriftCircuitThreshold: 1})
	mustMint(t, ldgr, "acct_1", 10_000_000)

	period := ledger.Period(time.Now())
	_, err := ca.InitLimit(context.Background(), "acct_1", period, 1000)
	require.NoError(t, err)

	tx, err := st.Begin(context.Background(), "acct_1")
	require.NoError(t, err)
	_, err = tx.InsertUsageEvent(context.Background(), store.UsageEvent{
		AccountID: "acct_1", ReferenceID: "req_1", AmountMicro: 10_000_000, Source: store.UsageInference,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))

	require.False(t, r.ReserveCircuitOpen("acct_1"))
	_, err = r.checkDrift(context.Background(), "acct_1")
	require.NoError(t, err)
	require.True(t, r.ReserveCircuitOpen("acct_1"))
}

func TestExpireReservationsCancelsPastTTL(t *testing.T) {
	r, st, ca, ldgr := newTestReconciler(t, Config{ReservationTTL: time.Minute})
	lot := mustMint(t, ldgr, "acct_1", 10_000_000)
	_, err := ca.InitLimit(context.Background(), "acct_1", ledger.Period(time.Now()), 1000)
	require.NoError(t, err)

	res, err := ldgr.Reserve(context.Background(), "acct_1", "", 1_000_000, "req_1", store.ModeLive, nil)
	require.NoError(t, err)
	require.NotNil(t, lot)

	tx, err := st.Begin(context.Background(), "acct_1")
	require.NoError(t, err)
	expired, err := tx.ExpireReservations(context.Background(), time.Now(), 0)
	require.NoError(t, err)
	require.Empty(t, expired) // not expired yet
	require.NoError(t, tx.Rollback(context.Background()))

	backdated := *res
	backdated.ExpiresAt = time.Now().Add(-time.Hour)
	st.SeedReservation(&backdated)

	count, err := r.expireReservations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	tx2, err := st.Begin(context.Background(), "acct_1")
	require.NoError(t, err)
	got, err := tx2.LockReservation(context.Background(), res.ID)
	require.NoError(t, err)
	require.Equal(t, store.ReservationCanceled, got.Status)
	require.NoError(t, tx2.Rollback(context.Background()))
}

func TestExpireLotsDebitsRemainderToZero(t *testing.T) {
	r, st, _, ldgr := newTestReconciler(t, Config{})
	lot := mustMint(t, ldgr, "acct_1", 10_000_000)

	st.SeedLotExpiry(lot.ID, time.Now().Add(-time.Hour))

	count, err := r.expireLots(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	tx, err := st.Begin(context.Background(), "acct_1")
	require.NoError(t, err)
	got, err := tx.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.RemainingMicro)
	require.Equal(t, store.LotExhausted, got.Status)
	require.NoError(t, tx.Rollback(context.Background()))
}

func TestExpireLotsSkipsAlreadyDrainedLot(t *testing.T) {
	r, st, _, ldgr := newTestReconciler(t, Config{})
	lot := mustMint(t, ldgr, "acct_1", 10_000_000)
	st.CorruptLotRemaining(lot.ID, 0)
	st.SeedLotExpiry(lot.ID, time.Now().Add(-time.Hour))

	count, err := r.expireLots(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

// invariantCountingSink records IncInvariantViolation calls and discards
// every other metric.
type invariantCountingSink struct {
	metrics.NoOp
	violations []string
}

func (s *invariantCountingSink) IncInvariantViolation(invariant string) {
	s.violations = append(s.violations, invariant)
}

func TestSampleLotInvariantFlagsCorruptedLot(t *testing.T) {
	r, st, _, ldgr := newTestReconciler(t, Config{})
	lot := mustMint(t, ldgr, "acct_1", 10_000_000)
	st.CorruptLotRemaining(lot.ID, 20_000_000) // remaining exceeds original, I-2 violated

	// sampleLotInvariant only logs and increments a counter, so the flag is
	// observed through the metric sink.
	sink := &invariantCountingSink{}
	r.sink = sink
	r.sampleLotInvariant(context.Background(), "acct_1")
	require.Equal(t, []string{"I-2"}, sink.violations)
}

func TestStartStopDoesNotDeadlock(t *testing.T) {
	r, _, _, _ := newTestReconciler(t, Config{Interval: 10 * time.Millisecond})
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
