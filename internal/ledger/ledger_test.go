package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/store"
	"github.com/arrakis-labs/arrakis/internal/store/memory"
)

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	st := memory.New()
	ca := cache.NewMemory()
	l := New(st, ca, metrics.NoOp{}, zerolog.Nop(), 10*time.Minute, 100_000_000)
	t.Cleanup(l.Close)
	return l, st
}

func mintLot(t *testing.T, l *Ledger, account string, amountMicro int64, paymentID string) *store.Lot {
	t.Helper()
	pid := paymentID
	lot, err := l.Mint(context.Background(), account, store.EntityUser, amountMicro, store.SourceGrant, &pid, nil, nil)
	require.NoError(t, err)
	return lot
}

func TestMintIsIdempotentOnPaymentID(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first := mintLot(t, l, "acct-1", 5_000_000, "pay-1")
	second := mintLot(t, l, "acct-1", 5_000_000, "pay-1")
	require.Equal(t, first.ID, second.ID)

	_, reserved, _ := mustSnapshot(t, ctx, l, "acct-1")
	require.Equal(t, int64(0), reserved)
}

func mustSnapshot(t *testing.T, ctx context.Context, l *Ledger, account string) (limit, reserved, committed int64) {
	t.Helper()
	limit, reserved, committed, err := l.cache.Snapshot(ctx, account, Period(time.Now()))
	require.NoError(t, err)
	return limit, reserved, committed
}

func TestReserveFinalizeHappyPath(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mintLot(t, l, "acct-1", 10_000_000, "pay-1")

	res, err := l.Reserve(ctx, "acct-1", "fast-code", 7_000, "req-1", store.ModeLive, nil)
	require.NoError(t, err)
	require.Equal(t, store.ReservationPending, res.Status)

	result, err := l.Finalize(ctx, "acct-1", res.ID, 7_000, store.UsageInference)
	require.NoError(t, err)
	require.Equal(t, int64(7_000), result.FinalizedMicro)
	require.Equal(t, int64(0), result.ReleasedMicro)
}

func TestReserveInsufficientCreditReturns402Kind(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mintLot(t, l, "acct-1", 1_000_000, "pay-1")

	_, err := l.Reserve(ctx, "acct-1", "fast-code", 50_000_000, "req-1", store.ModeLive, nil)
	require.Error(t, err)
	require.Equal(t, errs.InsufficientCredit, errs.KindOf(err))
}

func TestReserveIdempotentOnRequestID(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mintLot(t, l, "acct-1", 10_000_000, "pay-1")

	first, err := l.Reserve(ctx, "acct-1", "fast-code", 1_000_000, "req-1", store.ModeLive, nil)
	require.NoError(t, err)
	second, err := l.Reserve(ctx, "acct-1", "fast-code", 1_000_000, "req-1", store.ModeLive, nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestFinalizeAlreadyFinalizedReturnsConflict(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mintLot(t, l, "acct-1", 10_000_000, "pay-1")
	res, err := l.Reserve(ctx, "acct-1", "fast-code", 1_000_000, "req-1", store.ModeLive, nil)
	require.NoError(t, err)

	_, err = l.Finalize(ctx, "acct-1", res.ID, 1_000_000, store.UsageInference)
	require.NoError(t, err)

	_, err = l.Finalize(ctx, "acct-1", res.ID, 1_000_000, store.UsageInference)
	require.Error(t, err)
	require.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestFinalizeLiveModeCapsActualAtReserved(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mintLot(t, l, "acct-1", 10_000_000, "pay-1")
	res, err := l.Reserve(ctx, "acct-1", "fast-code", 1_000_000, "req-1", store.ModeLive, nil)
	require.NoError(t, err)

	result, err := l.Finalize(ctx, "acct-1", res.ID, 5_000_000, store.UsageInference)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), result.FinalizedMicro, "live mode must cap at reserved")
}

func TestCancelReleasesReservationWithoutEntries(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	lot := mintLot(t, l, "acct-1", 10_000_000, "pay-1")
	res, err := l.Reserve(ctx, "acct-1", "fast-code", 1_000_000, "req-1", store.ModeLive, nil)
	require.NoError(t, err)

	released, err := l.Cancel(ctx, "acct-1", res.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), released)

	tx, err := st.Begin(ctx, "acct-1")
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	got, err := tx.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10_000_000), got.RemainingMicro, "cancel must not write any lot entries")
}

func TestHighValueReservationRequiresAnchorWhenOneExists(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	mintLot(t, l, "acct-1", 1_000_000_000, "pay-1")
	st.SetIdentityAnchor(store.IdentityAnchor{AgentAccountID: "acct-1", AnchorHash: "0xabc", CreatedBy: "admin"})

	_, err := l.Reserve(ctx, "acct-1", "fast-code", 200_000_000, "req-1", store.ModeLive, nil)
	require.Error(t, err)
	require.Equal(t, errs.AnchorMissing, errs.KindOf(err))

	wrong := "0xdeadbeef"
	_, err = l.Reserve(ctx, "acct-1", "fast-code", 200_000_000, "req-2", store.ModeLive, &wrong)
	require.Error(t, err)
	require.Equal(t, errs.AnchorMismatch, errs.KindOf(err))

	matching := "0xabc"
	res, err := l.Reserve(ctx, "acct-1", "fast-code", 200_000_000, "req-3", store.ModeLive, &matching)
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestHighValueReservationRejectedWhenNoAnchorEverBound(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mintLot(t, l, "acct-2", 200_000_000, "pay-1")

	_, err := l.Reserve(ctx, "acct-2", "fast-code", 150_000_000, "req-1", store.ModeLive, nil)
	require.Error(t, err)
	require.Equal(t, errs.AnchorMissing, errs.KindOf(err))

	presented := "0xabc"
	_, err = l.Reserve(ctx, "acct-2", "fast-code", 150_000_000, "req-2", store.ModeLive, &presented)
	require.Error(t, err)
	require.Equal(t, errs.AnchorMissing, errs.KindOf(err))
}

func TestCreditBackIsIdempotentOnReferenceID(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	lot := mintLot(t, l, "acct-1", 1_000_000, "pay-1")

	err := l.CreditBack(ctx, "acct-1", lot.ID, 500_000, "settle-1")
	require.NoError(t, err)
	err = l.CreditBack(ctx, "acct-1", lot.ID, 500_000, "settle-1")
	require.NoError(t, err, "duplicate reference_id must be a no-op, not an error")
}

func TestShadowModeRecordsOverrunWithoutCapping(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	mintLot(t, l, "acct-1", 10_000_000, "pay-1")
	res, err := l.Reserve(ctx, "acct-1", "fast-code", 1_000_000, "req-1", store.ModeShadow, nil)
	require.NoError(t, err)

	result, err := l.Finalize(ctx, "acct-1", res.ID, 3_000_000, store.UsageInference)
	require.NoError(t, err)
	require.Equal(t, int64(3_000_000), result.FinalizedMicro, "shadow mode must not cap at reserved")
}
