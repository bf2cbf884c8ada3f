package usageverifier

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/store"
	"github.com/arrakis-labs/arrakis/internal/store/memory"
)

var pricing = arith.PricingVector{PromptMicroPerMillion: 1_000_000, CompletionMicroPerMillion: 3_000_000, ReasoningMicroPerMillion: 0}

func newTestVerifier(t *testing.T) (*UsageVerifier, *ledger.Ledger) {
	t.Helper()
	st := memory.New()
	ca := cache.NewMemory()
	l := ledger.New(st, ca, metrics.NoOp{}, zerolog.Nop(), 10*time.Minute, 100_000_000)
	t.Cleanup(l.Close)
	v := New(nil, l, metrics.NoOp{}, zerolog.Nop())
	return v, l
}

func TestFinalizeRecomputesCostFromTokens(t *testing.T) {
	v, l := newTestVerifier(t)
	ctx := context.Background()

	pid := "pay-1"
	_, err := l.Mint(ctx, "acct-1", store.EntityUser, 10_000_000, store.SourceGrant, &pid, nil, nil)
	require.NoError(t, err)

	res, err := l.Reserve(ctx, "acct-1", "fast-code", 10_000, "req-1", store.ModeLive, nil)
	require.NoError(t, err)

	result, err := v.Finalize(ctx, Report{
		ReservationID: res.ID, AccountID: "acct-1",
		PromptTokens: 100, CompletionTokens: 200,
		ReportedCostMicro: 999, // peer lies; must be ignored in favor of recomputation
	}, pricing, PlatformBudget, store.UsageInference)
	require.NoError(t, err)
	require.Equal(t, int64(700), result.FinalizedMicro) // 100*1_000_000/1e6 + 200*3_000_000/1e6
}

func TestFinalizeBYOKZeroesCostButStillFinalizes(t *testing.T) {
	v, l := newTestVerifier(t)
	ctx := context.Background()

	pid := "pay-1"
	_, err := l.Mint(ctx, "acct-1", store.EntityUser, 10_000_000, store.SourceGrant, &pid, nil, nil)
	require.NoError(t, err)

	res, err := l.Reserve(ctx, "acct-1", "byok-passthrough", 1, "req-1", store.ModeLive, nil)
	require.NoError(t, err)

	result, err := v.Finalize(ctx, Report{
		ReservationID: res.ID, AccountID: "acct-1",
		PromptTokens: 1_000_000, CompletionTokens: 1_000_000,
	}, pricing, BYOKNoBudget, store.UsageBYOK)
	require.NoError(t, err)
	require.Equal(t, int64(0), result.FinalizedMicro)
}

func TestFinalizeRejectsMissingIdentifiers(t *testing.T) {
	v, _ := newTestVerifier(t)
	_, err := v.Finalize(context.Background(), Report{}, pricing, PlatformBudget, store.UsageInference)
	require.Error(t, err)
}
