// Package usageverifier implements UsageVerifier (§4.I): it consumes
// loa-finn's signed usage reports, never trusts the peer's own cost figure,
// and recomputes the authoritative cost with Arithmetic before driving
// Ledger.Finalize. Ledger remains the sole writer; everything upstream of
// it is a thin, constructor-injected verification layer.
package usageverifier

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/auth"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/store"
)

// AccountingMode picks which lot pays for a usage event (§4.I).
type AccountingMode string

const (
	// PlatformBudget debits the caller's platform lot for recomputed cost.
	PlatformBudget AccountingMode = "PLATFORM_BUDGET"
	// BYOKNoBudget bills zero, since the tenant paid the inference provider
	// directly with their own key; token counts are not persisted.
	BYOKNoBudget AccountingMode = "BYOK_NO_BUDGET"
)

// Report is the token/cost figures loa-finn reports, already extracted from
// either an inline invoke response or a verified streamed usage event.
type Report struct {
	ReservationID     string
	AccountID         string
	PromptTokens      int64
	CompletionTokens  int64
	ReasoningTokens   int64
	ReportedCostMicro int64
}

// UsageVerifier recomputes cost from reported tokens and drives finalize.
type UsageVerifier struct {
	jwtAuth *auth.JWTAuth
	ledger  *ledger.Ledger
	sink    metrics.Sink
	log     zerolog.Logger
}

// New constructs a UsageVerifier.
func New(jwtAuth *auth.JWTAuth, l *ledger.Ledger, sink metrics.Sink, log zerolog.Logger) *UsageVerifier {
	return &UsageVerifier{
		jwtAuth: jwtAuth,
		ledger:  l,
		sink:    sink,
		log:     log.With().Str("component", "usage_verifier").Logger(),
	}
}

// VerifySignedReport verifies loa-finn's JWS over a usage report and
// extracts the token/cost fields carried in its claims.
func (v *UsageVerifier) VerifySignedReport(ctx context.Context, jwksURI, rawToken string) (Report, error) {
	claims, err := v.jwtAuth.VerifyUsageReport(ctx, jwksURI, rawToken)
	if err != nil {
		return Report{}, err
	}
	return Report{
		ReservationID:     claims.ReservationID,
		AccountID:         claims.TenantID,
		PromptTokens:      claims.PromptTokens,
		CompletionTokens:  claims.CompletionTokens,
		ReasoningTokens:   claims.ReasoningTokens,
		ReportedCostMicro: claims.ReportedCostMicro,
	}, nil
}

// Finalize recomputes cost from the report's token counts against pricing,
// compares it to the peer's own reported figure (emitting a disagreement
// metric if they differ, but never trusting the peer's number), and drives
// Ledger.Finalize with the recomputed amount. Negative token counts or
// prices are rejected. BYOKNoBudget zeroes the finalized amount; the
// resulting usage event carries the given source and a zero amount.
func (v *UsageVerifier) Finalize(ctx context.Context, report Report, pricing arith.PricingVector, mode AccountingMode, source store.UsageSource) (ledger.FinalizeResult, error) {
	if report.ReservationID == "" || report.AccountID == "" {
		return ledger.FinalizeResult{}, errs.New(errs.InvalidArgument, "usage report missing reservation_id or account_id")
	}
	if report.PromptTokens < 0 || report.CompletionTokens < 0 || report.ReasoningTokens < 0 ||
		pricing.PromptMicroPerMillion < 0 || pricing.CompletionMicroPerMillion < 0 || pricing.ReasoningMicroPerMillion < 0 {
		return ledger.FinalizeResult{}, errs.New(errs.InvalidArgument, "usage report has negative token counts or pricing")
	}

	recomputedMicro, _ := arith.Total(report.PromptTokens, report.CompletionTokens, report.ReasoningTokens, pricing)

	if report.ReportedCostMicro != 0 && report.ReportedCostMicro != recomputedMicro {
		v.log.Warn().
			Str("reservation_id", report.ReservationID).
			Int64("reported_micro", report.ReportedCostMicro).
			Int64("recomputed_micro", recomputedMicro).
			Msg("usage_disagreement: peer-reported cost does not match recomputed cost")
		v.sink.ObserveUsageDisagreement(report.ReportedCostMicro, recomputedMicro)
	}

	actualMicro := recomputedMicro
	if mode == BYOKNoBudget {
		actualMicro = 0
	}

	return v.ledger.Finalize(ctx, report.AccountID, report.ReservationID, actualMicro, source)
}
