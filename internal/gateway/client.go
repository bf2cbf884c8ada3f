package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/auth"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/router"
	"github.com/arrakis-labs/arrakis/internal/store"
	"github.com/arrakis-labs/arrakis/internal/usageverifier"
)

type invokeReqBody struct {
	Prompt  string                 `json:"prompt"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type invokeRespBody struct {
	Content string    `json:"content"`
	Usage   usageBody `json:"usage"`
}

type usageBody struct {
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	CostMicro        string `json:"cost_micro"`
}

// handleInvoke implements the state machine of §4.H for the non-streaming
// path: AUTH -> RESOLVE -> RESERVE -> DISPATCH -> FINALIZE -> 200.
func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := g.authenticate(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	var body invokeReqBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "malformed request body"))
		return
	}

	resolved, err := g.rtr.Resolve(router.RequestClaims{
		AccessLevel: claims.AccessLevel, PoolID: claims.PoolID,
		EnsembleStrategy: claims.EnsembleStrategy, BYOK: claims.BYOK,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	requestID := requestIDFromHeaderOrNew(r)
	estimateMicro := g.estimateCostMicro(resolved)

	var anchorPtr *string
	if anchor := r.Header.Get("X-Identity-Anchor"); anchor != "" {
		anchorPtr = &anchor
	}

	reservation, err := g.ldgr.Reserve(ctx, claims.TenantID, resolved.PoolID, estimateMicro, requestID, store.ModeLive, anchorPtr)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	resp, err := g.peer.Invoke(ctx, reservation.ID, requestID, claims.TenantID, resolved.PoolID, body.Prompt, body.Options)
	if err != nil {
		if _, cancelErr := g.ldgr.Cancel(ctx, claims.TenantID, reservation.ID); cancelErr != nil {
			g.log.Warn().Err(cancelErr).Str("reservation_id", reservation.ID).Msg("failed to cancel reservation after peer dispatch failure")
		}
		g.writeError(w, r, err)
		return
	}

	accountingMode := usageverifier.PlatformBudget
	source := store.UsageInference
	if claims.BYOK {
		accountingMode = usageverifier.BYOKNoBudget
		source = store.UsageBYOK
	}

	result, err := g.verifier.Finalize(ctx, usageverifier.Report{
		ReservationID: reservation.ID, AccountID: claims.TenantID,
		PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens,
		ReasoningTokens: resp.Usage.ReasoningTokens, ReportedCostMicro: resp.Usage.CostMicro,
	}, resolved.Pricing, accountingMode, source)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, invokeRespBody{
		Content: resp.Content,
		Usage: usageBody{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			CostMicro:        arith.FormatMicro(result.FinalizedMicro),
		},
	})
}

// estimateCostMicro gives a conservative pre-dispatch reservation estimate.
// Real per-token cost is only known after the peer responds; the gateway
// reserves against a fixed per-request ceiling of 4096 prompt plus 4096
// completion tokens at the pool's prices (at least 1 micro), times the
// pool's parallelism, which finalize then releases down to actual usage.
func (g *Gateway) estimateCostMicro(resolved router.ResolvedPool) int64 {
	const assumedMaxTokens = 4096
	total, _ := arith.Total(assumedMaxTokens, assumedMaxTokens, 0, resolved.Pricing)
	if total <= 0 {
		total = 1
	}
	return total * int64(resolved.Parallelism)
}

// authenticate extracts and verifies the client bearer JWT.
func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, errs.New(errs.Unauthenticated, "missing bearer token")
	}
	token := strings.TrimPrefix(raw, "Bearer ")
	return g.authn.VerifyInbound(r.Context(), g.cfg.ClientJWKSURI, token)
}

func requestIDFromHeaderOrNew(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

func (g *Gateway) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := g.authn.JWKS(r.Context())
	if err != nil {
		g.writeError(w, r, errs.Wrap(errs.DependencyUnavailable, "jwks unavailable", err))
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	if err := json.NewEncoder(w).Encode(set); err != nil {
		g.log.Error().Err(err).Msg("failed to encode jwks response")
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleHealthSecurity surfaces the fail-closed posture of §5: whether
// security-critical dependencies (JWKS, signing keys) are currently
// reachable.
func (g *Gateway) handleHealthSecurity(w http.ResponseWriter, r *http.Request) {
	_, err := g.authn.JWKS(r.Context())
	status := http.StatusOK
	ok := err == nil
	if !ok {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, map[string]bool{"signing_key_available": ok})
}
