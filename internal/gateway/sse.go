package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/router"
	"github.com/arrakis-labs/arrakis/internal/store"
	"github.com/arrakis-labs/arrakis/internal/usageverifier"
)

// handleStream implements the SSE half of §4.H: content* -> usage -> done,
// in strict order. A client abort still finalizes with whatever usage the
// peer reported before the abort; if the peer reported nothing, the
// reservation is canceled in full.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, r, errs.New(errs.Internal, "streaming unsupported by this response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Contract-Version", g.cfg.ContractVersion)
	w.WriteHeader(http.StatusOK)

	var lastUsage *peerUsage
	var streamErr error

	writeFrame := func(eventType string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			g.log.Error().Err(err).Msg("failed to encode sse frame")
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
		flusher.Flush()
	}

	streamErr = g.peer.Stream(ctx, reservation.ID, requestID, claims.TenantID, resolved.PoolID, body.Prompt, body.Options, func(ev sseEvent) error {
		switch ev.Type {
		case "content":
			var frame struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal(ev.Data, &frame); err != nil {
				return err
			}
			writeFrame("content", map[string]string{"delta": frame.Delta})
		case "usage":
			var u peerUsage
			if err := json.Unmarshal(ev.Data, &u); err != nil {
				return err
			}
			lastUsage = &u
		case "done":
			// handled after the stream loop exits, once usage is known.
		}
		return nil
	})

	aborted := ctx.Err() != nil

	accountingMode := usageverifier.PlatformBudget
	source := store.UsageInference
	if claims.BYOK {
		accountingMode = usageverifier.BYOKNoBudget
		source = store.UsageBYOK
	}

	switch {
	case lastUsage != nil:
		result, ferr := g.verifier.Finalize(ctx, usageverifier.Report{
			ReservationID: reservation.ID, AccountID: claims.TenantID,
			PromptTokens: lastUsage.PromptTokens, CompletionTokens: lastUsage.CompletionTokens,
			ReasoningTokens: lastUsage.ReasoningTokens, ReportedCostMicro: lastUsage.CostMicro,
		}, resolved.Pricing, accountingMode, source)
		if ferr != nil {
			g.log.Warn().Err(ferr).Str("reservation_id", reservation.ID).Msg("finalize after stream failed")
			writeFrame("done", map[string]string{"status": "finalize_failed"})
			return
		}
		writeFrame("usage", map[string]interface{}{
			"prompt_tokens":     lastUsage.PromptTokens,
			"completion_tokens": lastUsage.CompletionTokens,
			"cost_micro":        arith.FormatMicro(result.FinalizedMicro),
		})
		status := "ok"
		if aborted {
			status = "aborted_with_partial_usage"
		}
		writeFrame("done", map[string]string{"status": status})

	case streamErr != nil || aborted:
		// Peer reported nothing before the abort or failure: cancel the
		// reservation in full rather than finalize with zero usage.
		if _, cerr := g.ldgr.Cancel(ctx, claims.TenantID, reservation.ID); cerr != nil {
			g.log.Warn().Err(cerr).Str("reservation_id", reservation.ID).Msg("failed to cancel reservation after aborted stream")
		}
		writeFrame("done", map[string]string{"status": "canceled"})

	default:
		// Zero-length content stream with no usage event at all is a peer
		// contract violation; still emit usage(zero) then done rather than
		// leaving the client hanging (§8: "zero-length content stream still
		// emits usage then done").
		result, ferr := g.verifier.Finalize(ctx, usageverifier.Report{
			ReservationID: reservation.ID, AccountID: claims.TenantID,
		}, resolved.Pricing, accountingMode, source)
		if ferr != nil {
			writeFrame("done", map[string]string{"status": "finalize_failed"})
			return
		}
		writeFrame("usage", map[string]interface{}{
			"prompt_tokens": 0, "completion_tokens": 0,
			"cost_micro": arith.FormatMicro(result.FinalizedMicro),
		})
		writeFrame("done", map[string]string{"status": "ok"})
	}
}
