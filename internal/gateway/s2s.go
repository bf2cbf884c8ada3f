package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/store"
)

// internalReserveReq is the body for POST /api/internal/reserve (§6).
type internalReserveReq struct {
	AccountID          string  `json:"accountId"`
	EstimatedCostMicro string  `json:"estimatedCostMicro"`
	PoolID             string  `json:"poolId"`
	RequestID          string  `json:"requestId"`
	IdentityAnchor     *string `json:"identity_anchor,omitempty"`
}

type internalReserveResp struct {
	ReservationID string `json:"reservationId"`
	Status        string `json:"status"`
}

// handleInternalReserve lets loa-finn reserve directly (e.g. for
// speculative or ensemble sub-calls it originates) without re-running the
// full client-facing AUTH/RESOLVE pipeline; it is authenticated by the
// shared internal secret rather than a client JWT.
func (g *Gateway) handleInternalReserve(w http.ResponseWriter, r *http.Request) {
	var req internalReserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "malformed request body"))
		return
	}

	estimatedMicro, err := arith.ParseDecimalMicro(req.EstimatedCostMicro)
	if err != nil {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "invalid estimatedCostMicro"))
		return
	}

	reservation, err := g.ldgr.Reserve(r.Context(), req.AccountID, req.PoolID, estimatedMicro, req.RequestID, store.ModeLive, req.IdentityAnchor)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, internalReserveResp{ReservationID: reservation.ID, Status: string(reservation.Status)})
}

// internalFinalizeReq is the body for POST /api/internal/finalize (§6).
type internalFinalizeReq struct {
	ReservationID   string  `json:"reservationId"`
	ActualCostMicro string  `json:"actualCostMicro"`
	AccountID       string  `json:"accountId"`
	IdentityAnchor  *string `json:"identity_anchor,omitempty"`
}

type internalFinalizeResp struct {
	FinalizedMicro string `json:"finalizedMicro"`
	ReleasedMicro  string `json:"releasedMicro"`
}

// handleInternalFinalize lets loa-finn finalize a reservation it reserved
// directly through handleInternalReserve. Reservations created through the
// client-facing invoke/stream paths are finalized by UsageVerifier instead;
// this endpoint recomputes nothing since no pool pricing context is
// supplied by the caller here (it is used for already-priced peer-side
// settlement flows, not inference usage reports).
func (g *Gateway) handleInternalFinalize(w http.ResponseWriter, r *http.Request) {
	var req internalFinalizeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "malformed request body"))
		return
	}

	actualMicro, err := arith.ParseDecimalMicro(req.ActualCostMicro)
	if err != nil {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "invalid actualCostMicro"))
		return
	}

	result, err := g.ldgr.Finalize(r.Context(), req.AccountID, req.ReservationID, actualMicro, store.UsageInference)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, internalFinalizeResp{
		FinalizedMicro: arith.FormatMicro(result.FinalizedMicro),
		ReleasedMicro:  arith.FormatMicro(result.ReleasedMicro),
	})
}
