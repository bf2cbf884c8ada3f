package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/store"
)

type createAccountReq struct {
	AccountID  string `json:"accountId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

func (g *Gateway) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "malformed request body"))
		return
	}
	entityType := store.EntityType(req.EntityType)
	switch entityType {
	case store.EntityAgent, store.EntityUser, store.EntityOrg:
	default:
		g.writeError(w, r, errs.New(errs.InvalidArgument, "unknown entityType"))
		return
	}

	account, err := g.accounts.CreateAccount(r.Context(), req.AccountID, entityType, req.EntityID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, account)
}

type mintReq struct {
	AmountMicro string `json:"amountMicro"`
	SourceType  string `json:"sourceType"`
	Description string `json:"description,omitempty"`
}

type mintResp struct {
	LotID          string `json:"lotId"`
	OriginalMicro  string `json:"originalMicro"`
	RemainingMicro string `json:"remainingMicro"`
}

func (g *Gateway) handleMint(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req mintReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "malformed request body"))
		return
	}
	amountMicro, err := arith.ParseDecimalMicro(req.AmountMicro)
	if err != nil {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "invalid amountMicro"))
		return
	}

	paymentID := "admin:" + accountID + ":" + req.Description
	lot, err := g.ldgr.Mint(r.Context(), accountID, store.EntityUser, amountMicro, store.LotSource(req.SourceType), &paymentID, nil, nil)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, mintResp{
		LotID:          lot.ID,
		OriginalMicro:  arith.FormatMicro(lot.OriginalMicro),
		RemainingMicro: arith.FormatMicro(lot.RemainingMicro),
	})
}

type balanceResp struct {
	AvailableMicro string `json:"availableMicro"`
	ReservedMicro  string `json:"reservedMicro"`
	CommittedMicro string `json:"committedMicro"`
}

func (g *Gateway) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	availableMicro, reservedMicro, committedMicro, err := g.accounts.Balance(r.Context(), accountID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, balanceResp{
		AvailableMicro: arith.FormatMicro(availableMicro),
		ReservedMicro:  arith.FormatMicro(reservedMicro),
		CommittedMicro: arith.FormatMicro(committedMicro),
	})
}

func (g *Gateway) handleReconciliationStatus(w http.ResponseWriter, r *http.Request) {
	if g.reconciler == nil {
		g.writeError(w, r, errs.New(errs.NotFound, "reconciler not configured"))
		return
	}
	g.writeJSON(w, http.StatusOK, g.reconciler.LastRunSummary())
}

type bindAnchorReq struct {
	IdentityAnchor string  `json:"identityAnchor"`
	ChainID        *string `json:"chainId,omitempty"`
	Contract       *string `json:"contract,omitempty"`
	TokenID        *string `json:"tokenId,omitempty"`
	Owner          *string `json:"owner,omitempty"`
}

func (g *Gateway) handleBindAnchor(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req bindAnchorReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "malformed request body"))
		return
	}
	if req.IdentityAnchor == "" {
		g.writeError(w, r, errs.New(errs.InvalidArgument, "identityAnchor is required"))
		return
	}

	err := g.accounts.BindAnchor(r.Context(), store.IdentityAnchor{
		AgentAccountID: accountID,
		AnchorHash:     req.IdentityAnchor,
		ChainID:        req.ChainID,
		Contract:       req.Contract,
		TokenID:        req.TokenID,
		Owner:          req.Owner,
		CreatedBy:      "admin",
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"bound": true})
}

type revenueRuleResp struct {
	SchemaVersion int32  `json:"schemaVersion"`
	Name          string `json:"name"`
}

func (g *Gateway) handleRevenueRules(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, []revenueRuleResp{
		{SchemaVersion: g.revenueRule.SchemaVersion(), Name: "active"},
	})
}
