// Package router implements Router (§4.G): a code-embedded, versioned
// mapping from (access_level, pool_id claim, ensemble_strategy, byok) to a
// ResolvedPool, with a fixed specificity order.
package router

import (
	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/errs"
)

// ResolvedPool is what Router resolves a request's claims to: the price
// vector to bill against, the dispatch target, and the ensemble
// parallelism multiplier.
type ResolvedPool struct {
	PoolID      string
	DispatchURL string
	Pricing     arith.PricingVector
	Parallelism int
}

// poolDef is one entry in the code-embedded mapping table.
type poolDef struct {
	dispatchURL string
	pricing     arith.PricingVector
}

// Router maps tenancy claims to a ResolvedPool per the fixed specificity
// order: BYOK > ensemble strategy > explicit pool claim > tier default.
type Router struct {
	contractVersion string
	pools           map[string]poolDef
	tierDefaults    map[string]string // access_level -> pool_id
	ensemblePools   map[string]string // ensemble_strategy -> pool_id
	byokPoolID      string
}

// New constructs the code-embedded pool table. The mapping is versioned
// via contractVersion; changing it is a deploy-time decision, not runtime
// configuration (§4.G).
func New(contractVersion string) *Router {
	r := &Router{
		contractVersion: contractVersion,
		pools: map[string]poolDef{
			"cheap": {
				dispatchURL: "https://loa-finn.internal/v1/invoke",
				pricing:     arith.PricingVector{PromptMicroPerMillion: 10_000_000, CompletionMicroPerMillion: 30_000_000, ReasoningMicroPerMillion: 30_000_000},
			},
			"fast-code": {
				dispatchURL: "https://loa-finn.internal/v1/invoke",
				pricing:     arith.PricingVector{PromptMicroPerMillion: 50_000_000, CompletionMicroPerMillion: 150_000_000, ReasoningMicroPerMillion: 150_000_000},
			},
			"frontier": {
				dispatchURL: "https://loa-finn.internal/v1/invoke",
				pricing:     arith.PricingVector{PromptMicroPerMillion: 500_000_000, CompletionMicroPerMillion: 1_500_000_000, ReasoningMicroPerMillion: 1_500_000_000},
			},
			"byok-passthrough": {
				dispatchURL: "https://loa-finn.internal/v1/invoke",
				pricing:     arith.PricingVector{},
			},
		},
		tierDefaults: map[string]string{
			"free": "cheap",
			"pro":  "fast-code",
			"team": "frontier",
		},
		ensemblePools: map[string]string{
			"best_of_n": "frontier",
		},
		byokPoolID: "byok-passthrough",
	}
	return r
}

// RequestClaims is the subset of JWT tenancy claims Router needs.
type RequestClaims struct {
	AccessLevel      string
	PoolID           string // explicit pool claim, may be empty
	EnsembleStrategy string // may be empty
	BYOK             bool
}

// Resolve implements the specificity order: BYOK first, then ensemble
// strategy, then an explicit pool claim (validated against the tier's
// allowed set implicitly by existing in the pool table), then the tier
// default.
func (r *Router) Resolve(c RequestClaims) (ResolvedPool, error) {
	var poolID string

	switch {
	case c.BYOK:
		poolID = r.byokPoolID
	case c.EnsembleStrategy != "":
		id, ok := r.ensemblePools[c.EnsembleStrategy]
		if !ok {
			return ResolvedPool{}, errs.New(errs.InvalidArgument, "unknown ensemble_strategy")
		}
		poolID = id
	case c.PoolID != "":
		poolID = c.PoolID
	default:
		id, ok := r.tierDefaults[c.AccessLevel]
		if !ok {
			return ResolvedPool{}, errs.New(errs.InvalidArgument, "unknown access_level and no pool claim present")
		}
		poolID = id
	}

	def, ok := r.pools[poolID]
	if !ok {
		return ResolvedPool{}, errs.New(errs.InvalidArgument, "resolved pool is not configured")
	}

	parallelism := 1
	if c.EnsembleStrategy == "best_of_n" {
		parallelism = 3
	}

	return ResolvedPool{
		PoolID:      poolID,
		DispatchURL: def.dispatchURL,
		Pricing:     def.pricing,
		Parallelism: parallelism,
	}, nil
}

// ContractVersion returns the version this table was built for, embedded
// in outbound claims and compared against inbound pool_mapping_version.
func (r *Router) ContractVersion() string { return r.contractVersion }
