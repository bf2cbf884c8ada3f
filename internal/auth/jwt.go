// Package auth implements JWTAuth (§4.F): inbound client JWT verification,
// outbound S2S token minting, and loa-finn usage-report JWS verification.
// It uses the ecosystem's standard JWT/JWKS stack (golang-jwt/jwt/v5,
// lestrrat-go/jwx/v2) rather than a bespoke token format, with the same
// constructor-injected, component-sub-logger shape used elsewhere (§9).
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog"

	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/secrets"
)

// Claims is the tenancy claim set carried by both inbound client JWTs and
// outbound S2S tokens (§4.F).
type Claims struct {
	AccessLevel        string `json:"access_level"`
	TenantID           string `json:"tenant_id"`
	PoolID             string `json:"pool_id,omitempty"`
	EnsembleStrategy   string `json:"ensemble_strategy,omitempty"`
	BYOK               bool   `json:"byok,omitempty"`
	PoolMappingVersion string `json:"pool_mapping_version"`

	// Set only on outbound S2S tokens (gateway -> loa-finn).
	ReservationID string `json:"reservation_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`

	// Set only on loa-finn's signed usage reports (peer -> gateway).
	PromptTokens      int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens  int64 `json:"completion_tokens,omitempty"`
	ReasoningTokens   int64 `json:"reasoning_tokens,omitempty"`
	ReportedCostMicro int64 `json:"reported_cost_micro,omitempty"`

	jwt.RegisteredClaims
}

const (
	outboundTTL    = 5 * time.Minute
	clockSkew      = 30 * time.Second
	replayCacheTTL = 10 * time.Minute
)

// JWTAuth verifies inbound client JWTs and loa-finn usage-report JWS, and
// mints outbound S2S tokens.
type JWTAuth struct {
	secrets         secrets.Provider
	log             zerolog.Logger
	issuer          string
	audience        string
	contractVersion string

	replayMu sync.Mutex
	replay   map[string]time.Time // jti -> seen-until
}

// New constructs a JWTAuth bound to the gateway's own issuer/audience
// identity and embedded contract version.
func New(sp secrets.Provider, log zerolog.Logger, issuer, audience, contractVersion string) *JWTAuth {
	return &JWTAuth{
		secrets:         sp,
		log:             log.With().Str("component", "jwt_auth").Logger(),
		issuer:          issuer,
		audience:        audience,
		contractVersion: contractVersion,
		replay:          make(map[string]time.Time),
	}
}

// VerifyInbound verifies a client-presented JWT against the configured
// JWKS, validating standard claims plus the tenancy claim set. A
// pool_mapping_version whose major component differs from the gateway's
// CONTRACT_VERSION is reported as ContractIncompatible (426).
func (a *JWTAuth) VerifyInbound(ctx context.Context, jwksURI, rawToken string) (*Claims, error) {
	claims, err := a.verify(ctx, jwksURI, rawToken, a.audience)
	if err != nil {
		return nil, err
	}
	if majorVersion(claims.PoolMappingVersion) != majorVersion(a.contractVersion) {
		return nil, errs.New(errs.ContractIncompatible, "pool_mapping_version major version mismatch")
	}
	return claims, nil
}

// VerifyUsageReport verifies loa-finn's signed usage-report JWS against the
// JWKS at jwksURI, with the same issuer and audience checks as inbound
// tokens. The JWKS is obtained through secrets.Provider; EnvProvider fetches
// it over HTTP(S) and has no file-based JWKS source.
func (a *JWTAuth) VerifyUsageReport(ctx context.Context, jwksURI, rawToken string) (*Claims, error) {
	return a.verify(ctx, jwksURI, rawToken, a.audience)
}

func (a *JWTAuth) verify(ctx context.Context, jwksURI, rawToken, expectedAudience string) (*Claims, error) {
	set, err := a.secrets.VerificationJWKS(ctx, jwksURI)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "jwks unavailable", err)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("auth: token missing kid")
		}
		key, found := set.LookupKeyID(kid)
		if !found {
			// The cached JWKS may simply be stale relative to a key
			// rotation that happened inside the TTL window. Force a
			// fresh fetch once before giving up.
			fresh, rerr := a.secrets.RefreshJWKS(ctx, jwksURI)
			if rerr != nil {
				return nil, fmt.Errorf("auth: unknown kid %q and jwks refresh failed: %w", kid, rerr)
			}
			key, found = fresh.LookupKeyID(kid)
			if !found {
				return nil, fmt.Errorf("auth: unknown kid %q", kid)
			}
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("auth: failed to materialize key %q: %w", kid, err)
		}
		return raw, nil
	},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithAudience(expectedAudience),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil || !parsed.Valid {
		return nil, errs.Wrap(errs.Unauthenticated, "token verification failed", err)
	}

	if claims.ID == "" {
		return nil, errs.New(errs.Unauthenticated, "token missing jti")
	}
	if a.seenReplay(claims.ID) {
		return nil, errs.New(errs.Unauthenticated, "token replay detected")
	}

	return claims, nil
}

func (a *JWTAuth) seenReplay(jti string) bool {
	now := time.Now()
	a.replayMu.Lock()
	defer a.replayMu.Unlock()

	for k, until := range a.replay {
		if until.Before(now) {
			delete(a.replay, k)
		}
	}
	if until, seen := a.replay[jti]; seen && until.After(now) {
		return true
	}
	a.replay[jti] = now.Add(replayCacheTTL)
	return false
}

// MintOutbound signs a short-lived, single-use ES256 token for a request
// dispatched to loa-finn.
func (a *JWTAuth) MintOutbound(ctx context.Context, claims Claims) (string, error) {
	key, err := a.secrets.CurrentSigningKey(ctx)
	if err != nil {
		return "", errs.Wrap(errs.DependencyUnavailable, "no signing key available", err)
	}

	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Audience:  jwt.ClaimStrings{"loa-finn"},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(outboundTTL)),
		ID:        uuid.NewString(),
	}
	claims.PoolMappingVersion = a.contractVersion

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = key.KID

	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "failed to sign outbound token", err)
	}
	return signed, nil
}

// JWKS exposes the gateway's own current signing key as a JWKS document
// (keys replaced by rotation are not included), for loa-finn (and any other
// peer) to verify our outbound tokens.
func (a *JWTAuth) JWKS(ctx context.Context) (jwk.Set, error) {
	key, err := a.secrets.CurrentSigningKey(ctx)
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	pub, err := jwk.FromRaw(key.Private.Public())
	if err != nil {
		return nil, fmt.Errorf("auth: failed to build jwk from public key: %w", err)
	}
	if err := pub.Set(jwk.KeyIDKey, key.KID); err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.AlgorithmKey, "ES256"); err != nil {
		return nil, err
	}
	if err := set.AddKey(pub); err != nil {
		return nil, err
	}
	return set, nil
}

func majorVersion(v string) string {
	for i, c := range v {
		if c == '.' {
			return v[:i]
		}
	}
	return v
}
