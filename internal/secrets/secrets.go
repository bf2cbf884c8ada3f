// Package secrets implements the SecretProvider capability (§4.B): signing
// keys, JWKS material, and HMAC peppers. The vault backend itself is out of
// scope (§1 Non-goals) — this package defines the interface arrakis depends
// on and a process-local implementation that takes HMAC peppers from the
// environment, generates its signing keys in memory and fetches peer JWKS
// documents over HTTP(S), treating it as a swappable, constructor-injected
// dependency rather than a global (§9).
package secrets

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// SigningKey is a short-lived ES256 key pair plus the key ID (kid) used to
// identify it in a JWKS document.
type SigningKey struct {
	KID       string
	Private   *ecdsa.PrivateKey
	NotBefore time.Time
	ExpiresAt time.Time
}

// Provider is the capability interface the rest of arrakis depends on.
// Components never reach for a concrete vault client; they take a Provider.
type Provider interface {
	// CurrentSigningKey returns the key arrakis should use to sign outbound
	// S2S JWTs right now.
	CurrentSigningKey(ctx context.Context) (*SigningKey, error)

	// VerificationJWKS fetches (and caches, bounded TTL) the JWKS document at
	// remoteURI, used to verify inbound client JWTs and loa-finn's usage
	// report JWS.
	VerificationJWKS(ctx context.Context, remoteURI string) (jwk.Set, error)

	// RefreshJWKS forces a fresh fetch of remoteURI's JWKS, bypassing the
	// TTL cache, and replaces the cached entry on success. Callers use this
	// when a presented kid isn't found in the cached set: the set may have
	// rotated inside the TTL window and the cache simply hasn't caught up.
	RefreshJWKS(ctx context.Context, remoteURI string) (jwk.Set, error)

	// HMACPepper returns a named HMAC pepper (e.g. "api_key", "rate_limit").
	// Returns an error if the pepper was not configured at startup.
	HMACPepper(name string) ([]byte, error)

	// Rotate forces generation of a new signing key, retiring the old one
	// after its outstanding tokens (5-minute TTL, §4.F) have expired.
	Rotate(ctx context.Context) error
}

// EnvProvider is a Provider backed by environment-sourced peppers and an
// in-memory rotating ES256 key. Missing peppers at construction time are
// fatal per §4.B: NewEnvProvider returns an error rather than defaulting.
type EnvProvider struct {
	mu   sync.RWMutex
	keys []*SigningKey // most recent last

	peppers map[string][]byte

	jwksMu    sync.Mutex
	jwksCache map[string]cachedJWKS
	jwksTTL   time.Duration

	keyTTL time.Duration
}

type cachedJWKS struct {
	set       jwk.Set
	fetchedAt time.Time
}

// NewEnvProvider constructs an EnvProvider. peppers must contain at least
// "api_key" and "rate_limit" (mapping to API_KEY_PEPPER / RATE_LIMIT_SALT);
// a missing required pepper is a fatal startup condition, not a default.
func NewEnvProvider(peppers map[string]string) (*EnvProvider, error) {
	required := []string{"api_key", "rate_limit"}
	converted := make(map[string][]byte, len(peppers))
	for k, v := range peppers {
		if v == "" {
			continue
		}
		converted[k] = []byte(v)
	}
	for _, name := range required {
		if len(converted[name]) == 0 {
			return nil, fmt.Errorf("secrets: required pepper %q is not set; refusing to start", name)
		}
	}

	p := &EnvProvider{
		peppers:   converted,
		jwksCache: make(map[string]cachedJWKS),
		jwksTTL:   10 * time.Minute,
		keyTTL:    5 * time.Minute,
	}
	if err := p.Rotate(context.Background()); err != nil {
		return nil, fmt.Errorf("secrets: initial key generation failed: %w", err)
	}
	return p, nil
}

// CurrentSigningKey returns the most recently rotated signing key.
func (p *EnvProvider) CurrentSigningKey(ctx context.Context) (*SigningKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.keys) == 0 {
		return nil, fmt.Errorf("secrets: no signing key available")
	}
	return p.keys[len(p.keys)-1], nil
}

// Rotate generates a fresh ES256 key, appending it to the key ring. Old keys
// are retained only long enough for their outstanding tokens to expire; the
// caller is responsible for invoking Rotate on a schedule shorter than
// keyTTL so verification never has a gap.
func (p *EnvProvider) Rotate(ctx context.Context) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("secrets: key generation failed: %w", err)
	}

	now := time.Now()
	key := &SigningKey{
		KID:       fmt.Sprintf("arrakis-%d", now.UnixNano()),
		Private:   priv,
		NotBefore: now,
		ExpiresAt: now.Add(p.keyTTL),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	// Prune keys whose tokens could not possibly still be valid.
	cutoff := now.Add(-p.keyTTL)
	pruned := p.keys[:0]
	for _, k := range p.keys {
		if k.ExpiresAt.After(cutoff) {
			pruned = append(pruned, k)
		}
	}
	p.keys = pruned
	return nil
}

// HMACPepper returns a named pepper, erroring if it was never configured.
func (p *EnvProvider) HMACPepper(name string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.peppers[name]
	if !ok {
		return nil, fmt.Errorf("secrets: pepper %q not configured", name)
	}
	return v, nil
}

// VerificationJWKS fetches remoteURI's JWKS, caching it for jwksTTL. On
// fetch failure it returns the last known-good set if one is cached
// (stale-cache-optimistic, §7), and only errors when there is nothing to
// fall back on.
func (p *EnvProvider) VerificationJWKS(ctx context.Context, remoteURI string) (jwk.Set, error) {
	p.jwksMu.Lock()
	cached, ok := p.jwksCache[remoteURI]
	p.jwksMu.Unlock()

	if ok && time.Since(cached.fetchedAt) < p.jwksTTL {
		return cached.set, nil
	}

	set, err := jwk.Fetch(ctx, remoteURI)
	if err != nil {
		if ok {
			return cached.set, nil
		}
		return nil, fmt.Errorf("secrets: jwks fetch %s failed and no cache available: %w", remoteURI, err)
	}

	p.jwksMu.Lock()
	p.jwksCache[remoteURI] = cachedJWKS{set: set, fetchedAt: time.Now()}
	p.jwksMu.Unlock()

	return set, nil
}

// RefreshJWKS bypasses the TTL cache and re-fetches remoteURI's JWKS
// unconditionally, used on a kid-lookup miss so a key rotation inside the
// TTL window doesn't reject valid tokens until the cache naturally expires.
// On fetch failure the stale cached set (if any) is left in place and
// returned, matching VerificationJWKS's stale-cache-optimistic behavior.
func (p *EnvProvider) RefreshJWKS(ctx context.Context, remoteURI string) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, remoteURI)
	if err != nil {
		p.jwksMu.Lock()
		cached, ok := p.jwksCache[remoteURI]
		p.jwksMu.Unlock()
		if ok {
			return cached.set, nil
		}
		return nil, fmt.Errorf("secrets: jwks forced refresh %s failed and no cache available: %w", remoteURI, err)
	}

	p.jwksMu.Lock()
	p.jwksCache[remoteURI] = cachedJWKS{set: set, fetchedAt: time.Now()}
	p.jwksMu.Unlock()

	return set, nil
}
