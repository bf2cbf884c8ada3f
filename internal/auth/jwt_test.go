package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/secrets"
)

// fakeSecrets is a minimal secrets.Provider for auth tests, avoiding a real
// network JWKS fetch: VerificationJWKS just returns the signing key's own
// public JWKS, as if the gateway were verifying tokens signed by itself.
type fakeSecrets struct {
	key *secrets.SigningKey
}

func newFakeSecrets(t *testing.T) *fakeSecrets {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &fakeSecrets{key: &secrets.SigningKey{
		KID: "test-kid", Private: priv,
		NotBefore: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}}
}

func (f *fakeSecrets) CurrentSigningKey(ctx context.Context) (*secrets.SigningKey, error) {
	return f.key, nil
}

func (f *fakeSecrets) VerificationJWKS(ctx context.Context, remoteURI string) (jwk.Set, error) {
	set := jwk.NewSet()
	pub, err := jwk.FromRaw(f.key.Private.Public())
	if err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.KeyIDKey, f.key.KID); err != nil {
		return nil, err
	}
	if err := set.AddKey(pub); err != nil {
		return nil, err
	}
	return set, nil
}

func (f *fakeSecrets) RefreshJWKS(ctx context.Context, remoteURI string) (jwk.Set, error) {
	return f.VerificationJWKS(ctx, remoteURI)
}

func (f *fakeSecrets) HMACPepper(name string) ([]byte, error) {
	return []byte("test-pepper"), nil
}

func (f *fakeSecrets) Rotate(ctx context.Context) error { return nil }

// mintRawToken signs claims with the fake's key directly, bypassing
// MintOutbound's hardcoded audience/version, so inbound-shaped tokens with
// an arbitrary pool_mapping_version can be constructed for contract-version
// tests.
func mintRawToken(t *testing.T, sp *fakeSecrets, claims Claims, issuer, audience string) string {
	t.Helper()
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = sp.key.KID
	signed, err := token.SignedString(sp.key.Private)
	require.NoError(t, err)
	return signed
}

func TestMintOutboundThenVerifyUsageReportRoundTrips(t *testing.T) {
	sp := newFakeSecrets(t)
	a := New(sp, zerolog.Nop(), "arrakis-gateway", "loa-finn", "1.0")

	token, err := a.MintOutbound(context.Background(), Claims{
		AccessLevel: "pro", TenantID: "acct-1", ReservationID: "res-1", RequestID: "req-1",
	})
	require.NoError(t, err)

	claims, err := a.VerifyUsageReport(context.Background(), "https://fake/jwks", token)
	require.NoError(t, err)
	require.Equal(t, "acct-1", claims.TenantID)
	require.Equal(t, "res-1", claims.ReservationID)
}

func TestVerifyInboundRejectsContractVersionMismatch(t *testing.T) {
	sp := newFakeSecrets(t)
	a := New(sp, zerolog.Nop(), "arrakis-gateway", "arrakis-clients", "2.0")

	token := mintRawToken(t, sp, Claims{
		AccessLevel:        "pro",
		TenantID:           "acct-1",
		PoolMappingVersion: "1.4",
	}, "arrakis-gateway", "arrakis-clients")

	_, err := a.VerifyInbound(context.Background(), "https://fake/jwks", token)
	require.Error(t, err)
	require.Equal(t, errs.ContractIncompatible, errs.KindOf(err))
	require.Equal(t, 426, errs.HTTPStatus(errs.KindOf(err)))
}

func TestVerifyInboundAcceptsMatchingMajorVersion(t *testing.T) {
	sp := newFakeSecrets(t)
	a := New(sp, zerolog.Nop(), "arrakis-gateway", "arrakis-clients", "2.0")

	token := mintRawToken(t, sp, Claims{
		AccessLevel:        "pro",
		TenantID:           "acct-1",
		PoolMappingVersion: "2.7",
	}, "arrakis-gateway", "arrakis-clients")

	claims, err := a.VerifyInbound(context.Background(), "https://fake/jwks", token)
	require.NoError(t, err)
	require.Equal(t, "acct-1", claims.TenantID)
}

func TestVerifyRejectsReplayedJTI(t *testing.T) {
	sp := newFakeSecrets(t)
	a := New(sp, zerolog.Nop(), "arrakis-gateway", "loa-finn", "1.0")

	token, err := a.MintOutbound(context.Background(), Claims{AccessLevel: "pro", TenantID: "acct-1"})
	require.NoError(t, err)

	_, err = a.VerifyUsageReport(context.Background(), "https://fake/jwks", token)
	require.NoError(t, err)

	_, err = a.VerifyUsageReport(context.Background(), "https://fake/jwks", token)
	require.Error(t, err)
	require.Equal(t, errs.Unauthenticated, errs.KindOf(err))
}
