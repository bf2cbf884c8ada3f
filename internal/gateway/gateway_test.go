package gateway

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arrakis-labs/arrakis/internal/auth"
	"github.com/arrakis-labs/arrakis/internal/billingadmin"
	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/router"
	"github.com/arrakis-labs/arrakis/internal/secrets"
	"github.com/arrakis-labs/arrakis/internal/store"
	"github.com/arrakis-labs/arrakis/internal/store/memory"
	"github.com/arrakis-labs/arrakis/internal/usageverifier"
)

// fakeSecrets is a single-key secrets.Provider, enough for the gateway
// under test to sign outbound tokens and verify both client and peer
// tokens with the same key, avoiding a real JWKS fetch over the network.
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

func (f *fakeSecrets) HMACPepper(name string) ([]byte, error) { return []byte("pepper"), nil }
func (f *fakeSecrets) Rotate(ctx context.Context) error       { return nil }

// mintClientToken simulates an externally-issued client JWT: arrakis never
// mints these itself (MintOutbound is only for the S2S direction), so the
// test signs one directly with the shared fake key.
func mintClientToken(t *testing.T, sp *fakeSecrets, issuer, audience string, claims auth.Claims) string {
	t.Helper()
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        uuidLike(t),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = sp.key.KID
	signed, err := token.SignedString(sp.key.Private)
	require.NoError(t, err)
	return signed
}

var jtiCounter int

func uuidLike(t *testing.T) string {
	jtiCounter++
	return time.Now().Format("150405") + "-" + string(rune('a'+jtiCounter%26))
}

// testHarness wires a full Gateway over in-memory fakes.
type testHarness struct {
	gw       *Gateway
	sp       *fakeSecrets
	authn    *auth.JWTAuth
	st       *memory.Store
	ca       cache.Cache
	ldgr     *ledger.Ledger
	peer     *httptest.Server
	contractVersion string
}

func newHarness(t *testing.T, peerHandler http.HandlerFunc) *testHarness {
	t.Helper()

	sp := newFakeSecrets(t)
	contractVersion := "1.0"
	authn := auth.New(sp, zerolog.Nop(), "arrakis-gateway", "arrakis-clients", contractVersion)

	st := memory.New()
	ca := cache.NewMemory()
	ldgr := ledger.New(st, ca, metrics.NoOp{}, zerolog.Nop(), time.Minute, 1_000_000_000_000)
	verifier := usageverifier.New(authn, ldgr, metrics.NoOp{}, zerolog.Nop())
	accounts := billingadmin.New(st, ca, zerolog.Nop())
	rtr := router.New(contractVersion)

	peer := httptest.NewServer(peerHandler)
	t.Cleanup(peer.Close)

	gw := New(Config{
		ListenAddr:      "127.0.0.1:0",
		ContractVersion: contractVersion,
		ClientJWKSURI:   "https://fake-client/jwks",
		PeerJWKSURI:     "https://fake-peer/jwks",
		PeerBaseURL:     peer.URL,
		InternalSecret:  "topsecret",
		HighValueMicro:  1_000_000_000_000,
	}, authn, rtr, ldgr, verifier, accounts, nil, nil, metrics.NoOp{}, zerolog.Nop())

	return &testHarness{gw: gw, sp: sp, authn: authn, st: st, ca: ca, ldgr: ldgr, peer: peer, contractVersion: contractVersion}
}

func (h *testHarness) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) clientToken(t *testing.T, accountID, accessLevel string) string {
	return mintClientToken(t, h.sp, "arrakis-gateway", "arrakis-clients", auth.Claims{
		AccessLevel: accessLevel, TenantID: accountID, PoolMappingVersion: h.contractVersion,
	})
}

func mustMint(t *testing.T, h *testHarness, accountID string, amountMicro int64) {
	t.Helper()
	_, err := h.ldgr.Mint(context.Background(), accountID, store.EntityUser, amountMicro, store.SourceGrant, nil, nil, nil)
	require.NoError(t, err)
}

func TestHandleInvokeFullFlow(t *testing.T) {
	peerHandler := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/invoke", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content": "hello from loa-finn",
			"usage":   map[string]int64{"prompt_tokens": 100, "completion_tokens": 200, "reasoning_tokens": 0, "cost_micro": 0},
		})
	}
	h := newHarness(t, peerHandler)
	mustMint(t, h, "acct-1", 10_000_000)

	token := h.clientToken(t, "acct-1", "pro")
	body, _ := json.Marshal(map[string]string{"prompt": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/invoke", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)

	rec := h.serve(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp invokeRespBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello from loa-finn", resp.Content)
	require.Equal(t, int64(100), resp.Usage.PromptTokens)
	require.NotEqual(t, "0", resp.Usage.CostMicro)
}

func TestHandleInvokeInsufficientCredit(t *testing.T) {
	peerHandler := func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("peer should not be dispatched when reservation fails")
	}
	h := newHarness(t, peerHandler)
	// No mint: account has zero budget.

	token := h.clientToken(t, "acct-broke", "pro")
	body, _ := json.Marshal(map[string]string{"prompt": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/invoke", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)

	rec := h.serve(req)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "INSUFFICIENT_CREDIT", env.Error.Code)
}

func TestHandleInvokeRejectsMissingBearer(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/invoke", strings.NewReader(`{}`))
	rec := h.serve(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleStreamZeroUsageStillEmitsUsageThenDone(t *testing.T) {
	peerHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		// Peer closes without emitting any frames at all.
	}
	h := newHarness(t, peerHandler)
	mustMint(t, h, "acct-stream", 10_000_000)

	token := h.clientToken(t, "acct-stream", "pro")
	body, _ := json.Marshal(map[string]string{"prompt": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/stream", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	h.gw.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseSSEFrames(t, rec.Body.Bytes())
	require.True(t, len(frames) >= 2)
	require.Equal(t, "usage", frames[len(frames)-2].Type)
	require.Equal(t, "done", frames[len(frames)-1].Type)
	var done map[string]string
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &done))
	require.Equal(t, "ok", done["status"])
}

func TestHandleStreamContentThenUsageThenDone(t *testing.T) {
	peerHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("event: content\ndata: {\"delta\":\"hi\"}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("event: usage\ndata: {\"prompt_tokens\":10,\"completion_tokens\":20,\"reasoning_tokens\":0,\"cost_micro\":0}\n\n"))
		flusher.Flush()
	}
	h := newHarness(t, peerHandler)
	mustMint(t, h, "acct-stream2", 10_000_000)

	token := h.clientToken(t, "acct-stream2", "pro")
	body, _ := json.Marshal(map[string]string{"prompt": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/stream", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	h.gw.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseSSEFrames(t, rec.Body.Bytes())
	require.Equal(t, "content", frames[0].Type)
	require.Equal(t, "usage", frames[1].Type)
	require.Equal(t, "done", frames[2].Type)
}

func TestInternalReserveFinalizeRequireSecret(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})
	mustMint(t, h, "acct-s2s", 10_000_000)

	body, _ := json.Marshal(internalReserveReq{
		AccountID: "acct-s2s", EstimatedCostMicro: "1000000", PoolID: "cheap", RequestID: "req-s2s-1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/internal/reserve", bytes.NewReader(body))
	rec := h.serve(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/internal/reserve", bytes.NewReader(body))
	req2.Header.Set("X-Internal-Secret", "topsecret")
	rec2 := h.serve(req2)
	require.Equal(t, http.StatusOK, rec2.Code, rec2.Body.String())

	var resp internalReserveResp
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ReservationID)
}

func TestAdminCreateAccountMintAndBalance(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})

	createBody, _ := json.Marshal(createAccountReq{AccountID: "acct-admin", EntityType: "user", EntityID: "acct-admin"})
	req := httptest.NewRequest(http.MethodPost, "/admin/billing/accounts", bytes.NewReader(createBody))
	rec := h.serve(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	mintBody, _ := json.Marshal(mintReq{AmountMicro: "5000000", SourceType: "grant", Description: "test-grant"})
	req2 := httptest.NewRequest(http.MethodPost, "/admin/billing/accounts/acct-admin/mint", bytes.NewReader(mintBody))
	rec2 := h.serve(req2)
	require.Equal(t, http.StatusOK, rec2.Code, rec2.Body.String())

	req3 := httptest.NewRequest(http.MethodGet, "/admin/billing/accounts/acct-admin/balance", nil)
	rec3 := h.serve(req3)
	require.Equal(t, http.StatusOK, rec3.Code)

	var bal balanceResp
	require.NoError(t, json.Unmarshal(rec3.Body.Bytes(), &bal))
	require.Equal(t, "5000000", bal.AvailableMicro)
}

func TestHandleJWKSAndHealth(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := h.serve(req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec2 := h.serve(req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	require.Contains(t, rec2.Body.String(), "test-kid")
}

type sseFrame struct {
	Type string
	Data []byte
}

func parseSSEFrames(t *testing.T, raw []byte) []sseFrame {
	t.Helper()
	var frames []sseFrame
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	var evType string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if evType != "" {
				frames = append(frames, sseFrame{Type: evType, Data: data})
				evType, data = "", nil
			}
		case strings.HasPrefix(line, "event:"):
			evType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return frames
}
