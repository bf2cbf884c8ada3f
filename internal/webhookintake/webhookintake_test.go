package webhookintake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/secrets"
	"github.com/arrakis-labs/arrakis/internal/store"
	"github.com/arrakis-labs/arrakis/internal/store/memory"
)

const testNowPaymentsSecret = "np-secret"

type fakeSecretProvider struct {
	peppers map[string][]byte
}

func (f *fakeSecretProvider) CurrentSigningKey(ctx context.Context) (*secrets.SigningKey, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeSecretProvider) VerificationJWKS(ctx context.Context, remoteURI string) (jwk.Set, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeSecretProvider) RefreshJWKS(ctx context.Context, remoteURI string) (jwk.Set, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeSecretProvider) HMACPepper(name string) ([]byte, error) {
	v, ok := f.peppers[name]
	if !ok {
		return nil, fmt.Errorf("pepper %q not configured", name)
	}
	return v, nil
}
func (f *fakeSecretProvider) Rotate(ctx context.Context) error { return nil }

func signHex(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type testIntake struct {
	wi   *WebhookIntake
	st   *memory.Store
	ca   cache.Cache
	ldgr *ledger.Ledger
}

func newTestIntake(t *testing.T) *testIntake {
	t.Helper()
	st := memory.New()
	ca := cache.NewMemory()
	ldgr := ledger.New(st, ca, metrics.NoOp{}, zerolog.Nop(), time.Minute, 1_000_000_000_000)
	sp := &fakeSecretProvider{peppers: map[string][]byte{
		"webhook_nowpayments": []byte(testNowPaymentsSecret),
		"webhook_x402":        []byte("x402-secret"),
		"webhook_stripe":      []byte("stripe-secret"),
		"rate_limit":          []byte("rate-limit-pepper"),
	}}
	wi := New(st, ca, ldgr, sp, metrics.NoOp{}, zerolog.Nop())
	return &testIntake{wi: wi, st: st, ca: ca, ldgr: ldgr}
}

func (ti *testIntake) limitCents(t *testing.T, accountID string) int64 {
	t.Helper()
	limit, _, _, err := ti.ca.Snapshot(context.Background(), accountID, ledger.Period(time.Now()))
	require.NoError(t, err)
	return limit
}

func nowPaymentsBody(t *testing.T, paymentID, orderID, status, amount string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"payment_id":     paymentID,
		"order_id":       orderID,
		"payment_status": status,
		"actually_paid":  amount,
		"updated_at":     time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	return body
}

func postWebhook(t *testing.T, ti *testIntake, provider string, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, strings.NewReader(string(body)))
	if sig != "" {
		req.Header.Set("X-Nowpayments-Signature", sig)
	}
	rec := httptest.NewRecorder()
	ti.wi.Handle(provider)(rec, req)
	return rec
}

func TestHandleNowPaymentsMintsOnValidSignature(t *testing.T) {
	ti := newTestIntake(t)
	body := nowPaymentsBody(t, "pay_1", "acct_1", "finished", "10.00")
	sig := signHex([]byte(testNowPaymentsSecret), body)

	rec := postWebhook(t, ti, "nowpayments", body, sig)
	require.Equal(t, 200, rec.Code)
	require.Equal(t, int64(1000), ti.limitCents(t, "acct_1")) // $10.00 -> 1000 cents
}

func TestHandleNowPaymentsRejectsBadSignature(t *testing.T) {
	ti := newTestIntake(t)
	body := nowPaymentsBody(t, "pay_2", "acct_1", "finished", "10.00")

	rec := postWebhook(t, ti, "nowpayments", body, "deadbeef")
	require.Equal(t, 401, rec.Code)
	require.Equal(t, int64(0), ti.limitCents(t, "acct_1"))
}

func TestHandleNowPaymentsDuplicateIsNoOp(t *testing.T) {
	ti := newTestIntake(t)
	body := nowPaymentsBody(t, "pay_3", "acct_1", "finished", "10.00")
	sig := signHex([]byte(testNowPaymentsSecret), body)

	first := postWebhook(t, ti, "nowpayments", body, sig)
	require.Equal(t, 200, first.Code)

	second := postWebhook(t, ti, "nowpayments", body, sig)
	require.Equal(t, 200, second.Code)

	require.Equal(t, int64(1000), ti.limitCents(t, "acct_1"))
}

func TestHandleNowPaymentsRejectsStaleEvent(t *testing.T) {
	ti := newTestIntake(t)
	stale, err := json.Marshal(map[string]string{
		"payment_id":     "pay_4",
		"order_id":       "acct_1",
		"payment_status": "finished",
		"actually_paid":  "10.00",
		"updated_at":     time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	sig := signHex([]byte(testNowPaymentsSecret), stale)

	rec := postWebhook(t, ti, "nowpayments", stale, sig)
	require.Equal(t, 400, rec.Code)
	require.Equal(t, int64(0), ti.limitCents(t, "acct_1"))
}

func TestHandleRejectsOverRateLimit(t *testing.T) {
	ti := newTestIntake(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < rateLimitPerMinute+1; i++ {
		body := nowPaymentsBody(t, fmt.Sprintf("pay_rl_%d", i), "acct_1", "finished", "10.00")
		sig := signHex([]byte(testNowPaymentsSecret), body)
		last = postWebhook(t, ti, "nowpayments", body, sig)
	}

	require.Equal(t, 429, last.Code)
	require.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestHandleLockContentionReturnsDuplicateWithoutMinting(t *testing.T) {
	ti := newTestIntake(t)
	body := nowPaymentsBody(t, "pay_5", "acct_1", "finished", "10.00")
	sig := signHex([]byte(testNowPaymentsSecret), body)

	lockKey := fmt.Sprintf("webhook:nowpayments:%s", sha256Hex(body))
	locked, err := ti.ca.(cache.Locker).TryLock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	rec := postWebhook(t, ti, "nowpayments", body, sig)
	require.Equal(t, 200, rec.Code)
	require.Equal(t, int64(0), ti.limitCents(t, "acct_1"))
}

func TestStripeSignatureVerification(t *testing.T) {
	p := stripeProvider{}
	body := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{"amount_paid":1000,"metadata":{"account_id":"acct_1"}}}}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte("stripe-secret"))
	mac.Write([]byte(ts + "." + string(body)))
	v1 := hex.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, v1))
	require.True(t, p.VerifySignature([]byte("stripe-secret"), body, header))

	event, err := p.ParseEvent(body)
	require.NoError(t, err)
	require.Equal(t, "acct_1", event.AccountID)
	require.Equal(t, int64(10_000_000), event.AmountMicro)
}

func TestX402ParseEventMarksSettle(t *testing.T) {
	p := x402Provider{}
	body := []byte(`{"event":"payment_proof","proof_id":"proof_1","account_id":"agent_1","amount_usd":"0.50","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`)
	event, err := p.ParseEvent(body)
	require.NoError(t, err)
	require.True(t, event.Settle)
	require.Equal(t, store.EntityAgent, event.EntityType)
	require.Equal(t, int64(500_000), event.AmountMicro)
}
