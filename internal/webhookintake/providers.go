package webhookintake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arrakis-labs/arrakis/internal/arith"
	"github.com/arrakis-labs/arrakis/internal/store"
)

// verifyHexHMACSHA256 is the shared raw-body HMAC check used by nowpayments
// and x402: hex-decode the header value, compare with hmac.Equal.
func verifyHexHMACSHA256(secret, body []byte, signatureHex string) bool {
	signatureHex = strings.TrimSpace(strings.ToLower(signatureHex))
	signatureHex = strings.TrimPrefix(signatureHex, "0x")
	if signatureHex == "" {
		return false
	}
	decoded, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

// nowPaymentsProvider handles NowPayments IPN callbacks: fiat/crypto
// invoices settled off-chain, purchased credit packs.
type nowPaymentsProvider struct{}

func (nowPaymentsProvider) Source() store.LotSource { return store.SourceNowPayment }

func (nowPaymentsProvider) VerifySignature(secret, body []byte, header http.Header) bool {
	sig := header.Get("X-Nowpayments-Signature")
	if sig == "" {
		sig = header.Get("x-nowpayments-sig")
	}
	return verifyHexHMACSHA256(secret, body, sig)
}

type nowPaymentsPayload struct {
	PaymentID     string `json:"payment_id"`
	OrderID       string `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	ActuallyPaid  string `json:"actually_paid"`
	PayAmount     string `json:"pay_amount"`
	UpdatedAt     string `json:"updated_at"`
	CreatedAt     string `json:"created_at"`
}

func (nowPaymentsProvider) ParseEvent(body []byte) (ParsedEvent, error) {
	var p nowPaymentsPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ParsedEvent{}, fmt.Errorf("invalid nowpayments payload: %w", err)
	}
	if strings.ToLower(strings.TrimSpace(p.PaymentStatus)) != "finished" {
		return ParsedEvent{}, fmt.Errorf("payment_status %q not settled", p.PaymentStatus)
	}
	if p.PaymentID == "" {
		return ParsedEvent{}, fmt.Errorf("payment_id required")
	}
	if p.OrderID == "" {
		return ParsedEvent{}, fmt.Errorf("order_id required")
	}
	amountStr := p.ActuallyPaid
	if amountStr == "" {
		amountStr = p.PayAmount
	}
	amountMicro, err := arith.USDToMicro(amountStr)
	if err != nil {
		return ParsedEvent{}, fmt.Errorf("nowpayments amount: %w", err)
	}
	occurredAt := parseTimestampRFC3339(firstNonEmpty(p.UpdatedAt, p.CreatedAt))
	return ParsedEvent{
		EventID:     p.PaymentID,
		EventType:   "payment.finished",
		AccountID:   p.OrderID,
		EntityType:  store.EntityUser,
		AmountMicro: amountMicro,
		OccurredAt:  occurredAt,
	}, nil
}

// x402Provider handles on-chain x402 micro-payment proofs: minted at the
// conservative quoted amount, settled later via SettleX402.
type x402Provider struct{}

func (x402Provider) Source() store.LotSource { return store.SourceX402 }

func (x402Provider) VerifySignature(secret, body []byte, header http.Header) bool {
	return verifyHexHMACSHA256(secret, body, header.Get("X-402-Signature"))
}

type x402Payload struct {
	Event     string `json:"event"`
	ProofID   string `json:"proof_id"`
	AccountID string `json:"account_id"`
	AmountUSD string `json:"amount_usd"`
	Timestamp string `json:"timestamp"`
}

func (x402Provider) ParseEvent(body []byte) (ParsedEvent, error) {
	var p x402Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return ParsedEvent{}, fmt.Errorf("invalid x402 payload: %w", err)
	}
	if p.Event != "payment_proof" {
		return ParsedEvent{}, fmt.Errorf("unsupported x402 event %q", p.Event)
	}
	if p.ProofID == "" || p.AccountID == "" {
		return ParsedEvent{}, fmt.Errorf("proof_id and account_id required")
	}
	amountMicro, err := arith.USDToMicro(p.AmountUSD)
	if err != nil {
		return ParsedEvent{}, fmt.Errorf("x402 amount: %w", err)
	}
	return ParsedEvent{
		EventID:     p.ProofID,
		EventType:   "payment_proof",
		AccountID:   p.AccountID,
		EntityType:  store.EntityAgent,
		AmountMicro: amountMicro,
		OccurredAt:  parseTimestampRFC3339(p.Timestamp),
		Settle:      true,
	}, nil
}

// stripeProvider handles Stripe invoice.paid events, verified via Stripe's
// real t=,v1= signed-payload scheme rather than a bare raw-body HMAC.
type stripeProvider struct{}

func (stripeProvider) Source() store.LotSource { return store.SourcePurchase }

func (stripeProvider) VerifySignature(secret, body []byte, header http.Header) bool {
	ts, v1, ok := parseStripeSignatureHeader(header.Get("Stripe-Signature"))
	if !ok {
		return false
	}
	signedPayload := ts + "." + string(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(v1))
}

// parseStripeSignatureHeader extracts t= and v1= from Stripe-Signature,
// e.g. "t=1614556800,v1=5257a869e7..."
func parseStripeSignatureHeader(header string) (ts, v1 string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	return ts, v1, ts != "" && v1 != ""
}

type stripeEventPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			AmountPaid int64             `json:"amount_paid"`
			Currency   string            `json:"currency"`
			Metadata   map[string]string `json:"metadata"`
			Created    int64             `json:"created"`
		} `json:"object"`
	} `json:"data"`
	Created int64 `json:"created"`
}

func (stripeProvider) ParseEvent(body []byte) (ParsedEvent, error) {
	var p stripeEventPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ParsedEvent{}, fmt.Errorf("invalid stripe payload: %w", err)
	}
	if p.Type != "invoice.paid" {
		return ParsedEvent{}, fmt.Errorf("unsupported stripe event type %q", p.Type)
	}
	if p.ID == "" {
		return ParsedEvent{}, fmt.Errorf("id required")
	}
	accountID := p.Data.Object.Metadata["account_id"]
	if accountID == "" {
		return ParsedEvent{}, fmt.Errorf("metadata.account_id required")
	}
	if p.Data.Object.AmountPaid <= 0 {
		return ParsedEvent{}, fmt.Errorf("amount_paid must be positive")
	}
	created := p.Data.Object.Created
	if created == 0 {
		created = p.Created
	}
	return ParsedEvent{
		EventID:     p.ID,
		EventType:   p.Type,
		AccountID:   accountID,
		EntityType:  store.EntityUser,
		AmountMicro: arith.CentsToMicro(p.Data.Object.AmountPaid),
		OccurredAt:  time.Unix(created, 0).UTC(),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseTimestampRFC3339(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC()
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0).UTC()
	}
	return time.Now().UTC()
}
