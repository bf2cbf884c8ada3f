// Package webhookintake implements WebhookIntake (§4.J): replay-safe credit
// minting from provider payment callbacks. Every handler follows the same
// LVVER discipline the Open Question decision in SPEC_FULL.md settled on —
// lock, verify, validate, execute, record — acquiring a per-delivery lock
// BEFORE spending any CPU on signature verification, so two concurrent
// deliveries of the identical body never race each other into Ledger.Mint.
// Grounded on the raw-body HMAC pattern in josephblackelite-nhbchain's
// NowPayments webhook handler and the claim-before-verify shape of
// CedrosPay's paywall Authorize.
package webhookintake

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/secrets"
	"github.com/arrakis-labs/arrakis/internal/store"
)

const (
	maxBodyBytes = 1 << 20
	lockTTL      = 30 * time.Second
	replayWindow = 5 * time.Minute
	pepperPrefix = "webhook_"

	rateLimitPepperName = "rate_limit"
	rateLimitPerMinute  = 1000
	rateLimitWindow     = time.Minute
)

// ParsedEvent is what a Provider extracts from an already signature-verified
// body.
type ParsedEvent struct {
	EventID     string
	EventType   string
	AccountID   string
	EntityType  store.EntityType
	AmountMicro int64
	OccurredAt  time.Time
	// Settle marks an x402 payment_proof: minted now at the conservative
	// quoted amount, with an actual-cost settlement expected later via
	// SettleX402.
	Settle bool
}

// Provider is a single payment source's signature scheme and payload shape.
type Provider interface {
	// VerifySignature checks the provider's scheme over the byte-exact raw
	// body, using the named secret configured for this provider.
	VerifySignature(secret []byte, body []byte, header http.Header) bool
	// ParseEvent extracts mint parameters from a body already verified by
	// VerifySignature. Called only after the signature check passes.
	ParseEvent(body []byte) (ParsedEvent, error)
	// Source is the LotSource recorded on the minted Lot.
	Source() store.LotSource
}

// WebhookIntake wires the provider registry to Store's replay defense and
// Ledger.Mint.
type WebhookIntake struct {
	st        store.Store
	ca        cache.Cache
	ldgr      *ledger.Ledger
	sp        secrets.Provider
	sink      metrics.Sink
	log       zerolog.Logger
	providers map[string]Provider
}

// New constructs a WebhookIntake with the standard three-provider registry.
func New(st store.Store, ca cache.Cache, ldgr *ledger.Ledger, sp secrets.Provider, sink metrics.Sink, log zerolog.Logger) *WebhookIntake {
	return &WebhookIntake{
		st:   st,
		ca:   ca,
		ldgr: ldgr,
		sp:   sp,
		sink: sink,
		log:  log.With().Str("component", "webhook_intake").Logger(),
		providers: map[string]Provider{
			"nowpayments": nowPaymentsProvider{},
			"x402":        x402Provider{},
			"stripe":      stripeProvider{},
		},
	}
}

// Handle returns the http.HandlerFunc for a single named provider. The
// gateway mounts one route per provider name (§6's /webhooks/{nowpayments,
// x402,stripe}) rather than dispatching on a path parameter, so a bad
// provider name is a routing error, not a runtime one.
func (w *WebhookIntake) Handle(providerName string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, ok := w.providers[providerName]
		if !ok {
			http.NotFound(rw, r)
			return
		}

		if err := w.checkRateLimit(ctx, r); err != nil {
			w.reject(rw, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
		if err != nil {
			w.reject(rw, errs.Wrap(errs.InvalidArgument, "failed to read webhook body", err))
			return
		}
		defer r.Body.Close()

		// LVVER: lock on (provider, body hash) BEFORE verification, so a
		// concurrent identical delivery can't race this one into mint.
		lockKey := fmt.Sprintf("webhook:%s:%s", providerName, sha256Hex(body))
		acquired, err := w.tryLock(ctx, lockKey)
		if err != nil {
			w.reject(rw, err)
			return
		}
		if !acquired {
			// Someone else is already processing this exact delivery;
			// treat it the same as an already-processed duplicate.
			w.log.Info().Str("provider", providerName).Msg("webhook_lock_contended")
			writeAccepted(rw, true)
			return
		}
		defer w.unlock(ctx, lockKey)

		secret, err := w.sp.HMACPepper(pepperPrefix + providerName)
		if err != nil {
			w.reject(rw, errs.Wrap(errs.DependencyUnavailable, "webhook secret unavailable", err))
			return
		}
		if !p.VerifySignature(secret, body, r.Header) {
			w.reject(rw, errs.New(errs.Unauthenticated, "invalid webhook signature"))
			return
		}

		event, err := p.ParseEvent(body)
		if err != nil {
			w.reject(rw, errs.Wrap(errs.InvalidArgument, "malformed webhook payload", err))
			return
		}

		if time.Since(event.OccurredAt) > replayWindow {
			w.reject(rw, errs.New(errs.InvalidArgument, "webhook event outside replay window"))
			return
		}

		duplicate, err := w.process(ctx, providerName, event, p.Source())
		if err != nil {
			w.reject(rw, err)
			return
		}

		w.sink.IncWebhookProcessed(providerName, duplicate)
		writeAccepted(rw, duplicate)
	}
}

// process runs steps 3-5 of LVVER: replay-defense insert, mint, mark
// processed. Returns duplicate=true when (provider,event_id) was already
// seen, in which case no mint is attempted.
func (w *WebhookIntake) process(ctx context.Context, provider string, event ParsedEvent, source store.LotSource) (duplicate bool, err error) {
	tx, err := w.st.Begin(ctx, event.AccountID)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	webhookEvent, inserted, err := tx.InsertWebhook(ctx, provider, event.EventID, event.EventType)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, errs.Wrap(errs.DependencyUnavailable, "webhook dedup commit failed", err)
	}
	committed = true

	if !inserted {
		return true, nil
	}

	paymentID := provider + ":" + event.EventID
	if _, err := w.ldgr.Mint(ctx, event.AccountID, event.EntityType, event.AmountMicro, source, &paymentID, nil, nil); err != nil {
		return false, err
	}

	markTx, err := w.st.Begin(ctx, event.AccountID)
	if err != nil {
		return false, err
	}
	markCommitted := false
	defer func() {
		if !markCommitted {
			_ = markTx.Rollback(ctx)
		}
	}()
	if err := markTx.MarkWebhookProcessed(ctx, webhookEvent.ID); err != nil {
		return false, err
	}
	if err := markTx.Commit(ctx); err != nil {
		return false, errs.Wrap(errs.DependencyUnavailable, "webhook mark-processed commit failed", err)
	}
	markCommitted = true

	return false, nil
}

// SettleX402 wraps Ledger.CreditBack for the x402 remainder-settlement step
// (§4.J.6): after inference completes, the provider's conservative quote is
// reconciled against actual cost via a nonce-unique reference id.
func (w *WebhookIntake) SettleX402(ctx context.Context, accountID, lotID string, remainderMicro int64, referenceID string) error {
	if remainderMicro <= 0 {
		return nil
	}
	return w.ldgr.CreditBack(ctx, accountID, lotID, remainderMicro, referenceID)
}

// checkRateLimit enforces §4.J's 1,000 req/min per source IP. The counter
// key is HMAC'd with the rate-limit pepper rather than the raw IP, so the
// keyspace stays stable across restarts (the pepper is loaded from the
// environment, not regenerated per process) without persisting client IPs
// in Redis in cleartext.
func (w *WebhookIntake) checkRateLimit(ctx context.Context, r *http.Request) error {
	limiter, ok := w.ca.(cache.RateLimiter)
	if !ok {
		return nil
	}

	pepper, err := w.sp.HMACPepper(rateLimitPepperName)
	if err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "rate limit pepper unavailable", err)
	}

	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(sourceIP(r)))
	key := hex.EncodeToString(mac.Sum(nil))

	allowed, retryAfter, err := limiter.Allow(ctx, key, rateLimitPerMinute, rateLimitWindow)
	if err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "rate limiter unavailable", err)
	}
	if !allowed {
		return &errs.Error{
			Kind:       errs.RateLimited,
			Message:    "too many webhook requests from this source",
			RetryAfter: retryAfter,
		}
	}
	return nil
}

// sourceIP extracts the caller's address, preferring a single trusted
// X-Forwarded-For hop set by the gateway's own reverse proxy over
// RemoteAddr, which is the proxy's address once behind one.
func sourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (w *WebhookIntake) tryLock(ctx context.Context, key string) (bool, error) {
	locker, ok := w.ca.(cache.Locker)
	if !ok {
		// Backend offers no locking; fall back on Store's UNIQUE(provider,
		// event_id) as the sole replay defense.
		return true, nil
	}
	ok2, err := locker.TryLock(ctx, key, lockTTL)
	if err != nil {
		return false, errs.Wrap(errs.DependencyUnavailable, "webhook lock unavailable", err)
	}
	return ok2, nil
}

func (w *WebhookIntake) unlock(ctx context.Context, key string) {
	if locker, ok := w.ca.(cache.Locker); ok {
		if err := locker.Unlock(ctx, key); err != nil {
			w.log.Warn().Err(err).Str("key", key).Msg("webhook_unlock_failed")
		}
	}
}

func (w *WebhookIntake) reject(rw http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	w.log.Warn().Err(err).Str("kind", string(kind)).Msg("webhook_rejected")
	if e, ok := errs.As(err); ok && e.Kind == errs.RateLimited && e.RetryAfter > 0 {
		rw.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds())))
	}
	status := errs.HTTPStatus(kind)
	http.Error(rw, errs.Code(kind), status)
}

func writeAccepted(rw http.ResponseWriter, duplicate bool) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	if duplicate {
		_, _ = rw.Write([]byte(`{"status":"duplicate"}`))
		return
	}
	_, _ = rw.Write([]byte(`{"status":"accepted"}`))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
