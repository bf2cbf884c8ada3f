// Package gateway implements Gateway (§4.H): the HTTP/SSE ingress that
// carries a request through AUTH -> RESOLVE -> RESERVE -> DISPATCH ->
// (SSE loop) -> FINALIZE. Routing and middleware wiring use a chi +
// go-chi/cors shape (route groups split by timeout tier, RequestID/RealIP/
// Recoverer, a structured logging middleware, promhttp mounted at /metrics
// with no auth check of its own) since the SSE and idempotency-scoped routes need chi's
// grouping rather than a bare net/http ServeMux.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arrakis-labs/arrakis/internal/auth"
	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/router"
	"github.com/arrakis-labs/arrakis/internal/store"
	"github.com/arrakis-labs/arrakis/internal/usageverifier"
)

// Config holds everything Gateway needs that is not itself a component
// (timeouts, CORS origins, peer URLs).
type Config struct {
	ListenAddr      string
	ContractVersion string
	ClientJWKSURI   string
	PeerJWKSURI     string
	PeerBaseURL     string
	InternalSecret  string
	CORSOrigins     []string
	LightTimeout    time.Duration
	HeavyTimeout    time.Duration
	HighValueMicro  int64
}

// Gateway wires JWTAuth, Router, Ledger, and UsageVerifier behind the
// public HTTP surface in §6.
type Gateway struct {
	cfg Config

	authn    *auth.JWTAuth
	rtr      *router.Router
	ldgr     *ledger.Ledger
	verifier *usageverifier.UsageVerifier
	sink     metrics.Sink
	log      zerolog.Logger
	peer     *peerClient

	accounts    AccountAdmin
	reconciler  ReconciliationReporter
	webhooks    WebhookIntake
	revenueRule ledger.RevenueRule

	httpServer *http.Server
}

// New constructs a Gateway and its chi router, matching the construction
// shape Cedros uses for its own httpserver.Server: a handlers struct plus
// an *http.Server wrapping a chi.Router built by configureRouter.
func New(cfg Config, authn *auth.JWTAuth, rtr *router.Router, ldgr *ledger.Ledger, verifier *usageverifier.UsageVerifier, accounts AccountAdmin, reconciler ReconciliationReporter, webhooks WebhookIntake, sink metrics.Sink, log zerolog.Logger) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		authn:      authn,
		rtr:        rtr,
		ldgr:       ldgr,
		verifier:   verifier,
		sink:       sink,
		log:        log.With().Str("component", "gateway").Logger(),
		peer:       newPeerClient(cfg.PeerBaseURL, authn),
		accounts:    accounts,
		reconciler:  reconciler,
		webhooks:    webhooks,
		revenueRule: ledger.PlatformOnlyRule{},
	}

	r := chi.NewRouter()
	g.configureRouter(r)
	g.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open past any fixed write deadline
		IdleTimeout:  120 * time.Second,
	}
	return g
}

func (g *Gateway) configureRouter(r chi.Router) {
	if len(g.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   g.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.loggingMiddleware)

	lightTimeout := g.cfg.LightTimeout
	if lightTimeout == 0 {
		lightTimeout = 5 * time.Second
	}
	heavyTimeout := g.cfg.HeavyTimeout
	if heavyTimeout == 0 {
		heavyTimeout = 60 * time.Second
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(lightTimeout))
		r.Get("/.well-known/jwks.json", g.handleJWKS)
		r.Get("/v1/health", g.handleHealth)
		r.Get("/health/security", g.handleHealthSecurity)
		r.Handle("/metrics", g.metricsHandler())
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(heavyTimeout))
		r.Post("/v1/agents/invoke", g.handleInvoke)
		r.Post("/v1/agents/stream", g.handleStream)

		r.Post("/api/internal/reserve", g.requireInternalSecret(g.handleInternalReserve))
		r.Post("/api/internal/finalize", g.requireInternalSecret(g.handleInternalFinalize))

		r.Route("/admin/billing", func(r chi.Router) {
			r.Post("/accounts", g.handleCreateAccount)
			r.Post("/accounts/{id}/mint", g.handleMint)
			r.Get("/accounts/{id}/balance", g.handleBalance)
			r.Get("/reconciliation", g.handleReconciliationStatus)
			r.Post("/agents/{id}/bind-anchor", g.handleBindAnchor)
			r.Get("/revenue-rules", g.handleRevenueRules)
		})

		if g.webhooks != nil {
			r.Post("/webhooks/nowpayments", g.webhooks.Handle("nowpayments"))
			r.Post("/webhooks/x402", g.webhooks.Handle("x402"))
			r.Post("/webhooks/stripe", g.webhooks.Handle("stripe"))
		}
	})
}

// metricsHandler returns the Prometheus handler when sink is a *metrics.Prometheus,
// or a 404 stub otherwise (e.g. metrics.NoOp in tests).
func (g *Gateway) metricsHandler() http.Handler {
	if p, ok := g.sink.(*metrics.Prometheus); ok {
		return p.Handler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http_request")
	})
}

func (g *Gateway) requireInternalSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(g.cfg.InternalSecret)) != 1 {
			g.writeError(w, r, errs.New(errs.Unauthenticated, "invalid internal secret"))
			return
		}
		next(w, r)
	}
}

// ListenAndServe starts the HTTP server.
func (g *Gateway) ListenAndServe() error { return g.httpServer.ListenAndServe() }

// Shutdown gracefully stops the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error { return g.httpServer.Shutdown(ctx) }

// correlationID returns the chi request id, falling back to a fresh uuid.
func correlationID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

// writeJSON writes a JSON body with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Contract-Version", g.cfg.ContractVersion)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.log.Error().Err(err).Msg("failed to encode response body")
	}
}

// errorEnvelope is the user-visible failure shape required by §7.
type errorEnvelope struct {
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	} `json:"error"`
}

// writeError maps an errs.Error to its HTTP status and the §7 JSON envelope.
// Internal detail (cause, stack) never reaches the body; it is logged only.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	cid := correlationID(r)

	if kind == errs.InvariantViolation {
		g.log.Error().Err(err).Str("correlation_id", cid).Msg("ledger_invariant_violation")
	} else {
		g.log.Warn().Err(err).Str("correlation_id", cid).Str("kind", string(kind)).Msg("request_failed")
	}

	var env errorEnvelope
	env.Error.Code = errs.Code(kind)
	env.Error.Message = safeMessage(err, kind)
	env.Error.CorrelationID = cid

	if kind == errs.InsufficientCredit {
		w.Header().Set("Retry-After", "0")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Contract-Version", g.cfg.ContractVersion)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func safeMessage(err error, kind errs.Kind) string {
	if e, ok := errs.As(err); ok && e.Message != "" {
		return e.Message
	}
	return string(kind)
}

// AccountAdmin is the subset of admin-surface operations Gateway needs that
// are not themselves Ledger/Store calls with no extra shaping (account
// creation and binding an identity anchor are thin enough to live here;
// Store is still the one source of truth).
type AccountAdmin interface {
	CreateAccount(ctx context.Context, accountID string, entityType store.EntityType, entityID string) (*store.Account, error)
	Balance(ctx context.Context, accountID string) (availableMicro, reservedMicro, committedMicro int64, err error)
	BindAnchor(ctx context.Context, anchor store.IdentityAnchor) error
}

// ReconciliationReporter exposes the Reconciler's last-run summary to the
// admin surface without gateway importing the reconciler package directly
// (reconciler depends on Store/Cache/metrics, not on gateway).
type ReconciliationReporter interface {
	LastRunSummary() ReconciliationSummary
}

// WebhookIntake exposes the WebhookIntake component's per-provider handler
// without gateway importing the webhookintake package directly (it in turn
// depends on Ledger/Store/Cache, not on gateway).
type WebhookIntake interface {
	Handle(provider string) http.HandlerFunc
}

// ReconciliationSummary is the admin-facing view of the Reconciler's last
// pass (§6's GET /admin/billing/reconciliation).
type ReconciliationSummary struct {
	RanAt          time.Time `json:"ranAt"`
	AccountsTotal  int       `json:"accountsChecked"`
	DriftsFound    int       `json:"driftsFound"`
	ReservationsExpired int  `json:"reservationsExpired"`
	LotsExpired    int       `json:"lotsExpired"`
}
