// Package main is the entry point for the arrakis gateway server.
//
// This server exposes the HTTP gateway (§6) agents and clients call through
// to reach loa-finn: JWT-authenticated invoke/stream (each wrapped in a
// reserve and finalize), shared-secret internal reserve/finalize, admin
// credit-mint and identity-anchor binding, and payment provider webhook
// intake. The server is designed for production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health and readiness endpoints for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// The server initializes:
// 1. Database connections (Redis + PostgreSQL)
// 2. The credit ledger (Store + Cache backed)
// 3. Authentication, usage verification, billing admin, webhook intake
// 4. The background reconciler
// 5. The HTTP gateway
//
// Configuration is via environment variables (12-factor app pattern);
// see internal/config for the core list and which are required to start.
// The webhook provider secrets are read directly from the environment here.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/arrakis-labs/arrakis/internal/auth"
	"github.com/arrakis-labs/arrakis/internal/billingadmin"
	"github.com/arrakis-labs/arrakis/internal/cache"
	"github.com/arrakis-labs/arrakis/internal/config"
	"github.com/arrakis-labs/arrakis/internal/gateway"
	"github.com/arrakis-labs/arrakis/internal/ledger"
	"github.com/arrakis-labs/arrakis/internal/metrics"
	"github.com/arrakis-labs/arrakis/internal/reconciler"
	"github.com/arrakis-labs/arrakis/internal/router"
	"github.com/arrakis-labs/arrakis/internal/secrets"
	"github.com/arrakis-labs/arrakis/internal/store/postgres"
	"github.com/arrakis-labs/arrakis/internal/usageverifier"
	"github.com/arrakis-labs/arrakis/internal/webhookintake"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger isn't up yet; this is a pre-flight configuration failure.
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("config load failed")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting arrakis gateway")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	redisClient := redis.NewClient(redisOpts)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Msg("connected to redis")

	st, err := postgres.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()
	logger.Info().Msg("connected to postgres")

	sp, err := secrets.NewEnvProvider(map[string]string{
		"api_key":             cfg.APIKeyPepper,
		"rate_limit":          cfg.RateLimitSalt,
		"webhook_nowpayments": os.Getenv("NOWPAYMENTS_IPN_SECRET"),
		"webhook_x402":        os.Getenv("X402_WEBHOOK_SECRET"),
		"webhook_stripe":      os.Getenv("STRIPE_WEBHOOK_SECRET"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize secret provider")
	}

	sink := metrics.NewPrometheus()
	ca := cache.NewRedis(redisClient)
	ldgr := ledger.New(st, ca, sink, logger, cfg.ReservationTTL, cfg.HighValueThresholdUSD*1_000_000)
	defer ldgr.Close()

	authn := auth.New(sp, logger, "arrakis-gateway", "arrakis-clients", cfg.ContractVersion)
	rtr := router.New(cfg.ContractVersion)
	verifier := usageverifier.New(authn, ldgr, sink, logger)
	accounts := billingadmin.New(st, ca, logger)
	webhooks := webhookintake.New(st, ca, ldgr, sp, sink, logger)

	recon := reconciler.New(st, ca, ldgr, sink, logger, reconciler.Config{
		Interval:       cfg.ReconcileInterval,
		ReservationTTL: cfg.ReservationTTL,
	})
	recon.Start()
	defer recon.Stop()

	gw := gateway.New(gateway.Config{
		ListenAddr:      ":" + cfg.HTTPPort,
		ContractVersion: cfg.ContractVersion,
		ClientJWKSURI:   cfg.PeerJWKSURL,
		PeerJWKSURI:     cfg.PeerJWKSURL,
		PeerBaseURL:     cfg.PeerBaseURL,
		InternalSecret:  cfg.BillingInternalSecret,
		LightTimeout:    5 * time.Second,
		HeavyTimeout:    30 * time.Second,
		HighValueMicro:  cfg.HighValueThresholdUSD * 1_000_000,
	}, authn, rtr, ldgr, verifier, accounts, recon, webhooks, sink, logger)

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("gateway listening")
		if err := gw.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("gateway shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "arrakis-gateway").
			Str("environment", environment).
			Logger()
	}

	return logger
}
