// The gateway binary wires the billing core to its HTTP surface: Postgres
// ledger, Redis budget cache, the loa-finn peer client, webhook intake, and
// the background reconciler.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arrakis/backend/internal/arith"
	"github.com/arrakis/backend/internal/auth"
	"github.com/arrakis/backend/internal/cache"
	"github.com/arrakis/backend/internal/circuitbreaker"
	"github.com/arrakis/backend/internal/config"
	"github.com/arrakis/backend/internal/gateway"
	"github.com/arrakis/backend/internal/ledger"
	"github.com/arrakis/backend/internal/metrics"
	"github.com/arrakis/backend/internal/peer"
	"github.com/arrakis/backend/internal/ratelimit"
	"github.com/arrakis/backend/internal/reconciler"
	"github.com/arrakis/backend/internal/router"
	"github.com/arrakis/backend/internal/secrets"
	"github.com/arrakis/backend/internal/store"
	"github.com/arrakis/backend/internal/usage"
	"github.com/arrakis/backend/internal/webhookintake"
)

const issuer = "arrakis"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "arrakis-gateway").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	provider, err := secrets.NewEnvProvider(secrets.EnvProviderConfig{
		SigningKeyPEM: cfg.SigningKeyPEM,
		Peppers: map[string]string{
			secrets.PepperAPIKey:    cfg.APIKeyPepper,
			secrets.PepperRateLimit: cfg.RateLimitSalt,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("secrets provider init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pg.Close()
	if err := store.Migrate(pg.DB()); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()
	budgetCache := cache.NewRedisCacheFromClient(redisClient)
	if err := budgetCache.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}

	highValue, err := arith.ParseMicro(cfg.HighValueThresholdMicro, false)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid HIGH_VALUE_THRESHOLD_MICRO")
	}
	driftThreshold, err := arith.ParseMicro(cfg.DriftThresholdMicro, false)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid DRIFT_THRESHOLD_MICRO")
	}

	sink := metrics.NewPromSink()

	led := ledger.New(pg, budgetCache, sink, log, ledger.Config{
		ReservationTTL:     cfg.ReservationTTL,
		HighValueThreshold: highValue,
		DefaultMode:        cfg.BillingMode,
	})

	// Peer JWKS: file bootstrap for isolated deployments, then the remote
	// URL keeps it fresh.
	peerJWKS := auth.NewJWKSCache(cfg.PeerJWKSURL, cfg.Tuning.JWKSRefreshInterval, cfg.Tuning.JWKSHardTTL, log)
	if cfg.PeerJWKSFile != "" {
		if err := peerJWKS.LoadFile(cfg.PeerJWKSFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.PeerJWKSFile).Msg("peer jwks file bootstrap failed")
		}
	}
	if err := peerJWKS.Fetch(ctx); err != nil {
		log.Warn().Err(err).Msg("initial peer jwks fetch failed; verification holds until the hard TTL")
	}

	// Single-issuer deployments share the peer's key set for client tokens.
	clientJWKS := peerJWKS
	if cfg.ClientJWKSURL != "" && cfg.ClientJWKSURL != cfg.PeerJWKSURL {
		clientJWKS = auth.NewJWKSCache(cfg.ClientJWKSURL, cfg.Tuning.JWKSRefreshInterval, cfg.Tuning.JWKSHardTTL, log)
		if err := clientJWKS.Fetch(ctx); err != nil {
			log.Warn().Err(err).Msg("initial client jwks fetch failed")
		}
	}
	go refreshJWKS(ctx, cfg.Tuning.JWKSRefreshInterval, peerJWKS, clientJWKS)

	replay := auth.NewRedisReplay(redisClient)
	verifier := auth.NewVerifier(auth.VerifierConfig{
		Issuer:        cfg.ClientIssuer,
		Audience:      cfg.ClientAudience,
		ContractMajor: router.ContractMajor,
	}, clientJWKS, replay, log)
	signer := auth.NewSigner(provider, issuer, 5*time.Minute)

	usageVerifier := usage.NewVerifier(usage.Config{
		Issuer:   auth.PeerAudience,
		Audience: cfg.ClientAudience,
	}, peerJWKS, replay, led, pg, sink, log)

	breakers := circuitbreaker.NewManager(log)
	peerClient := peer.New(cfg.PeerBaseURL, cfg.Tuning.PeerTimeout, breakers.Get("peer"), log)

	rec := reconciler.New(reconciler.Config{
		Interval:            cfg.Tuning.ReconcileInterval,
		DriftThresholdMicro: driftThreshold,
	}, pg, budgetCache, breakers, sink, log)
	go rec.Run(ctx)

	limiter := ratelimit.New(cfg.Tuning.WebhookRatePerMin, []byte(cfg.RateLimitSalt), log)
	intake := webhookintake.New(webhookintake.Config{
		NowPaymentsSecret: []byte(cfg.WebhookNowPaymentsSecret),
		StripeSecret:      []byte(cfg.WebhookStripeSecret),
		X402Secret:        []byte(cfg.WebhookX402Secret),
	}, led, pg, webhookintake.NewRedisLocker(redisClient), limiter, sink, log)

	srv := gateway.NewServer(gateway.Config{
		MaxInFlight:    cfg.Tuning.MaxInFlight,
		AdminSecret:    []byte(cfg.AdminJWTSecret),
		InternalSecret: []byte(cfg.InternalJWTSecret),
		Issuer:         issuer,
	}, gateway.Deps{
		Verifier: verifier,
		Signer:   signer,
		Ledger:   led,
		Usage:    usageVerifier,
		Peer:     peerClient,
		Breakers: breakers,
		Rec:      rec,
		Intake:   intake,
		Store:    pg,
		Cache:    budgetCache,
		Secrets:  provider,
		PeerJWKS: peerJWKS,
		Sink:     sink,
		Log:      log,
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
		// No WriteTimeout: SSE responses stay open for the peer's stream.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("mode", cfg.BillingMode).Msg("gateway listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("http server failed")
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Tuning.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown incomplete")
	}
	log.Info().Msg("gateway stopped")
}

// refreshJWKS keeps the key caches warm so verification does not pay the
// fetch latency on the request path.
func refreshJWKS(ctx context.Context, interval time.Duration, caches ...*auth.JWKSCache) {
	unique := make([]*auth.JWKSCache, 0, len(caches))
	seen := make(map[*auth.JWKSCache]bool, len(caches))
	for _, c := range caches {
		if !seen[c] {
			seen[c] = true
			unique = append(unique, c)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range unique {
				_ = c.Fetch(ctx)
			}
		}
	}
}
