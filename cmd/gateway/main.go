package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mrmushfiq/ai-proxy/internal/gateway"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/cache"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/credentials"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/handlers"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/ratelimit"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/security"
	"github.com/mrmushfiq/ai-proxy/internal/shared/config"
	"github.com/mrmushfiq/ai-proxy/internal/shared/database"
	"github.com/mrmushfiq/ai-proxy/internal/shared/logger"
	"github.com/mrmushfiq/ai-proxy/internal/shared/metrics"
	"github.com/mrmushfiq/ai-proxy/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway stopped with error", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting AI proxy gateway",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("provider", cfg.UpstreamProvider),
		zap.String("model", cfg.UpstreamModel),
		zap.Int("credentials", len(cfg.APIKeys)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Optional request log
	var requestLog handlers.RequestLogger
	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		requestLog = db
		log.Info("connected to PostgreSQL, request log enabled")
	}

	// Optional shared cache tier
	cacheOpts := []cache.Option{
		cache.WithCodec(cache.NewCodec(cfg.CacheCompression)),
		cache.WithLogger(log.Named("cache")),
		cache.WithMetrics(m),
	}
	if cfg.RedisURL != "" {
		redisClient, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cacheOpts = append(cacheOpts, cache.WithRemote(redisClient))
		log.Info("connected to Redis, shared cache tier enabled")
	}
	responseCache := cache.New[gateway.Response](cfg.CacheTTL, cfg.CacheMaxSize, cacheOpts...)

	gate, err := security.New(security.Config{
		MaxPromptLength:   cfg.MaxPromptLength,
		MaxResponseLength: cfg.MaxResponseLength,
		BlockedPatterns:   cfg.BlockedPatterns,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	if err != nil {
		return err
	}

	rotator, err := credentials.NewRotator(cfg.APIKeys)
	if err != nil {
		return err
	}

	orchestrator := providers.NewOrchestrator(newUpstream(cfg), rotator, providers.Config{
		MaxAttempts:   cfg.MaxAttempts,
		Timeout:       cfg.UpstreamTimeout,
		BaseDelay:     cfg.RetryBaseDelay,
		BackoffFactor: cfg.RetryBackoffFactor,
		MaxDelay:      cfg.RetryMaxDelay,
		MaxJitter:     cfg.RetryMaxJitter,
	}, orchestratorOptions(cfg, log, m)...)

	gw, err := gateway.New(gateway.Components{
		Gate:    gate,
		Limiter: ratelimit.New(),
		Plan: ratelimit.NewPlan(
			ratelimit.Tier{MaxRequests: cfg.IPTier.MaxRequests, Window: cfg.IPTier.Window},
			ratelimit.Tier{MaxRequests: cfg.UserTier.MaxRequests, Window: cfg.UserTier.Window},
			ratelimit.Tier{MaxRequests: cfg.GlobalTier.MaxRequests, Window: cfg.GlobalTier.Window},
			ratelimit.Tier{MaxRequests: cfg.PremiumTier.MaxRequests, Window: cfg.PremiumTier.Window},
		),
		Cache:       responseCache,
		Upstream:    orchestrator,
		Credentials: rotator,
	}, gateway.WithLogger(log), gateway.WithMetrics(m))
	if err != nil {
		return err
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if verifier == nil {
		log.Info("JWT_SECRET not set, per-user and premium tiers disabled")
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Gateway:         gw,
		Verifier:        verifier,
		RequestLog:      requestLog,
		Logger:          log,
		MetricsGatherer: reg,
		RequestTimeout:  requestTimeout(cfg),
	})

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: requestTimeout(cfg) + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.Strings("routes", []string{"POST /api/ai", "GET /api/health", "GET /api/status", "GET /metrics"}),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newUpstream(cfg *config.Config) providers.Upstream {
	httpClient := &http.Client{}
	if cfg.UpstreamProvider == "openai" {
		return providers.NewOpenAIProvider(cfg.UpstreamBaseURL, cfg.UpstreamModel, httpClient)
	}
	return providers.NewGeminiProvider(cfg.UpstreamBaseURL, cfg.UpstreamModel, httpClient)
}

func orchestratorOptions(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) []providers.OrchestratorOption {
	opts := []providers.OrchestratorOption{
		providers.WithOrchestratorLogger(log.Named("upstream")),
		providers.WithOrchestratorMetrics(m),
	}
	if cfg.UpstreamRPS > 0 {
		burst := cfg.UpstreamBurst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, providers.WithPacer(rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), burst)))
	}
	return opts
}

// requestTimeout covers every attempt plus the capped backoff between them.
func requestTimeout(cfg *config.Config) time.Duration {
	n := time.Duration(cfg.MaxAttempts)
	return n*cfg.UpstreamTimeout + (n-1)*(cfg.RetryMaxDelay+cfg.RetryMaxJitter) + 5*time.Second
}
