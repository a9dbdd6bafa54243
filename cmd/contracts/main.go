package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/clock"
	"github.com/boddenberg/pj-contracts-go/internal/config"
	"github.com/boddenberg/pj-contracts-go/internal/domain"
	"github.com/boddenberg/pj-contracts-go/internal/handler"
	"github.com/boddenberg/pj-contracts-go/internal/infra/cache"
	"github.com/boddenberg/pj-contracts-go/internal/infra/client"
	"github.com/boddenberg/pj-contracts-go/internal/infra/lock"
	"github.com/boddenberg/pj-contracts-go/internal/infra/memory"
	"github.com/boddenberg/pj-contracts-go/internal/infra/observability"
	"github.com/boddenberg/pj-contracts-go/internal/infra/postgres"
	"github.com/boddenberg/pj-contracts-go/internal/infra/resilience"
	"github.com/boddenberg/pj-contracts-go/internal/infra/supabase"
	"github.com/boddenberg/pj-contracts-go/internal/port"
	"github.com/boddenberg/pj-contracts-go/internal/service"
	"github.com/boddenberg/pj-contracts-go/internal/signature"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("lock_backend", cfg.LockBackend),
		zap.Bool("sandbox_gateway", cfg.UseSandboxGateway),
		zap.Duration("gateway_timeout", cfg.GatewayTimeout),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.String("billing_schedule", cfg.BillingSchedule),
	)

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "pj-contracts")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	breaker := func(name string) *gobreaker.CircuitBreaker {
		return resilience.NewCircuitBreaker(name, func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerState(name, int(to))
		})
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	clk := clock.Real{}

	// --- Store ---
	store, closeStore := openStore(cfg, httpClient, breaker, resilienceCfg, logger)
	defer closeStore()

	// --- Lock ---
	var locker port.Locker
	cancels := service.NewCancelRegistry()
	switch cfg.LockBackend {
	case config.BackendRedis:
		rdb := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rdb.Close()
		redisLock := lock.NewRedis(rdb, cfg.LockTTL, cfg.LockWait)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisLock.Ping(pingCtx); err != nil {
			logger.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cancel()
		locker = redisLock
		cancels = service.NewSharedCancelRegistry(lock.NewRedisFlags(rdb, cfg.CancelFlagTTL), logger)
		logger.Info("using Redis contract locks", zap.String("addr", cfg.RedisAddr))
	default:
		locker = lock.NewMemory(cfg.LockWait)
	}

	// --- Clients ---
	var gateway port.PaymentGateway
	if cfg.UseSandboxGateway {
		logger.Warn("using sandbox payment gateway")
		gateway = client.NewSandboxGateway(logger)
	} else {
		gateway = client.NewGatewayClient(httpClient, cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout,
			breaker("gateway"), resilience.NewBulkhead(cfg.MaxConcurrency))
	}

	var notifier port.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = client.NewWebhookNotifier(httpClient, cfg.NotifyWebhookURL, breaker("notifier"), resilienceCfg)
	} else {
		notifier = client.NewLogNotifier(logger)
	}

	profileCache := cache.New[*domain.OwnerProfile](cfg.CacheTTL)
	defer profileCache.Close()
	profiles := client.NewCachedProfileFetcher(
		client.NewProfileClient(httpClient, cfg.ProfileAPIURL, breaker("profile"), resilienceCfg),
		profileCache,
		metrics,
	)

	signer := signature.NewSigner(cfg.SignatureSecret, cfg.SignatureTTL, clk)
	if cfg.SignatureSecret == "" {
		logger.Warn("SIGNATURE_SECRET not set, signature-capture acceptance disabled")
	}

	// --- Services ---
	reconciler := service.NewReconciler(store, store, gateway, notifier, locker, cancels, clk,
		service.ReconcilerConfig{
			MaxRetries:      cfg.MaxRetries,
			InitialBackoff:  cfg.InitialBackoff,
			MaxBackoff:      cfg.MaxBackoff,
			GatewayTimeout:  cfg.GatewayTimeout,
			ConflictRetries: 3,
		}, metrics, logger)
	contracts := service.NewContractService(store, reconciler, profiles, signer, cancels, notifier, clk, metrics, logger)
	sessions := service.NewSessionService(store, clk, metrics, logger)
	scheduler := service.NewBillingScheduler(store, reconciler, clk, cfg.MaxConcurrency, cfg.BillingBatchSize, metrics, logger)

	if err := scheduler.Start(cfg.BillingSchedule); err != nil {
		logger.Fatal("failed to start billing scheduler", zap.String("spec", cfg.BillingSchedule), zap.Error(err))
	}

	// --- Router ---
	router := handler.NewRouter(handler.Services{
		Contracts: contracts,
		Sessions:  sessions,
		Scheduler: scheduler,
		Store:     store,
	}, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second + cfg.GatewayTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	scheduler.Stop(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openStore builds the configured persistence backend.
func openStore(cfg *config.Config, httpClient *http.Client, breaker func(string) *gobreaker.CircuitBreaker, rcfg resilience.Config, logger *zap.Logger) (port.Store, func()) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := postgres.Apply(ctx, db); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
		logger.Info("using Postgres store")
		return postgres.NewStore(db), func() { db.Close() }

	case config.BackendSupabase:
		logger.Info("using Supabase store", zap.String("supabase_url", cfg.SupabaseURL))
		return supabase.NewClient(httpClient, cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.SupabaseServiceKey,
			breaker("supabase"), rcfg, logger), func() {}

	default:
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.NewStore(), func() {}
	}
}
