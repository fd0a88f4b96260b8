/**
 * @description
 * Entry point for the banklink service. It loads configuration, opens the
 * store, wires the provider client, event publisher and rate limiter, then
 * serves the HTTP API until SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: Postgres connection pool.
 * - github.com/redis/go-redis/v9: Shared rate limit counters.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/swipe/banklink-service/internal/api"
	"github.com/swipe/banklink-service/internal/app"
	"github.com/swipe/banklink-service/internal/config"
	"github.com/swipe/banklink-service/internal/metrics"
	"github.com/swipe/banklink-service/internal/store"
	"github.com/swipe/banklink-service/pkg/plaidclient"
	"github.com/swipe/banklink-service/pkg/rabbitmq"
	"github.com/swipe/banklink-service/pkg/ratelimit"
	"github.com/swipe/banklink-service/pkg/tokenseal"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("unable to open store", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}
	defer repository.Close()

	sealer, err := tokenseal.NewFromBase64(cfg.AccessTokenKey)
	if err != nil {
		logger.Error("invalid access token encryption key", "error", err)
		os.Exit(1)
	}
	if _, plain := sealer.(tokenseal.Noop); plain {
		logger.Warn("ACCESS_TOKEN_ENCRYPTION_KEY not set; access tokens are stored unencrypted")
	}

	baseURL := cfg.PlaidBaseURL
	if baseURL == "" {
		if baseURL, err = plaidclient.BaseURLForEnv(cfg.PlaidEnv); err != nil {
			logger.Error("invalid provider environment", "env", cfg.PlaidEnv, "error", err)
			os.Exit(1)
		}
	}

	m := metrics.New()
	provider := plaidclient.NewClient(baseURL, cfg.PlaidClientID, cfg.PlaidSecret, cfg.PlaidTimeout(),
		plaidclient.WithObserver(m.ObserveProvider))

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	limiter, closeLimiter := newLimiter(cfg, logger)
	defer closeLimiter()

	scrubber := app.NewScrubber(cfg.PlaidClientID, cfg.PlaidSecret)
	creds := app.NewCredentialStore(repository, sealer)
	events := app.NewAsyncEventEmitter(publisher, cfg.BankEventsExchange, logger, m.ObservePublish, 256)

	linkService := app.NewLinkService(provider, repository, creds, events, scrubber, app.LinkConfig{
		ClientName:   cfg.PlaidClientName,
		Products:     cfg.PlaidProducts,
		CountryCodes: cfg.PlaidCountryCodes,
		Language:     cfg.PlaidLanguage,
		RedirectURI:  cfg.PlaidRedirectURI,
		Webhook:      cfg.PlaidWebhookURL,
	}, logger)
	registryService := app.NewRegistryService(repository, creds, events, logger)
	syncService := app.NewSyncService(provider, repository, creds, events, scrubber, logger, cfg.SyncLookbackDays, m.ObserveSync)

	if strings.TrimSpace(cfg.SyncSchedule) != "" {
		scheduler := app.NewScheduler(app.NewJobs(syncService, logger, 0), logger, cfg.SyncSchedule)
		if err := scheduler.Start(); err != nil {
			logger.Error("failed to start sync scheduler", "schedule", cfg.SyncSchedule, "error", err)
			os.Exit(1)
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	var auth func(http.Handler) http.Handler
	if cfg.ClerkJWKSURL != "" {
		auth = api.ClerkAuthMiddleware(api.ClerkAuthOptions{
			JWKSURL:  cfg.ClerkJWKSURL,
			Audience: cfg.ClerkAudience,
			Issuer:   cfg.ClerkIssuer,
		})
	} else {
		logger.Warn("CLERK_JWKS_URL not set; API authentication disabled")
	}

	handler := api.NewHandler(linkService, registryService, syncService, repository, scrubber, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout: cfg.RequestTimeout(),
		Auth:           auth,
		Limiter:        limiter,
		Metrics:        m,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort, "provider_env", cfg.PlaidEnv, "driver", cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := events.Close(shutdownCtx); err != nil {
		logger.Warn("pending bank events not flushed", "error", err)
	}

	logger.Info("server stopped")
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, error) {
	if cfg.DatabaseDriver == config.DriverSQLite {
		repo, err := store.NewSQLiteRepository(store.SQLiteFileDSN(cfg.SQLitePath))
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite store opened", "path", cfg.SQLitePath)
		return repo, nil
	}

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	pgConfig.MaxConns = 20
	pgConfig.MinConns = 2
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	repo := store.NewPostgresRepository(dbpool)
	if err := repo.EnsureSchema(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("database connection established")
	return repo, nil
}

func newPublisher(cfg config.Config, logger *slog.Logger) rabbitmq.Publisher {
	fallback := &rabbitmq.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Info("RABBITMQ_URL not set; bank events are logged only")
		return fallback
	}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		return fallback
	}
	logger.Info("connected to RabbitMQ", "exchange", cfg.BankEventsExchange)
	return producer
}

// newLimiter prefers Redis so limits hold across replicas.
func newLimiter(cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, func()) {
	noop := func() {}
	if cfg.RateLimitPerMinute <= 0 {
		logger.Info("rate limiting disabled")
		return nil, noop
	}
	memory := ratelimit.NewMemoryLimiter(cfg.RateLimitPerMinute, time.Minute)
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return memory, noop
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-process rate limiter", "error", err)
		return memory, noop
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using in-process rate limiter", "error", err)
		client.Close()
		return memory, noop
	}
	logger.Info("redis connected")
	limiter := ratelimit.NewRedisLimiter(client, cfg.RedisRateLimitPrefix, "provider", cfg.RateLimitPerMinute, time.Minute)
	return limiter, func() { client.Close() }
}
