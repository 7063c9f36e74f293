package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"qrloyalty/native/loyalty"
	"qrloyalty/observability"
	"qrloyalty/observability/logging"
	telemetry "qrloyalty/observability/otel"
	"qrloyalty/services/qr-loyalty/analytics"
	"qrloyalty/services/qr-loyalty/cache"
	"qrloyalty/services/qr-loyalty/commerce"
	"qrloyalty/services/qr-loyalty/config"
	"qrloyalty/services/qr-loyalty/ledger"
	qrmw "qrloyalty/services/qr-loyalty/middleware"
	"qrloyalty/services/qr-loyalty/models"
	"qrloyalty/services/qr-loyalty/provisioning"
	"qrloyalty/services/qr-loyalty/scan"
	"qrloyalty/services/qr-loyalty/server"
	"qrloyalty/services/qr-loyalty/storage"
	"qrloyalty/services/qr-loyalty/templates"
)

func main() {
	configPath := flag.String("config", os.Getenv("QRL_CONFIG"), "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(cfg.Observability.ServiceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Observability.ServiceName,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.Insecure,
		Traces:         cfg.Observability.Tracing,
		Metrics:        cfg.Observability.Tracing,
		SampleRatio:    cfg.Observability.SampleRatio,
		MetricInterval: cfg.Observability.ExportInterval,
	}.ApplyEnv())
	if err != nil {
		logger.Error("telemetry init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("database connection failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("auto migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metrics := observability.LoyaltyMetrics()

	tiers := ledger.NewTierStore(db, cache.New[string, []loyalty.Threshold](cfg.Rewards.CacheTTL))
	points := ledger.New(db, tiers, ledger.WithLogger(logger), ledger.WithMetrics(metrics))
	templateStore := templates.NewStore(db, cache.New[string, []templates.Template](cfg.Rewards.CacheTTL)).WithTiers(tiers)

	directory := commerce.NewDirectory(db, commerce.DirectoryConfig{
		Client: commerce.ClientConfig{
			APIVersion:   cfg.Commerce.APIVersion,
			Timeout:      cfg.Commerce.Timeout,
			MaxRetries:   cfg.Commerce.MaxRetries,
			RetryBackoff: cfg.Commerce.RetryBackoff,
			Logger:       logger,
			Metrics:      metrics,
		},
		RequestsPerSecond: cfg.Commerce.RequestsPerSecond,
		Burst:             cfg.Commerce.Burst,
	}, cache.New[string, commerce.Platform](cfg.Rewards.CacheTTL))
	syncer := commerce.NewSyncer(directory, db,
		commerce.WithSyncerLogger(logger),
		commerce.WithSyncerMetrics(metrics))

	var locker provisioning.Locker = provisioning.NewMemoryLocker()
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis unavailable", slog.String("addr", cfg.Redis.Addr), slog.String("error", err.Error()))
			os.Exit(1)
		}
		locker = provisioning.NewRedisLocker(redisClient, cfg.Redis.LockTTL)
	}

	engine := provisioning.NewEngine(db, templateStore, syncer,
		provisioning.WithLocker(locker),
		provisioning.WithStateTTL(cfg.Rewards.StateTTL),
		provisioning.WithLogger(logger),
		provisioning.WithMetrics(metrics))

	var publisher analytics.Publisher
	if len(cfg.Analytics.KafkaBrokers) > 0 {
		publisher = analytics.NewKafkaPublisher(cfg.Analytics.KafkaBrokers, cfg.Analytics.Topic)
	}
	recorder := analytics.NewRecorder(db, publisher, logger).WithPublishTimeout(cfg.Analytics.PublishTimeout)

	pipeline := scan.NewPipeline(
		scan.NewResolver(db),
		recorder,
		points,
		engine,
		scan.NewMerchantStorefronts(db, cache.New[string, string](cfg.Rewards.CacheTTL), cfg.Scan.StorefrontURL),
		scan.Config{
			DefaultPoints:  cfg.Rewards.DefaultPointsPerScan,
			LoyaltyTimeout: cfg.Scan.LoyaltyTimeout,
			Logger:         logger,
			Metrics:        metrics,
		},
	)

	srv := server.New(server.Config{
		DB:        db,
		Ledger:    points,
		Tiers:     tiers,
		Templates: templateStore,
		Rewards:   engine,
		Pipeline:  pipeline,
		Codes:     scan.NewCodes(db),
		Identity:  scan.NewIdentityResolver(cfg.Scan.CustomerTokenSecret, cfg.Scan.CustomerTokenIssuer),
		Auth: qrmw.NewAuthenticator(qrmw.AuthConfig{
			Enabled:       cfg.Auth.Enabled,
			HMACSecret:    cfg.Auth.HMACSecret,
			Issuer:        cfg.Auth.Issuer,
			Audience:      cfg.Auth.Audience,
			MerchantClaim: cfg.Auth.MerchantClaim,
			ClockSkew:     cfg.Auth.ClockSkew,
		}, logger),
		Observability: qrmw.NewObservability(qrmw.ObservabilityConfig{
			ServiceName:   cfg.Observability.ServiceName,
			MetricsPrefix: cfg.Observability.MetricsPrefix,
			LogRequests:   cfg.Observability.LogRequests,
			Enabled:       cfg.Observability.Metrics,
		}, logger),
		RateLimiter: qrmw.NewRateLimiter(map[string]qrmw.RateLimit{
			"scan": {RequestsPerMinute: cfg.Scan.RateLimitPerMinute, Burst: cfg.Scan.Burst},
		}, logger),
		ScanOrigins: cfg.Scan.AllowedOrigins,
		Tracing:     cfg.Observability.Tracing,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting qr-loyalty", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("kafka writer close", slog.String("error", err.Error()))
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := storage.Close(db); err != nil {
		logger.Warn("database close", slog.String("error", err.Error()))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
	}
	logger.Info("qr-loyalty stopped")
}
