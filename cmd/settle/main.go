package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/settle/pkg/api"
	"github.com/platinummonkey/settle/pkg/auth"
	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/catalog"
	"github.com/platinummonkey/settle/pkg/config"
	"github.com/platinummonkey/settle/pkg/gateway"
	"github.com/platinummonkey/settle/pkg/middleware"
	"github.com/platinummonkey/settle/pkg/notify"
	"github.com/platinummonkey/settle/pkg/observability"
	"github.com/platinummonkey/settle/pkg/storage"
	"github.com/platinummonkey/settle/pkg/storage/postgres"
	"github.com/platinummonkey/settle/pkg/storage/postgres/migrations"
)

const replicaCheckInterval = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "settle")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("settle exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	// Ledger
	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.Database.ReplicaURLs),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
	}, logger, metrics)
	if err != nil {
		return err
	}
	shutdown.Register("postgres", func(context.Context) error { return cm.Close() })

	if cfg.Database.AutoMigrate {
		if err := migrations.Up(cm.Primary(), logger); err != nil {
			shutdownQuietly(shutdown, logger)
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	store := storage.NewCachedStore(
		postgres.NewReplicatedLedgerStore(cm, cfg.Database.LockTimeout),
		storage.PlanCacheConfig{MaxEntries: cfg.Database.PlanCacheSize, TTL: cfg.Database.PlanCacheTTL},
		metrics,
	)

	// Redis is optional: without it locks and rate limits are per process
	var (
		redisClient *redis.Client
		locker      billing.Locker = billing.NoopLocker{}
		limiter     middleware.Limiter
	)
	rateCfg := &middleware.RateLimitConfig{RequestsPerWindow: cfg.Webhook.RateLimit, WindowDuration: cfg.Webhook.RateWindow}
	if cfg.Redis.URL != "" {
		redisClient, err = postgres.NewRedisClient(postgres.RedisConfig{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
			PoolSize:   cfg.Redis.PoolSize,
		})
		if err != nil {
			shutdownQuietly(shutdown, logger)
			return err
		}
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
		locker = postgres.NewRedisLocker(redisClient, logger)
		if cfg.Webhook.RateLimit > 0 {
			limiter = middleware.NewDistributedRateLimiter(redisClient, rateCfg, "settle:ratelimit:")
		}
	} else {
		logger.Warn("SETTLE_REDIS_URL not set, using in-process locks and rate limits")
		if cfg.Webhook.RateLimit > 0 {
			limiter = middleware.NewRateLimiter(rateCfg)
		}
	}

	health := observability.NewHealthChecker(cm.Primary(), redisClient, cfg.Observability.OTelServiceVersion)

	var archive billing.PayloadArchive
	if cfg.Archive.Bucket != "" {
		s3Archive, err := postgres.NewS3Archive(ctx, postgres.S3Config{
			Endpoint:     cfg.Archive.Endpoint,
			Region:       cfg.Archive.Region,
			Bucket:       cfg.Archive.Bucket,
			AccessKey:    cfg.Archive.AccessKey,
			SecretKey:    cfg.Archive.SecretKey,
			UsePathStyle: cfg.Archive.UsePathStyle,
		})
		if err != nil {
			shutdownQuietly(shutdown, logger)
			return err
		}
		archive = s3Archive
		health.AddCheck("s3", false, s3Archive.HealthCheck)
	}

	gateways, chargeGateway, signatureHeaders := buildGateways(cfg, metrics)
	logger.WithField("gateways", gateways.String()).Info("payment gateways configured")

	var events billing.EventSink = billing.NopSink{}
	if len(cfg.Notify.Endpoints) > 0 {
		retry := notify.DefaultRetryConfig()
		retry.MaxAttempts = cfg.Notify.MaxRetries
		dispatcher := notify.NewDispatcher(ctx, notify.Config{
			Endpoints: cfg.Notify.Endpoints,
			Secret:    cfg.Notify.Secret,
			Workers:   cfg.Notify.Workers,
			QueueSize: cfg.Notify.QueueSize,
			Timeout:   cfg.Notify.Timeout,
			Retry:     retry,
			Logger:    logger,
			Metrics:   metrics,
		})
		shutdown.Register("notify", func(ctx context.Context) error {
			return dispatcher.Shutdown(remaining(ctx))
		})
		events = dispatcher
	}

	planChanger := billing.NewPlanChanger(billing.PlanChangerConfig{
		Store:   store,
		Gateway: chargeGateway,
		Locker:  locker,
		Events:  events,
		Logger:  logger,
		Metrics: metrics,
	})
	settler := billing.NewSettler(billing.SettlerConfig{
		Store:    store,
		Gateways: gateways,
		Archive:  archive,
		Events:   events,
		Logger:   logger,
		Metrics:  metrics,
	})

	if cfg.Catalog.Path != "" {
		result, err := catalog.LoadAndSync(ctx, cfg.Catalog.Path, store)
		if err != nil {
			shutdownQuietly(shutdown, logger)
			return fmt.Errorf("failed to load plan catalog: %w", err)
		}
		logger.WithFields(map[string]interface{}{
			"created":   result.Created,
			"unchanged": result.Unchanged,
		}).Info("plan catalog loaded")
	}

	server := api.NewServer(api.Config{
		Plans:            planChanger,
		Settler:          settler,
		Ledger:           store,
		Verifier:         auth.NewTokenVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience),
		Limiter:          limiter,
		Logger:           logger,
		Metrics:          metrics,
		RetryOnTransient: cfg.Webhook.RetryOnTransient,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		SignatureHeaders: signatureHeaders,
	})
	apiServer := server.HTTPServer(
		net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout,
	)

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, health)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// registered last so they stop first
	shutdown.Register("health server", healthServer.Shutdown)
	shutdown.Register("api server", apiServer.Shutdown)

	cm.StartMaintenance(ctx, replicaCheckInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("starting settle API")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("starting health server")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	if cfg.Catalog.Path != "" && cfg.Catalog.Watch {
		watcher := catalog.NewWatcher(cfg.Catalog.Path, store, logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				// a dead watcher leaves the loaded catalog in place
				logger.WithError(err).Error("plan catalog watcher stopped")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}

// buildGateways registers every configured gateway and returns the one that
// issues charge sessions along with each gateway's signature header
func buildGateways(cfg *config.Config, metrics *observability.Metrics) (billing.Gateways, billing.Gateway, map[string]string) {
	var (
		all     []billing.Gateway
		headers = map[string]string{}
	)

	if cfg.Gateway.CallbackEnabled() {
		all = append(all, billing.WithTimeout(gateway.NewCallbackGateway(gateway.CallbackConfig{
			BaseURL:       cfg.Gateway.CallbackBaseURL,
			APIKey:        cfg.Gateway.CallbackAPIKey,
			WebhookSecret: cfg.Gateway.CallbackWebhookSecret,
			ReturnURL:     cfg.Gateway.CallbackReturnURL,
			Metrics:       metrics,
		}), cfg.Gateway.Timeout))
		headers[gateway.CallbackName] = gateway.CallbackSignatureHeader
	}
	if cfg.Gateway.StripeEnabled() {
		all = append(all, billing.WithTimeout(gateway.NewStripeGateway(gateway.StripeConfig{
			APIKey:        cfg.Gateway.StripeAPIKey,
			WebhookSecret: cfg.Gateway.StripeWebhookSecret,
			SuccessURL:    cfg.Gateway.StripeSuccessURL,
			CancelURL:     cfg.Gateway.StripeCancelURL,
			Metrics:       metrics,
		}), cfg.Gateway.Timeout))
		headers[gateway.StripeName] = gateway.StripeSignatureHeader
	}

	gateways := billing.NewGateways(all...)
	// LoadConfig guarantees the default gateway is configured
	charge, _ := gateways.Get(cfg.Gateway.Default)
	return gateways, charge, headers
}

func shutdownQuietly(sm *observability.ShutdownManager, logger *observability.Logger) {
	if err := sm.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("cleanup after failed startup")
	}
}

// remaining converts a shutdown deadline into a timeout
func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return 10 * time.Second
}
