package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hookd/pkg/config"
	"github.com/platinummonkey/hookd/pkg/httputil"
	"github.com/platinummonkey/hookd/pkg/middleware"
	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/platinummonkey/hookd/pkg/ratelimit"
	"github.com/platinummonkey/hookd/pkg/storage/cache"
	"github.com/platinummonkey/hookd/pkg/storage/memory"
	"github.com/platinummonkey/hookd/pkg/storage/sqlstore"
	"github.com/platinummonkey/hookd/pkg/webhooks"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a YAML configuration file")
	migrateOnly := flag.Bool("migrate", false, "Apply the database schema and exit")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *configFile != "" {
		if err := os.Setenv(config.EnvConfigFile, *configFile); err != nil {
			log.Fatalf("Failed to set config file: %v", err)
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Fatal("hookd exited")
	}
}

func run(cfg *config.Config, logger *logrus.Logger, migrateOnly bool) error {
	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: serviceVersion(cfg),
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init opentelemetry: %w", err)
	}

	store, sqlStore, err := openStore(ctx, cfg, logger, migrateOnly)
	if err != nil {
		return err
	}
	if migrateOnly {
		logger.Info("Schema applied")
		return sqlStore.Close()
	}

	redisClient, err := openRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return err
		}
		metrics.MirrorTo(otelMetrics)
		if sqlStore != nil {
			if err := otelMetrics.ObserveDBStats(sqlStore.Stats); err != nil {
				return err
			}
		}
	}

	if cfg.Storage.CacheEnabled {
		store = cache.New(store, cache.Config{Size: cfg.Storage.CacheSize, TTL: cfg.Storage.CacheTTL}, metrics)
	}

	var outbound ratelimit.Limiter
	if cfg.Delivery.OutboundLimit > 0 {
		outbound = newLimiter(redisClient, cfg.Delivery.OutboundLimit, cfg.Delivery.OutboundWindow, "hookd:outbound:")
	}

	svc := webhooks.NewService(ctx, store, cfg.Delivery.ServiceConfig(), webhooks.Options{
		Transport: webhooks.NewHTTPTransport(),
		Limiter:   outbound,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	checker := observability.NewHealthChecker(sqlDB(sqlStore), redisClient, version)

	router := mux.NewRouter()
	chain := []mux.MiddlewareFunc{
		httputil.RequestIDMiddleware(logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
	}
	if cfg.Observability.MetricsEnabled {
		chain = append(chain, observability.HTTPMetricsMiddleware(metrics))
	}
	if cfg.RateLimit.Enabled {
		inbound := newLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, "hookd:api:")
		chain = append(chain, middleware.RateLimitMiddleware(inbound))
	}
	router.Use(chain...)
	webhooks.NewHandlers(svc, checker).RegisterRoutes(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics live on their own port for probes and scrapers
	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthRouter, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("health server", healthServer.Shutdown)
	shutdown.Register("webhook service", svc.Close)
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	if sqlStore != nil {
		shutdown.Register("database", func(context.Context) error { return sqlStore.Close() })
	}
	shutdown.Register("opentelemetry", providers.Shutdown)

	serveErr := make(chan error, 2)
	go serve(logger, "health", healthServer, serveErr)
	go serve(logger, "api", server, serveErr)

	done := make(chan error, 1)
	go func() { done <- shutdown.WaitForShutdown() }()

	select {
	case err := <-serveErr:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, shutdown.Shutdown(ctx))
	case err := <-done:
		return err
	}
}

func serve(logger logrus.FieldLogger, name string, server *http.Server, errs chan<- error) {
	logger.WithFields(logrus.Fields{"server": name, "addr": server.Addr}).Info("Listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("%s server: %w", name, err)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, migrateOnly bool) (webhooks.Store, *sqlstore.Store, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		if migrateOnly {
			return nil, nil, errors.New("-migrate requires a SQL storage driver")
		}
		logger.Warn("Using in-memory storage; data is lost on restart")
		return memory.New(), nil, nil
	}

	conn, err := cfg.Storage.ConnectionConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlstore.Open(ctx, conn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", conn.Dialect, err)
	}
	if cfg.Storage.AutoMigrate || migrateOnly {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	logger.WithField("driver", cfg.Storage.Driver).Info("Storage ready")
	return store, store, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig, logger logrus.FieldLogger) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.WithField("addr", opts.Addr).Info("Connected to Redis")
	return client, nil
}

// newLimiter shares budgets across replicas when Redis is configured
func newLimiter(client *redis.Client, limit int, window time.Duration, prefix string) ratelimit.Limiter {
	if client != nil {
		return ratelimit.NewRedisLimiter(client, limit, window, prefix)
	}
	return ratelimit.NewTokenBucketLimiter(limit, window)
}

func sqlDB(store *sqlstore.Store) *sql.DB {
	if store == nil {
		return nil
	}
	return store.DB()
}

func serviceVersion(cfg *config.Config) string {
	if cfg.Observability.OTelServiceVersion != "" {
		return cfg.Observability.OTelServiceVersion
	}
	return version
}
