// Package main is the entry point for the intraflow portal server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/config"
	"github.com/pitabwire/intraflow/internal/definition"
	"github.com/pitabwire/intraflow/internal/directory"
	"github.com/pitabwire/intraflow/internal/idempotency"
	"github.com/pitabwire/intraflow/internal/notify"
	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/internal/sequence"
	"github.com/pitabwire/intraflow/internal/transport"
	"github.com/pitabwire/intraflow/internal/upload"
	"github.com/pitabwire/intraflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags and pick up a local .env file if present.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		return 1
	}

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability, "intraflow", version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "intraflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions and the collaborator directory.
	loader := definition.NewLoader()
	validator := definition.NewValidator()
	registry := definition.NewRegistry(nil)
	reloadDefinitions := definitionReloader(
		definition.ReloadFunc(loader, validator, registry, cfg.Definitions.Directories, logger),
		registry, metrics,
	)
	if err := reloadDefinitions(); err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	dir, err := directory.NewStaticDirectory(cfg.Directory.Path)
	if err != nil {
		logger.Error("collaborator directory loading failed", zap.Error(err))
		return 1
	}
	logger.Info("collaborator directory loaded", zap.Int("users", dir.Len()))

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Definitions.HotReload {
		if err := startWatcher(bgCtx, cfg.Definitions.Directories, cfg.Definitions.Debounce, reloadDefinitions, logger); err != nil {
			logger.Error("definition watcher failed", zap.Error(err))
			return 1
		}
	}
	if cfg.Directory.HotReload {
		dirs := []string{filepath.Dir(dir.Path())}
		if err := startWatcher(bgCtx, dirs, cfg.Definitions.Debounce, dir.Sync, logger); err != nil {
			logger.Error("directory watcher failed", zap.Error(err))
			return 1
		}
	}

	// Step 5: Connect backing services.
	var pool *pgxpool.Pool
	if cfg.Store.Driver == "postgres" {
		pool, err = buildPool(ctx, cfg.Store)
		if err != nil {
			logger.Error("database connection failed", zap.Error(err))
			return 1
		}
		defer pool.Close()
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = buildRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return 1
		}
		defer rdb.Close()
	}

	readiness := observability.NewReadiness(cfg.Server.ReadinessTimeout).
		Require("definitions", observability.Flag(func() bool { return registry.Len() > 0 }, "no definitions loaded"))

	// Step 6: Build stores.
	var store workflow.RequestStore
	if pool != nil {
		pgStore := workflow.NewPgRequestStore(pool, logger)
		readiness.Require("request_store", pgStore.Ping)
		store = pgStore
	} else {
		logger.Info("using in-memory request store")
		store = workflow.NewMemoryRequestStore()
	}

	var counter sequence.Counter
	switch cfg.Sequence.Driver {
	case "redis":
		counter = sequence.NewRedisCounter(rdb, "intraflow:seq:")
		readiness.Require("sequence_counter", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	case "postgres":
		counter = sequence.NewPgCounter(pool)
	default:
		logger.Warn("using in-memory sequence counter, request ids restart with the process")
		counter = sequence.NewMemoryCounter()
	}
	allocator := sequence.NewAllocator(counter, cfg.Sequence.Key, cfg.Sequence.Width)

	var objects upload.ObjectStore
	if cfg.Uploads.Driver == "minio" {
		minioStore, err := upload.NewMinioStore(cfg.Uploads)
		if err != nil {
			logger.Error("upload store initialization failed", zap.Error(err))
			return 1
		}
		readiness.Prefer("object_store", minioStore.Ping)
		objects = minioStore
	} else {
		logger.Info("using in-memory upload store")
		objects = upload.NewMemoryStore()
	}
	uploader := upload.NewUploader(objects, cfg.Uploads.Timeout, logger, metrics)

	var idem idempotency.Store
	if cfg.Idempotency.Enabled {
		if cfg.Idempotency.Driver == "redis" {
			idem = idempotency.NewRedisStore(rdb)
			readiness.Prefer("idempotency_store", func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			})
		} else {
			idem = idempotency.NewMemoryStore()
		}
	}

	// Step 7: Notification channels.
	inbox := notify.NewInAppMessenger(cfg.Notifications.InboxSize)
	messengers := []notify.Messenger{inbox}
	if hook := cfg.Notifications.Webhook; hook.URL != "" {
		cb := hook.CircuitBreaker
		breaker := notify.NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Cooldown)
		breaker.OnStateChange = func(s notify.BreakerState) {
			metrics.SetNotifierCircuitBreakerState("webhook", float64(s))
		}
		messengers = append(messengers, notify.NewWebhookMessenger(hook.URL, os.Getenv(hook.TokenEnv), hook.Timeout, breaker))
		logger.Info("webhook notifications enabled", zap.String("url", hook.URL))
	}
	dispatcher := notify.NewDispatcher(dir, logger, metrics, cfg.Notifications.SendTimeout, messengers...)

	// Step 8: Engine and read cache.
	engine := workflow.NewEngine(workflow.Dependencies{
		Definitions: registry,
		Store:       store,
		IDs:         allocator,
		Directory:   dir,
		Uploader:    uploader,
		Notifier:    dispatcher,
		Logger:      logger,
		Metrics:     metrics,
	}, workflow.Options{StrictTransitions: cfg.Workflow.StrictTransitions})

	cache := workflow.NewCache(store, registry, logger, metrics)
	readiness.Require("request_cache", observability.Flag(cache.Ready, "request cache not synced"))
	go func() {
		if err := cache.Run(bgCtx); err != nil {
			logger.Error("request cache stopped", zap.Error(err))
		}
	}()

	// Step 9: SLA sweep schedule.
	scheduler := cron.New()
	if cfg.Workflow.SLASweep != "" {
		if _, err := scheduler.AddFunc(cfg.Workflow.SLASweep, func() {
			n, err := engine.SweepOverdue(bgCtx)
			if err == nil {
				logger.Debug("overdue sweep finished", zap.Int("overdue", n))
			}
		}); err != nil {
			logger.Error("sla sweep schedule invalid", zap.Error(err))
			return 1
		}
	}
	scheduler.Start()

	// Step 10: Build HTTP router.
	keys := transport.NewKeySet(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, keys),
		Engine:       engine,
		Cache:        cache,
		Definitions:  registry,
		Inbox:        inbox,
		Idempotency:  idem,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// WriteTimeout stays zero so the change stream is not cut off;
		// other routes are bounded by the handler timeout.
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.String("store", cfg.Store.Driver),
		zap.String("sequence", cfg.Sequence.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	<-scheduler.Stop().Done()
	bgCancel()

	// Let queued notifications finish before the stores close.
	dispatcher.Wait()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// definitionReloader wraps a registry reload with the reload metrics.
func definitionReloader(reload func() error, registry *definition.Registry, metrics *observability.Metrics) func() error {
	return func() error {
		if err := reload(); err != nil {
			metrics.RecordDefinitionReload("failure")
			return err
		}
		metrics.RecordDefinitionReload("success")
		metrics.SetDefinitionsLoaded(float64(registry.Len()))
		return nil
	}
}

// startWatcher runs a file watcher on dirs until ctx is cancelled.
func startWatcher(ctx context.Context, dirs []string, debounce time.Duration, reload func() error, logger *zap.Logger) error {
	w, err := definition.NewWatcher(dirs, debounce, reload, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := w.Run(ctx); err != nil {
			logger.Error("file watcher stopped", zap.Strings("dirs", dirs), zap.Error(err))
		}
	}()
	logger.Info("watching for changes", zap.Strings("dirs", dirs))
	return nil
}

// buildPool opens and pings the PostgreSQL pool.
func buildPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// buildRedis opens and pings the shared Redis client.
func buildRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	return client, nil
}
