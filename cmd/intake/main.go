// Package main is the entry point for the tax intake server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/taxintake/internal/answers"
	"github.com/pitabwire/taxintake/internal/casestore"
	"github.com/pitabwire/taxintake/internal/checklist"
	"github.com/pitabwire/taxintake/internal/config"
	"github.com/pitabwire/taxintake/internal/intake"
	"github.com/pitabwire/taxintake/internal/observability"
	"github.com/pitabwire/taxintake/internal/templates"
	"github.com/pitabwire/taxintake/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// caseStore is what the services need from the persistence layer.
type caseStore interface {
	intake.Store
	checklist.ChecklistStore
	checklist.AnswerStore
	observability.HealthChecker
}

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "tax-intake", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load templates, validate, build registry.
	registry := templates.NewRegistry(nil)
	reloader := templates.NewReloader(registry, cfg.Templates.Directories,
		templates.NewValidator(cfg.Templates.MaxConditionBytes), logger, metrics)
	if err := reloader.Reload(); err != nil {
		logger.Error("template loading failed", zap.Error(err))
		return 1
	}

	// Step 5: Initialize stores.
	store, storeCloser, err := buildCaseStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("case store initialization failed", zap.Error(err))
		return 1
	}
	idempotencyStore, idempotencyCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build services.
	checklistOpts := []checklist.Option{
		checklist.WithLogger(logger),
		checklist.WithMetrics(metrics),
		checklist.WithMaxConditionBytes(cfg.Checklist.MaxConditionBytes),
	}
	generator := checklist.NewGenerator(store, checklistOpts...)
	refresher := checklist.NewRefresher(store, registry, store, generator, checklistOpts...)
	cascader := checklist.NewCascader(store, store, registry, store, checklistOpts...)

	serviceOpts := []intake.Option{
		intake.WithLogger(logger),
		intake.WithMetrics(metrics),
		intake.WithAuditLogger(intake.NewZapAuditLogger(logger)),
		intake.WithLimits(answers.Limits{
			MaxKeys:         cfg.Answers.MaxKeys,
			MaxStringLength: cfg.Answers.MaxStringLength,
		}),
	}
	readinessChecks := observability.ReadinessChecks{
		Templates: registry,
		Store:     store,
	}
	if idempotencyStore != nil {
		serviceOpts = append(serviceOpts, intake.WithIdempotency(idempotencyStore, cfg.Idempotency.Store.DefaultTTL))
		if hc, ok := idempotencyStore.(observability.HealthChecker); ok {
			readinessChecks.IdempotencyStore = hc
		}
	}
	service := intake.NewService(store, registry, cascader, refresher, serviceOpts...)

	// Step 7: Build HTTP router.
	key, err := transport.LoadVerificationKey(cfg.Identity)
	if err != nil {
		logger.Error("identity key loading failed", zap.Error(err))
		return 1
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, key),
		Cases:        service,
		Readiness:    readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Templates.HotReload {
		go runTemplateReloader(bgCtx, reloader)
	}

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", registry.Count()),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	// Close stores.
	if storeCloser != nil {
		storeCloser()
	}
	if idempotencyCloser != nil {
		idempotencyCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildCaseStore creates the case store based on config.
func buildCaseStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (caseStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory case store; data is lost on restart")
		return casestore.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("case store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("case store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("case store: ping: %w", err)
		}

		if cfg.Migrate {
			if err := casestore.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("case store: %w", err)
			}
			logger.Info("case store schema migrated")
		}
		return casestore.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported case store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (intake.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return intake.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return intake.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// runTemplateReloader reloads the template library on SIGHUP. A failed
// reload keeps the current templates.
func runTemplateReloader(ctx context.Context, reloader *templates.Reloader) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			_ = reloader.Reload()
		}
	}
}
