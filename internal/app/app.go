// Package app wires together configuration, platform clients, and the
// batchctl domain packages into the runnable api/worker/migrate modes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/doublewordai/batchctl/internal/config"
	"github.com/doublewordai/batchctl/internal/httpserver"
	"github.com/doublewordai/batchctl/internal/platform"
	"github.com/doublewordai/batchctl/internal/reqctx"
	"github.com/doublewordai/batchctl/internal/telemetry"
	"github.com/doublewordai/batchctl/pkg/admission"
	"github.com/doublewordai/batchctl/pkg/catalog"
	"github.com/doublewordai/batchctl/pkg/dispatcher"
	"github.com/doublewordai/batchctl/pkg/filestore"
	"github.com/doublewordai/batchctl/pkg/leader"
	"github.com/doublewordai/batchctl/pkg/notify"
	"github.com/doublewordai/batchctl/pkg/request"
	"github.com/doublewordai/batchctl/pkg/reservation"
)

const serviceName = "batchctl"

// version is overridden at build time via -ldflags.
var version = "dev"

// Run starts batchctl in the mode selected by cfg.Mode and blocks until ctx
// is canceled or a fatal error occurs.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer", "error", err)
		}
	}()

	durations, err := cfg.ParseDurations()
	if err != nil {
		return fmt.Errorf("parsing duration config: %w", err)
	}

	if cfg.Mode == "migrate" {
		logger.Info("running migrations", "dir", cfg.MigrationsDir)
		return platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir)
	}

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	secondaryPool, err := platform.NewPostgresPool(ctx, cfg.SecondaryDatabaseURL())
	if err != nil {
		return fmt.Errorf("connecting secondary database pool: %w", err)
	}
	defer secondaryPool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, durations, logger, pool, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, durations, logger, pool, secondaryPool, rdb)
	default:
		return fmt.Errorf("unknown mode %q: must be api, worker, or migrate", cfg.Mode)
	}
}

// runAPI serves the admission and files HTTP API until ctx is canceled.
func runAPI(
	ctx context.Context,
	cfg *config.Config,
	durations config.Durations,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
) error {
	relaxation, err := cfg.RelaxationFactors()
	if err != nil {
		return fmt.Errorf("parsing window relaxation factors: %w", err)
	}

	catalogStore := catalog.NewStore(pool)
	catalogCache := catalog.NewCache(catalogStore, rdb, logger)

	secondaryPool, err := platform.NewPostgresPool(ctx, cfg.SecondaryDatabaseURL())
	if err != nil {
		return fmt.Errorf("connecting secondary database pool for reservations: %w", err)
	}
	defer secondaryPool.Close()

	pendingReader := request.NewStore(secondaryPool)
	reservations := reservation.NewService(pool, pendingReader, durations.ReservationTTL, logger)

	admissionSvc := admission.NewService(
		pool,
		catalogCache,
		reservations,
		cfg.AllowedCompletionWindows,
		cfg.AllowedURLPaths,
		cfg.DefaultThroughput,
		relaxation,
		logger,
	)

	resultsHandler := admission.NewResultsHandler(pool)
	updateListener := request.NewListener(pool, logger)
	streamHandler := request.NewStreamHandler(updateListener)

	server := httpserver.NewServer(cfg, logger, pool, rdb, metricsReg)
	server.Router.Use(reqctx.Middleware)

	server.APIRouter.Mount("/batches", admission.NewHandler(admissionSvc, resultsHandler, streamHandler).Routes())
	server.APIRouter.Mount("/files", filestore.NewHandler(pool, resultsHandler).Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // result streaming can run long
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down api server: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// runWorker runs the dispatcher daemon, its leader election, heartbeat, and
// the Slack notification poller until ctx is canceled.
func runWorker(
	ctx context.Context,
	cfg *config.Config,
	durations config.Durations,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	secondaryPool *pgxpool.Pool,
	rdb *redis.Client,
) error {
	daemonID := uuid.New()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = daemonID.String()
	}

	requestStore := request.NewStore(pool)
	heartbeatStore := dispatcher.NewHeartbeatStore(pool)
	if err := heartbeatStore.Register(ctx, daemonID, hostname); err != nil {
		return fmt.Errorf("registering daemon: %w", err)
	}

	d := dispatcher.New(dispatcher.Config{
		DaemonID:             daemonID,
		GlobalConcurrency:    cfg.GlobalConcurrency,
		DefaultModelLimit:    cfg.DefaultModelLimit,
		PollInterval:         durations.PollInterval,
		ClaimTimeout:         durations.ClaimTimeout,
		ProcessingTimeout:    durations.ProcessingTimeout,
		MaxRetries:           cfg.MaxRetries,
		BackoffBase:          durations.BackoffBaseInterval,
		BackoffMax:           durations.BackoffMaxInterval,
		HTTPRequestTimeout:   durations.HTTPRequestTimeout,
		MaxResponseBodyBytes: cfg.MaxResponseBodyBytes,
	}, requestStore, logger)

	if err := refreshModelLimits(ctx, pool, d, cfg.DefaultThroughput); err != nil {
		logger.Warn("initial model limit refresh failed, using defaults", "error", err)
	}

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	poller := notify.NewPoller(pool, notifier, notify.PollerConfig{Interval: durations.PollInterval}, logger)

	go dispatcher.RunHeartbeatLoop(ctx, heartbeatStore, daemonID, durations.HeartbeatInterval, d.InFlight, logger)
	go poller.Run(ctx)
	go watchModelLimits(ctx, pool, d, cfg.DefaultThroughput, durations.PollInterval*10, logger)

	elector := leader.New(secondaryPool, cfg.LeaderLockKey, durations.PollInterval, logger)
	mode := leader.Mode(cfg.LeaderMode)

	if mode == leader.ModeNever {
		logger.Info("leader mode is \"never\", dispatcher daemon disabled on this process")
		<-ctx.Done()
		return nil
	}
	if mode == leader.ModeAlways {
		logger.Info("leader mode is \"always\", running dispatcher without election")
		d.Run(ctx)
		return nil
	}

	elector.Run(ctx, d.Run, func() {
		logger.Info("lost dispatcher leadership")
	})
	return nil
}

// refreshModelLimits loads the deployed model catalog and sets the
// dispatcher's per-model concurrency ceiling from each model's configured
// throughput, falling back to defaultThroughput for models without one and
// never setting a limit below 1.
func refreshModelLimits(ctx context.Context, pool *pgxpool.Pool, d *dispatcher.Dispatcher, defaultThroughput float64) error {
	store := catalog.NewStore(pool)
	deployments, err := store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active deployments: %w", err)
	}
	for _, dep := range deployments {
		limit := int(dep.EffectiveThroughput(defaultThroughput))
		if limit < 1 {
			limit = 1
		}
		d.SetModelLimit(dep.Alias, limit)
	}
	return nil
}

// watchModelLimits periodically re-reads the catalog so that throughput
// changes made through the external admin surface take effect without a
// worker restart.
func watchModelLimits(ctx context.Context, pool *pgxpool.Pool, d *dispatcher.Dispatcher, defaultThroughput float64, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := refreshModelLimits(ctx, pool, d, defaultThroughput); err != nil {
				logger.Warn("refreshing model limits", "error", err)
			}
		}
	}
}
