// Command publora launches the destination publish scheduler runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	rootconfig "github.com/publora/publora/config"
	"github.com/publora/publora/internal/app/admission"
	"github.com/publora/publora/internal/app/aggregate"
	"github.com/publora/publora/internal/app/publisher"
	"github.com/publora/publora/internal/app/publisher/fake"
	"github.com/publora/publora/internal/app/registry"
	"github.com/publora/publora/internal/app/scheduler"
	"github.com/publora/publora/internal/app/worker"
	"github.com/publora/publora/internal/domain/counterstore"
	"github.com/publora/publora/internal/domain/jobstore"
	"github.com/publora/publora/internal/domain/outcomestore"
	"github.com/publora/publora/internal/infra/bus/outcomebus"
	"github.com/publora/publora/internal/infra/config"
	"github.com/publora/publora/internal/infra/counter"
	"github.com/publora/publora/internal/infra/persistence/memory"
	"github.com/publora/publora/internal/infra/persistence/migrations"
	"github.com/publora/publora/internal/infra/persistence/postgres"
	"github.com/publora/publora/internal/infra/telemetry"
	"github.com/publora/publora/internal/observability"
	libtelemetry "github.com/publora/publora/lib/telemetry"
)

const (
	runtimeLoggerPrefix = "publora "

	defaultMigrationsPath = "db/migrations"
	telemetryBusBuffer    = 256
	metricsRetainHours    = 24
	archiveSweepInterval  = time.Hour

	dbConnectTimeout         = 10 * time.Second
	shutdownTimeout          = 30 * time.Second
	poolDrainTimeout         = 20 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag, memoryStores := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newRuntimeLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	settings := rootconfig.FromEnv()
	configPath := resolveConfigPath(cfgPathFlag, settings)

	appCfg, loadedFromFile, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	appCfg = overlayProcessSettings(appCfg, settings)
	telemetry.SetEnvironment(string(appCfg.Environment))
	logger.Printf("configuration initialised: env=%s, destinations=%d",
		appCfg.Environment, len(appCfg.Destinations))

	shutdownTelemetry, err := initTelemetry(ctx, logger, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	reg, err := registry.New(appCfg.Destinations)
	if err != nil {
		logger.Fatalf("initialise destination registry: %v", err)
	}

	jobs, outcomes, closeStores, err := buildStores(ctx, logger, appCfg.Database, memoryStores)
	if err != nil {
		logger.Fatalf("initialise stores: %v", err)
	}

	counters, closeCounters := buildCounterStore(logger, appCfg.Redis)

	window, err := admission.NewWindow(appCfg.Admission.ReferenceTimezone)
	if err != nil {
		logger.Fatalf("initialise admission window: %v", err)
	}
	admissionCtl := admission.NewController(reg, counters, window,
		admission.WithThrottleWait(appCfg.Admission.ThrottleWait))

	bus := outcomebus.NewBus(outcomebus.Config{})
	telemetryBus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)
	metrics := observability.NewDestinationMetrics(metricsRetainHours)

	aggregator := aggregate.New(outcomes, bus, aggregate.WithTelemetry(telemetryBus))
	// Outcomes feed the aggregator synchronously before fanning out to bus
	// observers, so a burst can never drop a terminal outcome.
	sink := aggregate.NewRecordingSink(aggregator, bus)

	sched := scheduler.New(jobs, reg, sink, scheduler.RetryPolicy{
		MaxAttempts:    appCfg.Scheduler.MaxAttempts,
		InitialBackoff: appCfg.Scheduler.InitialBackoff,
		MaxBackoff:     appCfg.Scheduler.MaxBackoff,
		ParkDelay:      appCfg.Scheduler.ParkDelay,
	})

	publishers := publisher.NewRegistry()
	registerPublishers(publishers)
	if memoryStores && len(publishers.Destinations()) == 0 {
		if err := fake.RegisterAll(publishers, reg.Destinations(), fake.Options{}); err != nil {
			logger.Fatalf("register fake publishers: %v", err)
		}
		logger.Print("fake publishers registered for all destinations")
	}
	if len(publishers.Destinations()) == 0 {
		logger.Print("no publishers registered; publish attempts will fail until integrations are wired")
	} else {
		logger.Printf("publishers registered: %d", len(publishers.Destinations()))
	}

	var lifecycle conc.WaitGroup

	pools, err := startWorkerPools(ctx, &lifecycle, logger, reg, appCfg.Scheduler, worker.Deps{
		Jobs:       jobs,
		Admission:  admissionCtl,
		Publishers: publishers,
		Requeuer:   sched,
		Sink:       sink,
		Telemetry:  telemetryBus,
		Metrics:    metrics,
	})
	if err != nil {
		logger.Fatalf("initialise worker pools: %v", err)
	}
	logger.Printf("worker pools started: %d", len(pools))

	lifecycle.Go(func() {
		runArchiveSweeper(ctx, logger, jobs, appCfg.Scheduler.ArchiveAfter)
	})

	logger.Print("publora started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel:    cancel,
		pools:         pools,
		lifecycle:     &lifecycle,
		bus:           bus,
		telemetryBus:  telemetryBus,
		closeStores:   closeStores,
		closeCounters: closeCounters,
		telemetry:     shutdownTelemetry,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", "Path to application configuration file (default: config/publora.yaml)")
	memoryStores := flag.Bool("memory", false, "Run with in-process stores; queue and quota state are not durable")
	flag.Parse()
	return *cfgPath, *memoryStores
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRuntimeLogger() *log.Logger {
	return log.New(os.Stdout, runtimeLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string, settings rootconfig.Settings) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(settings.ConfigPath)
}

// overlayProcessSettings applies environment-sourced overrides on top of the
// file-sourced configuration. Environment wins so deployments can switch
// endpoints without editing the config document.
func overlayProcessSettings(cfg config.AppConfig, settings rootconfig.Settings) config.AppConfig {
	if settings.Environment != "" {
		cfg.Environment = config.Environment(settings.Environment)
	}
	if settings.Telemetry.OTLPEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = settings.Telemetry.OTLPEndpoint
		cfg.Telemetry.EnableMetrics = true
	}
	if settings.Telemetry.ServiceName != "" {
		cfg.Telemetry.ServiceName = settings.Telemetry.ServiceName
	}
	if settings.Database.DSN != "" {
		cfg.Database.DSN = settings.Database.DSN
	}
	if settings.Redis.Addr != "" {
		cfg.Redis.Addr = settings.Redis.Addr
		cfg.Redis.Password = settings.Redis.Password
		cfg.Redis.DB = settings.Redis.DB
	}
	return cfg
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	endpoint := cfg.OTLPEndpoint
	if !cfg.EnableMetrics {
		endpoint = ""
	}
	_, shutdown, err := libtelemetry.Init(ctx, rootconfig.TelemetryConfig{
		OTLPEndpoint: endpoint,
		ServiceName:  cfg.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if endpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", endpoint, cfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return shutdown, nil
}

// buildStores selects the persistence backend. Postgres is the production
// path; the in-process stores exist for local development and tests.
func buildStores(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig, memoryStores bool) (jobstore.Store, outcomestore.Store, func(context.Context) error, error) {
	if memoryStores {
		logger.Print("using in-process stores; jobs and outcomes will not survive a restart")
		return memory.NewJobStore(), memory.NewOutcomeStore(), func(context.Context) error { return nil }, nil
	}

	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, defaultMigrationsPath, logger); err != nil {
			return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	connectCtx, connectCancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer connectCancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}

	store := postgres.New(pool)
	postgres.ObservePoolMetrics(pool, "primary")
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)

	closeStores := func(context.Context) error {
		pool.Close()
		return nil
	}
	return store.Jobs, store.Outcomes, closeStores, nil
}

// buildCounterStore picks the shared quota counter backend. Redis is required
// whenever more than one scheduler node runs against the same quotas.
func buildCounterStore(logger *log.Logger, cfg config.RedisConfig) (counterstore.Store, func(context.Context) error) {
	if cfg.Addr == "" {
		logger.Print("no redis configured; quota counters are process-local")
		return counter.NewMemoryStore(), func(context.Context) error { return nil }
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	logger.Printf("redis counter store connected: addr=%s db=%d", cfg.Addr, cfg.DB)
	return counter.NewRedisStore(client), func(context.Context) error {
		return client.Close()
	}
}

// registerPublishers wires destination publisher integrations into the
// registry. Deployments supply concrete publishers here; the scheduler core
// treats the external call as an injected capability.
func registerPublishers(_ *publisher.Registry) {}

func startWorkerPools(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, reg *registry.Registry, cfg config.SchedulerConfig, deps worker.Deps) ([]*worker.Pool, error) {
	names := reg.Destinations()
	pools := make([]*worker.Pool, 0, len(names))
	for _, name := range names {
		dest, err := reg.Config(name)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", name, err)
		}
		if !dest.AuditApproved {
			logger.Printf("destination %q not audit-approved; worker pool not started", name)
			continue
		}
		pool, err := worker.New(dest, worker.Config{
			PollInterval:   cfg.PollInterval,
			DequeueBatch:   cfg.DequeueBatch,
			PublishTimeout: dest.PublishTimeout,
		}, deps)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", name, err)
		}
		pools = append(pools, pool)
		lifecycle.Go(func() {
			pool.Run(ctx)
		})
	}
	return pools, nil
}

// runArchiveSweeper periodically removes terminal jobs past the retention
// cutoff so the durable queue does not grow without bound.
func runArchiveSweeper(ctx context.Context, logger *log.Logger, jobs jobstore.Store, retainFor time.Duration) {
	ticker := time.NewTicker(archiveSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := jobs.ArchiveTerminal(ctx, now.Add(-retainFor))
			if err != nil {
				logger.Printf("archive sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				logger.Printf("archive sweep removed %d terminal jobs", removed)
			}
		}
	}
}

func drainPools(ctx context.Context, pools []*worker.Pool) error {
	var (
		mu        sync.Mutex
		drainErrs []error
	)
	var wg conc.WaitGroup
	for _, pool := range pools {
		pool := pool
		wg.Go(func() {
			if err := pool.Drain(ctx); err != nil {
				mu.Lock()
				drainErrs = append(drainErrs, fmt.Errorf("%s: %w", pool.Destination(), err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return observability.AggregateErrors("drain worker pools", drainErrs)
}

type gracefulShutdownConfig struct {
	mainCancel    context.CancelFunc
	pools         []*worker.Pool
	lifecycle     *conc.WaitGroup
	bus           *outcomebus.Bus
	telemetryBus  *observability.InMemoryTelemetryBus
	closeStores   func(context.Context) error
	closeCounters func(context.Context) error
	telemetry     func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if len(cfg.pools) > 0 {
		shutdownStep("draining worker pools", poolDrainTimeout, func(stepCtx context.Context) error {
			return drainPools(stepCtx, cfg.pools)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing outcome bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetryBus != nil {
		shutdownStep("closing telemetry bus", busShutdownTimeout, func(context.Context) error {
			cfg.telemetryBus.Close()
			return nil
		})
	}

	if cfg.closeStores != nil {
		shutdownStep("closing stores", busShutdownTimeout, cfg.closeStores)
	}

	if cfg.closeCounters != nil {
		shutdownStep("closing counter store", busShutdownTimeout, cfg.closeCounters)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
