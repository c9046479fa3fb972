package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/eventrelay/api"
	"github.com/angelmondragon/eventrelay/internal/cron"
	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/db"
	"github.com/angelmondragon/eventrelay/pkg/inbox"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/metrics"
	"github.com/angelmondragon/eventrelay/pkg/migrate"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
	"github.com/angelmondragon/eventrelay/pkg/outbox/monitor"
	pkgredis "github.com/angelmondragon/eventrelay/pkg/redis"
)

func main() {
	once := flag.Bool("once", false, "run every job a single time and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	closers := []func() error{dbClient.Close}
	defer func() {
		var closeErr error
		for _, closeFn := range closers {
			closeErr = multierr.Append(closeErr, closeFn())
		}
		if closeErr != nil {
			logg.Error(context.Background(), "error closing resources", closeErr)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	var lock cron.Lock = &cron.LocalLock{}
	if cfg.Redis.Enabled() {
		redisClient, err := pkgredis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		closers = append(closers, redisClient.Close)
		if lock, err = cron.NewRedisLock(redisClient, redisClient.LockKey(cron.LockName), cfg.Cron.LockTTL); err != nil {
			logg.Error(context.Background(), "failed to create cron lock", err)
			os.Exit(1)
		}
	} else {
		logg.Warn(context.Background(), "redis not configured; run a single cron worker")
	}

	queueMonitor, err := monitor.NewService(monitor.ServiceParams{
		DB:             dbClient.DB(),
		Logger:         logg,
		StuckThreshold: cfg.Outbox.StuckThreshold,
		Sink:           metrics.NewQueueSink(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create queue monitor", err)
		os.Exit(1)
	}
	inboxService, err := inbox.NewService(dbClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create inbox service", err)
		os.Exit(1)
	}
	repo := outbox.NewRepository(dbClient.DB(), outbox.ResolveClaimStrategy(cfg.Outbox.ClaimStrategy, dbClient.Dialect()))

	registry, err := buildRegistry(cfg, logg, queueMonitor, inboxService, repo)
	if err != nil {
		logg.Error(context.Background(), "failed to build cron jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"jobs":        registry.Names(),
		"interval":    cfg.Cron.Interval.String(),
	})

	if *once {
		logg.Info(ctx, "running cron jobs once")
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron run failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting cron worker")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := api.NewServer(":"+cfg.App.MetricsPort, mux)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return api.Serve(groupCtx, metricsServer, logg, api.DefaultShutdownTimeout)
	})
	group.Go(func() error {
		return service.Run(groupCtx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, queueMonitor *monitor.Service, inboxService *inbox.Service, repo *outbox.Repository) (*cron.Registry, error) {
	queueJob, err := cron.NewQueueMetricsJob(logg, queueMonitor)
	if err != nil {
		return nil, err
	}
	stuckJob, err := cron.NewStuckEventsJob(cron.StuckEventsJobParams{
		Logger:      logg,
		Monitor:     queueMonitor,
		AutoRelease: cfg.Outbox.AutoReleaseStuck,
	})
	if err != nil {
		return nil, err
	}
	reconcileJob, err := cron.NewInboxReconcileJob(cron.InboxReconcileJobParams{
		Logger: logg,
		Inbox:  inboxService,
		After:  cfg.Inbox.ReconcileAfter,
		Limit:  cfg.Inbox.ReconcileLimit,
	})
	if err != nil {
		return nil, err
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:        logg,
		Repository:    repo,
		RetentionDays: cfg.Outbox.RetentionDays,
	})
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(queueJob, stuckJob, reconcileJob, retentionJob), nil
}
