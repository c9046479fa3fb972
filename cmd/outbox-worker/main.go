package main

import (
	"context"
	"errors"
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
	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/db"
	"github.com/angelmondragon/eventrelay/pkg/instance"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/metrics"
	"github.com/angelmondragon/eventrelay/pkg/migrate"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
	"github.com/angelmondragon/eventrelay/pkg/outbox/dispatch"
	"github.com/angelmondragon/eventrelay/pkg/outbox/retry"
	"github.com/angelmondragon/eventrelay/pkg/pubsub"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "outbox-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "outbox-worker"

	logg = logger.New(logger.Options{
		ServiceName: "outbox-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if cfg.Outbox.RoutesFile == "" {
		logg.Error(context.Background(), "outbox routes are required", errors.New(config.EnvOutboxRoutesFile+" is not set"))
		os.Exit(1)
	}
	routes, err := config.LoadRoutes(cfg.Outbox.RoutesFile)
	if err != nil {
		logg.Error(context.Background(), "failed to load outbox routes", err)
		os.Exit(1)
	}

	policies := retry.DefaultPolicies()
	if cfg.Outbox.PoliciesFile != "" {
		file, err := config.LoadPolicies(cfg.Outbox.PoliciesFile)
		if err != nil {
			logg.Error(context.Background(), "failed to load retry policies", err)
			os.Exit(1)
		}
		if policies, err = retry.FromFile(policies, file); err != nil {
			logg.Error(context.Background(), "invalid retry policies", err)
			os.Exit(1)
		}
	}

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

	deps := []outbox.Dependency{{Name: "database", Ping: dbClient.Ping}}
	registryParams := dispatch.RegistryParams{Routes: routes}
	if topics := dispatch.Topics(routes); len(topics) > 0 {
		pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, topics, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		closers = append(closers, pubsubClient.Close)
		registryParams.PubSub = pubsubClient
		deps = append(deps, outbox.Dependency{Name: "pubsub", Ping: pubsubClient.Ping})
	}

	handlers, err := dispatch.BuildRegistry(registryParams)
	if err != nil {
		logg.Error(context.Background(), "failed to build dispatch registry", err)
		os.Exit(1)
	}

	workerID := instance.GetID()
	repo := outbox.NewRepository(dbClient.DB(), outbox.ResolveClaimStrategy(cfg.Outbox.ClaimStrategy, dbClient.Dialect()))
	worker, err := outbox.NewWorker(outbox.WorkerParams{
		Logger:          logg,
		Store:           repo,
		Handlers:        handlers,
		Policies:        policies,
		WorkerID:        workerID,
		BatchSize:       cfg.Outbox.BatchSize,
		PollInterval:    cfg.Outbox.PollInterval(),
		MaxBackoff:      cfg.Outbox.MaxBackoff(),
		DispatchTimeout: cfg.Outbox.DispatchTimeout,
		Dependencies:    deps,
		Metrics:         metrics.NewOutboxWorkerMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithWorkerID(ctx, workerID)
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"claim":       string(repo.Strategy()),
		"event_types": handlers.EventTypes(),
		"categories":  policies.Categories(),
	})
	logg.Info(ctx, "starting outbox worker")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := api.NewServer(":"+cfg.App.MetricsPort, mux)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return api.Serve(groupCtx, metricsServer, logg, api.DefaultShutdownTimeout)
	})
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox worker shutting down gracefully")
}
