package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/angelmondragon/eventrelay/api"
	"github.com/angelmondragon/eventrelay/api/controllers"
	"github.com/angelmondragon/eventrelay/api/routes"
	"github.com/angelmondragon/eventrelay/internal/webhooks"
	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/db"
	"github.com/angelmondragon/eventrelay/pkg/inbox"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/metrics"
	"github.com/angelmondragon/eventrelay/pkg/migrate"
	"github.com/angelmondragon/eventrelay/pkg/outbox"
	"github.com/angelmondragon/eventrelay/pkg/outbox/deadletter"
	"github.com/angelmondragon/eventrelay/pkg/outbox/monitor"
	pkgredis "github.com/angelmondragon/eventrelay/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	readiness := map[string]controllers.Pinger{"database": dbClient, "redis": nil}
	params := routes.RouterParams{
		Config:         cfg,
		Logger:         logg,
		Readiness:      readiness,
		MetricsHandler: promhttp.Handler(),
	}

	if cfg.Redis.Enabled() {
		redisClient, err := pkgredis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		closers = append(closers, redisClient.Close)
		readiness["redis"] = redisClient
		params.Idempotency = redisClient
	} else {
		logg.Warn(context.Background(), "redis not configured; admin idempotency keys are ignored")
	}

	repo := outbox.NewRepository(dbClient.DB(), outbox.ResolveClaimStrategy(cfg.Outbox.ClaimStrategy, dbClient.Dialect()))
	outboxService := outbox.NewService(repo, logg)

	inboxService, err := inbox.NewService(dbClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create inbox service", err)
		os.Exit(1)
	}
	params.Inbox = inboxService

	params.DeadLetters, err = deadletter.NewService(deadletter.ServiceParams{DB: dbClient.DB(), Logger: logg})
	if err != nil {
		logg.Error(context.Background(), "failed to create dead-letter service", err)
		os.Exit(1)
	}

	params.Monitor, err = monitor.NewService(monitor.ServiceParams{
		DB:             dbClient.DB(),
		Logger:         logg,
		StuckThreshold: cfg.Outbox.StuckThreshold,
		Sink:           metrics.NewQueueSink(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create queue monitor", err)
		os.Exit(1)
	}

	params.Webhooks, err = webhooks.NewService(webhooks.ServiceParams{
		Inbox:   inboxService,
		Outbox:  outboxService,
		Secrets: cfg.Webhooks.SecretFor,
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"addr":        addr,
		"claim":       string(repo.Strategy()),
	})
	logg.Info(ctx, "starting api server")

	server := api.NewServer(addr, routes.NewRouter(params))
	if err := api.Serve(ctx, server, logg, api.DefaultShutdownTimeout); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shutting down gracefully")
}
