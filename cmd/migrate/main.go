package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/angelmondragon/eventrelay/pkg/config"
	"github.com/angelmondragon/eventrelay/pkg/db"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/migrate"
	"github.com/joho/godotenv"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "migrate"})

	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|create|validate")
	dir := flag.String("dir", migrate.DefaultDir, "goose migrations directory")

	name := flag.String("name", "", "migration name (for create)")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")

	flag.Parse()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dialect := migrate.GooseDialect(cfg.DB.Driver)
	ctx = logg.WithFields(context.Background(), map[string]any{
		"env":     cfg.App.Env,
		"cmd":     *cmd,
		"dir":     *dir,
		"dialect": dialect,
	})

	switch *cmd {
	case "create":
		if *name == "" {
			fmt.Fprintln(os.Stderr, "missing -name for create")
			os.Exit(1)
		}
		logg.Info(ctx, "migrate ready")
		path, err := migrate.CreateSQLMigration(*dir, *name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("created migration:", path)
		return

	case "validate":
		logg.Info(ctx, "migrate ready")
		if err := migrate.ValidateDir(*dir); err != nil {
			fmt.Fprintf(os.Stderr, "migration validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("migration validation passed")
		return
	}

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	os.Exit(run(ctx, logg, dbClient, dialect, *cmd, *dir, *version))
}

func run(ctx context.Context, logg *logger.Logger, dbClient *db.Client, dialect, cmd, dir, version string) int {
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		logg.Error(ctx, "resource not working: sql database", err)
		return 1
	}

	logg.Info(ctx, "migrate ready")

	switch cmd {
	case "up", "down", "status":
		err = migrate.Run(ctx, sqlDB, dialect, dir, cmd)
	case "version":
		if version == "" {
			fmt.Fprintln(os.Stderr, "missing -version for version command")
			return 1
		}
		err = migrate.MigrateToVersion(ctx, sqlDB, dialect, dir, version)
	default:
		fmt.Fprintln(os.Stderr, "unknown -cmd value:", cmd)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "goose %s failed: %v\n", cmd, err)
		return 1
	}
	return 0
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
