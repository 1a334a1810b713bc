package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"carrental/internal/config"
	"carrental/internal/database"
	"carrental/internal/httpserver"
	"carrental/internal/logger"
	"carrental/internal/migrations"
	"carrental/internal/telemetry"
	"carrental/internal/users"
)

const serviceName = "user-service"

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.Initialize(cfg.Log.Level, cfg.Log.Format).With("service", serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	codec, err := cfg.Codec()
	if err != nil {
		return err
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, serviceName)
	if err != nil {
		return err
	}

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrations.Up(ctx, db, migrations.Users); err != nil {
		return err
	}

	svc := users.NewService(db, codec, logger.WithComponent(log, "users"))
	r := httpserver.NewRouter(serviceName, log)
	users.NewHandler(svc).Register(r)
	r.Handle("/metrics", tp.Handler())

	err = httpserver.Run(ctx, cfg.Server.Addr(), r, log)
	return errors.Join(err, tp.Shutdown(context.Background()))
}
