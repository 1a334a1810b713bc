package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carrental/internal/clients"
	"carrental/internal/config"
	"carrental/internal/database"
	"carrental/internal/events"
	"carrental/internal/httpserver"
	"carrental/internal/logger"
	"carrental/internal/migrations"
	"carrental/internal/outbox"
	"carrental/internal/rental"
	"carrental/internal/scheduler"
	"carrental/internal/telemetry"
)

const serviceName = "rental-service"

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
	if err := cfg.Events.RequireBroker(); err != nil {
		return err
	}
	codec, err := cfg.Codec()
	if err != nil {
		return err
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, serviceName)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrations.Up(ctx, db, migrations.Rental); err != nil {
		return err
	}

	channel, err := events.Open(ctx, cfg.Events, logger.WithComponent(log, "events"))
	if err != nil {
		return err
	}
	defer channel.Close()

	ob := outbox.NewStore(db)
	dispatcher := outbox.NewDispatcher(channel.Publisher, ob,
		cfg.Outbox.PublishBudget, cfg.Outbox.PublishTimeout, logger.WithComponent(log, "outbox"))
	relay := outbox.NewRelay(ob, channel.Publisher, cfg.Outbox.SweepBatch, cfg.Outbox.MinAge, logger.WithComponent(log, "outbox"))

	hc := &http.Client{Timeout: cfg.Validation.Timeout}
	svc := rental.NewService(rental.Deps{
		Repository:        rental.NewSQLStore(db, ob),
		Users:             clients.NewUserDirectoryClient(cfg.Services.UsersURL, codec, hc, cfg.Breaker, cfg.Cache),
		Cars:              clients.NewCarInventoryClient(cfg.Services.InventoryURL, codec, hc, cfg.Breaker),
		Codec:             codec,
		Dispatcher:        dispatcher,
		ValidationTimeout: cfg.Validation.Timeout,
		Logger:            logger.WithComponent(log, "rental"),
	})

	sched := scheduler.New(logger.WithComponent(log, "scheduler"))
	if err := sched.Add(scheduler.Job{
		Name: "outbox-sweep",
		Spec: cfg.Outbox.SweepSchedule,
		Run: func(ctx context.Context) error {
			_, err := relay.SweepOnce(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	sched.Start()

	r := httpserver.NewRouter(serviceName, log)
	rental.NewHandler(svc).Register(r)
	r.Handle("/metrics", tp.Handler())

	serveErr := httpserver.Run(ctx, cfg.Server.Addr(), r, log)

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sched.Stop(drainCtx)
	if err := dispatcher.Wait(drainCtx); err != nil {
		log.Warn("in-flight publishes left for the next sweep", "error", err)
	}
	return serveErr
}
