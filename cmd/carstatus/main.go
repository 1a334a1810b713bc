package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"carrental/internal/carstatus"
	"carrental/internal/clients"
	"carrental/internal/config"
	"carrental/internal/database"
	"carrental/internal/events"
	"carrental/internal/httpserver"
	"carrental/internal/logger"
	"carrental/internal/migrations"
	"carrental/internal/scheduler"
	"carrental/internal/telemetry"
)

const serviceName = "car-status-consumer"

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

	pool, err := database.OpenPool(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer pool.Close()
	sqlDB := database.SQL(pool)
	err = migrations.Up(ctx, sqlDB, migrations.CarStatus)
	sqlDB.Close()
	if err != nil {
		return err
	}
	store := carstatus.NewStore(pool)

	channel, err := events.Open(ctx, cfg.Events, logger.WithComponent(log, "events"))
	if err != nil {
		return err
	}
	defer channel.Close()

	hc := &http.Client{Timeout: cfg.Validation.Timeout}
	cars := clients.NewCarInventoryClient(cfg.Services.InventoryURL, codec, hc, cfg.Breaker)
	consumer, err := carstatus.NewConsumer(cars, store, cfg.Consumer.DedupeCacheSize, logger.WithComponent(log, "consumer"))
	if err != nil {
		return err
	}

	sched := scheduler.New(logger.WithComponent(log, "scheduler"))
	reporter := carstatus.NewReporter(store, logger.WithComponent(log, "dead-letters"))
	if err := sched.Add(scheduler.Job{
		Name: "dead-letter-report",
		Spec: cfg.Consumer.DeadLetterReportSchedule,
		Run:  reporter.Report,
	}); err != nil {
		return err
	}

	r := httpserver.NewRouter(serviceName, log)
	r.Handle("/metrics", tp.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("consuming rental events", "driver", cfg.Events.Driver)
		return channel.Subscriber.Subscribe(gctx, consumer.Handler(events.Policy(cfg.Events.Retry), store))
	})
	g.Go(func() error {
		return httpserver.Run(gctx, cfg.Server.Addr(), r, log)
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
		return nil
	})
	return g.Wait()
}
