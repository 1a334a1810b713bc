package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carrental/internal/chaos"
	"carrental/internal/config"
	"carrental/internal/events"
	"carrental/internal/logger"
	"carrental/internal/pii"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.Initialize(cfg.Log.Level, cfg.Log.Format).With("service", "chaos")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("game day failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// Drills only ever see synthetic data, so a throwaway key will do when
	// none is configured.
	codec, err := cfg.Codec()
	if err != nil {
		log.Info("no pii key configured, using an ephemeral one")
		encoded, err := pii.GenerateKey()
		if err != nil {
			return err
		}
		key, err := pii.ParseKey(encoded)
		if err != nil {
			return err
		}
		if codec, err = pii.NewCodec(key); err != nil {
			return err
		}
	}

	window := 2 * time.Second
	if v, err := time.ParseDuration(os.Getenv("CHAOS_WINDOW")); err == nil && v > 0 {
		window = v
	}

	labCfg := chaos.DefaultLabConfig()
	labCfg.Partitions = cfg.Events.Partitions
	labCfg.Retry = events.Policy(cfg.Events.Retry)
	lab, err := chaos.NewLab(codec, labCfg, logger.WithComponent(log, "lab"))
	if err != nil {
		return err
	}
	lab.Start(ctx)
	defer lab.Close()

	engine := chaos.NewEngine(log, 100*time.Millisecond)
	engine.Register(chaos.Standard(lab, window)...)

	return engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Booking consistency game day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     time.Second,
	}, os.Stdout)
}
