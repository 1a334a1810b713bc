package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"carrental/internal/apperr"
	"carrental/internal/clients"
	"carrental/internal/config"
	"carrental/internal/httpserver"
	"carrental/internal/logger"
	"carrental/internal/metrics"
	"carrental/internal/telemetry"
)

const serviceName = "api-gateway"

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
		log.Error("gateway stopped", "error", err)
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

	r := httpserver.NewRouter(serviceName, log)
	routes := []struct {
		prefix string
		target string
	}{
		{"/users", cfg.Services.UsersURL},
		{"/cars", cfg.Services.InventoryURL},
		{"/rentals", cfg.Services.RentalsURL},
	}
	r.Route("/api/v1", func(api chi.Router) {
		for _, rt := range routes {
			proxy, err := newProxy(rt.target, log)
			if err != nil {
				log.Error("invalid upstream", "prefix", rt.prefix, "error", err)
				continue
			}
			h := http.StripPrefix("/api/v1", proxy)
			api.Handle(rt.prefix, h)
			api.Handle(rt.prefix+"/*", h)
		}
	})

	hc := &http.Client{Timeout: cfg.Validation.Timeout}
	agg := metrics.NewAggregator(
		clients.NewUserDirectoryClient(cfg.Services.UsersURL, codec, hc, cfg.Breaker, cfg.Cache),
		clients.NewCarInventoryClient(cfg.Services.InventoryURL, codec, hc, cfg.Breaker),
		clients.NewRentalStatsClient(cfg.Services.RentalsURL, hc, cfg.Breaker),
	)
	metrics.NewHandler(agg).Register(r)
	if err := tp.Registry.Register(metrics.NewCollector(agg, cfg.Validation.Timeout, logger.WithComponent(log, "metrics"))); err != nil {
		return fmt.Errorf("register summary collector: %w", err)
	}
	r.Handle("/metrics", tp.Handler())

	err = httpserver.Run(ctx, cfg.Server.Addr(), r, log)
	return errors.Join(err, tp.Shutdown(context.Background()))
}

func newProxy(target string, log *slog.Logger) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("upstream unavailable", "upstream", u.Host, "path", r.URL.Path, "error", err)
		apperr.Write(w, apperr.Unavailable(u.Host, err))
	}
	return proxy, nil
}
