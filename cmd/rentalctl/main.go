// Command rentalctl is the operator tool for the rental platform: it
// inspects and replays dead letters, drains the outbox and prints the
// metrics summary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"carrental/internal/carstatus"
	"carrental/internal/clients"
	"carrental/internal/config"
	"carrental/internal/database"
	"carrental/internal/events"
	"carrental/internal/logger"
	"carrental/internal/metrics"
	"carrental/internal/outbox"
	"carrental/internal/pii"
)

// cli holds shared state. The open* hooks are swapped out in tests.
type cli struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
	out        io.Writer

	openDeadLetters func(ctx context.Context) (carstatus.DeadLetters, func(), error)
	openPublisher   func(ctx context.Context) (events.Publisher, error)
	openOutbox      func(ctx context.Context) (*outbox.Store, func(), error)
	openAggregator  func() (*metrics.Aggregator, error)
}

func newCLI(out io.Writer) *cli {
	c := &cli{out: out}
	c.openDeadLetters = c.pgDeadLetters
	c.openPublisher = c.channelPublisher
	c.openOutbox = c.sqlOutbox
	c.openAggregator = c.httpAggregator
	return c
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "rentalctl",
		Short:         "Operate the car rental platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "keygen" {
				return nil
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = logger.InitializeTo(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to the YAML config file")

	root.AddCommand(
		c.keygenCommand(),
		c.deadLettersCommand(),
		c.outboxCommand(),
		c.metricsCommand(),
	)
	return root
}

func (c *cli) keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a PII encryption key",
		Long:  "Print a fresh base64 key suitable for PII_ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := pii.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, key)
			return nil
		},
	}
}

func (c *cli) metricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the platform metrics summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agg, err := c.openAggregator()
			if err != nil {
				return err
			}
			snap, err := agg.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return c.printJSON(snap)
		},
	}
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) pgDeadLetters(ctx context.Context) (carstatus.DeadLetters, func(), error) {
	pool, err := database.OpenPool(ctx, c.cfg.Database, c.log)
	if err != nil {
		return nil, nil, err
	}
	return carstatus.NewStore(pool), pool.Close, nil
}

func (c *cli) channelPublisher(ctx context.Context) (events.Publisher, error) {
	if err := c.cfg.Events.RequireBroker(); err != nil {
		return nil, err
	}
	ch, err := events.Open(ctx, c.cfg.Events, c.log)
	if err != nil {
		return nil, err
	}
	return ch.Publisher, nil
}

func (c *cli) sqlOutbox(ctx context.Context) (*outbox.Store, func(), error) {
	db, err := database.Open(ctx, c.cfg.Database, c.log)
	if err != nil {
		return nil, nil, err
	}
	return outbox.NewStore(db), func() { db.Close() }, nil
}

func (c *cli) httpAggregator() (*metrics.Aggregator, error) {
	codec, err := c.cfg.Codec()
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: c.cfg.Validation.Timeout}
	return metrics.NewAggregator(
		clients.NewUserDirectoryClient(c.cfg.Services.UsersURL, codec, hc, c.cfg.Breaker, c.cfg.Cache),
		clients.NewCarInventoryClient(c.cfg.Services.InventoryURL, codec, hc, c.cfg.Breaker),
		clients.NewRentalStatsClient(c.cfg.Services.RentalsURL, hc, c.cfg.Breaker),
	), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCLI(os.Stdout).rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
